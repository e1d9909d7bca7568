package pltype

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Variable-length carrier: a 4-byte little-endian total size (header
// included) followed by the payload. Child programs read and write the
// same layout.

// VarlenaHeader is the carrier header width in bytes.
const VarlenaHeader = 4

// MakeVarlena wraps payload in a carrier.
func MakeVarlena(payload []byte) []byte {
	buf := make([]byte, VarlenaHeader+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))
	copy(buf[VarlenaHeader:], payload)
	return buf
}

// VarlenaSize reads the carrier's total size without bounds-checking the
// payload; callers validate against their buffer.
func VarlenaSize(buf []byte) (int, error) {
	if len(buf) < VarlenaHeader {
		return 0, errors.New("varlena carrier is truncated")
	}
	size := int(binary.LittleEndian.Uint32(buf))
	if size < VarlenaHeader {
		return 0, errors.Errorf("varlena carrier has bogus size %d", size)
	}
	return size, nil
}

// VarlenaData returns the payload of a carrier held in buf.
func VarlenaData(buf []byte) ([]byte, error) {
	size, err := VarlenaSize(buf)
	if err != nil {
		return nil, err
	}
	if size > len(buf) {
		return nil, errors.Errorf("varlena carrier size %d exceeds buffer %d", size, len(buf))
	}
	return buf[VarlenaHeader:size], nil
}
