package pltype

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Array carrier layout, after the 4-byte varlena header:
//
//	int32  ndim
//	int32  dataoffset   (0 when no element is null)
//	uint32 elemtype
//	int32  dims[ndim]
//	int32  lbound[ndim]
//	[null bitmap when dataoffset != 0]
//	element data, starting at dataoffset (or the aligned header end)
//
// The null bitmap packs one bit per element, LSB first; a clear bit marks
// a null element.

// Array is a parsed view over an array carrier. The element bytes are not
// copied; Data aliases the input buffer.
type Array struct {
	ElemType ID
	Dims     []int
	Lbounds  []int
	nullmap  []byte
	Data     []byte
}

const arrayFixedHeader = VarlenaHeader + 12 // ndim, dataoffset, elemtype

// Nitems is the total element count across all dimensions.
func (a *Array) Nitems() int {
	n := 1
	for _, d := range a.Dims {
		n *= d
	}
	return n
}

// IsNull reports whether the element at the flat index is null.
func (a *Array) IsNull(index int) bool {
	if a.nullmap == nil {
		return false
	}
	return a.nullmap[index>>3]&(1<<(index&7)) == 0
}

// ParseArray validates an array carrier and returns a view over it.
func ParseArray(buf []byte) (*Array, error) {
	total, err := VarlenaSize(buf)
	if err != nil {
		return nil, err
	}
	if total > len(buf) {
		return nil, errors.Errorf("array carrier size %d exceeds buffer %d", total, len(buf))
	}
	buf = buf[:total]
	if len(buf) < arrayFixedHeader {
		return nil, errors.New("array carrier is truncated")
	}
	ndim := int(int32(binary.LittleEndian.Uint32(buf[4:])))
	dataoffset := int(int32(binary.LittleEndian.Uint32(buf[8:])))
	elemtype := ID(binary.LittleEndian.Uint32(buf[12:]))
	if ndim < 1 || ndim > 2 {
		return nil, errors.Errorf("array carrier has unsupported dimensionality %d", ndim)
	}
	hdrEnd := arrayFixedHeader + 8*ndim
	if len(buf) < hdrEnd {
		return nil, errors.New("array carrier is truncated")
	}

	arr := &Array{ElemType: elemtype}
	for i := 0; i < ndim; i++ {
		arr.Dims = append(arr.Dims,
			int(int32(binary.LittleEndian.Uint32(buf[arrayFixedHeader+4*i:]))))
		arr.Lbounds = append(arr.Lbounds,
			int(int32(binary.LittleEndian.Uint32(buf[arrayFixedHeader+4*(ndim+i):]))))
	}

	dataStart := dataoffset
	if dataoffset == 0 {
		dataStart = int(AlignUp(int64(hdrEnd), MaxAlign))
	} else {
		bitmapLen := (arr.Nitems() + 7) / 8
		if hdrEnd+bitmapLen > dataoffset || dataoffset > len(buf) {
			return nil, errors.New("array carrier has bogus data offset")
		}
		arr.nullmap = buf[hdrEnd : hdrEnd+bitmapLen]
	}
	if dataStart > len(buf) {
		return nil, errors.New("array carrier is truncated")
	}
	arr.Data = buf[dataStart:]
	return arr, nil
}

// BuildArray assembles an array carrier. elements holds the encoded bytes
// of each non-null element in row-major order; a nil slice marks a null.
// Alignment between elements follows the element type's shape.
func BuildArray(elem ID, dims, lbounds []int, elements [][]byte) ([]byte, error) {
	info, err := Lookup(elem)
	if err != nil {
		return nil, err
	}
	nitems := 1
	for _, d := range dims {
		nitems *= d
	}
	if nitems != len(elements) {
		return nil, errors.Errorf("array dims name %d elements, got %d", nitems, len(elements))
	}

	hasNulls := false
	for _, e := range elements {
		if e == nil {
			hasNulls = true
			break
		}
	}

	hdrEnd := arrayFixedHeader + 8*len(dims)
	dataoffset := 0
	dataStart := int(AlignUp(int64(hdrEnd), MaxAlign))
	if hasNulls {
		bitmapLen := (nitems + 7) / 8
		dataStart = int(AlignUp(int64(hdrEnd+bitmapLen), MaxAlign))
		dataoffset = dataStart
	}

	var data []byte
	for _, e := range elements {
		if e == nil {
			continue
		}
		pad := int(AlignUp(int64(len(data)), info.Align)) - len(data)
		data = append(data, make([]byte, pad)...)
		data = append(data, e...)
	}

	buf := make([]byte, dataStart+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(dims)))
	binary.LittleEndian.PutUint32(buf[8:], uint32(dataoffset))
	binary.LittleEndian.PutUint32(buf[12:], uint32(elem))
	for i := range dims {
		binary.LittleEndian.PutUint32(buf[arrayFixedHeader+4*i:], uint32(dims[i]))
		binary.LittleEndian.PutUint32(buf[arrayFixedHeader+4*(len(dims)+i):], uint32(lbounds[i]))
	}
	if hasNulls {
		bitmap := buf[hdrEnd:]
		for i, e := range elements {
			if e != nil {
				bitmap[i>>3] |= 1 << (i & 7)
			}
		}
	}
	copy(buf[dataStart:], data)
	return buf, nil
}
