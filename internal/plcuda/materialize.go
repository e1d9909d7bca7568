package plcuda

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/axonlabs/gpu-bridge/internal/gpuctx"
	"github.com/axonlabs/gpu-bridge/internal/pltype"
)

// Value is one materialized host value. By-value payloads live in Datum;
// by-reference payloads are copied into the caller's arena and referenced
// through Bytes.
type Value struct {
	Null  bool
	Datum pltype.Datum
	Bytes []byte
}

// materializeScalar copies the child's result bytes out of the result
// segment into the caller's arena as a typed value.
func materializeScalar(resType pltype.ID, buf []byte, arena *gpuctx.Arena) (Value, error) {
	info, err := pltype.Lookup(resType)
	if err != nil {
		return Value{}, err
	}
	switch {
	case info.ByVal:
		if len(buf) < int(info.Len) {
			return Value{}, errors.New("result segment is shorter than the result type")
		}
		var d pltype.Datum
		switch info.Len {
		case 1:
			d = pltype.Datum(buf[0])
		case 2:
			d = pltype.Datum(binary.LittleEndian.Uint16(buf))
		case 4:
			d = pltype.Datum(binary.LittleEndian.Uint32(buf))
		case 8:
			d = pltype.Datum(binary.LittleEndian.Uint64(buf))
		default:
			return Value{}, errors.Errorf("unexpected by-value width %d", info.Len)
		}
		return Value{Datum: d}, nil
	case info.Len == pltype.HandleLen:
		// a gstore result travels as its 32-bit handle index
		if len(buf) < 4 {
			return Value{}, errors.New("result segment is shorter than the result type")
		}
		return Value{Datum: pltype.Datum(binary.LittleEndian.Uint32(buf))}, nil
	case info.Len > 0:
		if len(buf) < int(info.Len) {
			return Value{}, errors.New("result segment is shorter than the result type")
		}
		out := arena.Alloc(int(info.Len))
		copy(out, buf[:info.Len])
		return Value{Bytes: out}, nil
	case info.Len == pltype.VarLen:
		size, err := pltype.VarlenaSize(buf)
		if err != nil {
			return Value{}, err
		}
		if size > len(buf) {
			return Value{}, errors.New("result carrier overruns the result segment")
		}
		out := arena.Alloc(size)
		copy(out, buf[:size])
		return Value{Bytes: out}, nil
	default:
		return Value{}, errors.Errorf("unexpected result type: %s", pltype.Name(resType))
	}
}

// SetResult walks an array-shaped result row by row. A 1-D array yields
// one scalar per row; a 2-D array of nattrs x nitems yields rows of nattrs
// columns. Null elements come from the array's null bitmap and do not
// consume data bytes.
type SetResult struct {
	arr    *pltype.Array
	info   pltype.Info
	nattrs int
	nitems int
	row    int
	index  int
	cursor int
}

// NewSetResult validates the array carrier of a set-returning invocation.
// When the declared element type is known it must match the carrier's.
func NewSetResult(carrier []byte, elemType pltype.ID) (*SetResult, error) {
	arr, err := pltype.ParseArray(carrier)
	if err != nil {
		return nil, err
	}
	if elemType != 0 && arr.ElemType != elemType {
		return nil, errors.Errorf("GPU code returned wrong type: %s, not %s",
			pltype.Name(arr.ElemType), pltype.Name(elemType))
	}
	info, err := pltype.Lookup(arr.ElemType)
	if err != nil {
		return nil, err
	}

	sr := &SetResult{arr: arr, info: info}
	switch len(arr.Dims) {
	case 1:
		if arr.Lbounds[0] != 0 {
			return nil, errors.New("GPU code made a wrong result array")
		}
		sr.nattrs = 1
		sr.nitems = arr.Dims[0]
	case 2:
		if arr.Lbounds[0] != 0 || arr.Lbounds[1] != 0 {
			return nil, errors.New("GPU code made a wrong result array")
		}
		sr.nattrs = arr.Dims[0]
		sr.nitems = arr.Dims[1]
	default:
		return nil, errors.New("GPU code made a wrong result array")
	}
	return sr, nil
}

// Nitems is the number of rows the result yields.
func (sr *SetResult) Nitems() int { return sr.nitems }

// Nattrs is the number of columns per row.
func (sr *SetResult) Nattrs() int { return sr.nattrs }

// Next returns the next row, or ok=false past the last one.
func (sr *SetResult) Next() ([]Value, bool, error) {
	if sr.row >= sr.nitems {
		return nil, false, nil
	}
	row := make([]Value, sr.nattrs)
	for j := 0; j < sr.nattrs; j++ {
		if sr.arr.IsNull(sr.index) {
			row[j] = Value{Null: true}
			sr.index++
			continue
		}
		v, err := sr.fetch()
		if err != nil {
			return nil, false, err
		}
		row[j] = v
		sr.index++
	}
	sr.row++
	return row, true, nil
}

// fetch reads one non-null element at the cursor and advances it.
func (sr *SetResult) fetch() (Value, error) {
	data := sr.arr.Data
	sr.cursor = int(pltype.AlignUp(int64(sr.cursor), sr.info.Align))
	if sr.cursor >= len(data) {
		return Value{}, errors.New("corruption of the result array")
	}
	switch {
	case sr.info.ByVal:
		if sr.cursor+int(sr.info.Len) > len(data) {
			return Value{}, errors.New("corruption of the result array")
		}
		var d pltype.Datum
		switch sr.info.Len {
		case 1:
			d = pltype.Datum(data[sr.cursor])
		case 2:
			d = pltype.Datum(binary.LittleEndian.Uint16(data[sr.cursor:]))
		case 4:
			d = pltype.Datum(binary.LittleEndian.Uint32(data[sr.cursor:]))
		case 8:
			d = pltype.Datum(binary.LittleEndian.Uint64(data[sr.cursor:]))
		}
		sr.cursor += int(sr.info.Len)
		return Value{Datum: d}, nil
	case sr.info.Len > 0:
		if sr.cursor+int(sr.info.Len) > len(data) {
			return Value{}, errors.New("corruption of the result array")
		}
		v := Value{Bytes: data[sr.cursor : sr.cursor+int(sr.info.Len)]}
		sr.cursor += int(sr.info.Len)
		return v, nil
	case sr.info.Len == pltype.VarLen:
		size, err := pltype.VarlenaSize(data[sr.cursor:])
		if err != nil {
			return Value{}, errors.Wrap(err, "corruption of the result array")
		}
		if sr.cursor+size > len(data) {
			return Value{}, errors.New("corruption of the result array")
		}
		v := Value{Bytes: data[sr.cursor : sr.cursor+size]}
		sr.cursor += size
		return v, nil
	default:
		return Value{}, errors.New("result array has an unknown element type")
	}
}
