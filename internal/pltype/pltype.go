// Package pltype is the seam to the host type system: stable type
// identifiers, their physical properties (length, pass-by-value,
// alignment), and the on-wire carriers shared with child programs.
package pltype

import (
	"github.com/pkg/errors"
)

// ID identifies a host type. The builtin identifiers reuse the host
// catalog's numbering so dumps line up with the host side.
type ID uint32

const (
	Bool   ID = 16
	Bytea  ID = 17
	Int8   ID = 20
	Int2   ID = 21
	Int4   ID = 23
	Text   ID = 25
	Float4 ID = 700
	Float8 ID = 701
	GStore ID = 6050
)

// Physical length markers.
const (
	VarLen    = -1 // variable-length carrier
	HandleLen = -2 // passed as a device IPC handle, never by value
)

// MaxAlign is the strictest alignment any carrier requires.
const MaxAlign = 8

// Info is the physical shape of a type.
type Info struct {
	Len   int16 // fixed width, VarLen, or HandleLen
	ByVal bool
	Align int // 1, 2, 4 or 8
}

var catalog = map[ID]Info{
	Bool:   {Len: 1, ByVal: true, Align: 1},
	Int2:   {Len: 2, ByVal: true, Align: 2},
	Int4:   {Len: 4, ByVal: true, Align: 4},
	Int8:   {Len: 8, ByVal: true, Align: 8},
	Float4: {Len: 4, ByVal: true, Align: 4},
	Float8: {Len: 8, ByVal: true, Align: 8},
	Bytea:  {Len: VarLen, ByVal: false, Align: 4},
	Text:   {Len: VarLen, ByVal: false, Align: 4},
	GStore: {Len: HandleLen, ByVal: false, Align: 8},
}

var typeNames = map[ID]string{
	Bool:   "bool",
	Bytea:  "bytea",
	Int8:   "int8",
	Int2:   "int2",
	Int4:   "int4",
	Text:   "text",
	Float4: "float4",
	Float8: "float8",
	GStore: "reggstore",
}

// Lookup returns the physical shape of a type.
func Lookup(id ID) (Info, error) {
	info, ok := catalog[id]
	if !ok {
		return Info{}, errors.Errorf("type %d is not known to the device runtime", uint32(id))
	}
	return info, nil
}

// Name renders a type identifier for diagnostics.
func Name(id ID) string {
	if s, ok := typeNames[id]; ok {
		return s
	}
	return "unknown"
}

// Supported reports whether a type may cross the device boundary:
// pass-by-value, fixed-length or variable-length.
func Supported(id ID) bool {
	info, ok := catalog[id]
	if !ok {
		return false
	}
	return info.ByVal || info.Len > 0 || info.Len == VarLen || info.Len == HandleLen
}

// AlignUp rounds n up to the next multiple of align (a power of two).
func AlignUp(n int64, align int) int64 {
	a := int64(align)
	return (n + a - 1) &^ (a - 1)
}

// Datum is a by-value payload, at most 8 bytes wide.
type Datum uint64
