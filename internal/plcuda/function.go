// Package plcuda executes user-defined functions whose body is GPU source
// code: it expands the annotated source, composes a self-contained
// translation unit, compiles it through a content-addressed cache, ships
// arguments through shared-memory segments to a child process and
// materializes the result back into host values.
package plcuda

import (
	"github.com/axonlabs/gpu-bridge/internal/pltype"
)

// FuncID identifies one function in the host catalog.
type FuncID uint32

// Function is the immutable compile unit: identity, signature and raw
// annotated source.
type Function struct {
	ID         FuncID
	Name       string
	Owner      string
	ArgTypes   []pltype.ID
	ResultType pltype.ID
	ReturnsSet bool
	Source     string
}

// Argument is one invocation argument in host representation.
type Argument struct {
	Null   bool
	Value  pltype.Datum // by-value payload
	Bytes  []byte       // by-reference payload; varlena carriers are fully de-toasted
	Handle []byte       // device IPC handle for a gstore
}

// Helper is a catalog function referenced from a #plcuda_include
// directive. Expand produces the text to substitute; it receives the
// enclosing invocation's arguments.
type Helper struct {
	ID         FuncID
	Name       string
	Owner      string
	ResultType pltype.ID
	Expand     func(args []Argument) (string, error)
}

// Catalog resolves helper references. Implementations return a nil Helper
// (and nil error) when no function matches the name and argument types.
type Catalog interface {
	LookupHelper(names []string, argTypes []pltype.ID) (*Helper, error)
}
