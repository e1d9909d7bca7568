package plcuda

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Preprocessing error kinds. One parse accumulates every diagnostic into a
// single SourceError; errors.Is matches any kind it carries.
var (
	ErrParse              = errors.New("parse error")
	ErrUnknownDirective   = errors.New("unknown directive")
	ErrInfiniteInclusion  = errors.New("infinite inclusion")
	ErrHelperNotFound     = errors.New("helper function not found")
	ErrHelperWrongType    = errors.New("helper function has wrong type")
	ErrHelperAccessDenied = errors.New("permission denied on helper function")
)

// SourceError is the composite result of preprocessing: every diagnostic
// with its originating source name and line number.
type SourceError struct {
	kinds []error
	msgs  []string
}

func (e *SourceError) add(source string, lineno int, kind error, format string, args ...interface{}) {
	e.kinds = append(e.kinds, kind)
	e.msgs = append(e.msgs,
		fmt.Sprintf("%s(%d) ", source, lineno)+fmt.Sprintf(format, args...))
}

func (e *SourceError) empty() bool { return len(e.msgs) == 0 }

func (e *SourceError) Error() string {
	return "failed on kernel source construction:\n" + strings.Join(e.msgs, "\n")
}

// Is reports whether any accumulated diagnostic has the given kind.
func (e *SourceError) Is(target error) bool {
	for _, k := range e.kinds {
		if k == target {
			return true
		}
	}
	return false
}

// CompileError carries the full toolchain output of a failed compilation.
type CompileError struct {
	Log string
}

func (e *CompileError) Error() string {
	return "GPU code compilation failed.\n" + e.Log
}

// AbnormalExitError reports a child that exited with a code other than
// the result/null pair.
type AbnormalExitError struct {
	Code int
}

func (e *AbnormalExitError) Error() string {
	return fmt.Sprintf("GPU script was terminated abnormally (code: %d)", e.Code)
}

// SignalledError reports a child killed by a signal.
type SignalledError struct {
	Signal int
}

func (e *SignalledError) Error() string {
	return fmt.Sprintf("GPU script was terminated by signal: %d", e.Signal)
}
