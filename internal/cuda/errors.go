package cuda

import (
	"errors"
	"fmt"
)

// Code is a driver or internal error code. Internal sentinels live far above
// the driver's code space so the two never collide.
type Code int

const (
	Success Code = 0

	// Internal sentinels raised by device kernels.
	sentinelBase          Code = 100000
	CodeCpuReCheck             = sentinelBase + 1
	CodeCudaInternal           = sentinelBase + 2
	CodeOutOfMemory            = sentinelBase + 3
	CodeOutOfSharedMemory      = sentinelBase + 4
	CodeDataStoreCorruption    = sentinelBase + 5
	CodeDataStoreNoSpace       = sentinelBase + 6
	CodeDataStoreOutOfRange    = sentinelBase + 7
	CodeSanityCheckViolation   = sentinelBase + 8
)

var sentinelText = map[Code]string{
	CodeCpuReCheck:           "CPU ReCheck",
	CodeCudaInternal:         "CUDA Internal Error",
	CodeOutOfMemory:          "Out of memory",
	CodeOutOfSharedMemory:    "Out of shared memory",
	CodeDataStoreCorruption:  "Data store corruption",
	CodeDataStoreNoSpace:     "Data store no space",
	CodeDataStoreOutOfRange:  "Data store out of range",
	CodeSanityCheckViolation: "Sanity check violation",
}

// driverErrorName is installed by the active driver implementation to render
// its own codes (symbolic name plus description). It may be nil.
var driverErrorName func(code Code) (name, desc string, ok bool)

// Fallback table for the common driver codes so ErrorText stays useful when
// no driver is loaded. Values follow the driver API's CUresult enumeration.
var driverText = map[Code][2]string{
	1:   {"CUDA_ERROR_INVALID_VALUE", "invalid argument"},
	2:   {"CUDA_ERROR_OUT_OF_MEMORY", "out of memory"},
	3:   {"CUDA_ERROR_NOT_INITIALIZED", "initialization error"},
	4:   {"CUDA_ERROR_DEINITIALIZED", "driver shutting down"},
	100: {"CUDA_ERROR_NO_DEVICE", "no CUDA-capable device is detected"},
	101: {"CUDA_ERROR_INVALID_DEVICE", "invalid device ordinal"},
	200: {"CUDA_ERROR_INVALID_IMAGE", "device kernel image is invalid"},
	201: {"CUDA_ERROR_INVALID_CONTEXT", "invalid device context"},
	700: {"CUDA_ERROR_ILLEGAL_ADDRESS", "an illegal memory access was encountered"},
	702: {"CUDA_ERROR_LAUNCH_TIMEOUT", "the launch timed out and was terminated"},
	719: {"CUDA_ERROR_LAUNCH_FAILED", "unspecified launch failure"},
	999: {"CUDA_ERROR_UNKNOWN", "unknown error"},
}

// ErrorText renders a driver or internal code as stable text. It is safe to
// call during error unwind; it never fails and allocates only the result.
func ErrorText(code Code) string {
	if text, ok := sentinelText[code]; ok {
		return text
	}
	if driverErrorName != nil {
		if name, desc, ok := driverErrorName(code); ok {
			return fmt.Sprintf("%s - %s", name, desc)
		}
	}
	if pair, ok := driverText[code]; ok {
		return fmt.Sprintf("%s - %s", pair[0], pair[1])
	}
	return fmt.Sprintf("%d - unknown", int(code))
}

// DriverError is a failed driver call.
type DriverError struct {
	Op   string // the driver entry point that failed
	Code Code
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("failed on %s: %s", e.Op, ErrorText(e.Code))
}

// Errf wraps a failed driver call into a DriverError.
func Errf(op string, code Code) error {
	return &DriverError{Op: op, Code: code}
}

// Sentinel errors for conditions that are not driver-call failures.
var (
	// ErrNoDevice is returned when no device passes the capability filter.
	ErrNoDevice = errors.New("no CUDA device found on the system")
	// ErrCudaUnavailable is returned by the stub driver built without CUDA.
	ErrCudaUnavailable = errors.New("binary was built without CUDA support")
)

// IsRecoverable reports whether the code may be retried on the CPU path
// when cpu_fallback is enabled.
func IsRecoverable(code Code) bool {
	return code == CodeCpuReCheck
}
