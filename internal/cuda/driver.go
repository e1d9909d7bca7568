package cuda

// DeviceAttribute identifies a per-device property queried from the driver.
// Values match the driver API's CUdevice_attribute enumeration so the cgo
// implementation can pass them through unchanged.
type DeviceAttribute int

const (
	DevAttrMaxThreadsPerBlock            DeviceAttribute = 1
	DevAttrMaxBlockDimX                  DeviceAttribute = 2
	DevAttrMaxBlockDimY                  DeviceAttribute = 3
	DevAttrMaxBlockDimZ                  DeviceAttribute = 4
	DevAttrMaxGridDimX                   DeviceAttribute = 5
	DevAttrMaxGridDimY                   DeviceAttribute = 6
	DevAttrMaxGridDimZ                   DeviceAttribute = 7
	DevAttrMaxSharedMemoryPerBlock       DeviceAttribute = 8
	DevAttrTotalConstantMemory           DeviceAttribute = 9
	DevAttrWarpSize                      DeviceAttribute = 10
	DevAttrMaxPitch                      DeviceAttribute = 11
	DevAttrMaxRegistersPerBlock          DeviceAttribute = 12
	DevAttrClockRate                     DeviceAttribute = 13
	DevAttrTextureAlignment              DeviceAttribute = 14
	DevAttrMultiprocessorCount           DeviceAttribute = 16
	DevAttrKernelExecTimeout             DeviceAttribute = 17
	DevAttrIntegrated                    DeviceAttribute = 18
	DevAttrCanMapHostMemory              DeviceAttribute = 19
	DevAttrComputeMode                   DeviceAttribute = 20
	DevAttrSurfaceAlignment              DeviceAttribute = 30
	DevAttrConcurrentKernels             DeviceAttribute = 31
	DevAttrECCEnabled                    DeviceAttribute = 32
	DevAttrPCIBusID                      DeviceAttribute = 33
	DevAttrPCIDeviceID                   DeviceAttribute = 34
	DevAttrTCCDriver                     DeviceAttribute = 35
	DevAttrMemoryClockRate               DeviceAttribute = 36
	DevAttrGlobalMemoryBusWidth          DeviceAttribute = 37
	DevAttrL2CacheSize                   DeviceAttribute = 38
	DevAttrMaxThreadsPerMultiprocessor   DeviceAttribute = 39
	DevAttrAsyncEngineCount              DeviceAttribute = 40
	DevAttrUnifiedAddressing             DeviceAttribute = 41
	DevAttrPCIDomainID                   DeviceAttribute = 50
	DevAttrComputeCapabilityMajor        DeviceAttribute = 75
	DevAttrComputeCapabilityMinor        DeviceAttribute = 76
	DevAttrStreamPrioritiesSupported     DeviceAttribute = 78
	DevAttrGlobalL1CacheSupported        DeviceAttribute = 79
	DevAttrLocalL1CacheSupported         DeviceAttribute = 80
	DevAttrMaxSharedMemoryPerMultiproc   DeviceAttribute = 81
	DevAttrMaxRegistersPerMultiprocessor DeviceAttribute = 82
	DevAttrManagedMemory                 DeviceAttribute = 83
	DevAttrMultiGPUBoard                 DeviceAttribute = 84
	DevAttrMultiGPUBoardGroupID          DeviceAttribute = 85
)

// FuncAttribute identifies a per-kernel property. Values match the driver
// API's CUfunction_attribute enumeration.
type FuncAttribute int

const (
	FuncAttrMaxThreadsPerBlock FuncAttribute = 0
	FuncAttrSharedSizeBytes    FuncAttribute = 1
)

// Compute-mode values reported by DevAttrComputeMode.
const (
	ComputeModeDefault          = 0
	ComputeModeExclusive        = 1
	ComputeModeProhibited       = 2
	ComputeModeExclusiveProcess = 3
)

// Driver is the seam to the CUDA driver API. The production implementation
// is selected by the "cuda" build tag; tests supply fakes.
type Driver interface {
	// Init initializes the driver runtime. Idempotent.
	Init() error
	// DeviceCount reports the number of devices visible to the driver.
	DeviceCount() (int, error)
	// DeviceByOrdinal returns a handle for the i-th device.
	DeviceByOrdinal(ordinal int) (Device, error)
}

// Device is a driver-level device handle.
type Device interface {
	Ordinal() int
	Name() (string, error)
	TotalMem() (uint64, error)
	Attribute(attr DeviceAttribute) (int, error)
	// CreateContext creates a per-device context for the calling session.
	CreateContext() (Context, error)
}

// Context is a per-device driver context (a sub-context in registry terms).
type Context interface {
	Device() Device
	// SetCurrent binds the context to the calling thread.
	SetCurrent() error
	// Synchronize blocks until all work queued on the context has drained.
	Synchronize() error
	// CreateStream creates a non-blocking stream on this context.
	CreateStream() (Stream, error)
	Destroy() error
}

// Stream is a driver-level ordered queue of device operations.
type Stream interface {
	Synchronize() error
	Destroy() error
}

// Module is a loaded device code image.
type Module interface {
	Function(name string) (Function, error)
	Unload() error
}

// Function is a kernel handle usable for geometry planning.
type Function interface {
	Attribute(attr FuncAttribute) (int, error)
	// MaxPotentialBlockSize runs the driver's occupancy calculator.
	// dynamicShmem reports the dynamic shared memory required for a given
	// block size; blockSizeLimit caps the candidate block sizes.
	MaxPotentialBlockSize(dynamicShmem func(blockSize int) int, blockSizeLimit int) (gridSize, blockSize int, err error)
}
