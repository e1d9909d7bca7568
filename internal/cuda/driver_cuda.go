//go:build cuda
// +build cuda

package cuda

/*
#cgo LDFLAGS: -lcuda
#include <cuda.h>
#include <stdlib.h>

extern size_t gpubridgeOccupancyShmem(int blockSize);

static CUresult occupancyMaxPotentialBlockSize(int *minGrid, int *blockSize,
                                               CUfunction fn, int blockSizeLimit)
{
	return cuOccupancyMaxPotentialBlockSize(minGrid, blockSize, fn,
	                                        gpubridgeOccupancyShmem,
	                                        0, blockSizeLimit);
}
*/
import "C"
import (
	"sync"
	"unsafe"
)

// occupancyShmem holds the dynamic shared-memory closure for the duration of
// one occupancy query; the driver calls back through a C trampoline which
// cannot carry a Go closure.
var (
	occupancyMu    sync.Mutex
	occupancyShmem func(blockSize int) int
)

//export gpubridgeOccupancyShmem
func gpubridgeOccupancyShmem(blockSize C.int) C.size_t {
	if occupancyShmem == nil {
		return 0
	}
	return C.size_t(occupancyShmem(int(blockSize)))
}

type cudaDriver struct {
	initOnce sync.Once
	initErr  error
}

// NewDriver returns the CUDA driver API implementation.
func NewDriver() Driver {
	return &cudaDriver{}
}

func init() {
	driverErrorName = func(code Code) (string, string, bool) {
		var cname, cdesc *C.char
		if C.cuGetErrorName(C.CUresult(code), &cname) != C.CUDA_SUCCESS {
			return "", "", false
		}
		if C.cuGetErrorString(C.CUresult(code), &cdesc) != C.CUDA_SUCCESS {
			return "", "", false
		}
		return C.GoString(cname), C.GoString(cdesc), true
	}
}

func (d *cudaDriver) Init() error {
	d.initOnce.Do(func() {
		if rc := C.cuInit(0); rc != C.CUDA_SUCCESS {
			d.initErr = Errf("cuInit", Code(rc))
		}
	})
	return d.initErr
}

func (d *cudaDriver) DeviceCount() (int, error) {
	var count C.int
	if rc := C.cuDeviceGetCount(&count); rc != C.CUDA_SUCCESS {
		return 0, Errf("cuDeviceGetCount", Code(rc))
	}
	return int(count), nil
}

func (d *cudaDriver) DeviceByOrdinal(ordinal int) (Device, error) {
	var dev C.CUdevice
	if rc := C.cuDeviceGet(&dev, C.int(ordinal)); rc != C.CUDA_SUCCESS {
		return nil, Errf("cuDeviceGet", Code(rc))
	}
	return &cudaDevice{handle: dev, ordinal: ordinal}, nil
}

type cudaDevice struct {
	handle  C.CUdevice
	ordinal int
}

func (d *cudaDevice) Ordinal() int { return d.ordinal }

func (d *cudaDevice) Name() (string, error) {
	buf := make([]byte, 256)
	rc := C.cuDeviceGetName((*C.char)(unsafe.Pointer(&buf[0])), C.int(len(buf)), d.handle)
	if rc != C.CUDA_SUCCESS {
		return "", Errf("cuDeviceGetName", Code(rc))
	}
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n]), nil
}

func (d *cudaDevice) TotalMem() (uint64, error) {
	var sz C.size_t
	if rc := C.cuDeviceTotalMem(&sz, d.handle); rc != C.CUDA_SUCCESS {
		return 0, Errf("cuDeviceTotalMem", Code(rc))
	}
	return uint64(sz), nil
}

func (d *cudaDevice) Attribute(attr DeviceAttribute) (int, error) {
	var v C.int
	rc := C.cuDeviceGetAttribute(&v, C.CUdevice_attribute(attr), d.handle)
	if rc != C.CUDA_SUCCESS {
		return 0, Errf("cuDeviceGetAttribute", Code(rc))
	}
	return int(v), nil
}

func (d *cudaDevice) CreateContext() (Context, error) {
	var ctx C.CUcontext
	if rc := C.cuCtxCreate(&ctx, 0, d.handle); rc != C.CUDA_SUCCESS {
		return nil, Errf("cuCtxCreate", Code(rc))
	}
	return &cudaContext{handle: ctx, dev: d}, nil
}

type cudaContext struct {
	handle C.CUcontext
	dev    *cudaDevice
}

func (c *cudaContext) Device() Device { return c.dev }

func (c *cudaContext) SetCurrent() error {
	if rc := C.cuCtxSetCurrent(c.handle); rc != C.CUDA_SUCCESS {
		return Errf("cuCtxSetCurrent", Code(rc))
	}
	return nil
}

func (c *cudaContext) Synchronize() error {
	if err := c.SetCurrent(); err != nil {
		return err
	}
	if rc := C.cuCtxSynchronize(); rc != C.CUDA_SUCCESS {
		return Errf("cuCtxSynchronize", Code(rc))
	}
	return nil
}

func (c *cudaContext) CreateStream() (Stream, error) {
	if err := c.SetCurrent(); err != nil {
		return nil, err
	}
	var st C.CUstream
	if rc := C.cuStreamCreate(&st, C.CU_STREAM_NON_BLOCKING); rc != C.CUDA_SUCCESS {
		return nil, Errf("cuStreamCreate", Code(rc))
	}
	return &cudaStream{handle: st}, nil
}

func (c *cudaContext) Destroy() error {
	if rc := C.cuCtxDestroy(c.handle); rc != C.CUDA_SUCCESS {
		return Errf("cuCtxDestroy", Code(rc))
	}
	return nil
}

type cudaStream struct {
	handle C.CUstream
}

func (s *cudaStream) Synchronize() error {
	if rc := C.cuStreamSynchronize(s.handle); rc != C.CUDA_SUCCESS {
		return Errf("cuStreamSynchronize", Code(rc))
	}
	return nil
}

func (s *cudaStream) Destroy() error {
	if rc := C.cuStreamDestroy(s.handle); rc != C.CUDA_SUCCESS {
		return Errf("cuStreamDestroy", Code(rc))
	}
	return nil
}

type cudaModule struct {
	handle C.CUmodule
}

// LoadModule loads a compiled device image from a file path.
func LoadModule(path string) (Module, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	var mod C.CUmodule
	if rc := C.cuModuleLoad(&mod, cpath); rc != C.CUDA_SUCCESS {
		return nil, Errf("cuModuleLoad", Code(rc))
	}
	return &cudaModule{handle: mod}, nil
}

func (m *cudaModule) Function(name string) (Function, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var fn C.CUfunction
	if rc := C.cuModuleGetFunction(&fn, m.handle, cname); rc != C.CUDA_SUCCESS {
		return nil, Errf("cuModuleGetFunction", Code(rc))
	}
	return &cudaFunction{handle: fn}, nil
}

func (m *cudaModule) Unload() error {
	if rc := C.cuModuleUnload(m.handle); rc != C.CUDA_SUCCESS {
		return Errf("cuModuleUnload", Code(rc))
	}
	return nil
}

type cudaFunction struct {
	handle C.CUfunction
}

func (f *cudaFunction) Attribute(attr FuncAttribute) (int, error) {
	var v C.int
	rc := C.cuFuncGetAttribute(&v, C.CUfunction_attribute(attr), f.handle)
	if rc != C.CUDA_SUCCESS {
		return 0, Errf("cuFuncGetAttribute", Code(rc))
	}
	return int(v), nil
}

func (f *cudaFunction) MaxPotentialBlockSize(dynamicShmem func(blockSize int) int, blockSizeLimit int) (int, int, error) {
	occupancyMu.Lock()
	defer occupancyMu.Unlock()
	occupancyShmem = dynamicShmem
	defer func() { occupancyShmem = nil }()

	var minGrid, blockSize C.int
	rc := C.occupancyMaxPotentialBlockSize(&minGrid, &blockSize, f.handle, C.int(blockSizeLimit))
	if rc != C.CUDA_SUCCESS {
		return 0, 0, Errf("cuOccupancyMaxPotentialBlockSize", Code(rc))
	}
	return int(minGrid), int(blockSize), nil
}
