//go:build !cuda
// +build !cuda

package cuda

// NewDriver returns a stub driver when built without the cuda tag. Init
// fails with ErrCudaUnavailable so callers surface a clear startup error.
func NewDriver() Driver {
	return &stubDriver{}
}

type stubDriver struct{}

func (d *stubDriver) Init() error {
	return ErrCudaUnavailable
}

func (d *stubDriver) DeviceCount() (int, error) {
	return 0, ErrCudaUnavailable
}

func (d *stubDriver) DeviceByOrdinal(ordinal int) (Device, error) {
	return nil, ErrCudaUnavailable
}

// LoadModule is unavailable without CUDA support.
func LoadModule(path string) (Module, error) {
	return nil, ErrCudaUnavailable
}
