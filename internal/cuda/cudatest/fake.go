// Package cudatest provides fake driver implementations for tests. They
// model just enough of the driver API surface: attribute maps,
// context/stream lifecycles with destroy counting, and a deterministic
// occupancy calculator.
package cudatest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/axonlabs/gpu-bridge/internal/cuda"
)

type FakeDriver struct {
	Devices  []*FakeDevice
	InitErr  error
	numInits atomic.Int32
}

func (d *FakeDriver) Init() error {
	d.numInits.Add(1)
	return d.InitErr
}

func (d *FakeDriver) InitCalls() int { return int(d.numInits.Load()) }

func (d *FakeDriver) DeviceCount() (int, error) {
	return len(d.Devices), nil
}

func (d *FakeDriver) DeviceByOrdinal(ordinal int) (cuda.Device, error) {
	if ordinal < 0 || ordinal >= len(d.Devices) {
		return nil, cuda.Errf("cuDeviceGet", 101)
	}
	return d.Devices[ordinal], nil
}

type FakeDevice struct {
	DeviceOrdinal int
	DeviceName    string
	Memory        uint64
	Attrs         map[cuda.DeviceAttribute]int

	mu       sync.Mutex
	Contexts []*FakeContext
}

func (d *FakeDevice) Ordinal() int { return d.DeviceOrdinal }

func (d *FakeDevice) Name() (string, error) { return d.DeviceName, nil }

func (d *FakeDevice) TotalMem() (uint64, error) { return d.Memory, nil }

func (d *FakeDevice) Attribute(attr cuda.DeviceAttribute) (int, error) {
	if v, ok := d.Attrs[attr]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("fake device %d: attribute %d not stubbed", d.DeviceOrdinal, attr)
}

func (d *FakeDevice) CreateContext() (cuda.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx := &FakeContext{dev: d}
	d.Contexts = append(d.Contexts, ctx)
	return ctx, nil
}

type FakeContext struct {
	dev *FakeDevice

	SyncErr    error
	DestroyErr error

	Synced    atomic.Int32
	Destroyed atomic.Bool
	Streams   []*FakeStream
	mu        sync.Mutex
}

func (c *FakeContext) Device() cuda.Device { return c.dev }

func (c *FakeContext) SetCurrent() error { return nil }

func (c *FakeContext) Synchronize() error {
	c.Synced.Add(1)
	return c.SyncErr
}

func (c *FakeContext) CreateStream() (cuda.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := &FakeStream{}
	c.Streams = append(c.Streams, st)
	return st, nil
}

func (c *FakeContext) Destroy() error {
	c.Destroyed.Store(true)
	return c.DestroyErr
}

type FakeStream struct {
	Destroyed atomic.Bool
}

func (s *FakeStream) Synchronize() error { return nil }

func (s *FakeStream) Destroy() error {
	s.Destroyed.Store(true)
	return nil
}

// FakeFunction models a compiled kernel for geometry planner tests.
type FakeFunction struct {
	MaxThreads   int
	StaticShmem  int
	OccupancyErr error
}

func (f *FakeFunction) Attribute(attr cuda.FuncAttribute) (int, error) {
	switch attr {
	case cuda.FuncAttrMaxThreadsPerBlock:
		return f.MaxThreads, nil
	case cuda.FuncAttrSharedSizeBytes:
		return f.StaticShmem, nil
	}
	return 0, fmt.Errorf("fake function: attribute %d not stubbed", attr)
}

// MaxPotentialBlockSize picks the largest block size not exceeding the limit
// whose dynamic shared memory stays under 48KB, mimicking the real
// calculator's shape without occupancy tables.
func (f *FakeFunction) MaxPotentialBlockSize(dynamicShmem func(blockSize int) int, blockSizeLimit int) (int, int, error) {
	if f.OccupancyErr != nil {
		return 0, 0, f.OccupancyErr
	}
	block := f.MaxThreads
	if blockSizeLimit > 0 && block > blockSizeLimit {
		block = blockSizeLimit
	}
	for block > 0 && dynamicShmem(block) > 48*1024 {
		block /= 2
	}
	if block == 0 {
		return 0, 0, cuda.Errf("cuOccupancyMaxPotentialBlockSize", 1)
	}
	return 1, block, nil
}
