// Package geometry computes launch configurations (grid and block sizes)
// for compiled kernels. It never launches anything.
package geometry

import (
	"errors"
	"fmt"

	"github.com/axonlabs/gpu-bridge/internal/cuda"
)

var (
	// ErrGeometryTooSmall means no block size >= warp size satisfies the
	// shared-memory budget.
	ErrGeometryTooSmall = errors.New("expected block size is too small")
	// ErrShmemTooLarge means the per-thread shared memory alone exceeds the
	// device limit at any usable block size.
	ErrShmemTooLarge = errors.New("dynamic shared memory per thread exceeds the device limit")
)

// Geometry is a launch configuration.
type Geometry struct {
	GridSize  int64
	BlockSize int64
}

// Plan chooses a launch geometry for fn on dev.
//
// In maximize mode the block starts at the kernel's max threads per block
// and shrinks until static + perThread*block shared memory fits the device;
// the grid covers nitems. Otherwise the driver's occupancy calculator picks
// the block size, with dynamic shared memory reported as a function of block
// size and the block bounded by maxThreadsPerBlock (the process-wide
// minimum across devices).
func Plan(fn cuda.Function, dev cuda.Device, maximizeBlock bool,
	nitems int64, shmemPerThread int, maxThreadsPerBlock int) (Geometry, error) {

	staticShmem, err := fn.Attribute(cuda.FuncAttrSharedSizeBytes)
	if err != nil {
		return Geometry{}, err
	}

	if maximizeBlock {
		blockSize, err := fn.Attribute(cuda.FuncAttrMaxThreadsPerBlock)
		if err != nil {
			return Geometry{}, err
		}
		maxShmemPerBlock, err := dev.Attribute(cuda.DevAttrMaxSharedMemoryPerBlock)
		if err != nil {
			return Geometry{}, err
		}
		warpSize, err := dev.Attribute(cuda.DevAttrWarpSize)
		if err != nil {
			return Geometry{}, err
		}
		if staticShmem+shmemPerThread > maxShmemPerBlock {
			return Geometry{}, fmt.Errorf("%w: %d bytes/thread against %d bytes/block",
				ErrShmemTooLarge, shmemPerThread, maxShmemPerBlock)
		}
		for staticShmem+shmemPerThread*blockSize > maxShmemPerBlock {
			blockSize--
		}
		if blockSize < warpSize {
			return Geometry{}, fmt.Errorf("%w (%d)", ErrGeometryTooSmall, blockSize)
		}
		return Geometry{
			GridSize:  (nitems + int64(blockSize) - 1) / int64(blockSize),
			BlockSize: int64(blockSize),
		}, nil
	}

	gridSize, blockSize, err := fn.MaxPotentialBlockSize(func(block int) int {
		return shmemPerThread * block
	}, maxThreadsPerBlock)
	if err != nil {
		return Geometry{}, err
	}
	return Geometry{GridSize: int64(gridSize), BlockSize: int64(blockSize)}, nil
}
