package device

import (
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/cuda"
)

// Record holds the properties of one accepted device. Immutable after
// Discover returns.
type Record struct {
	Ordinal             int
	Name                string
	TotalMem            uint64
	MaxThreadsPerBlock  int
	WarpSize            int
	L2CacheSize         int
	MemoryClockKHz      int
	MemoryBusWidth      int
	MultiprocessorCount int
	ClockKHz            int
	Major               int
	Minor               int

	handle cuda.Device
}

// Handle returns the driver handle of the device.
func (r Record) Handle() cuda.Device { return r.handle }

// ComputeCapability packs major/minor into the sm_XX architecture number.
func (r Record) ComputeCapability() int { return 10*r.Major + r.Minor }

// Inventory is the filtered device set plus the process-wide minima derived
// from it. Devices with compute capability major < 3 are excluded.
type Inventory struct {
	Devices []Record

	// MaxMallocSize is the smallest single-allocation cap across devices:
	// one third of device memory rounded down to 1MiB.
	MaxMallocSize uint64
	// MaxThreadsPerBlock is the smallest per-device limit.
	MaxThreadsPerBlock int
	// ComputeCapability is the smallest 10*major+minor across devices.
	ComputeCapability int
}

// Ordinals lists the accepted device ordinals.
func (inv *Inventory) Ordinals() []int {
	return lo.Map(inv.Devices, func(r Record, _ int) int { return r.Ordinal })
}

func probeDevice(drv cuda.Driver, ordinal int) (Record, error) {
	dev, err := drv.DeviceByOrdinal(ordinal)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Ordinal: ordinal, handle: dev}
	if rec.Name, err = dev.Name(); err != nil {
		return Record{}, err
	}
	if rec.TotalMem, err = dev.TotalMem(); err != nil {
		return Record{}, err
	}
	for _, probe := range []struct {
		attr cuda.DeviceAttribute
		dst  *int
	}{
		{cuda.DevAttrMaxThreadsPerBlock, &rec.MaxThreadsPerBlock},
		{cuda.DevAttrWarpSize, &rec.WarpSize},
		{cuda.DevAttrL2CacheSize, &rec.L2CacheSize},
		{cuda.DevAttrMemoryClockRate, &rec.MemoryClockKHz},
		{cuda.DevAttrGlobalMemoryBusWidth, &rec.MemoryBusWidth},
		{cuda.DevAttrMultiprocessorCount, &rec.MultiprocessorCount},
		{cuda.DevAttrClockRate, &rec.ClockKHz},
		{cuda.DevAttrComputeCapabilityMajor, &rec.Major},
		{cuda.DevAttrComputeCapabilityMinor, &rec.Minor},
	} {
		if *probe.dst, err = dev.Attribute(probe.attr); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// Discover enumerates devices, logs their properties, filters out devices
// older than compute capability 3.0 and derives the process-wide minima.
// Probing is idempotent; the returned set is immutable.
func Discover(drv cuda.Driver, log *zap.Logger) (*Inventory, error) {
	if err := drv.Init(); err != nil {
		return nil, err
	}
	count, err := drv.DeviceCount()
	if err != nil {
		return nil, err
	}

	inv := &Inventory{
		MaxMallocSize:      ^uint64(0),
		MaxThreadsPerBlock: int(^uint(0) >> 1),
		ComputeCapability:  int(^uint(0) >> 1),
	}
	for i := 0; i < count; i++ {
		rec, err := probeDevice(drv, i)
		if err != nil {
			return nil, err
		}
		supported := rec.Major >= 3
		suffix := ""
		if !supported {
			suffix = ", NOT SUPPORTED"
		}
		log.Info(fmt.Sprintf(
			"GPU device[%d] %s (%d of SMs (%dMHz), L2 %dKB, RAM %dMB (%dbits, %dKHz), compute capability %d.%d%s)",
			rec.Ordinal, rec.Name,
			rec.MultiprocessorCount, rec.ClockKHz/1000,
			rec.L2CacheSize>>10, rec.TotalMem>>20,
			rec.MemoryBusWidth, rec.MemoryClockKHz,
			rec.Major, rec.Minor, suffix))
		if !supported {
			continue
		}

		inv.Devices = append(inv.Devices, rec)
		if mallocCap := (rec.TotalMem / 3) &^ ((1 << 20) - 1); mallocCap < inv.MaxMallocSize {
			inv.MaxMallocSize = mallocCap
		}
		if rec.MaxThreadsPerBlock < inv.MaxThreadsPerBlock {
			inv.MaxThreadsPerBlock = rec.MaxThreadsPerBlock
		}
		if cc := rec.ComputeCapability(); cc < inv.ComputeCapability {
			inv.ComputeCapability = cc
		}
	}
	if len(inv.Devices) == 0 {
		return nil, cuda.ErrNoDevice
	}
	return inv, nil
}
