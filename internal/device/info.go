package device

import (
	"fmt"

	"github.com/axonlabs/gpu-bridge/internal/cuda"
)

// attrKind selects how an attribute value renders in the introspection rows.
type attrKind int

const (
	kindBool attrKind = iota
	kindInt
	kindKB
	kindMHz
	kindComputeMode
	kindBits
)

type attrEntry struct {
	attr cuda.DeviceAttribute
	name string
	kind attrKind
}

// attrCatalog drives the introspection rows; order is the row order.
var attrCatalog = []attrEntry{
	{cuda.DevAttrMaxThreadsPerBlock, "max threads per block", kindInt},
	{cuda.DevAttrMaxBlockDimX, "Maximum block dimension X", kindInt},
	{cuda.DevAttrMaxBlockDimY, "Maximum block dimension Y", kindInt},
	{cuda.DevAttrMaxBlockDimZ, "Maximum block dimension Z", kindInt},
	{cuda.DevAttrMaxGridDimX, "Maximum grid dimension X", kindInt},
	{cuda.DevAttrMaxGridDimY, "Maximum grid dimension Y", kindInt},
	{cuda.DevAttrMaxGridDimZ, "Maximum grid dimension Z", kindInt},
	{cuda.DevAttrMaxSharedMemoryPerBlock, "Maximum shared memory available per block", kindKB},
	{cuda.DevAttrTotalConstantMemory, "Memory available on device for __constant__", kindKB},
	{cuda.DevAttrWarpSize, "Warp size in threads", kindInt},
	{cuda.DevAttrMaxPitch, "Maximum pitch in bytes allowed by memory copies", kindInt},
	{cuda.DevAttrMaxRegistersPerBlock, "Maximum number of 32bit registers available per block", kindInt},
	{cuda.DevAttrClockRate, "Typical clock frequency in kilohertz", kindMHz},
	{cuda.DevAttrTextureAlignment, "Alignment requirement for textures", kindInt},
	{cuda.DevAttrMultiprocessorCount, "Number of multiprocessors on device", kindInt},
	{cuda.DevAttrKernelExecTimeout, "Has kernel execution timeout", kindBool},
	{cuda.DevAttrIntegrated, "Integrated with host memory", kindBool},
	{cuda.DevAttrCanMapHostMemory, "Host memory can be mapped to CUDA address space", kindBool},
	{cuda.DevAttrComputeMode, "Compute mode", kindComputeMode},
	{cuda.DevAttrSurfaceAlignment, "Alignment requirement for surfaces", kindInt},
	{cuda.DevAttrConcurrentKernels, "Multiple concurrent kernel support", kindBool},
	{cuda.DevAttrECCEnabled, "Device has ECC support enabled", kindBool},
	{cuda.DevAttrPCIBusID, "PCI bus ID of the device", kindInt},
	{cuda.DevAttrPCIDeviceID, "PCI device ID of the device", kindInt},
	{cuda.DevAttrTCCDriver, "Device is using TCC driver model", kindBool},
	{cuda.DevAttrMemoryClockRate, "Peak memory clock frequency", kindMHz},
	{cuda.DevAttrGlobalMemoryBusWidth, "Global memory bus width", kindBits},
	{cuda.DevAttrL2CacheSize, "Size of L2 cache in bytes", kindKB},
	{cuda.DevAttrMaxThreadsPerMultiprocessor, "Maximum threads per multiprocessor", kindInt},
	{cuda.DevAttrAsyncEngineCount, "Number of asynchronous engines", kindInt},
	{cuda.DevAttrUnifiedAddressing, "Device shares unified address space", kindBool},
	{cuda.DevAttrPCIDomainID, "PCI domain ID of the device", kindInt},
	{cuda.DevAttrComputeCapabilityMajor, "Major compute capability version number", kindInt},
	{cuda.DevAttrComputeCapabilityMinor, "Minor compute capability version number", kindInt},
	{cuda.DevAttrStreamPrioritiesSupported, "Device supports stream priorities", kindBool},
	{cuda.DevAttrGlobalL1CacheSupported, "Device supports caching globals in L1", kindBool},
	{cuda.DevAttrLocalL1CacheSupported, "Device supports caching locals in L1", kindBool},
	{cuda.DevAttrMaxSharedMemoryPerMultiproc, "Maximum shared memory per multiprocessor", kindKB},
	{cuda.DevAttrMaxRegistersPerMultiprocessor, "Maximum number of 32bit registers per multiprocessor", kindInt},
	{cuda.DevAttrManagedMemory, "Device can allocate managed memory on this system", kindBool},
	{cuda.DevAttrMultiGPUBoard, "Device is on a multi-GPU board", kindBool},
	{cuda.DevAttrMultiGPUBoardGroupID, "Unique id if device is on a multi-GPU board", kindInt},
}

var computeModeLabels = map[int]string{
	cuda.ComputeModeDefault:          "Default",
	cuda.ComputeModeExclusive:        "Exclusive",
	cuda.ComputeModeProhibited:       "Prohibited",
	cuda.ComputeModeExclusiveProcess: "Exclusive Process",
}

func renderAttr(kind attrKind, value int) string {
	switch kind {
	case kindBool:
		if value != 0 {
			return "True"
		}
		return "False"
	case kindInt:
		return fmt.Sprintf("%d", value)
	case kindKB:
		return fmt.Sprintf("%d KBytes", value/1024)
	case kindMHz:
		return fmt.Sprintf("%d MHz", value/1000)
	case kindComputeMode:
		if label, ok := computeModeLabels[value]; ok {
			return label
		}
		return fmt.Sprintf("Unknown (%d)", value)
	case kindBits:
		return fmt.Sprintf("%d bits", value)
	}
	return fmt.Sprintf("%d", value)
}

// Row is one (device, attribute, value) introspection tuple.
type Row struct {
	DeviceID  int
	Attribute string
	Value     string
}

// InfoRows returns, per device: the device name, the total memory in MB,
// then one row per catalogued attribute.
func InfoRows(inv *Inventory) ([]Row, error) {
	rows := make([]Row, 0, len(inv.Devices)*(len(attrCatalog)+2))
	for _, rec := range inv.Devices {
		rows = append(rows,
			Row{rec.Ordinal, "Device name", rec.Name},
			Row{rec.Ordinal, "Total global memory size", fmt.Sprintf("%d MBytes", rec.TotalMem>>20)},
		)
		for _, entry := range attrCatalog {
			value, err := rec.Handle().Attribute(entry.attr)
			if err != nil {
				return nil, err
			}
			rows = append(rows, Row{rec.Ordinal, entry.name, renderAttr(entry.kind, value)})
		}
	}
	return rows, nil
}
