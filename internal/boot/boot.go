// Package boot holds the descriptor the bootloader hands the kernel: the physical memory map,
// where the kernel was placed, the higher-half direct-map offset, and any boot modules. The
// kernel consumes it exactly once, during early init, and never looks back.
package boot

import "fmt"

// RegionType classifies one entry of the bootloader's physical memory map.
type RegionType uint32

const (
	RegionUsable RegionType = iota
	RegionReserved
	RegionACPIReclaimable
	RegionACPINVS
	RegionBadMemory
	RegionBootloaderReclaimable
	RegionKernelAndModules
	RegionFramebuffer
)

func (t RegionType) String() string {
	switch t {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaimable:
		return "acpi-reclaimable"
	case RegionACPINVS:
		return "acpi-nvs"
	case RegionBadMemory:
		return "bad"
	case RegionBootloaderReclaimable:
		return "bootloader-reclaimable"
	case RegionKernelAndModules:
		return "kernel+modules"
	case RegionFramebuffer:
		return "framebuffer"
	default:
		return fmt.Sprintf("region(%d)", uint32(t))
	}
}

// Region is one contiguous entry of the physical memory map. Base and Length are byte
// quantities; entries are not required to be page aligned, the PMM rounds inward.
type Region struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

func (r Region) String() string {
	return fmt.Sprintf("[%#012x, %#012x) %s", r.Base, r.Base+r.Length, r.Type)
}

// Usable reports whether the region's frames may be handed to the page allocator.
// Bootloader-reclaimable memory is usable once the boot info has been cached.
func (r Region) Usable() bool {
	return r.Type == RegionUsable || r.Type == RegionBootloaderReclaimable
}

// CmdlineMax bounds a module command line.
const CmdlineMax = 64

// Module is a payload the bootloader loaded alongside the kernel. Payloads are cached
// into kernel memory before reclamation so they survive for exec.
type Module struct {
	Address uint64 // Physical load address.
	Size    uint64
	Cmdline string // At most CmdlineMax bytes.
}

// Framebuffer describes the bootloader-provided linear framebuffer, when present.
type Framebuffer struct {
	Address       uint64
	Width, Height uint64
	Pitch         uint64
	BPP           uint16
}

// SMP describes the processor topology the bootloader discovered.
type SMP struct {
	CPUCount   uint32
	BSPLAPICID uint32
}

// Info is the boot-info descriptor, supplied once at start.
type Info struct {
	HHDMOffset     uint64 // Virtual offset of the higher-half direct map.
	KernelPhysBase uint64
	KernelVirtBase uint64

	MemoryMap []Region

	Framebuffer *Framebuffer
	RSDP        uint64 // ACPI root pointer, zero when absent.
	SMP         *SMP
	BootTime    int64 // Unix seconds, zero when the bootloader did not say.

	Modules []Module
}

// MaxPhys returns the highest physical address covered by a usable or reclaimable entry.
func (bi *Info) MaxPhys() uint64 {
	var max uint64

	for _, r := range bi.MemoryMap {
		if !r.Usable() && r.Type != RegionACPIReclaimable {
			continue
		}

		if end := r.Base + r.Length; end > max {
			max = end
		}
	}

	return max
}
