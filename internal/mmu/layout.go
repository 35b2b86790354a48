package mmu

// layout.go fixes the virtual address-space layout. The low canonical half belongs to
// user space; the high half is shared by every address space and split into the direct
// map, the vmalloc range, kernel stacks, and kernel text.

import "github.com/jack-chaudier/ocean/internal/mem"

const (
	// EntriesPerTable is the fan-out of each paging level.
	EntriesPerTable = 512

	pagingLevels = 4
)

const (
	// UserSpaceEnd is the first non-canonical address above user space.
	UserSpaceEnd mem.VirtAddr = 0x0000_8000_0000_0000

	// UserStackTop is the fixed top of the main user stack, one guard page below the end
	// of user space.
	UserStackTop mem.VirtAddr = 0x0000_7fff_ffff_f000

	// UserMmapBase is where the hole search starts when an mmap request carries no
	// usable hint.
	UserMmapBase mem.VirtAddr = 0x0000_1000_0000_0000

	// KernelSpaceStart is the bottom of the shared upper half.
	KernelSpaceStart mem.VirtAddr = 0xffff_8000_0000_0000

	// HHDMBase is where the direct map conventionally lands; the bootloader's descriptor
	// is authoritative at runtime.
	HHDMBase mem.VirtAddr = 0xffff_8000_0000_0000

	// VmallocBase through VmallocEnd back the kernel's non-contiguous heap spans.
	VmallocBase mem.VirtAddr = 0xffff_c000_0000_0000
	VmallocEnd  mem.VirtAddr = 0xffff_d000_0000_0000

	// KernelStackBase is where kernel thread stacks are laid out.
	KernelStackBase mem.VirtAddr = 0xffff_d000_0000_0000

	// KernelTextBase is the kernel image's virtual base.
	KernelTextBase mem.VirtAddr = 0xffff_ffff_8000_0000
)

// IsUser reports whether an address lies in the user half.
func IsUser(va mem.VirtAddr) bool { return va < UserSpaceEnd }

// IsKernel reports whether an address lies in the shared kernel half.
func IsKernel(va mem.VirtAddr) bool { return va >= KernelSpaceStart }

// index returns the 9-bit table index of va at the given level; level 3 indexes the
// top-level table, level 0 the leaf table.
func index(va mem.VirtAddr, level int) int {
	return int(uint64(va) >> (mem.PageShift + 9*level) & (EntriesPerTable - 1))
}
