// Package mem owns physical memory: the simulated DRAM arena, the page-frame descriptor
// table, the boot memory bitmap, and the buddy allocator that hands out runs of 2^k pages
// from the DMA, DMA32, and Normal zones.
package mem

import (
	"encoding/binary"
	"fmt"
)

// Paging geometry. A page is 4 KiB; the buddy allocator manages runs up to
// 2^(MaxOrder-1) pages, i.e. 4 MiB.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	MaxOrder = 11
)

// PhysAddr is a physical byte address into the machine's DRAM.
type PhysAddr uint64

// VirtAddr is a virtual byte address. Only the MMU assigns it meaning.
type VirtAddr uint64

// PFN is a page frame number: a physical address divided by the page size.
type PFN uint64

// NoPFN is the nil page frame, used as allocator failure value and list terminator.
const NoPFN = ^PFN(0)

func (p PhysAddr) String() string { return fmt.Sprintf("%#012x", uint64(p)) }
func (v VirtAddr) String() string { return fmt.Sprintf("%#016x", uint64(v)) }

// PageDown rounds an address down to a page boundary.
func (p PhysAddr) PageDown() PFN { return PFN(p >> PageShift) }

// PageUp rounds an address up to a page boundary.
func (p PhysAddr) PageUp() PFN { return PFN((uint64(p) + PageMask) >> PageShift) }

// Addr returns the first byte address of the frame.
func (p PFN) Addr() PhysAddr { return PhysAddr(p << PageShift) }

// RAM is the machine's physical memory, simulated as one byte-addressed arena. The
// higher-half direct map is arithmetic over it: virtual address hhdm+pa reaches physical
// byte pa, which is how the kernel touches page tables and freshly allocated frames.
type RAM struct {
	bytes []byte
	hhdm  uint64
}

// NewRAM allocates a DRAM arena of the given byte size, rounded down to whole pages.
func NewRAM(size uint64, hhdmOffset uint64) *RAM {
	size &^= PageMask

	return &RAM{
		bytes: make([]byte, size),
		hhdm:  hhdmOffset,
	}
}

// Size returns the arena size in bytes.
func (r *RAM) Size() uint64 { return uint64(len(r.bytes)) }

// HHDMOffset returns the direct-map offset the arena was built with.
func (r *RAM) HHDMOffset() uint64 { return r.hhdm }

// Direct translates a physical address into the higher-half direct map.
func (r *RAM) Direct(pa PhysAddr) VirtAddr { return VirtAddr(r.hhdm + uint64(pa)) }

// FromDirect translates a direct-map virtual address back to physical. It panics on an
// address outside the direct map; that is a kernel bug, not a recoverable fault.
func (r *RAM) FromDirect(va VirtAddr) PhysAddr {
	if uint64(va) < r.hhdm || uint64(va)-r.hhdm >= uint64(len(r.bytes)) {
		panic(fmt.Sprintf("mem: %s is not a direct-map address", va))
	}

	return PhysAddr(uint64(va) - r.hhdm)
}

// Bytes returns the n bytes of DRAM starting at pa. The slice aliases the arena; writes
// through it are stores to physical memory.
func (r *RAM) Bytes(pa PhysAddr, n int) []byte {
	if uint64(pa)+uint64(n) > uint64(len(r.bytes)) {
		panic(fmt.Sprintf("mem: access [%s, %s) beyond end of DRAM (%#x bytes)",
			pa, PhysAddr(uint64(pa)+uint64(n)), len(r.bytes)))
	}

	return r.bytes[pa : uint64(pa)+uint64(n)]
}

// Page returns the whole frame at pfn.
func (r *RAM) Page(pfn PFN) []byte { return r.Bytes(pfn.Addr(), PageSize) }

// ReadU64 loads a little-endian 64-bit word from physical memory.
func (r *RAM) ReadU64(pa PhysAddr) uint64 {
	return binary.LittleEndian.Uint64(r.Bytes(pa, 8))
}

// WriteU64 stores a little-endian 64-bit word to physical memory.
func (r *RAM) WriteU64(pa PhysAddr, v uint64) {
	binary.LittleEndian.PutUint64(r.Bytes(pa, 8), v)
}

// Zero clears n bytes starting at pa.
func (r *RAM) Zero(pa PhysAddr, n int) {
	b := r.Bytes(pa, n)
	for i := range b {
		b[i] = 0
	}
}

// ZeroPages clears 2^order frames starting at pfn.
func (r *RAM) ZeroPages(pfn PFN, order int) {
	r.Zero(pfn.Addr(), PageSize<<order)
}

// CopyPage copies one whole frame, dst ← src.
func (r *RAM) CopyPage(dst, src PFN) {
	copy(r.Page(dst), r.Page(src))
}
