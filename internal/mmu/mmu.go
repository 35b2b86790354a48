package mmu

// mmu.go walks and edits page-table trees. A tree is identified by the frame holding its
// top-level table; the walk reads real entries out of DRAM through the direct map.

import (
	"fmt"
	"sync/atomic"

	"github.com/jack-chaudier/ocean/internal/log"
	"github.com/jack-chaudier/ocean/internal/mem"
)

// MMU edits page tables and models the translation hardware: the page-table base
// register and TLB invalidation.
type MMU struct {
	pmm *mem.PMM
	ram *mem.RAM

	// activeRoot models the page-table base register.
	activeRoot atomic.Uint64

	// tlbFlushes counts page invalidations; the simulated TLB holds nothing, so
	// invalidation is pure bookkeeping.
	tlbFlushes atomic.Uint64

	log *log.Logger
}

// New creates an MMU over the machine's physical memory.
func New(pmm *mem.PMM, logger *log.Logger) *MMU {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &MMU{
		pmm: pmm,
		ram: pmm.RAM(),
		log: logger,
	}
}

// NewTopLevel allocates a zeroed top-level table and returns its frame.
func (m *MMU) NewTopLevel() (mem.PFN, error) {
	pfn := m.pmm.AllocPage(mem.ZoneNormal, mem.AllocZero|mem.AllocKernel)
	if pfn == mem.NoPFN {
		return mem.NoPFN, fmt.Errorf("mmu: out of memory allocating top-level table")
	}

	return pfn, nil
}

// entryAt reads the idx'th entry of the table frame.
func (m *MMU) entryAt(table mem.PFN, idx int) PTE {
	return PTE(m.ram.ReadU64(table.Addr() + mem.PhysAddr(idx*8)))
}

// setEntryAt writes the idx'th entry of the table frame.
func (m *MMU) setEntryAt(table mem.PFN, idx int, e PTE) {
	m.ram.WriteU64(table.Addr()+mem.PhysAddr(idx*8), uint64(e))
}

// walk descends from the top-level table to the leaf table covering va. When allocate is
// set, absent intermediate entries are filled with fresh zeroed table pages installed
// present+writable, plus the user bit for user-half addresses. It returns the leaf table
// frame, or NoPFN when the path is absent and allocation was not requested (or failed).
func (m *MMU) walk(root mem.PFN, va mem.VirtAddr, allocate bool) mem.PFN {
	table := root

	for level := pagingLevels - 1; level > 0; level-- {
		idx := index(va, level)
		entry := m.entryAt(table, idx)

		if !entry.Present() {
			if !allocate {
				return mem.NoPFN
			}

			next := m.pmm.AllocPage(mem.ZoneNormal, mem.AllocZero|mem.AllocKernel)
			if next == mem.NoPFN {
				return mem.NoPFN
			}

			entry = PTE(next.Addr()) | PTEPresent | PTEWrite
			if IsUser(va) {
				entry |= PTEUser
			}

			m.setEntryAt(table, idx, entry)
		}

		table = entry.Frame()
	}

	return table
}

// Map installs a single 4 KiB translation va → pa with the given flags.
func (m *MMU) Map(root mem.PFN, va mem.VirtAddr, pa mem.PhysAddr, flags PTE) error {
	leaf := m.walk(root, va, true)
	if leaf == mem.NoPFN {
		return fmt.Errorf("mmu: out of memory mapping %s", va)
	}

	m.setEntryAt(leaf, index(va, 0), PTE(pa)&PTEAddrMask|flags|PTEPresent)
	m.InvalidatePage(va)

	return nil
}

// Unmap removes the translation for va, if any. Intermediate tables are left in place.
func (m *MMU) Unmap(root mem.PFN, va mem.VirtAddr) {
	leaf := m.walk(root, va, false)
	if leaf == mem.NoPFN {
		return
	}

	m.setEntryAt(leaf, index(va, 0), 0)
	m.InvalidatePage(va)
}

// MapRange maps size bytes starting at va onto contiguous physical memory at pa.
func (m *MMU) MapRange(root mem.PFN, va mem.VirtAddr, pa mem.PhysAddr, size uint64, flags PTE) error {
	for off := uint64(0); off < size; off += mem.PageSize {
		if err := m.Map(root, va+mem.VirtAddr(off), pa+mem.PhysAddr(off), flags); err != nil {
			return err
		}
	}

	return nil
}

// UnmapRange removes every translation in [va, va+size).
func (m *MMU) UnmapRange(root mem.PFN, va mem.VirtAddr, size uint64) {
	for off := uint64(0); off < size; off += mem.PageSize {
		m.Unmap(root, va+mem.VirtAddr(off))
	}
}

// Lookup returns the leaf entry for va.
func (m *MMU) Lookup(root mem.PFN, va mem.VirtAddr) (PTE, bool) {
	leaf := m.walk(root, va, false)
	if leaf == mem.NoPFN {
		return 0, false
	}

	entry := m.entryAt(leaf, index(va, 0))

	return entry, entry.Present()
}

// SetPTE rewrites the leaf entry for va in place. The path must already exist.
func (m *MMU) SetPTE(root mem.PFN, va mem.VirtAddr, e PTE) error {
	leaf := m.walk(root, va, false)
	if leaf == mem.NoPFN {
		return fmt.Errorf("mmu: no translation path for %s", va)
	}

	m.setEntryAt(leaf, index(va, 0), e)
	m.InvalidatePage(va)

	return nil
}

// Translate resolves va to a physical address under the given tree.
func (m *MMU) Translate(root mem.PFN, va mem.VirtAddr) (mem.PhysAddr, bool) {
	entry, ok := m.Lookup(root, va)
	if !ok {
		return 0, false
	}

	return entry.Addr() + mem.PhysAddr(uint64(va)&mem.PageMask), true
}

// CloneUpperHalf copies the kernel-half top-level entries from src into dst, so every
// kernel address resolves identically in every address space.
func (m *MMU) CloneUpperHalf(dst, src mem.PFN) {
	for idx := EntriesPerTable / 2; idx < EntriesPerTable; idx++ {
		m.setEntryAt(dst, idx, m.entryAt(src, idx))
	}
}

// DestroyTopLevel reclaims the user-half table pages of the tree in post-order, then the
// top-level table. Leaf frames are the address space's to free, not the MMU's.
// Kernel-half subtrees are shared and are never released here, whichever tree it is.
func (m *MMU) DestroyTopLevel(root mem.PFN) {
	for idx := 0; idx < EntriesPerTable/2; idx++ {
		entry := m.entryAt(root, idx)
		if entry.Present() {
			m.destroyLevel(entry.Frame(), pagingLevels-2)
		}
	}

	m.pmm.FreePages(root, 0)
}

func (m *MMU) destroyLevel(table mem.PFN, level int) {
	if level > 0 {
		for idx := 0; idx < EntriesPerTable; idx++ {
			entry := m.entryAt(table, idx)
			if entry.Present() {
				m.destroyLevel(entry.Frame(), level-1)
			}
		}
	}

	m.pmm.FreePages(table, 0)
}

// SwitchTo loads the page-table base register with the given tree.
func (m *MMU) SwitchTo(root mem.PFN) {
	m.activeRoot.Store(uint64(root))
}

// ActiveRoot returns the tree the translation hardware currently uses.
func (m *MMU) ActiveRoot() mem.PFN {
	return mem.PFN(m.activeRoot.Load())
}

// InvalidatePage drops any cached translation for va.
func (m *MMU) InvalidatePage(va mem.VirtAddr) {
	_ = va
	m.tlbFlushes.Add(1)
}

// TLBFlushes returns the lifetime count of page invalidations.
func (m *MMU) TLBFlushes() uint64 { return m.tlbFlushes.Load() }
