package uvm

// fault.go services page faults. Three kinds are legitimate: a first touch of a lazy
// anonymous page, a write to a copy-on-write page, and a touch just below a stack area.
// Everything else is an access error the caller turns into process death.

import (
	"strings"

	"github.com/jack-chaudier/ocean/internal/mem"
	"github.com/jack-chaudier/ocean/internal/mmu"
)

// FaultFlags are the page-fault error bits the architecture layer reports.
type FaultFlags uint32

const (
	// FaultPresent: the fault was a protection violation on a present page, not a miss.
	FaultPresent FaultFlags = 1 << iota
	FaultWrite
	FaultUser
	FaultReserved
	FaultInstr
)

func (f FaultFlags) String() string {
	var parts []string

	for _, n := range []struct {
		bit  FaultFlags
		name string
	}{
		{FaultPresent, "present"},
		{FaultWrite, "write"},
		{FaultUser, "user"},
		{FaultReserved, "reserved"},
		{FaultInstr, "instr"},
	} {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}

	if len(parts) == 0 {
		return "read-miss"
	}

	return strings.Join(parts, "|")
}

// HandleFault resolves a fault at va. nil means the access may be retried; an error
// means the fault is not recoverable for this space.
func (sp *Space) HandleFault(va mem.VirtAddr, flags FaultFlags) error {
	page := va &^ mem.PageMask

	sp.lock.Lock()
	defer sp.lock.Unlock()

	v := sp.find(va)
	if v == nil {
		return sp.growStack(page, flags)
	}

	if flags&FaultWrite != 0 && v.Flags&ProtWrite == 0 {
		// Write into a read-only area. Only a COW page excuses it.
		pte, ok := sp.u.mmu.Lookup(sp.root, page)
		if ok && pte.COW() {
			return sp.breakCOW(page, pte, v)
		}

		return ErrAccess
	}

	if flags&FaultInstr != 0 && v.Flags&ProtExec == 0 {
		return ErrAccess
	}

	pte, ok := sp.u.mmu.Lookup(sp.root, page)

	switch {
	case !ok:
		return sp.demandPage(page, v)

	case flags&FaultWrite != 0 && pte.COW():
		return sp.breakCOW(page, pte, v)

	case flags&FaultWrite != 0 && !pte.Writable():
		return ErrAccess

	default:
		// Stale TLB or spurious fault; the retry will succeed.
		return nil
	}
}

// demandPage installs a zero-filled frame with the area's protection. Caller holds the
// lock.
func (sp *Space) demandPage(page mem.VirtAddr, v *VMA) error {
	pfn := sp.u.pmm.AllocPage(mem.ZoneNormal, mem.AllocZero)
	if pfn == mem.NoPFN {
		return ErrNoMemory
	}

	if err := sp.u.mmu.Map(sp.root, page, pfn.Addr(), v.pteFlags()); err != nil {
		sp.u.pmm.UnrefPage(pfn)
		return ErrNoMemory
	}

	sp.u.pmm.MapInc(pfn)
	sp.totalPages++

	return nil
}

// breakCOW gives the faulting space a private copy of a shared frame. Caller holds the
// lock.
func (sp *Space) breakCOW(page mem.VirtAddr, pte mmu.PTE, v *VMA) error {
	old := pte.Frame()

	pfn := sp.u.pmm.AllocPage(mem.ZoneNormal, 0)
	if pfn == mem.NoPFN {
		return ErrNoMemory
	}

	sp.u.ram().CopyPage(pfn, old)

	next := pte.WithAddr(pfn.Addr())
	next &^= mmu.PTECOW
	next |= mmu.PTEWrite

	if err := sp.u.mmu.SetPTE(sp.root, page, next); err != nil {
		sp.u.pmm.UnrefPage(pfn)
		return ErrNoMemory
	}

	sp.u.pmm.MapInc(pfn)
	sp.u.pmm.MapDec(old)
	sp.u.pmm.UnrefPage(old)

	return nil
}

// growStack extends a stack area downward when the fault lands within the growth
// window below it. Caller holds the lock.
func (sp *Space) growStack(page mem.VirtAddr, flags FaultFlags) error {
	var stack *VMA

	for _, v := range sp.vmas {
		if v.Flags&ProtStack == 0 || v.Start <= page {
			continue
		}

		if uint64(v.Start-page) <= StackGrowWindow<<mem.PageShift {
			stack = v
			break
		}
	}

	if stack == nil {
		return ErrNoRegion
	}

	// Grow one page at a time from the current bottom down to the faulting page.
	for stack.Start > page {
		va := stack.Start - mem.PageSize

		pfn := sp.u.pmm.AllocPage(mem.ZoneNormal, mem.AllocZero)
		if pfn == mem.NoPFN {
			return ErrNoMemory
		}

		if err := sp.u.mmu.Map(sp.root, va, pfn.Addr(), stack.pteFlags()); err != nil {
			sp.u.pmm.UnrefPage(pfn)
			return ErrNoMemory
		}

		sp.u.pmm.MapInc(pfn)
		sp.totalPages++
		stack.Start = va
	}

	return nil
}

// ResolveUser translates a user address for a kernel copy, demand-faulting as needed.
// write selects the required permission.
func (sp *Space) ResolveUser(va mem.VirtAddr, write bool) (mem.PhysAddr, error) {
	if !mmu.IsUser(va) {
		return 0, ErrNoRegion
	}

	need := ProtRead
	flags := FaultFlags(FaultUser)

	if write {
		need = ProtWrite
		flags |= FaultWrite
	}

	sp.lock.Lock()
	v := sp.find(va)

	if v == nil || v.Flags&need == 0 {
		sp.lock.Unlock()
		return 0, ErrAccess
	}

	pte, ok := sp.u.mmu.Lookup(sp.root, va&^mem.PageMask)
	sp.lock.Unlock()

	if !ok || (write && !pte.Writable()) {
		if err := sp.HandleFault(va, flags); err != nil {
			return 0, err
		}

		sp.lock.Lock()
		pte, ok = sp.u.mmu.Lookup(sp.root, va&^mem.PageMask)
		sp.lock.Unlock()

		if !ok {
			return 0, ErrAccess
		}
	}

	return pte.Addr() + mem.PhysAddr(uint64(va)&mem.PageMask), nil
}

// ram is a shortcut to the machine's DRAM.
func (u *UVM) ram() *mem.RAM { return u.pmm.RAM() }
