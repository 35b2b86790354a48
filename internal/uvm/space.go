package uvm

// space.go manages address spaces: creation against the shared kernel upper half,
// region map/unmap/mprotect, the mmap hole search, fork-time cloning, and teardown.

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/jack-chaudier/ocean/internal/ksync"
	"github.com/jack-chaudier/ocean/internal/log"
	"github.com/jack-chaudier/ocean/internal/mem"
	"github.com/jack-chaudier/ocean/internal/mmu"
)

var (
	ErrNoMemory = errors.New("uvm: out of memory")
	ErrOverlap  = errors.New("uvm: region overlaps an existing area")
	ErrNoRegion = errors.New("uvm: address not covered by any area")
	ErrAlign    = errors.New("uvm: address or size not page aligned")
	ErrAccess   = errors.New("uvm: access violates area protection")
)

// StackGrowWindow is how far below a stack area a fault may land and still grow it,
// in pages.
const StackGrowWindow = 256

// UVM builds address spaces over one machine's PMM and MMU. The kernel root's upper
// half is copied into every space so kernel addresses resolve identically everywhere.
type UVM struct {
	pmm        *mem.PMM
	mmu        *mmu.MMU
	kernelRoot mem.PFN

	log *log.Logger
}

// New creates the address-space builder.
func New(pmm *mem.PMM, m *mmu.MMU, kernelRoot mem.PFN, logger *log.Logger) *UVM {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &UVM{
		pmm:        pmm,
		mmu:        m,
		kernelRoot: kernelRoot,
		log:        logger,
	}
}

// Space is one process's address space.
type Space struct {
	u *UVM

	root mem.PFN

	lock ksync.SpinLock
	vmas []*VMA // Sorted by Start, pairwise disjoint.

	brk        mem.VirtAddr
	totalPages uint64

	refs atomic.Int32
}

// NewSpace creates an empty user address space sharing the kernel upper half.
func (u *UVM) NewSpace() (*Space, error) {
	root, err := u.mmu.NewTopLevel()
	if err != nil {
		return nil, ErrNoMemory
	}

	u.mmu.CloneUpperHalf(root, u.kernelRoot)

	sp := &Space{u: u, root: root}
	sp.refs.Store(1)

	return sp, nil
}

// Root returns the frame of the space's top-level page table.
func (sp *Space) Root() mem.PFN { return sp.root }

// TotalPages returns the number of pages currently mapped.
func (sp *Space) TotalPages() uint64 {
	sp.lock.Lock()
	defer sp.lock.Unlock()

	return sp.totalPages
}

// Ref takes an additional reference on the space.
func (sp *Space) Ref() { sp.refs.Add(1) }

// VMAs returns a snapshot of the area list.
func (sp *Space) VMAs() []*VMA {
	sp.lock.Lock()
	defer sp.lock.Unlock()

	out := make([]*VMA, len(sp.vmas))
	for i, v := range sp.vmas {
		out[i] = v.clone()
	}

	return out
}

// Find returns the VMA containing va, or nil. Caller holds the lock.
func (sp *Space) find(va mem.VirtAddr) *VMA {
	i := sort.Search(len(sp.vmas), func(i int) bool { return sp.vmas[i].End > va })
	if i < len(sp.vmas) && sp.vmas[i].Contains(va) {
		return sp.vmas[i]
	}

	return nil
}

// Find returns a copy of the VMA containing va, or nil.
func (sp *Space) Find(va mem.VirtAddr) *VMA {
	sp.lock.Lock()
	defer sp.lock.Unlock()

	if v := sp.find(va); v != nil {
		return v.clone()
	}

	return nil
}

// overlaps reports whether [start, end) intersects any area. Caller holds the lock.
func (sp *Space) overlaps(start, end mem.VirtAddr) bool {
	for _, v := range sp.vmas {
		if start < v.End && v.Start < end {
			return true
		}
	}

	return false
}

// insert adds an area keeping the list sorted. Caller holds the lock.
func (sp *Space) insert(v *VMA) {
	i := sort.Search(len(sp.vmas), func(i int) bool { return sp.vmas[i].Start > v.Start })
	sp.vmas = append(sp.vmas, nil)
	copy(sp.vmas[i+1:], sp.vmas[i:])
	sp.vmas[i] = v
}

// remove drops an area from the list. Caller holds the lock.
func (sp *Space) remove(v *VMA) {
	for i, cur := range sp.vmas {
		if cur == v {
			sp.vmas = append(sp.vmas[:i], sp.vmas[i+1:]...)
			return
		}
	}
}

// MapRegion installs an area at a fixed range and eagerly populates it with zeroed
// frames. On any allocation failure the whole operation rolls back.
func (sp *Space) MapRegion(start mem.VirtAddr, size uint64, flags Prot) error {
	if uint64(start)&mem.PageMask != 0 || size == 0 || size&mem.PageMask != 0 {
		return ErrAlign
	}

	end := start + mem.VirtAddr(size)

	sp.lock.Lock()
	defer sp.lock.Unlock()

	if sp.overlaps(start, end) {
		return ErrOverlap
	}

	v := &VMA{Start: start, End: end, Flags: flags | ProtAnon}

	var mapped uint64

	rollback := func() {
		for off := uint64(0); off < mapped; off += mem.PageSize {
			va := start + mem.VirtAddr(off)

			if pte, ok := sp.u.mmu.Lookup(sp.root, va); ok {
				sp.u.mmu.Unmap(sp.root, va)
				sp.u.pmm.UnrefPage(pte.Frame())
			}
		}
	}

	for off := uint64(0); off < size; off += mem.PageSize {
		pfn := sp.u.pmm.AllocPage(mem.ZoneNormal, mem.AllocZero)
		if pfn == mem.NoPFN {
			rollback()
			return ErrNoMemory
		}

		va := start + mem.VirtAddr(off)

		if err := sp.u.mmu.Map(sp.root, va, pfn.Addr(), v.pteFlags()); err != nil {
			sp.u.pmm.UnrefPage(pfn)
			rollback()

			return ErrNoMemory
		}

		sp.u.pmm.MapInc(pfn)
		mapped = off + mem.PageSize
	}

	sp.insert(v)
	sp.totalPages += size >> mem.PageShift

	return nil
}

// MapLazy installs an area without populating it; first touch demand-faults.
func (sp *Space) MapLazy(start mem.VirtAddr, size uint64, flags Prot) error {
	if uint64(start)&mem.PageMask != 0 || size == 0 || size&mem.PageMask != 0 {
		return ErrAlign
	}

	end := start + mem.VirtAddr(size)

	sp.lock.Lock()
	defer sp.lock.Unlock()

	if sp.overlaps(start, end) {
		return ErrOverlap
	}

	sp.insert(&VMA{Start: start, End: end, Flags: flags | ProtAnon})

	return nil
}

// Mmap places an area of the given size, honoring the hint when the hole is free, else
// searching upward from the fixed mmap base. The chosen start is returned.
func (sp *Space) Mmap(hint mem.VirtAddr, size uint64, flags Prot) (mem.VirtAddr, error) {
	if size == 0 || size&mem.PageMask != 0 {
		return 0, ErrAlign
	}

	sp.lock.Lock()

	start := hint
	if start == 0 || uint64(start)&mem.PageMask != 0 || sp.overlaps(start, start+mem.VirtAddr(size)) {
		start = sp.findHole(size)
	}

	if start == 0 {
		sp.lock.Unlock()
		return 0, ErrNoMemory
	}

	sp.insert(&VMA{Start: start, End: start + mem.VirtAddr(size), Flags: flags | ProtAnon})
	sp.lock.Unlock()

	return start, nil
}

// findHole scans for a free gap of the given size starting at the mmap base. Caller
// holds the lock.
func (sp *Space) findHole(size uint64) mem.VirtAddr {
	start := mmu.UserMmapBase

	for _, v := range sp.vmas {
		if v.End <= start {
			continue
		}

		if v.Start >= start+mem.VirtAddr(size) {
			break
		}

		start = v.End
	}

	if start+mem.VirtAddr(size) > mmu.UserStackTop {
		return 0
	}

	return start
}

// UnmapRegion removes [start, start+size) from the space: fully-covered areas are
// dropped, edge-covered areas trimmed, and an enclosing area split in two.
func (sp *Space) UnmapRegion(start mem.VirtAddr, size uint64) error {
	if uint64(start)&mem.PageMask != 0 || size == 0 || size&mem.PageMask != 0 {
		return ErrAlign
	}

	end := start + mem.VirtAddr(size)

	sp.lock.Lock()
	defer sp.lock.Unlock()

	var victims []*VMA

	for _, v := range sp.vmas {
		if start < v.End && v.Start < end {
			victims = append(victims, v)
		}
	}

	for _, v := range victims {
		lo := v.Start
		if start > lo {
			lo = start
		}

		hi := v.End
		if end < hi {
			hi = end
		}

		sp.releaseRange(lo, hi)

		switch {
		case lo == v.Start && hi == v.End:
			sp.remove(v)

		case lo == v.Start:
			v.Start = hi

		case hi == v.End:
			v.End = lo

		default:
			upper := v.clone()
			upper.Start = hi
			v.End = lo
			sp.insert(upper)
		}
	}

	return nil
}

// releaseRange unmaps and unreferences every present page in [lo, hi). Caller holds
// the lock.
func (sp *Space) releaseRange(lo, hi mem.VirtAddr) {
	for va := lo; va < hi; va += mem.PageSize {
		pte, ok := sp.u.mmu.Lookup(sp.root, va)
		if !ok {
			continue
		}

		sp.u.mmu.Unmap(sp.root, va)
		sp.u.pmm.MapDec(pte.Frame())
		sp.u.pmm.UnrefPage(pte.Frame())
		sp.totalPages--
	}
}

// Mprotect rewrites the protection of a range that must be covered by a single area,
// updating both the area flags and every present leaf entry.
func (sp *Space) Mprotect(start mem.VirtAddr, size uint64, flags Prot) error {
	if uint64(start)&mem.PageMask != 0 || size == 0 || size&mem.PageMask != 0 {
		return ErrAlign
	}

	end := start + mem.VirtAddr(size)

	sp.lock.Lock()
	defer sp.lock.Unlock()

	v := sp.find(start)
	if v == nil || end > v.End {
		return ErrNoRegion
	}

	keep := v.Flags & (ProtShared | ProtStack | ProtHeap | ProtAnon | ProtFile)
	v.Flags = flags&(ProtRead|ProtWrite|ProtExec) | keep

	for va := start; va < end; va += mem.PageSize {
		pte, ok := sp.u.mmu.Lookup(sp.root, va)
		if !ok {
			continue
		}

		// COW pages stay read-only until their write fault, whatever the new flags say.
		next := pte&(mmu.PTEAddrMask|mmu.PTECOW) | mmu.PTEPresent | mmu.PTEUser

		if v.Flags&ProtWrite != 0 && !pte.COW() {
			next |= mmu.PTEWrite
		}

		if v.Flags&ProtExec == 0 {
			next |= mmu.PTENX
		}

		if err := sp.u.mmu.SetPTE(sp.root, va, next); err != nil {
			return err
		}
	}

	return nil
}

// Clone builds the child address space for fork: VMA records are duplicated; present
// writable pages of private areas are demoted to read-only copy-on-write in both parent
// and child; read-only pages and pages of ProtShared areas are shared outright.
func (sp *Space) Clone() (*Space, error) {
	child, err := sp.u.NewSpace()
	if err != nil {
		return nil, err
	}

	sp.lock.Lock()
	defer sp.lock.Unlock()

	for _, v := range sp.vmas {
		child.vmas = append(child.vmas, v.clone())

		for va := v.Start; va < v.End; va += mem.PageSize {
			pte, ok := sp.u.mmu.Lookup(sp.root, va)
			if !ok {
				continue
			}

			childPTE := pte

			if v.Flags&ProtShared == 0 && pte.Writable() {
				demoted := pte&^mmu.PTEWrite | mmu.PTECOW

				if err := sp.u.mmu.SetPTE(sp.root, va, demoted); err != nil {
					child.Destroy()
					return nil, err
				}

				childPTE = demoted
			}

			if err := sp.u.mmu.Map(child.root, va, childPTE.Addr(), childPTE&mmu.PTEFlagsMask); err != nil {
				child.Destroy()
				return nil, ErrNoMemory
			}

			sp.u.pmm.RefPage(pte.Frame())
			sp.u.pmm.MapInc(pte.Frame())
			child.totalPages++
		}
	}

	child.brk = sp.brk

	return child, nil
}

// Destroy releases every mapped page and the page-table tree. The space must not be
// active on the CPU.
func (sp *Space) Destroy() {
	if sp.refs.Add(-1) > 0 {
		return
	}

	sp.lock.Lock()

	for _, v := range sp.vmas {
		sp.releaseRange(v.Start, v.End)
	}

	sp.vmas = nil
	sp.lock.Unlock()

	sp.u.mmu.DestroyTopLevel(sp.root)
	sp.root = mem.NoPFN
}

// Brk returns the current heap break.
func (sp *Space) Brk() mem.VirtAddr {
	sp.lock.Lock()
	defer sp.lock.Unlock()

	return sp.brk
}

// SetBrk records the heap break; the heap area itself is managed with the region calls.
func (sp *Space) SetBrk(brk mem.VirtAddr) {
	sp.lock.Lock()
	sp.brk = brk
	sp.lock.Unlock()
}

func (sp *Space) String() string {
	sp.lock.Lock()
	defer sp.lock.Unlock()

	return fmt.Sprintf("space{root=%#x areas=%d pages=%d}", uint64(sp.root), len(sp.vmas), sp.totalPages)
}
