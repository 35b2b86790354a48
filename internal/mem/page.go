package mem

// page.go defines the page-frame descriptor: one record per physical page, created at PMM
// init and never destroyed. Descriptors only transition between free and allocated.

import "fmt"

// PageFlags is the descriptor flag word.
type PageFlags uint32

const (
	// PageReserved marks a frame the allocator must never hand out: firmware holes, the
	// kernel image, the descriptor table itself.
	PageReserved PageFlags = 1 << iota

	// PageBuddy marks a frame sitting on a buddy free list. While this flag is set the
	// descriptor's order field is the free-list order.
	PageBuddy

	// PageSlab marks a frame owned by a slab cache; the priv field points at the cache.
	PageSlab

	// PageCompoundHead marks the first frame of a multi-page allocation.
	PageCompoundHead

	// PageCompoundTail marks a trailing frame of a multi-page allocation; head points at
	// the leading frame.
	PageCompoundTail

	// PageLocked pins a frame against reclaim.
	PageLocked

	// PageDirty marks a frame with contents not yet written back.
	PageDirty

	// PageKernel marks a frame allocated for the kernel's own use.
	PageKernel
)

func (f PageFlags) String() string {
	names := []struct {
		bit  PageFlags
		name string
	}{
		{PageReserved, "reserved"},
		{PageBuddy, "buddy"},
		{PageSlab, "slab"},
		{PageCompoundHead, "head"},
		{PageCompoundTail, "tail"},
		{PageLocked, "locked"},
		{PageDirty, "dirty"},
		{PageKernel, "kernel"},
	}

	s := ""

	for _, n := range names {
		if f&n.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}

	if s == "" {
		return "-"
	}

	return s
}

// Page is the frame descriptor. Free frames use order/next/prev for buddy bookkeeping;
// allocated frames use refcnt/mapcount/priv. head is valid only for compound tails.
type Page struct {
	flags PageFlags
	order uint8
	zone  ZoneID

	refcnt   int32
	mapcount int32
	priv     any

	head PFN

	// Buddy free-list linkage, by frame number. NoPFN terminates.
	next, prev PFN
}

// Flags returns the descriptor flag word.
func (pg *Page) Flags() PageFlags { return pg.flags }

// Zone returns the zone the frame belongs to.
func (pg *Page) Zone() ZoneID { return pg.zone }

// Order returns the buddy order recorded in the descriptor. For a free frame this is the
// free-list order; for a compound head it is the allocation order.
func (pg *Page) Order() int { return int(pg.order) }

// Head returns the compound head for a tail frame, or NoPFN.
func (pg *Page) Head() PFN {
	if pg.flags&PageCompoundTail == 0 {
		return NoPFN
	}

	return pg.head
}

// AddFlags sets descriptor flag bits. Callers own the frame.
func (pg *Page) AddFlags(f PageFlags) { pg.flags |= f }

// ClearFlags clears descriptor flag bits.
func (pg *Page) ClearFlags(f PageFlags) { pg.flags &^= f }

// Private returns the subsystem pointer stashed in the descriptor (slab use).
func (pg *Page) Private() any { return pg.priv }

// SetPrivate stores a subsystem pointer in the descriptor.
func (pg *Page) SetPrivate(v any) { pg.priv = v }

// Refcount returns the sharing reference count of an allocated frame.
func (pg *Page) Refcount() int32 { return pg.refcnt }

// Mapcount returns the number of address spaces mapping the frame.
func (pg *Page) Mapcount() int32 { return pg.mapcount }

func (pg *Page) String() string {
	return fmt.Sprintf("page{%s order=%d zone=%s ref=%d map=%d}",
		pg.flags, pg.order, pg.zone, pg.refcnt, pg.mapcount)
}
