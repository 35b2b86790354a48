package mem

// pmm.go is the physical memory manager: boot-time init from the bootloader's memory map,
// then buddy allocation of 2^order contiguous frames per zone.

import (
	"fmt"
	"sync/atomic"

	"github.com/jack-chaudier/ocean/internal/boot"
	"github.com/jack-chaudier/ocean/internal/log"
)

// AllocFlags select allocation behavior.
type AllocFlags uint32

const (
	// AllocZero fills the block with zeroes before returning it.
	AllocZero AllocFlags = 1 << iota

	// AllocNoFallback fails instead of trying lower zones.
	AllocNoFallback

	// AllocKernel tags the frames as kernel-owned.
	AllocKernel
)

// descriptorSize is the arena footprint charged per frame descriptor. The descriptors are
// Go values, but their memory is accounted inside DRAM so the free-page totals match what
// a native kernel would see.
const descriptorSize = 64

// PMM is the physical memory manager. One exists per machine; it owns every frame from
// boot until shutdown.
type PMM struct {
	ram    *RAM
	pages  []Page
	bitmap *Bitmap
	zones  [zoneCount]Zone

	initialized bool
	bumpEnd     PhysAddr

	log *log.Logger
}

// InitPMM runs the boot init sequence against the bootloader's memory map and returns the
// latched manager. After return no further bump allocation occurs.
func InitPMM(ram *RAM, info *boot.Info, logger *log.Logger) (*PMM, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	maxPhys := info.MaxPhys()
	if maxPhys == 0 || maxPhys > ram.Size() {
		maxPhys = ram.Size()
	}

	frames := uint64(PhysAddr(maxPhys).PageDown())
	if frames == 0 {
		return nil, fmt.Errorf("pmm: memory map describes no usable memory")
	}

	// Bump-allocate the bitmap and the descriptor table from the largest usable entry.
	var largest boot.Region

	for _, r := range info.MemoryMap {
		if r.Type == boot.RegionUsable && r.Length > largest.Length {
			largest = r
		}
	}

	if largest.Length < bitmapBytes(frames)+frames*descriptorSize {
		return nil, fmt.Errorf("pmm: no usable region large enough for boot tables")
	}

	bump := PhysAddr(largest.Base+63) &^ 63
	bitmapBase := bump
	bump += PhysAddr(bitmapBytes(frames)+63) &^ 63
	descBase := bump
	bump += PhysAddr(frames * descriptorSize)

	p := &PMM{
		ram:     ram,
		pages:   make([]Page, frames),
		bitmap:  newBitmap(ram, bitmapBase, frames),
		bumpEnd: bump,
		log:     logger,
	}

	// Every frame starts reserved; usable and bootloader-reclaimable map entries clear
	// their frames, rounding inward to whole pages.
	for i := range p.pages {
		p.pages[i].flags = PageReserved
		p.pages[i].zone = zoneOf(PFN(i))
		p.pages[i].next = NoPFN
		p.pages[i].prev = NoPFN
		p.pages[i].head = NoPFN
	}

	for _, r := range info.MemoryMap {
		if !r.Usable() {
			continue
		}

		first := PhysAddr(r.Base).PageUp()
		last := PhysAddr(r.Base + r.Length).PageDown()

		for pfn := first; pfn < last; pfn++ {
			p.bitmap.Release(pfn)
			p.pages[pfn].flags &^= PageReserved
		}
	}

	// The boot tables themselves are in use now; re-mark them.
	for pfn := bitmapBase.PageDown(); pfn < bump.PageUp(); pfn++ {
		p.bitmap.Reserve(pfn)
		p.pages[pfn].flags |= PageReserved
	}

	// Carve the zones and feed every maximal aligned free run to the buddy allocator.
	limits := [zoneCount + 1]PFN{0, zoneDMALimit, zoneDMA32Limit, PFN(frames)}

	for id := ZoneID(0); id < zoneCount; id++ {
		z := &p.zones[id]
		z.id = id
		z.start = limits[id]
		z.end = limits[id+1]

		if z.start > PFN(frames) {
			z.start = PFN(frames)
		}

		if z.end > PFN(frames) {
			z.end = PFN(frames)
		}

		for i := range z.free {
			z.free[i] = NoPFN
		}

		p.seedZone(z)

		logger.Debug("pmm: zone ready",
			"zone", z.id.String(),
			"frames", uint64(z.end-z.start),
			"free", z.freePages)
	}

	p.initialized = true

	logger.Info("pmm: initialized",
		"frames", frames,
		"free", p.FreeTotal(),
		"bitmap", bitmapBase.String(),
		"descriptors", descBase.String())

	return p, nil
}

// seedZone feeds each maximal run of non-reserved frames into the free lists as the
// largest naturally-aligned blocks that fit.
func (p *PMM) seedZone(z *Zone) {
	pfn := z.start

	for pfn < z.end {
		if p.bitmap.Reserved(pfn) {
			pfn++
			continue
		}

		run := pfn
		for run < z.end && !p.bitmap.Reserved(run) {
			run++
		}

		for pfn < run {
			order := MaxOrder - 1

			for order > 0 && (uint64(pfn)&(1<<order-1) != 0 || pfn+1<<order > run) {
				order--
			}

			p.pages[pfn].order = uint8(order)
			p.pages[pfn].flags |= PageBuddy
			p.listPush(z, pfn, order)
			z.freePages += 1 << order

			pfn += 1 << order
		}
	}
}

// Initialized reports whether boot init has latched.
func (p *PMM) Initialized() bool { return p.initialized }

// RAM returns the DRAM arena the manager owns.
func (p *PMM) RAM() *RAM { return p.ram }

// Frames returns the number of managed frames.
func (p *PMM) Frames() uint64 { return uint64(len(p.pages)) }

// Page returns the descriptor for a frame.
func (p *PMM) Page(pfn PFN) *Page {
	if uint64(pfn) >= uint64(len(p.pages)) {
		panic(fmt.Sprintf("pmm: no descriptor for frame %#x", uint64(pfn)))
	}

	return &p.pages[pfn]
}

// Zone returns a zone by identifier.
func (p *PMM) Zone(id ZoneID) *Zone { return &p.zones[id] }

// FreeTotal returns the machine-wide count of free frames.
func (p *PMM) FreeTotal() uint64 {
	var total uint64

	for i := range p.zones {
		total += p.zones[i].FreePages()
	}

	return total
}

// list operations. Caller holds the zone lock.

func (p *PMM) listPush(z *Zone, pfn PFN, order int) {
	head := z.free[order]

	p.pages[pfn].next = head
	p.pages[pfn].prev = NoPFN

	if head != NoPFN {
		p.pages[head].prev = pfn
	}

	z.free[order] = pfn
	z.freeCount[order]++
}

func (p *PMM) listPop(z *Zone, order int) PFN {
	head := z.free[order]
	if head == NoPFN {
		return NoPFN
	}

	p.listRemove(z, head, order)

	return head
}

func (p *PMM) listRemove(z *Zone, pfn PFN, order int) {
	pg := &p.pages[pfn]

	if pg.prev != NoPFN {
		p.pages[pg.prev].next = pg.next
	} else {
		z.free[order] = pg.next
	}

	if pg.next != NoPFN {
		p.pages[pg.next].prev = pg.prev
	}

	pg.next = NoPFN
	pg.prev = NoPFN
	z.freeCount[order]--
}

// AllocPages allocates 2^order contiguous frames from the preferred zone, falling back to
// lower zones unless AllocNoFallback is set. It returns NoPFN on exhaustion and never
// sleeps; it is callable from interrupt context provided the caller holds no zone lock.
func (p *PMM) AllocPages(prefer ZoneID, order int, flags AllocFlags) PFN {
	if order < 0 || order >= MaxOrder {
		return NoPFN
	}

	zones := fallback(prefer)
	if flags&AllocNoFallback != 0 {
		zones = zones[:1]
	}

	for _, id := range zones {
		z := &p.zones[id]

		state := z.lock.LockIRQSave()
		pfn := p.allocFromZone(z, order)
		z.lock.UnlockIRQRestore(state)

		if pfn == NoPFN {
			continue
		}

		p.finishAlloc(pfn, order, flags)

		return pfn
	}

	return NoPFN
}

// AllocPage allocates a single frame.
func (p *PMM) AllocPage(prefer ZoneID, flags AllocFlags) PFN {
	return p.AllocPages(prefer, 0, flags)
}

// allocFromZone pops the smallest free block of at least the requested order, splitting
// upper halves back down. Caller holds the zone lock.
func (p *PMM) allocFromZone(z *Zone, order int) PFN {
	k := order

	for k < MaxOrder && z.free[k] == NoPFN {
		k++
	}

	if k == MaxOrder {
		return NoPFN
	}

	pfn := p.listPop(z, k)

	for ; k > order; k-- {
		// Keep the lower half, return the upper half to the next order down.
		buddy := pfn + 1<<(k-1)

		p.pages[buddy].order = uint8(k - 1)
		p.pages[buddy].flags |= PageBuddy
		p.listPush(z, buddy, k-1)
	}

	p.pages[pfn].flags &^= PageBuddy
	p.pages[pfn].order = uint8(order)

	z.freePages -= 1 << order
	z.allocs++

	return pfn
}

// finishAlloc sets up descriptors and optional zeroing outside the zone lock.
func (p *PMM) finishAlloc(pfn PFN, order int, flags AllocFlags) {
	head := &p.pages[pfn]
	head.refcnt = 1
	head.mapcount = 0
	head.priv = nil

	if flags&AllocKernel != 0 {
		head.flags |= PageKernel
	}

	if order > 0 {
		head.flags |= PageCompoundHead

		for i := PFN(1); i < 1<<order; i++ {
			tail := &p.pages[pfn+i]
			tail.flags |= PageCompoundTail
			tail.head = pfn
		}
	}

	if flags&AllocZero != 0 {
		p.ram.ZeroPages(pfn, order)
	}
}

// FreePages returns a block previously allocated at the same order, coalescing with free
// buddies as far as possible.
func (p *PMM) FreePages(pfn PFN, order int) {
	if order < 0 || order >= MaxOrder || uint64(pfn) >= uint64(len(p.pages)) {
		panic(fmt.Sprintf("pmm: bad free of frame %#x order %d", uint64(pfn), order))
	}

	head := &p.pages[pfn]

	if head.flags&(PageReserved|PageBuddy) != 0 {
		panic(fmt.Sprintf("pmm: double free or free of reserved frame %#x: %s", uint64(pfn), head))
	}

	head.flags &^= PageCompoundHead | PageKernel | PageDirty
	head.priv = nil
	head.refcnt = 0

	for i := PFN(1); i < 1<<order; i++ {
		tail := &p.pages[pfn+i]
		tail.flags &^= PageCompoundTail
		tail.head = NoPFN
	}

	z := &p.zones[head.zone]
	freed := order

	state := z.lock.LockIRQSave()

	for order+1 < MaxOrder {
		buddy := pfn ^ (1 << order)

		if !z.contains(buddy) {
			break
		}

		bd := &p.pages[buddy]
		if bd.flags&PageBuddy == 0 || int(bd.order) != order {
			break
		}

		p.listRemove(z, buddy, order)
		bd.flags &^= PageBuddy

		pfn &= ^(PFN(1) << order)
		order++
	}

	p.pages[pfn].order = uint8(order)
	p.pages[pfn].flags |= PageBuddy
	p.listPush(z, pfn, order)

	z.freePages += 1 << freed
	z.frees++

	z.lock.UnlockIRQRestore(state)
}

// Frame sharing refcounts, used by copy-on-write. A frame is freed when its last
// reference drops.

// RefPage takes an additional reference on an allocated frame.
func (p *PMM) RefPage(pfn PFN) {
	atomic.AddInt32(&p.Page(pfn).refcnt, 1)
}

// UnrefPage drops one reference; at zero the frame goes back to the buddy allocator.
// It reports whether the frame was freed.
func (p *PMM) UnrefPage(pfn PFN) bool {
	pg := p.Page(pfn)

	if n := atomic.AddInt32(&pg.refcnt, -1); n > 0 {
		return false
	} else if n < 0 {
		panic(fmt.Sprintf("pmm: refcount underflow on frame %#x", uint64(pfn)))
	}

	p.FreePages(pfn, 0)

	return true
}

// PageRefs returns the sharing refcount of a frame.
func (p *PMM) PageRefs(pfn PFN) int32 {
	return atomic.LoadInt32(&p.Page(pfn).refcnt)
}

// MapInc and MapDec maintain the descriptor's mapping count.
func (p *PMM) MapInc(pfn PFN) { atomic.AddInt32(&p.Page(pfn).mapcount, 1) }
func (p *PMM) MapDec(pfn PFN) { atomic.AddInt32(&p.Page(pfn).mapcount, -1) }

// LogValue summarizes the manager for structured logs.
func (p *PMM) LogValue() log.Value {
	attrs := []log.Attr{
		log.Uint64("frames", p.Frames()),
		log.Uint64("free", p.FreeTotal()),
	}

	for i := range p.zones {
		attrs = append(attrs, log.Any(p.zones[i].id.String(), &p.zones[i]))
	}

	return log.GroupValue(attrs...)
}
