// Package kalloc is the kernel heap: slab caches for fixed-size objects and a
// size-class kmalloc on top of the page allocator. Objects live in DRAM and are referred
// to by their direct-map virtual addresses, so an address can always be traced back to
// its slab by masking to the page boundary.
package kalloc

import (
	"fmt"

	"github.com/jack-chaudier/ocean/internal/ksync"
	"github.com/jack-chaudier/ocean/internal/log"
	"github.com/jack-chaudier/ocean/internal/mem"
)

const (
	// slabHeaderReserve is the slice of each slab page set aside for the on-page header.
	// The live header fields are the slab record below; the reservation keeps object
	// offsets where a native kernel would put them.
	slabHeaderReserve = 64

	// minAlign is the smallest object alignment; a free object's first word holds the
	// free-list link, so objects can never be smaller than one word.
	minAlign = 8

	// endOfList terminates the embedded free list.
	endOfList = ^uint32(0)
)

// slabState names which cache list a slab is on.
type slabState uint8

const (
	slabFree slabState = iota
	slabPartial
	slabFull
)

// slab is one page carved into fixed-size objects. Free objects form an embedded singly
// linked list: the first word of each free object holds the page offset of the next.
type slab struct {
	cache *Cache
	pfn   mem.PFN

	freeHead uint32 // Page offset of first free object, endOfList when full.
	inUse    uint32
	free     uint32
	objStart uint32

	state      slabState
	next, prev *slab
}

// Cache is a slab cache of equally-sized objects.
type Cache struct {
	heap *Heap
	name string

	objSize uint32 // Caller's object size.
	align   uint32
	stride  uint32 // objSize rounded up to alignment.
	perSlab uint32

	lock ksync.SpinLock

	full    *slab
	partial *slab
	free    *slab

	slabs  uint32
	allocs uint64
	frees  uint64
}

// NewCache registers a cache of objects of the given size and alignment.
func (h *Heap) NewCache(name string, objSize, align uint32) (*Cache, error) {
	if align < minAlign {
		align = minAlign
	}

	if align&(align-1) != 0 {
		return nil, fmt.Errorf("kalloc: cache %q alignment %d is not a power of two", name, align)
	}

	stride := (objSize + align - 1) &^ (align - 1)
	if stride == 0 {
		return nil, fmt.Errorf("kalloc: cache %q has zero object size", name)
	}

	start := objectStart(align)
	perSlab := (mem.PageSize - start) / stride

	if perSlab == 0 {
		return nil, fmt.Errorf("kalloc: cache %q object size %d does not fit a slab", name, objSize)
	}

	c := &Cache{
		heap:    h,
		name:    name,
		objSize: objSize,
		align:   align,
		stride:  stride,
		perSlab: perSlab,
	}

	h.lock.Lock()
	h.registry = append(h.registry, c)
	h.lock.Unlock()

	return c, nil
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// ObjSize returns the caller-visible object size.
func (c *Cache) ObjSize() uint32 { return c.objSize }

// Stats returns slab and object counters.
func (c *Cache) Stats() (slabs uint32, allocs, frees uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.slabs, c.allocs, c.frees
}

// Alloc returns one object, or 0 when memory is exhausted. Not callable from interrupt
// context: growing the cache takes the zone lock with interrupts enabled.
func (c *Cache) Alloc() mem.VirtAddr {
	c.lock.Lock()

	s := c.partial
	if s == nil {
		if s = c.free; s != nil {
			c.listRemove(s)
			c.listPush(s, slabPartial)
		}
	}

	if s == nil {
		grown := c.grow()
		if grown == nil {
			c.lock.Unlock()
			return 0
		}

		c.listPush(grown, slabPartial)
		s = grown
	}

	off := s.freeHead
	s.freeHead = c.readLink(s, off)
	s.inUse++
	s.free--

	if s.free == 0 {
		c.listRemove(s)
		c.listPush(s, slabFull)
	}

	c.allocs++
	c.lock.Unlock()

	return c.heap.ram.Direct(s.pfn.Addr() + mem.PhysAddr(off))
}

// Free returns an object to its slab. The slab is recovered from the address by masking
// to the page boundary; freeing into the wrong cache panics.
func (c *Cache) Free(va mem.VirtAddr) {
	pa := c.heap.ram.FromDirect(va)
	pfn := pa.PageDown()
	pg := c.heap.pmm.Page(pfn)

	s, ok := pg.Private().(*slab)
	if !ok || pg.Flags()&mem.PageSlab == 0 {
		panic(fmt.Sprintf("kalloc: free of %s which is not a slab object", va))
	}

	if s.cache != c {
		panic(fmt.Sprintf("kalloc: object %s belongs to cache %q, freed via %q", va, s.cache.name, c.name))
	}

	off := uint32(pa) & mem.PageMask

	c.lock.Lock()

	c.writeLink(s, off, s.freeHead)
	s.freeHead = off
	s.inUse--
	s.free++

	switch {
	case s.inUse == 0:
		c.listRemove(s)
		c.listPush(s, slabFree)
	case s.state == slabFull:
		c.listRemove(s)
		c.listPush(s, slabPartial)
	}

	c.frees++
	c.lock.Unlock()
}

// grow allocates a fresh slab page and threads its free list. Caller holds the cache lock.
func (c *Cache) grow() *slab {
	pfn := c.heap.pmm.AllocPage(mem.ZoneNormal, mem.AllocZero|mem.AllocKernel)
	if pfn == mem.NoPFN {
		return nil
	}

	objStart := objectStart(c.align)

	s := &slab{
		cache:    c,
		pfn:      pfn,
		freeHead: objStart,
		free:     c.perSlab,
		objStart: objStart,
	}

	for i := uint32(0); i < c.perSlab; i++ {
		off := objStart + i*c.stride
		next := endOfList

		if i+1 < c.perSlab {
			next = off + c.stride
		}

		c.writeLink(s, off, next)
	}

	pg := c.heap.pmm.Page(pfn)
	pg.AddFlags(mem.PageSlab)
	pg.SetPrivate(s)

	c.slabs++

	return s
}

// objectStart aligns the first object past the header reservation.
func objectStart(align uint32) uint32 {
	return (uint32(slabHeaderReserve) + align - 1) &^ (align - 1)
}

// reclaim releases an empty slab's page back to the buddy allocator. Caller holds the
// cache lock and has already unlinked the slab.
func (c *Cache) reclaim(s *slab) {
	pg := c.heap.pmm.Page(s.pfn)
	pg.ClearFlags(mem.PageSlab)
	pg.SetPrivate(nil)

	c.heap.pmm.FreePages(s.pfn, 0)
	c.slabs--
}

// Shrink frees every slab with no live objects and reports how many pages were released.
func (c *Cache) Shrink() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	released := 0

	for c.free != nil {
		s := c.free
		c.listRemove(s)
		c.reclaim(s)
		released++
	}

	return released
}

// readLink and writeLink access an object's embedded free-list word in DRAM.

func (c *Cache) readLink(s *slab, off uint32) uint32 {
	return uint32(c.heap.ram.ReadU64(s.pfn.Addr() + mem.PhysAddr(off)))
}

func (c *Cache) writeLink(s *slab, off, next uint32) {
	c.heap.ram.WriteU64(s.pfn.Addr()+mem.PhysAddr(off), uint64(next))
}

// listPush and listRemove maintain the full/partial/free lists. Caller holds the cache
// lock.

func (c *Cache) head(state slabState) **slab {
	switch state {
	case slabFree:
		return &c.free
	case slabPartial:
		return &c.partial
	default:
		return &c.full
	}
}

func (c *Cache) listPush(s *slab, state slabState) {
	head := c.head(state)

	s.state = state
	s.prev = nil
	s.next = *head

	if *head != nil {
		(*head).prev = s
	}

	*head = s
}

func (c *Cache) listRemove(s *slab) {
	head := c.head(s.state)

	if s.prev != nil {
		s.prev.next = s.next
	} else {
		*head = s.next
	}

	if s.next != nil {
		s.next.prev = s.prev
	}

	s.next = nil
	s.prev = nil
}

// LogValue summarizes the cache for structured logs.
func (c *Cache) LogValue() log.Value {
	return log.GroupValue(
		log.String("cache", c.name),
		log.Uint64("objsize", uint64(c.objSize)),
		log.Uint64("slabs", uint64(c.slabs)),
		log.Uint64("allocs", c.allocs),
		log.Uint64("frees", c.frees),
	)
}
