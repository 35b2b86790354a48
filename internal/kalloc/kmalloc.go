package kalloc

// kmalloc.go provides the general-purpose allocator: power-of-two size classes from 8 to
// 2048 bytes routed to slab caches, larger requests routed straight to the page allocator.

import (
	"fmt"

	"github.com/jack-chaudier/ocean/internal/ksync"
	"github.com/jack-chaudier/ocean/internal/log"
	"github.com/jack-chaudier/ocean/internal/mem"
)

const (
	minClass = 8
	maxClass = 2048
)

// Heap is the kernel heap. One exists per machine, created after the PMM.
type Heap struct {
	pmm *mem.PMM
	ram *mem.RAM

	lock     ksync.SpinLock
	registry []*Cache

	classes []*Cache

	log *log.Logger
}

// NewHeap builds the heap and its kmalloc size-class caches.
func NewHeap(pmm *mem.PMM, logger *log.Logger) (*Heap, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	h := &Heap{
		pmm: pmm,
		ram: pmm.RAM(),
		log: logger,
	}

	for size := uint32(minClass); size <= maxClass; size <<= 1 {
		c, err := h.NewCache(fmt.Sprintf("kmalloc-%d", size), size, minAlign)
		if err != nil {
			return nil, err
		}

		h.classes = append(h.classes, c)
	}

	logger.Debug("kalloc: heap ready", "classes", len(h.classes))

	return h, nil
}

// Caches returns a snapshot of the cache registry.
func (h *Heap) Caches() []*Cache {
	h.lock.Lock()
	defer h.lock.Unlock()

	return append([]*Cache(nil), h.registry...)
}

// classFor returns the smallest size class holding n bytes, or nil when n exceeds the
// largest class.
func (h *Heap) classFor(n uint64) *Cache {
	if n > maxClass {
		return nil
	}

	for _, c := range h.classes {
		if uint64(c.objSize) >= n {
			return c
		}
	}

	return nil
}

// Kmalloc allocates n bytes of kernel memory and returns its direct-map address, or 0 on
// exhaustion. Requests above the largest size class take whole pages: the smallest
// 2^order run covering n, the head frame marked compound so Kfree can recover the order.
func (h *Heap) Kmalloc(n uint64) mem.VirtAddr {
	if n == 0 {
		return 0
	}

	if c := h.classFor(n); c != nil {
		return c.Alloc()
	}

	order := 0
	for uint64(mem.PageSize)<<order < n {
		order++
	}

	if order >= mem.MaxOrder {
		return 0
	}

	pfn := h.pmm.AllocPages(mem.ZoneNormal, order, mem.AllocKernel)
	if pfn == mem.NoPFN {
		return 0
	}

	return h.ram.Direct(pfn.Addr())
}

// Kzalloc is Kmalloc plus zeroing.
func (h *Heap) Kzalloc(n uint64) mem.VirtAddr {
	va := h.Kmalloc(n)
	if va == 0 {
		return 0
	}

	h.ram.Zero(h.ram.FromDirect(va), int(h.Ksize(va)))

	return va
}

// Kfree releases memory from Kmalloc or a cache. The backing page descriptor says which:
// slab pages route to their cache, compound heads to a multi-page free, anything else
// must be a single page.
func (h *Heap) Kfree(va mem.VirtAddr) {
	if va == 0 {
		return
	}

	pa := h.ram.FromDirect(va)
	pg := h.pmm.Page(pa.PageDown())

	switch {
	case pg.Flags()&mem.PageSlab != 0:
		s := pg.Private().(*slab)
		s.cache.Free(va)

	case pg.Flags()&mem.PageCompoundHead != 0:
		h.pmm.FreePages(pa.PageDown(), pg.Order())

	case pg.Flags()&mem.PageCompoundTail != 0:
		panic(fmt.Sprintf("kalloc: free of %s, interior to a compound allocation", va))

	default:
		h.pmm.FreePages(pa.PageDown(), 0)
	}
}

// Ksize reports the usable size of an allocation, best-effort: the cache object size, the
// power-of-two page span, or a single page.
func (h *Heap) Ksize(va mem.VirtAddr) uint64 {
	if va == 0 {
		return 0
	}

	pa := h.ram.FromDirect(va)
	pg := h.pmm.Page(pa.PageDown())

	switch {
	case pg.Flags()&mem.PageSlab != 0:
		s := pg.Private().(*slab)
		return uint64(s.cache.objSize)

	case pg.Flags()&mem.PageCompoundHead != 0:
		return uint64(mem.PageSize) << pg.Order()

	default:
		return mem.PageSize
	}
}

// Bytes returns the n bytes of an allocation for kernel access.
func (h *Heap) Bytes(va mem.VirtAddr, n int) []byte {
	return h.ram.Bytes(h.ram.FromDirect(va), n)
}
