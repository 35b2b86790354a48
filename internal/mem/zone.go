package mem

// zone.go defines the physical memory zones. DMA covers the ISA-reachable first 16 MiB,
// DMA32 the 32-bit-reachable space below 4 GiB, Normal everything above.

import (
	"fmt"

	"github.com/jack-chaudier/ocean/internal/ksync"
	"github.com/jack-chaudier/ocean/internal/log"
)

// ZoneID names a physical memory zone.
type ZoneID uint8

const (
	ZoneDMA ZoneID = iota
	ZoneDMA32
	ZoneNormal

	zoneCount
)

func (z ZoneID) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneDMA32:
		return "DMA32"
	case ZoneNormal:
		return "Normal"
	default:
		return fmt.Sprintf("zone(%d)", uint8(z))
	}
}

// Zone boundaries, in frames.
const (
	zoneDMALimit   = PFN(16 << 20 >> PageShift) // 16 MiB
	zoneDMA32Limit = PFN(4 << 30 >> PageShift)  // 4 GiB
)

// Zone is one physical memory zone: a frame range, per-order free lists, and counters.
// The lock guards the free lists and counters; allocation and free hold it only for list
// manipulation, which keeps the allocator callable from interrupt context.
type Zone struct {
	id         ZoneID
	start, end PFN // [start, end)

	lock ksync.IRQLock

	free      [MaxOrder]PFN    // Free-list heads, NoPFN when empty.
	freeCount [MaxOrder]uint64 // Blocks per order.

	freePages uint64
	allocs    uint64
	frees     uint64
}

// ID returns the zone identifier.
func (z *Zone) ID() ZoneID { return z.id }

// Span returns the zone's frame range.
func (z *Zone) Span() (start, end PFN) { return z.start, z.end }

// FreePages returns the number of free frames in the zone.
func (z *Zone) FreePages() uint64 {
	state := z.lock.LockIRQSave()
	defer z.lock.UnlockIRQRestore(state)

	return z.freePages
}

// Counters returns the zone's lifetime allocation and free counts.
func (z *Zone) Counters() (allocs, frees uint64) {
	state := z.lock.LockIRQSave()
	defer z.lock.UnlockIRQRestore(state)

	return z.allocs, z.frees
}

// FreeBlocks returns the per-order free-block counts.
func (z *Zone) FreeBlocks() [MaxOrder]uint64 {
	state := z.lock.LockIRQSave()
	defer z.lock.UnlockIRQRestore(state)

	return z.freeCount
}

func (z *Zone) contains(pfn PFN) bool { return pfn >= z.start && pfn < z.end }

func (z *Zone) String() string {
	return fmt.Sprintf("%s[%#x, %#x)", z.id, uint64(z.start), uint64(z.end))
}

// LogValue summarizes the zone for structured logs.
func (z *Zone) LogValue() log.Value {
	return log.GroupValue(
		log.String("zone", z.id.String()),
		log.Uint64("start", uint64(z.start)),
		log.Uint64("end", uint64(z.end)),
		log.Uint64("free", z.freePages),
		log.Uint64("allocs", z.allocs),
		log.Uint64("frees", z.frees),
	)
}

// zoneOf returns the zone a frame falls in.
func zoneOf(pfn PFN) ZoneID {
	switch {
	case pfn < zoneDMALimit:
		return ZoneDMA
	case pfn < zoneDMA32Limit:
		return ZoneDMA32
	default:
		return ZoneNormal
	}
}

// fallback lists the zones tried for an allocation, preferred first. Requests fall back
// downward only: a Normal allocation may land in DMA, never the reverse.
func fallback(id ZoneID) []ZoneID {
	switch id {
	case ZoneNormal:
		return []ZoneID{ZoneNormal, ZoneDMA32, ZoneDMA}
	case ZoneDMA32:
		return []ZoneID{ZoneDMA32, ZoneDMA}
	default:
		return []ZoneID{ZoneDMA}
	}
}
