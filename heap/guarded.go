package heap

import (
	"errors"
	"sync"

	"github.com/joshuapare/safeheap/internal/region"
)

// guardedAllocator serves sampled allocations from a fixed pool of data
// pages, each flanked by inaccessible guard pages. Objects are right-aligned
// against the trailing guard so an overflow of even one byte faults, and
// freed data pages stay protected until their slot is reused so stale reads
// fault too.
//
// Layout of the reservation, slot i's data page at page 2i+1:
//
//	guard | data 0 | guard | data 1 | guard | ... | data n-1 | guard
type guardedAllocator struct {
	h     *Heap
	base  uintptr
	pages uintptr // total pages in the reservation
	slots int

	mu        sync.Mutex
	freeSlots []int
	available bool
}

func newGuardedAllocator(h *Heap, slots int) *guardedAllocator {
	g := &guardedAllocator{h: h, slots: slots}
	g.pages = uintptr(2*slots + 1)
	length := g.pages << pageShift
	addr, err := h.regions.Reserve(length, pageSize, region.Guarded)
	if err != nil {
		return g // stays unavailable
	}
	g.base = addr
	// Protect the whole pool; data pages open up per allocation.
	if err := h.regions.Protect(addr, length); err != nil {
		if errors.Is(err, region.ErrProtectUnsupported) {
			h.regions.Release(addr, length)
			return g
		}
		h.regions.Release(addr, length)
		return g
	}
	g.freeSlots = make([]int, slots)
	for i := range g.freeSlots {
		g.freeSlots[i] = slots - 1 - i
	}
	g.available = true
	return g
}

func (g *guardedAllocator) dataPage(slot int) uintptr {
	return g.base + uintptr(2*slot+1)<<pageShift
}

// allocate places size bytes right-aligned on a free data page. Returns 0
// when the pool is unavailable, exhausted, or size does not fit.
func (g *guardedAllocator) allocate(size, align uintptr) (uintptr, *span) {
	if size == 0 || size > pageSize {
		return 0, nil
	}
	if align < 8 {
		align = 8
	}
	g.mu.Lock()
	if !g.available || len(g.freeSlots) == 0 {
		g.mu.Unlock()
		return 0, nil
	}
	slot := g.freeSlots[len(g.freeSlots)-1]
	g.freeSlots = g.freeSlots[:len(g.freeSlots)-1]
	g.mu.Unlock()

	page := g.dataPage(slot)
	if err := g.h.regions.Unprotect(page, pageSize); err != nil {
		g.mu.Lock()
		g.freeSlots = append(g.freeSlots, slot)
		g.mu.Unlock()
		return 0, nil
	}
	memZero(page, pageSize)
	ptr := (page + pageSize - size) &^ (align - 1)

	s := newSpanDesc(addrToPage(page), 1, region.Guarded)
	s.kind = spanGuarded
	s.state = spanInUse
	s.objSize8 = uint32(align8(size) / 8)
	s.objectsPerSpan = 1
	s.allocated = 1
	g.h.mu.Lock()
	g.h.pages.setSpan(s.first, 1, s, 0)
	g.h.mu.Unlock()
	return ptr, s
}

// deallocate re-protects the data page and recycles the slot. The page stays
// inaccessible until the slot is handed out again.
func (g *guardedAllocator) deallocate(s *span) {
	page := s.start()
	slot := int((page - g.base - pageSize) >> (pageShift + 1))
	g.h.mu.Lock()
	g.h.pages.clear(s.first, 1)
	g.h.mu.Unlock()
	g.h.regions.Protect(page, pageSize)
	releaseSpanDesc(s)
	g.mu.Lock()
	g.freeSlots = append(g.freeSlots, slot)
	g.mu.Unlock()
}

// pointerIsMine reports whether ptr falls inside the guarded reservation.
func (g *guardedAllocator) pointerIsMine(ptr uintptr) bool {
	return g.available && ptr >= g.base && ptr < g.base+g.pages<<pageShift
}

// requestedSize returns the exact byte count asked for when ptr was
// allocated. Sizes reported for guarded objects must be exact, not class
// rounded, because the trailing guard sits flush against the object.
func (g *guardedAllocator) requestedSize(ptr uintptr) (uintptr, bool) {
	s := g.h.pages.descriptor(ptr)
	if s == nil || s.kind != spanGuarded || s.sampled == nil {
		return 0, false
	}
	return s.sampled.RequestedSize, true
}
