package heap

// Boundary-check results. Non-heap pointers are reported distinctly so
// instrumented code can skip objects the allocator does not manage.
const (
	CheckValid   = 0
	CheckOOB     = -1
	CheckNonHeap = 1
)

// ChunkRange returns the [start, end) extent of the allocation containing
// base, accepting interior pointers. For pointers outside the heap it
// returns (0, NonHeapEnd), a range every access trivially fits.
func (h *Heap) ChunkRange(base uintptr) (uintptr, uintptr) {
	s := h.pages.descriptor(base)
	if s == nil || s.state != spanInUse {
		return 0, NonHeapEnd
	}
	return s.chunkRange(base)
}

// NonHeapEnd is the chunk end reported for pointers the allocator does not
// own: the first address above the 48-bit heap range.
const NonHeapEnd = nonHeapSentinel

// GEPCheckBoundary validates a derived pointer: ptr was computed from base
// and an access of size bytes through it must stay inside base's chunk.
// Returns CheckValid, CheckOOB (reported), or CheckNonHeap.
func (h *Heap) GEPCheckBoundary(base, ptr, size uintptr) int {
	if !h.cfg.EnableProtection {
		return CheckValid
	}
	h.stats.add(&h.stats.gepChecks, 1)
	s := h.pages.descriptor(base)
	if s == nil || s.state != spanInUse {
		return CheckNonHeap
	}
	lo, hi := s.chunkRange(base)
	if ptr < lo || ptr+size > hi {
		h.reportf("pointer arithmetic escaped its %d-byte block [%#x,%#x): derived %#x size %d",
			hi-lo, lo, hi, ptr, size)
		return CheckOOB
	}
	return CheckValid
}

// BCCheckBoundary validates a direct access of size bytes at base against
// base's chunk. Returns CheckValid, CheckOOB (reported), or CheckNonHeap.
func (h *Heap) BCCheckBoundary(base, size uintptr) int {
	if !h.cfg.EnableProtection {
		return CheckValid
	}
	h.stats.add(&h.stats.bcChecks, 1)
	s := h.pages.descriptor(base)
	if s == nil || s.state != spanInUse {
		return CheckNonHeap
	}
	lo, hi := s.chunkRange(base)
	if base < lo || base+size > hi {
		h.reportf("access of %d bytes at %#x overruns its block [%#x,%#x)",
			size, base, lo, hi)
		return CheckOOB
	}
	return CheckValid
}

// Escape records that the pointer-sized location loc holds, or is about to
// hold, ptr. When ptr points into the heap, loc is remembered so freeing
// ptr's chunk can poison the stored pointer. Escape reads loc's current
// value: when that is a different pointer into the same chunk as ptr, the
// existing registration already covers the rewrite and nothing is buffered.
// Escape(loc, 0) clears the registration of the chunk loc points into when
// the buffer commits; a record whose location was already overwritten is
// pruned by the next poison walk over its chunk instead.
//
// The registration goes through the calling shard's write-combining buffer;
// it becomes visible to frees only once the buffer commits.
func (h *Heap) Escape(loc, ptr uintptr) {
	sh := h.shardFor()
	sh.mu.Lock()
	sh.cache.Escape(loc, ptr)
	sh.mu.Unlock()
}

// ClearEscape removes any registration for loc. Equivalent to
// Escape(loc, 0).
func (h *Heap) ClearEscape(loc uintptr) {
	h.Escape(loc, 0)
}

// FlushEscapes commits all buffered escape registrations on the calling
// shard. Frees observe only committed registrations, so flush before any
// point where poisoning must be guaranteed.
func (h *Heap) FlushEscapes() {
	sh := h.shardFor()
	sh.mu.Lock()
	sh.cache.escapes.flush(h)
	sh.mu.Unlock()
}

// Escape is the cache-local form of Heap.Escape.
func (c *Cache) Escape(loc, ptr uintptr) {
	h := c.h
	if !h.cfg.EnableProtection {
		return
	}
	h.stats.add(&h.stats.escapesRequested, 1)
	if ptr == 0 {
		h.stats.add(&h.stats.escapesCleared, 1)
		c.escapes.add(h, loc, 0)
		return
	}
	s := h.pages.descriptor(ptr)
	if s == nil || s.state != spanInUse {
		return
	}
	h.stats.add(&h.stats.escapesHeap, 1)
	if old := loadWord(loc); old != 0 && old != ptr {
		olo, ohi := s.chunkRange(ptr)
		if old >= olo && old < ohi {
			// Rewrite within the same chunk; the existing record covers it.
			h.stats.add(&h.stats.escapesCoalesced, 1)
			return
		}
	}
	c.escapes.add(h, loc, ptr)
}

// ClearEscape is the cache-local form of Heap.ClearEscape.
func (c *Cache) ClearEscape(loc uintptr) {
	c.Escape(loc, 0)
}

// FlushEscapes commits this cache's buffered registrations.
func (c *Cache) FlushEscapes() {
	c.escapes.flush(c.h)
}

// ReportError emits a generic corruption report. Instrumented code calls it
// when a check routine's result demands a diagnostic at a distance from the
// check itself.
func (h *Heap) ReportError() {
	h.reportf("corruption detected by instrumented caller")
}
