package heap

// Ownership classifies a pointer relative to this heap.
type Ownership uint8

const (
	NotOwned Ownership = iota
	Owned
)

// Ownership reports whether ptr is the start of a block in an in-use span of
// this heap. Large, sampled and guarded blocks read NotOwned once freed; a
// freed small chunk keeps reading Owned while its span stays in use, since
// free chunks inside a small span are not tracked individually.
func (h *Heap) Ownership(ptr uintptr) Ownership {
	s := h.pages.descriptor(ptr)
	if s == nil || s.state != spanInUse {
		return NotOwned
	}
	switch s.kind {
	case spanSmall:
		if _, exact := s.chunkIndex(ptr); exact {
			return Owned
		}
	case spanSampled, spanGuarded:
		if s.sampled != nil && ptr == s.sampled.Address {
			return Owned
		}
	case spanLarge:
		if ptr == s.start() {
			return Owned
		}
	}
	return NotOwned
}

// AllocatedSize returns the usable byte count of the block at ptr, or 0 when
// ptr lies in no in-use span. Any address inside an in-use small span,
// including an interior pointer or a freed chunk, reports the class size.
// Guarded blocks report their exact requested
// size since nothing usable sits between the object and its guard page.
func (h *Heap) AllocatedSize(ptr uintptr) uintptr {
	s := h.pages.descriptor(ptr)
	if s == nil || s.state != spanInUse {
		return 0
	}
	switch s.kind {
	case spanSmall:
		return s.objectSize()
	case spanGuarded:
		if s.sampled != nil {
			return s.sampled.RequestedSize
		}
		return 0
	case spanSampled:
		if s.sampled != nil {
			return s.sampled.AllocatedSize
		}
		return s.objectSize()
	default:
		return s.bytes()
	}
}

// AddrRange is one contiguous in-use region of the heap.
type AddrRange struct {
	Start uintptr
	Bytes uintptr
}

// AllocatedRanges returns the page runs currently backing live allocations,
// one entry per in-use span. The snapshot is taken under the pageheap lock.
func (h *Heap) AllocatedRanges() []AddrRange {
	var out []AddrRange
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.pages.root {
		l := h.pages.root[i].Load()
		if l == nil {
			continue
		}
		for j := 0; j < pageMapLeafLen; j++ {
			s := l.spans[j].Load()
			if s == nil || s.state != spanInUse {
				continue
			}
			p := pageID(uintptr(i)<<pageMapLeafBits | uintptr(j))
			if p != s.first {
				continue // count each span once, at its first page
			}
			out = append(out, AddrRange{Start: s.start(), Bytes: s.bytes()})
		}
	}
	return out
}

// NumericProperty exposes internal gauges by name, mirroring the string-keyed
// property interface allocator tooling expects. ok is false for unknown
// names.
func (h *Heap) NumericProperty(name string) (uint64, bool) {
	switch name {
	case "heap.reserved_bytes":
		return uint64(h.regions.ReservedBytes()), true
	case "heap.in_use_bytes":
		h.mu.Lock()
		v := h.pagealloc.inUseBytes
		h.mu.Unlock()
		return uint64(v), true
	case "heap.free_bytes":
		h.mu.Lock()
		v := h.pagealloc.freeBytes
		h.mu.Unlock()
		return uint64(v), true
	case "heap.limit_bytes":
		h.mu.Lock()
		v := h.pagealloc.limitBytes
		h.mu.Unlock()
		return uint64(v), true
	case "heap.sampled.count":
		h.sampled.mu.Lock()
		v := h.sampled.count
		h.sampled.mu.Unlock()
		return uint64(v), true
	case "heap.sampled.internal_fragmentation":
		h.sampled.mu.Lock()
		v := h.sampled.fragmentation
		h.sampled.mu.Unlock()
		return uint64(v), true
	}
	return 0, false
}

// SetMemoryLimit installs a byte limit on reserved-and-committed memory.
// A hard limit makes allocations fail with ErrLimitExceeded once reached; a
// soft limit triggers page release instead. bytes == 0 removes the limit.
func (h *Heap) SetMemoryLimit(bytes uintptr, hard bool) {
	h.mu.Lock()
	h.pagealloc.setLimit(bytes, hard)
	h.mu.Unlock()
}

// ReleaseMemoryToSystem asks the OS to drop at least bytes of committed but
// free memory. Release happens in whole spans, so single calls routinely
// overshoot; the surplus is remembered and credited against later calls.
func (h *Heap) ReleaseMemoryToSystem(bytes uintptr) {
	h.releaseMu.Lock()
	defer h.releaseMu.Unlock()

	if h.extraReleasedBytes >= bytes {
		h.extraReleasedBytes -= bytes
		return
	}
	bytes -= h.extraReleasedBytes
	h.extraReleasedBytes = 0

	for i := range h.central {
		h.central[i].drainSlots(0)
	}

	h.mu.Lock()
	released := h.pagealloc.releaseAtLeastNPages(pagesNeeded(bytes)) << pageShift
	h.mu.Unlock()
	if released > bytes {
		h.extraReleasedBytes = released - bytes
	}
}

// ReleaseShardMemory drains shard i's cache back to the central lists.
// Returns false for an out-of-range shard.
func (h *Heap) ReleaseShardMemory(i int) bool {
	if i < 0 || i >= len(h.shards) {
		return false
	}
	sh := &h.shards[i]
	sh.mu.Lock()
	sh.cache.MarkIdle()
	sh.mu.Unlock()
	return true
}

// NumShards reports how many caches back the Heap-level entry points.
func (h *Heap) NumShards() int { return len(h.shards) }
