package heap

import (
	"github.com/joshuapare/safeheap/internal/overflow"
	"github.com/joshuapare/safeheap/internal/region"
)

// Access hints where an allocation's pages should live.
type Access uint8

const (
	AccessHot  Access = iota // default placement
	AccessCold               // rarely touched; kept off hot pages
)

// Options tunes a single allocation. The zero value is a plain hot,
// 8-byte-aligned, error-returning allocation.
type Options struct {
	// Align is the required start alignment; 0 means natural (8 bytes).
	// Must be a power of two.
	Align uintptr

	// Access hints the expected touch frequency.
	Access Access

	// Nothrow makes allocation failure come back as an error. Without it an
	// out-of-memory condition panics, matching callers that never check.
	Nothrow bool
}

func (o Options) access() accessHint {
	if o.Access == AccessCold {
		return accessCold
	}
	return accessHot
}

// Alloc allocates size bytes and returns the address of the first.
// Zero-size requests return a distinct minimal object.
func (h *Heap) Alloc(size uintptr, opts Options) (uintptr, error) {
	sh := h.shardFor()
	sh.mu.Lock()
	ptr, _, err := h.allocImpl(&sh.cache, size, opts)
	sh.mu.Unlock()
	return ptr, err
}

// AllocSized is Alloc plus the usable capacity of the returned block, which
// is at least size and at most the class or page rounding.
func (h *Heap) AllocSized(size uintptr, opts Options) (uintptr, uintptr, error) {
	sh := h.shardFor()
	sh.mu.Lock()
	ptr, cap, err := h.allocImpl(&sh.cache, size, opts)
	sh.mu.Unlock()
	return ptr, cap, err
}

// Calloc allocates n objects of size bytes each, zeroed, with an
// overflow-checked total.
func (h *Heap) Calloc(n, size uintptr, opts Options) (uintptr, error) {
	total, ok := overflow.Mul(n, size)
	if !ok {
		return h.allocFail(opts, ErrSizeOverflow)
	}
	ptr, err := h.Alloc(total, opts)
	if err != nil {
		return 0, err
	}
	memZero(ptr, total)
	return ptr, nil
}

// Free returns ptr's block to the allocator. Free(0) is a no-op. Invalid
// pointers are reported, never dereferenced.
func (h *Heap) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	sh := h.shardFor()
	sh.mu.Lock()
	h.freeImpl(&sh.cache, ptr)
	sh.mu.Unlock()
}

// FreeSized is Free with the caller's claimed size and alignment checked
// against the block's actual class before the free proceeds.
func (h *Heap) FreeSized(ptr, size, align uintptr) {
	if ptr == 0 {
		return
	}
	if s := h.pages.descriptor(ptr); s != nil && s.kind == spanSmall {
		padded := h.paddedSize(size)
		want := h.sizemap.classForAlign(padded, align, accessHint(0))
		cold := want + uint8(h.sizemap.numBase)
		if want != 0 && s.sizeclass != want && s.sizeclass != cold {
			h.reportf("sized free of %#x: claimed %d bytes (class %d), block is class %d",
				ptr, size, want, s.sizeclass)
		}
	}
	h.Free(ptr)
}

// Nallocx predicts the usable size Alloc would return for a request without
// allocating.
func (h *Heap) Nallocx(size uintptr, opts Options) uintptr {
	padded := h.paddedSize(size)
	if padded == 0 {
		return 0
	}
	align := opts.Align
	if align != 0 && align&(align-1) != 0 {
		return 0
	}
	if c := h.sizemap.classForAlign(padded, align, opts.access()); c != 0 {
		return h.sizemap.size(c)
	}
	return pagesNeeded(padded) << pageShift
}

// paddedSize applies the protection pad: one extra byte so one-past-the-end
// pointers still land inside the chunk. Returns 0 on overflow.
func (h *Heap) paddedSize(size uintptr) uintptr {
	if size == 0 {
		size = 1
	}
	if !h.cfg.EnableProtection {
		return size
	}
	padded, ok := overflow.Add(size, 1)
	if !ok {
		return 0
	}
	return padded
}

func (h *Heap) allocFail(opts Options, err error) (uintptr, error) {
	if opts.Nothrow {
		return 0, err
	}
	panic(err)
}

// allocImpl is the single generic allocation routine behind every public
// entry point. The returned capacity is the block's usable size.
func (h *Heap) allocImpl(c *Cache, size uintptr, opts Options) (uintptr, uintptr, error) {
	h.stats.add(&h.stats.mallocCalls, 1)

	align := opts.Align
	if align != 0 && align&(align-1) != 0 {
		ptr, err := h.allocFail(opts, ErrBadAlignment)
		return ptr, 0, err
	}

	requested := size
	padded := h.paddedSize(size)
	if padded == 0 {
		ptr, err := h.allocFail(opts, ErrSizeOverflow)
		return ptr, 0, err
	}

	if class := h.sizemap.classForAlign(padded, align, opts.access()); class != 0 {
		obj, err := c.alloc(class)
		if err != nil {
			ptr, ferr := h.allocFail(opts, err)
			return ptr, 0, ferr
		}
		if weight, sampled := c.sampler.recordAllocation(requested); sampled {
			obj = h.sampleify(c, obj, class, requested, weight, opts)
			return obj, h.AllocatedSize(obj), nil
		}
		return obj, h.sizemap.size(class), nil
	}
	return h.allocLarge(padded, requested, opts)
}

func (h *Heap) allocLarge(padded, requested uintptr, opts Options) (uintptr, uintptr, error) {
	pages := pagesNeeded(padded)
	alignPages := uintptr(1)
	if opts.Align > pageSize {
		alignPages = opts.Align >> pageShift
	}
	tag := region.Normal
	if opts.Access == AccessCold {
		tag = region.Cold
	}
	h.mu.Lock()
	s, err := h.pagealloc.newAligned(pages, alignPages, tag)
	if err != nil {
		h.mu.Unlock()
		ptr, ferr := h.allocFail(opts, err)
		return ptr, 0, ferr
	}
	s.kind = spanLarge
	s.objSize8 = uint32(align8(requested) / 8)
	s.objectsPerSpan = 1
	s.allocated = 1
	h.pages.setSpan(s.first, s.npages, s, 0)
	h.mu.Unlock()
	return s.start(), s.bytes(), nil
}

// freeImpl validates ptr against span metadata before recycling it. The
// pointer itself is never dereferenced until it is known to be a live chunk
// start, so wild and poisoned pointers cost a report, not a corruption.
func (h *Heap) freeImpl(c *Cache, ptr uintptr) {
	h.stats.add(&h.stats.freeCalls, 1)

	// Buffered escapes must be committed before the poison walk, or a
	// registration still sitting in the buffer would miss the free.
	if h.cfg.EnableProtection {
		c.escapes.flush(h)
	}

	s := h.pages.descriptor(ptr)
	if s == nil || s.state != spanInUse {
		if isPoisoned(ptr) {
			h.reportf("free of poisoned pointer %#x: object was freed while this reference escaped", ptr)
		} else {
			h.reportf("free of %#x: not an allocated block", ptr)
		}
		return
	}

	switch s.kind {
	case spanSmall:
		_, exact := s.chunkIndex(ptr)
		if !exact {
			h.reportf("free of %#x: interior pointer into a %d-byte block", ptr, s.objectSize())
			return
		}
		if h.cfg.EnableProtection {
			lo, hi := s.chunkRange(ptr)
			h.poisonChunkEscapes(s, lo, hi)
		}
		h.freeToCache(c, s.sizeclass, ptr)
	case spanSampled, spanGuarded:
		if s.sampled != nil && ptr != s.sampled.Address {
			h.reportf("free of %#x: interior pointer into a sampled block at %#x", ptr, s.sampled.Address)
			return
		}
		if h.cfg.EnableProtection {
			lo, hi := s.chunkRange(ptr)
			h.poisonChunkEscapes(s, lo, hi)
		}
		h.freeSampled(c, s)
	case spanLarge:
		if ptr != s.start() {
			h.reportf("free of %#x: interior pointer into a %d-page block", ptr, s.npages)
			return
		}
		if h.cfg.EnableProtection {
			lo, hi := s.chunkRange(ptr)
			h.poisonChunkEscapes(s, lo, hi)
		}
		h.destroyEscapes(s)
		h.mu.Lock()
		h.pagealloc.delete(s)
		h.mu.Unlock()
	}
}

func (h *Heap) freeToCache(c *Cache, class uint8, obj uintptr) {
	c.free(class, obj)
}
