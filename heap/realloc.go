package heap

import "github.com/joshuapare/safeheap/internal/overflow"

// Realloc resizes ptr's block to newSize bytes, preserving the common prefix.
//
// Reallocation is hysteretic: the block is only replaced when it cannot hold
// newSize or when newSize drops below half the current capacity, and a
// marginal grow over-allocates by a quarter so a sequence of small grows does
// not copy every time. Realloc(0, n) allocates; Realloc(p, 0) frees and
// returns 0.
func (h *Heap) Realloc(ptr, newSize uintptr, opts Options) (uintptr, error) {
	if ptr == 0 {
		return h.Alloc(newSize, opts)
	}
	if newSize == 0 {
		h.Free(ptr)
		return 0, nil
	}

	old := h.AllocatedSize(ptr)
	if old == 0 {
		// Not ours; the free path owns the reporting.
		h.Free(ptr)
		return h.allocFail(opts, ErrNotOwned)
	}

	// One extra pad byte on top of Alloc's own, so a block that has been
	// through realloc keeps a valid one-past-the-end even after the copy
	// path truncates.
	want := newSize
	if h.cfg.EnableProtection {
		var ok bool
		want, ok = overflow.Add(newSize, 1)
		if !ok {
			return h.allocFail(opts, ErrSizeOverflow)
		}
	}

	growLower := old + old/4
	shrinkUpper := old / 2
	if want <= old && newSize >= shrinkUpper {
		return ptr, nil
	}

	var newPtr uintptr
	var err error
	if want > old && want < growLower {
		nopts := opts
		nopts.Nothrow = true
		newPtr, err = h.Alloc(growLower, nopts)
	}
	if newPtr == 0 {
		newPtr, err = h.Alloc(want, opts)
		if err != nil {
			return 0, err
		}
	}

	n := old
	if newSize < n {
		n = newSize
	}
	memCopy(newPtr, ptr, n)
	h.Free(ptr)
	return newPtr, nil
}
