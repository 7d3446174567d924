package heap

import (
	"sync"

	"github.com/joshuapare/safeheap/internal/region"
)

var spanPool = sync.Pool{New: func() any { return new(span) }}

func newSpanDesc(first pageID, npages uintptr, tag region.Tag) *span {
	s := spanPool.Get().(*span)
	*s = span{first: first, npages: npages, tag: tag}
	return s
}

func releaseSpanDesc(s *span) {
	*s = span{}
	spanPool.Put(s)
}

// pageAllocator hands out page runs and takes them back, coalescing free
// neighbors and tracking soft and hard memory limits. Every method requires
// the pageheap lock (Heap.mu).
//
// Free spans sit on exact-length lists up to maxPagesLists pages; longer runs
// share one list scanned best-fit. Free spans are indexed in the page map by
// their boundary pages only, which is all coalescing needs.
type pageAllocator struct {
	h *Heap

	free  [maxPagesLists]spanList
	large spanList

	inUseBytes uintptr
	freeBytes  uintptr

	limitBytes uintptr // 0 means unlimited
	limitHard  bool
}

func (pa *pageAllocator) init(h *Heap) {
	pa.h = h
}

// setLimit installs a memory limit. A soft limit triggers page release when
// growth would pass it; a hard limit makes growth fail instead.
func (pa *pageAllocator) setLimit(bytes uintptr, hard bool) {
	pa.limitBytes = bytes
	pa.limitHard = hard
}

// newSpan allocates a run of exactly pages pages, growing from the OS when
// no free span fits. Returns nil with ErrOutOfMemory or ErrLimitExceeded.
func (pa *pageAllocator) newSpan(pages uintptr, tag region.Tag) (*span, error) {
	return pa.newAligned(pages, 1, tag)
}

// newAligned allocates pages pages whose start address is aligned to
// alignPages pages. alignPages must be a power of two.
func (pa *pageAllocator) newAligned(pages, alignPages uintptr, tag region.Tag) (*span, error) {
	if s := pa.takeFit(pages, alignPages, tag); s != nil {
		return s, nil
	}
	if err := pa.grow(pages+alignPages-1, tag); err != nil {
		return nil, err
	}
	s := pa.takeFit(pages, alignPages, tag)
	checkf(s != nil, "grow succeeded but no span of %d pages available", pages)
	return s, nil
}

// takeFit finds a free span that can contain an aligned run of pages pages,
// splits off the surplus, and returns the run marked in-use.
func (pa *pageAllocator) takeFit(pages, alignPages uintptr, tag region.Tag) *span {
	need := pages + alignPages - 1
	var found *span
	for n := need; n < maxPagesLists; n++ {
		for s := pa.free[n].head; s != nil; s = s.next {
			if s.tag == tag {
				found = s
				break
			}
		}
		if found != nil {
			break
		}
	}
	if found == nil {
		// Best fit among the large spans.
		for s := pa.large.head; s != nil; s = s.next {
			if s.tag != tag || s.npages < need {
				continue
			}
			if found == nil || s.npages < found.npages {
				found = s
			}
		}
	}
	if found == nil {
		return nil
	}
	found.list.remove(found)
	pa.freeBytes -= found.bytes()
	pa.h.pages.clear(found.first, 1)
	pa.h.pages.clear(found.first+pageID(found.npages)-1, 1)
	if found.state == spanReleased {
		// Decommitted pages fault back in as zeroes; nothing to do.
		found.state = spanFree
	}

	alignedFirst := pageID(alignUp(uintptr(found.first), alignPages))
	if head := uintptr(alignedFirst - found.first); head > 0 {
		h := newSpanDesc(found.first, head, tag)
		pa.insertFree(h)
	}
	if tail := found.npages - uintptr(alignedFirst-found.first) - pages; tail > 0 {
		t := newSpanDesc(alignedFirst+pageID(pages), tail, tag)
		pa.insertFree(t)
	}

	found.first = alignedFirst
	found.npages = pages
	found.state = spanInUse
	pa.inUseBytes += found.bytes()
	return found
}

// delete returns an in-use span's pages to the free pool, merging with free
// neighbors of the same tag.
func (pa *pageAllocator) delete(s *span) {
	checkf(s.state == spanInUse, "delete of span %#x in state %d", s.start(), s.state)
	pa.inUseBytes -= s.bytes()
	pa.h.pages.clear(s.first, s.npages)

	first, npages := s.first, s.npages
	if prev := pa.h.pages.descriptor(pageToAddr(first) - 1); prev != nil &&
		prev.state != spanInUse && prev.tag == s.tag {
		prev.list.remove(prev)
		pa.freeBytes -= prev.bytes()
		pa.h.pages.clear(prev.first, 1)
		pa.h.pages.clear(prev.first+pageID(prev.npages)-1, 1)
		first = prev.first
		npages += prev.npages
		releaseSpanDesc(prev)
	}
	if next := pa.h.pages.descriptor(pageToAddr(s.first + pageID(s.npages))); next != nil &&
		next.state != spanInUse && next.tag == s.tag {
		next.list.remove(next)
		pa.freeBytes -= next.bytes()
		pa.h.pages.clear(next.first, 1)
		pa.h.pages.clear(next.first+pageID(next.npages)-1, 1)
		npages += next.npages
		releaseSpanDesc(next)
	}

	merged := s
	merged.first = first
	merged.npages = npages
	merged.kind = spanLarge
	merged.sizeclass = 0
	merged.objSize8 = 0
	merged.objectsPerSpan = 0
	merged.allocated = 0
	merged.freeHead = 0
	merged.sampled = nil
	pa.insertFree(merged)
}

func (pa *pageAllocator) insertFree(s *span) {
	s.state = spanFree
	if s.npages < maxPagesLists {
		pa.free[s.npages].pushFront(s)
	} else {
		pa.large.pushFront(s)
	}
	pa.freeBytes += s.bytes()
	pa.h.pages.setBoundary(s.first, s.npages, s)
}

// grow reserves at least pages pages of fresh address space under tag.
func (pa *pageAllocator) grow(pages uintptr, tag region.Tag) error {
	if pages < minSystemPages {
		pages = minSystemPages
	}
	bytes := pages << pageShift
	if pa.limitBytes != 0 && pa.inUseBytes+pa.freeBytes+bytes > pa.limitBytes {
		if pa.limitHard {
			return ErrLimitExceeded
		}
		pa.releaseAtLeastNPages(pages)
	}
	addr, err := pa.h.regions.Reserve(bytes, pageSize, tag)
	if err != nil {
		debugf("grow of %d pages failed: %v", pages, err)
		return ErrOutOfMemory
	}
	debugf("grew %s heap by %d pages at %#x", tag, pages, addr)
	s := newSpanDesc(addrToPage(addr), pages, tag)
	pa.insertFree(s)
	return nil
}

// releaseAtLeastNPages decommits free spans until n pages have been dropped
// or no committed free spans remain. Returns the pages actually released.
func (pa *pageAllocator) releaseAtLeastNPages(n uintptr) uintptr {
	var released uintptr
	visit := func(l *spanList) {
		for s := l.head; s != nil && released < n; s = s.next {
			if s.state != spanFree {
				continue
			}
			if err := pa.h.regions.Decommit(s.start(), s.bytes()); err != nil {
				continue
			}
			s.state = spanReleased
			released += s.npages
		}
	}
	// Largest spans first: fewer syscalls per page released.
	visit(&pa.large)
	for i := maxPagesLists - 1; i >= 1 && released < n; i-- {
		visit(&pa.free[i])
	}
	return released
}
