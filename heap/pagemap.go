package heap

import "sync/atomic"

// pageMap is a two-level radix map from page number to span metadata for
// 48-bit address spaces. Reads are atomic and lock-free so the free and
// boundary-check paths never take the pageheap lock; all writes happen with
// the pageheap lock held.
//
// Each mapped page carries a packed info word and a span descriptor pointer.
// The info word encodes the span's first page and size class so the hottest
// queries (chunk start, class) resolve without touching the descriptor:
//
//	info = firstPage<<8 | sizeclass
//
// info==0 means unmapped: page 0 is never handed out, so the packed value of
// a real mapping is always nonzero.
const (
	pageMapRootBits = 18
	pageMapLeafBits = 48 - pageShift - pageMapRootBits // 17
	pageMapLeafLen  = 1 << pageMapLeafBits
)

type pageMapLeaf struct {
	info  [pageMapLeafLen]atomic.Uint64
	spans [pageMapLeafLen]atomic.Pointer[span]
}

type pageMap struct {
	root [1 << pageMapRootBits]atomic.Pointer[pageMapLeaf]
}

func packInfo(first pageID, class uint8) uint64 {
	return uint64(first)<<8 | uint64(class)
}

func (pm *pageMap) leafFor(p pageID, create bool) *pageMapLeaf {
	i := p >> pageMapLeafBits
	if uintptr(i) >= uintptr(len(pm.root)) {
		return nil
	}
	l := pm.root[i].Load()
	if l == nil && create {
		l = new(pageMapLeaf)
		if !pm.root[i].CompareAndSwap(nil, l) {
			l = pm.root[i].Load()
		}
	}
	return l
}

// setSpan records s as the descriptor for every page in [first, first+n) and
// stamps each page's packed info. Caller holds the pageheap lock.
func (pm *pageMap) setSpan(first pageID, n uintptr, s *span, class uint8) {
	info := packInfo(first, class)
	for p := first; p < first+pageID(n); p++ {
		l := pm.leafFor(p, true)
		l.spans[p%pageMapLeafLen].Store(s)
		l.info[p%pageMapLeafLen].Store(info)
	}
}

// setBoundary records s only on the first and last pages of its range, the
// way free spans are indexed for coalescing. Caller holds the pageheap lock.
func (pm *pageMap) setBoundary(first pageID, n uintptr, s *span) {
	l := pm.leafFor(first, true)
	l.spans[first%pageMapLeafLen].Store(s)
	l.info[first%pageMapLeafLen].Store(packInfo(first, 0))
	if n > 1 {
		last := first + pageID(n) - 1
		l = pm.leafFor(last, true)
		l.spans[last%pageMapLeafLen].Store(s)
		l.info[last%pageMapLeafLen].Store(packInfo(first, 0))
	}
}

// clear removes every mapping in [first, first+n). Caller holds the pageheap
// lock.
func (pm *pageMap) clear(first pageID, n uintptr) {
	for p := first; p < first+pageID(n); p++ {
		if l := pm.leafFor(p, false); l != nil {
			l.info[p%pageMapLeafLen].Store(0)
			l.spans[p%pageMapLeafLen].Store(nil)
		}
	}
}

// descriptor returns the span covering addr, or nil when the address is not
// mapped. Lock-free.
func (pm *pageMap) descriptor(addr uintptr) *span {
	p := addrToPage(addr)
	l := pm.leafFor(p, false)
	if l == nil {
		return nil
	}
	return l.spans[p%pageMapLeafLen].Load()
}

// pageInfo returns the packed info word for addr's page: span first page and
// size class. ok is false when the page is unmapped. Lock-free.
func (pm *pageMap) pageInfo(addr uintptr) (first pageID, class uint8, ok bool) {
	p := addrToPage(addr)
	l := pm.leafFor(p, false)
	if l == nil {
		return 0, 0, false
	}
	info := l.info[p%pageMapLeafLen].Load()
	if info == 0 {
		return 0, 0, false
	}
	return pageID(info >> 8), uint8(info), true
}
