package heap

import "github.com/joshuapare/safeheap/internal/region"

// spanKind distinguishes how a span's objects are laid out and freed.
type spanKind uint8

const (
	spanLarge   spanKind = iota // one object, own page run
	spanSmall                   // size-class carved, chunk freelist
	spanSampled                 // one sampled object with a proxy span behind it
	spanGuarded                 // one object on a guarded data page
)

func (k spanKind) String() string {
	switch k {
	case spanLarge:
		return "large"
	case spanSmall:
		return "small"
	case spanSampled:
		return "sampled"
	case spanGuarded:
		return "guarded"
	}
	return "unknown"
}

type spanState uint8

const (
	spanInUse spanState = iota
	spanFree
	spanReleased // free and physically decommitted
)

// span describes a run of pages. For small spans the objects live on an
// intrusive freelist threaded through the free chunks themselves; the
// descriptor carries only the list head.
type span struct {
	first  pageID
	npages uintptr

	next, prev *span
	list       *spanList

	kind  spanKind
	state spanState
	tag   region.Tag

	sizeclass uint8

	// objSize8 is the object size in 8-byte units. For large and sampled
	// spans it records the rounded requested size, which is smaller than the
	// page run; the difference is the span's internal fragmentation.
	objSize8 uint32

	objectsPerSpan uint16
	allocated      uint16

	freeHead uintptr // intrusive freelist of free chunks, 0 when empty

	escapes *escapeSlots        // non-nil once any object in the span escaped
	sampled *SampledAllocation  // set on sampled and guarded spans
}

func (s *span) start() uintptr { return pageToAddr(s.first) }
func (s *span) end() uintptr   { return pageToAddr(s.first + pageID(s.npages)) }
func (s *span) bytes() uintptr { return s.npages << pageShift }

func (s *span) objectSize() uintptr { return uintptr(s.objSize8) * 8 }

// chunkIndex returns which object slot addr falls into and whether addr is
// exactly the slot start. Only meaningful for small spans.
func (s *span) chunkIndex(addr uintptr) (idx uintptr, exact bool) {
	off := addr - s.start()
	size := s.objectSize()
	return off / size, off%size == 0
}

// chunkRange returns the [start, end) byte range of the object containing
// addr. Guarded objects report their exact requested extent since the
// trailing guard page sits flush against them.
func (s *span) chunkRange(addr uintptr) (lo, hi uintptr) {
	switch s.kind {
	case spanGuarded:
		if s.sampled != nil {
			lo = s.sampled.Address
			return lo, lo + s.sampled.RequestedSize
		}
		return s.start(), s.end()
	case spanSmall:
		idx, _ := s.chunkIndex(addr)
		lo = s.start() + idx*s.objectSize()
		return lo, lo + s.objectSize()
	default:
		return s.start(), s.start() + s.objectSize()
	}
}

// fragmentation is the byte overhead of keeping this sampled span alive for
// an object of allocatedSize: the whole pages of the span past the pages the
// object touches.
func (s *span) fragmentation(allocatedSize uintptr) uintptr {
	used := pagesNeeded(allocatedSize) << pageShift
	if used >= s.bytes() {
		return 0
	}
	return s.bytes() - used
}

// initFreelist threads all objects of a fresh small span into the intrusive
// freelist, lowest address first, writing each chunk's successor into its
// first word.
func (s *span) initFreelist() {
	size := s.objectSize()
	base := s.start()
	n := uintptr(s.objectsPerSpan)
	for i := uintptr(0); i < n; i++ {
		chunk := base + i*size
		next := uintptr(0)
		if i+1 < n {
			next = chunk + size
		}
		storeWord(chunk, next)
	}
	s.freeHead = base
	s.allocated = 0
}

// popObject removes the freelist head. Returns 0 when the span is full.
func (s *span) popObject() uintptr {
	obj := s.freeHead
	if obj == 0 {
		return 0
	}
	s.freeHead = loadWord(obj)
	s.allocated++
	return obj
}

// pushObject returns an object to the freelist head.
func (s *span) pushObject(obj uintptr) {
	storeWord(obj, s.freeHead)
	s.freeHead = obj
	s.allocated--
}

// spanList is an intrusive doubly-linked list of spans.
type spanList struct {
	head, tail *span
}

func (l *spanList) isEmpty() bool { return l.head == nil }

func (l *spanList) pushFront(s *span) {
	checkf(s.list == nil, "span %#x already on a list", s.start())
	s.list = l
	s.next = l.head
	s.prev = nil
	if l.head != nil {
		l.head.prev = s
	} else {
		l.tail = s
	}
	l.head = s
}

func (l *spanList) remove(s *span) {
	checkf(s.list == l, "span %#x not on this list", s.start())
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.next, s.prev, s.list = nil, nil, nil
}

func (l *spanList) popFront() *span {
	s := l.head
	if s != nil {
		l.remove(s)
	}
	return s
}
