package heap

import "sync"

// Escape tracking remembers, per heap chunk, the locations known to hold a
// pointer into that chunk. When the chunk is freed every remembered location
// is revisited: if it still points into the chunk the stored pointer gets its
// high half stamped with a poison signature, so any later dereference or free
// through it fails loudly instead of silently touching recycled memory.
//
// Registrations are intentionally allowed to go stale. A location that is
// later overwritten keeps its record until the next poison walk over the old
// chunk, which revalidates the stored value before stamping and prunes the
// record either way. This keeps the hot path to a buffer append and makes
// correctness depend only on the revalidation at poison time.

const escapeBufSize = 16

// escapeRecord is one remembered location, chained per chunk.
type escapeRecord struct {
	loc  uintptr
	next *escapeRecord
}

// escapeSlots holds the per-chunk record chains of one span. Spans with at
// most two objects use a compact two-slot form; everything else gets the full
// table indexed by chunk number.
type escapeSlots struct {
	heads []*escapeRecord
}

var escapeRecordPool = sync.Pool{New: func() any { return new(escapeRecord) }}

var escapeSlots2Pool = sync.Pool{New: func() any {
	return &escapeSlots{heads: make([]*escapeRecord, 2)}
}}

var escapeSlotsFullPool = sync.Pool{New: func() any {
	return &escapeSlots{heads: make([]*escapeRecord, maxObjsPerSpan)}
}}

func newEscapeSlots(objects int) *escapeSlots {
	if objects <= 2 {
		return escapeSlots2Pool.Get().(*escapeSlots)
	}
	return escapeSlotsFullPool.Get().(*escapeSlots)
}

func releaseEscapeSlots(es *escapeSlots) {
	for i := range es.heads {
		for r := es.heads[i]; r != nil; {
			next := r.next
			r.loc, r.next = 0, nil
			escapeRecordPool.Put(r)
			r = next
		}
		es.heads[i] = nil
	}
	if len(es.heads) == 2 {
		escapeSlots2Pool.Put(es)
	} else {
		escapeSlotsFullPool.Put(es)
	}
}

// escapeLocks stripes the per-span escape state. The stripe is picked from
// the span's first page so all operations on one span serialize while
// unrelated spans proceed in parallel.
type escapeLocks [64]sync.Mutex

func (el *escapeLocks) forSpan(s *span) *sync.Mutex {
	return &el[uintptr(s.first)%uintptr(len(el))]
}

// escapeEntry is one buffered (location, pointer) pair awaiting commit.
type escapeEntry struct {
	loc, ptr uintptr
}

// escapeBuffer batches escape registrations per cache so the common case is
// an append with no locking. Rewrites of the same location coalesce in place.
type escapeBuffer struct {
	entries [escapeBufSize]escapeEntry
	n       int
}

func (b *escapeBuffer) add(h *Heap, loc, ptr uintptr) {
	for i := 0; i < b.n; i++ {
		if b.entries[i].loc == loc {
			b.entries[i].ptr = ptr
			return
		}
	}
	b.entries[b.n] = escapeEntry{loc: loc, ptr: ptr}
	b.n++
	if b.n == escapeBufSize {
		b.flush(h)
	}
}

func (b *escapeBuffer) flush(h *Heap) {
	for i := 0; i < b.n; i++ {
		h.commitEscape(b.entries[i].loc, b.entries[i].ptr)
	}
	b.n = 0
}

// commitEscape registers loc as holding a pointer into ptr's chunk. The
// store at loc raced ahead of us, so everything is revalidated under the
// span's escape stripe: the target must still be a live heap chunk and loc
// must still hold ptr.
func (h *Heap) commitEscape(loc, ptr uintptr) {
	if ptr == 0 {
		h.dropEscape(loc)
		return
	}
	s := h.pages.descriptor(ptr)
	if s == nil || s.state != spanInUse {
		return
	}
	mu := h.escapeMu.forSpan(s)
	mu.Lock()
	defer mu.Unlock()
	if loadWord(loc) != ptr {
		return
	}
	if s.escapes == nil {
		s.escapes = newEscapeSlots(int(s.objectsPerSpan))
	}
	idx := uintptr(0)
	if s.kind == spanSmall {
		idx, _ = s.chunkIndex(ptr)
		if len(s.escapes.heads) == 2 && idx >= 2 {
			return
		}
	}
	for r := s.escapes.heads[idx]; r != nil; r = r.next {
		if r.loc == loc {
			return
		}
	}
	r := escapeRecordPool.Get().(*escapeRecord)
	r.loc = loc
	r.next = s.escapes.heads[idx]
	s.escapes.heads[idx] = r
	h.stats.add(&h.stats.escapesCommitted, 1)
}

// dropEscape removes loc's registration from the chunk its current value
// points into, if any. Used for Escape(loc, 0); when loc no longer points
// into the heap nothing is removed here, and the stale record is pruned by
// the next poison walk over its chunk.
func (h *Heap) dropEscape(loc uintptr) {
	old := loadWord(loc)
	s := h.pages.descriptor(old)
	if s == nil || s.escapes == nil {
		return
	}
	mu := h.escapeMu.forSpan(s)
	mu.Lock()
	defer mu.Unlock()
	if s.escapes == nil {
		return
	}
	idx := uintptr(0)
	if s.kind == spanSmall {
		idx, _ = s.chunkIndex(old)
		if len(s.escapes.heads) == 2 && idx >= 2 {
			return
		}
	}
	for pr := &s.escapes.heads[idx]; *pr != nil; pr = &(*pr).next {
		if (*pr).loc == loc {
			r := *pr
			*pr = r.next
			r.loc, r.next = 0, nil
			escapeRecordPool.Put(r)
			return
		}
	}
}

// poisonChunkEscapes walks the records of the chunk [lo, hi) being freed.
// Locations still holding a pointer into the chunk get the poison stamp
// written over the pointer's high half; stale records are pruned without
// touching the location.
func (h *Heap) poisonChunkEscapes(s *span, lo, hi uintptr) {
	if s.escapes == nil {
		return
	}
	mu := h.escapeMu.forSpan(s)
	mu.Lock()
	defer mu.Unlock()
	if s.escapes == nil {
		return
	}
	idx := uintptr(0)
	if s.kind == spanSmall {
		idx, _ = s.chunkIndex(lo)
		if len(s.escapes.heads) == 2 && idx >= 2 {
			return
		}
	}
	head := &s.escapes.heads[idx]
	for *head != nil {
		r := *head
		val := loadWord(r.loc)
		if val >= lo && val < hi {
			storeWord(r.loc, (val&0xffffffff)|poisonMask)
			h.stats.add(&h.stats.pointersPoisoned, 1)
		}
		*head = r.next
		r.loc, r.next = 0, nil
		escapeRecordPool.Put(r)
	}
}

// destroyEscapes releases all escape state of a span going back to the page
// allocator. Live registrations are poisoned first, chunk by chunk.
func (h *Heap) destroyEscapes(s *span) {
	if s.escapes == nil {
		return
	}
	mu := h.escapeMu.forSpan(s)
	mu.Lock()
	defer mu.Unlock()
	if s.escapes == nil {
		return
	}
	size := s.objectSize()
	for i := range s.escapes.heads {
		lo := s.start() + uintptr(i)*size
		hi := lo + size
		for r := s.escapes.heads[i]; r != nil; r = r.next {
			val := loadWord(r.loc)
			if val >= lo && val < hi {
				storeWord(r.loc, (val&0xffffffff)|poisonMask)
				h.stats.add(&h.stats.pointersPoisoned, 1)
			}
		}
	}
	es := s.escapes
	s.escapes = nil
	releaseEscapeSlots(es)
}

// isPoisoned reports whether val carries the poison signature in its high
// half.
func isPoisoned(val uintptr) bool {
	return val&^uintptr(0xffffffff) == poisonMask
}
