package heap

import (
	"sync"

	"github.com/joshuapare/safeheap/internal/region"
)

// centralFreeList is the per-class middle layer between caches and the page
// allocator. A bounded slot array (the transfer cache) absorbs whole batches
// without touching span freelists; spills past it carve and refill spans.
//
// Lock order: the class lock here is taken before the pageheap lock, never
// after.
type centralFreeList struct {
	h     *Heap
	class uint8

	mu       sync.Mutex
	slots    []uintptr // stack of free objects, cap fixed at init
	nonempty spanList  // spans with at least one free object
	empty    spanList  // spans fully handed out
}

func (c *centralFreeList) init(h *Heap, class uint8) {
	c.h = h
	c.class = class
	if class != 0 {
		c.slots = make([]uintptr, 0, 2*h.sizemap.batch(class))
	}
}

// removeRange fills buf with up to len(buf) free objects, allocating a new
// span from the page heap when everything is empty.
func (c *centralFreeList) removeRange(buf []uintptr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for n < len(buf) && len(c.slots) > 0 {
		buf[n] = c.slots[len(c.slots)-1]
		c.slots = c.slots[:len(c.slots)-1]
		n++
	}
	for n < len(buf) {
		s := c.nonempty.head
		if s == nil {
			var err error
			s, err = c.allocSpan()
			if err != nil {
				if n > 0 {
					return n, nil
				}
				return 0, err
			}
			c.nonempty.pushFront(s)
		}
		for n < len(buf) {
			obj := s.popObject()
			if obj == 0 {
				break
			}
			buf[n] = obj
			n++
		}
		if s.freeHead == 0 {
			c.nonempty.remove(s)
			c.empty.pushFront(s)
		}
	}
	return n, nil
}

// insertRange returns objects to the class. Spans that become fully free go
// back to the page allocator after their escape state is destroyed.
func (c *centralFreeList) insertRange(objs []uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, obj := range objs {
		if len(c.slots) < cap(c.slots) {
			c.slots = append(c.slots, obj)
			continue
		}
		s := c.h.pages.descriptor(obj)
		checkf(s != nil && s.sizeclass == c.class,
			"object %#x returned to wrong class %d", obj, c.class)
		if s.freeHead == 0 {
			c.empty.remove(s)
			c.nonempty.pushFront(s)
		}
		s.pushObject(obj)
		if s.allocated == 0 {
			c.nonempty.remove(s)
			c.releaseSpan(s)
		}
	}
}

// drainSlots evicts transfer-cache slots back onto span freelists until at
// most keep objects remain. Used by ReleaseMemoryToSystem to turn cached
// objects back into releasable pages.
func (c *centralFreeList) drainSlots(keep int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.slots) > keep {
		obj := c.slots[len(c.slots)-1]
		c.slots = c.slots[:len(c.slots)-1]
		s := c.h.pages.descriptor(obj)
		if s == nil {
			continue
		}
		if s.freeHead == 0 {
			c.empty.remove(s)
			c.nonempty.pushFront(s)
		}
		s.pushObject(obj)
		if s.allocated == 0 {
			c.nonempty.remove(s)
			c.releaseSpan(s)
		}
	}
}

func (c *centralFreeList) allocSpan() (*span, error) {
	m := &c.h.sizemap
	tag := region.Normal
	if m.isCold(c.class) {
		tag = region.Cold
	}
	c.h.mu.Lock()
	s, err := c.h.pagealloc.newSpan(m.pages(c.class), tag)
	if err != nil {
		c.h.mu.Unlock()
		return nil, err
	}
	s.kind = spanSmall
	s.sizeclass = c.class
	s.objSize8 = uint32(m.size(c.class) / 8)
	s.objectsPerSpan = uint16(m.objects(c.class))
	c.h.pages.setSpan(s.first, s.npages, s, c.class)
	c.h.mu.Unlock()
	s.initFreelist()
	return s, nil
}

func (c *centralFreeList) releaseSpan(s *span) {
	c.h.destroyEscapes(s)
	c.h.mu.Lock()
	c.h.pagealloc.delete(s)
	c.h.mu.Unlock()
}
