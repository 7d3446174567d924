package heap

import (
	"sync"
	"unsafe"
)

// classCache is one per-class stack of free objects inside a cache. Objects
// chain through their own first word, same encoding as span freelists.
type classCache struct {
	head     uintptr
	count    int
	capacity int
}

func (cc *classCache) push(obj uintptr) {
	storeWord(obj, cc.head)
	cc.head = obj
	cc.count++
}

func (cc *classCache) pop() uintptr {
	obj := cc.head
	if obj == 0 {
		return 0
	}
	cc.head = loadWord(obj)
	cc.count--
	return obj
}

// Cache is a per-owner allocation cache. All methods must be called by the
// single owning goroutine; no locking happens on hits. Obtain one with
// Heap.NewCache, release with MarkIdle when the owner goes quiet.
type Cache struct {
	h       *Heap
	lists   []classCache
	bytes   uintptr // free bytes held across all lists
	escapes escapeBuffer
	sampler sampler
}

// NewCache returns a cache bound to h for a single owning goroutine.
func (h *Heap) NewCache() *Cache {
	c := &Cache{}
	c.init(h)
	return c
}

func (c *Cache) init(h *Heap) {
	c.h = h
	c.lists = make([]classCache, h.sizemap.numClasses)
	for i := 1; i < h.sizemap.numClasses; i++ {
		c.lists[i].capacity = h.sizemap.batch(uint8(i))
	}
	c.sampler.init(h.cfg.SampleInterval, h.cfg.GuardedSampleRate)
}

// alloc returns one object of class, refilling a batch from the central list
// on a miss.
func (c *Cache) alloc(class uint8) (uintptr, error) {
	cc := &c.lists[class]
	if obj := cc.pop(); obj != 0 {
		c.bytes -= c.h.sizemap.size(class)
		return obj, nil
	}
	batch := c.h.sizemap.batch(class)
	buf := make([]uintptr, batch)
	n, err := c.h.central[class].removeRange(buf)
	if err != nil {
		return 0, err
	}
	for _, obj := range buf[1:n] {
		cc.push(obj)
	}
	c.bytes += uintptr(n-1) * c.h.sizemap.size(class)
	// Repeated misses mean the working set outgrew the list; let it hold
	// one more batch next time.
	if cc.capacity < 8*batch {
		cc.capacity += batch
	}
	return buf[0], nil
}

// free returns one object of class, flushing a batch to the central list
// when the class list is over capacity.
func (c *Cache) free(class uint8, obj uintptr) {
	cc := &c.lists[class]
	cc.push(obj)
	c.bytes += c.h.sizemap.size(class)
	if cc.count > cc.capacity {
		c.flushBatch(class)
	}
	if c.bytes > c.h.cfg.MaxCacheBytes {
		c.shrink()
	}
}

func (c *Cache) flushBatch(class uint8) {
	cc := &c.lists[class]
	batch := c.h.sizemap.batch(class)
	if batch > cc.count {
		batch = cc.count
	}
	if batch == 0 {
		return
	}
	objs := make([]uintptr, batch)
	for i := 0; i < batch; i++ {
		objs[i] = cc.pop()
	}
	c.bytes -= uintptr(batch) * c.h.sizemap.size(class)
	c.h.central[class].insertRange(objs)
}

// shrink halves every class list once the cache body is over its byte bound.
func (c *Cache) shrink() {
	for class := 1; class < len(c.lists); class++ {
		cc := &c.lists[class]
		for cc.count > cc.capacity/2 {
			c.flushBatch(uint8(class))
			if cc.count == 0 {
				break
			}
		}
	}
}

// MarkIdle drains the cache completely: every held object goes back to its
// central list and the escape buffer commits. Call when the owning goroutine
// goes idle for a while; the cache stays usable afterwards.
func (c *Cache) MarkIdle() {
	for class := 1; class < len(c.lists); class++ {
		cc := &c.lists[class]
		for cc.count > 0 {
			c.flushBatch(uint8(class))
		}
		cc.capacity = c.h.sizemap.batch(uint8(class))
	}
	c.escapes.flush(c.h)
}

// cacheShard wraps a cache behind a mutex for the sharded variant, where
// callers cannot each own a handle.
type cacheShard struct {
	mu    sync.Mutex
	cache Cache
}

// shardFor picks a shard from a cheap execution-locality hint: the address
// of a stack slot, which is stable within a goroutine and spreads well
// across goroutines.
func (h *Heap) shardFor() *cacheShard {
	if len(h.shards) == 1 {
		return &h.shards[0]
	}
	var probe byte
	addr := uintptr(unsafe.Pointer(&probe))
	// Stack slots share low bits; fold the middle of the address instead.
	i := (addr >> 10) % uintptr(len(h.shards))
	return &h.shards[i]
}

// Alloc allocates size bytes from the owner's cache.
func (c *Cache) Alloc(size uintptr, opts Options) (uintptr, error) {
	ptr, _, err := c.h.allocImpl(c, size, opts)
	return ptr, err
}

// AllocSized is Alloc plus the block's usable capacity.
func (c *Cache) AllocSized(size uintptr, opts Options) (uintptr, uintptr, error) {
	return c.h.allocImpl(c, size, opts)
}

// Free returns ptr's block through the owner's cache. Free(0) is a no-op.
func (c *Cache) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	c.h.freeImpl(c, ptr)
}
