package heap

import (
	"runtime"
	"sync"
	"time"

	"github.com/joshuapare/safeheap/internal/region"
)

// SampledAllocation describes one sampled allocation for heap profiling.
// Records live on the heap's sampled list from allocation to free.
type SampledAllocation struct {
	Stack         []uintptr
	Weight        uintptr // bytes of ordinary allocation this sample stands for
	RequestedSize uintptr
	AllocatedSize uintptr
	Align         uintptr
	Cold          bool
	Guarded       bool
	AllocTime     time.Time
	SpanStart     uintptr
	Address       uintptr // start of the returned object

	proxy      uintptr // class object kept allocated while the sample lives
	proxyClass uint8

	next, prev *SampledAllocation
}

var sampledPool = sync.Pool{New: func() any {
	return &SampledAllocation{Stack: make([]uintptr, 0, 32)}
}}

// sampledRecorder is the registry of live sampled allocations plus the
// running internal-fragmentation gauge they imply.
type sampledRecorder struct {
	mu            sync.Mutex
	head          *SampledAllocation
	count         int
	fragmentation uintptr
}

func (r *sampledRecorder) register(sa *SampledAllocation, frag uintptr) {
	r.mu.Lock()
	sa.next = r.head
	sa.prev = nil
	if r.head != nil {
		r.head.prev = sa
	}
	r.head = sa
	r.count++
	r.fragmentation += frag
	r.mu.Unlock()
}

func (r *sampledRecorder) unregister(sa *SampledAllocation, frag uintptr) {
	r.mu.Lock()
	if sa.prev != nil {
		sa.prev.next = sa.next
	} else {
		r.head = sa.next
	}
	if sa.next != nil {
		sa.next.prev = sa.prev
	}
	r.count--
	r.fragmentation -= frag
	r.mu.Unlock()
	sa.next, sa.prev = nil, nil
	sa.Stack = sa.Stack[:0]
	sampledPool.Put(sa)
}

// SampledProfile calls fn for every live sampled allocation. The registry
// lock is held throughout, so fn must not allocate from this heap.
func (h *Heap) SampledProfile(fn func(*SampledAllocation)) {
	h.sampled.mu.Lock()
	defer h.sampled.mu.Unlock()
	for sa := h.sampled.head; sa != nil; sa = sa.next {
		fn(sa)
	}
}

// sampleify upgrades a just-allocated class object into a sampled
// allocation. The class object survives as a proxy so the class statistics
// keep seeing the allocation; the returned pointer lives on its own span (or
// a guarded page) where its exact lifetime is observable.
//
// On any failure the proxy is returned unchanged: sampling never breaks an
// allocation that already succeeded.
func (h *Heap) sampleify(c *Cache, proxy uintptr, class uint8, size, weight uintptr, opts Options) uintptr {
	m := &h.sizemap
	sa := sampledPool.Get().(*SampledAllocation)
	sa.Stack = sa.Stack[:cap(sa.Stack)]
	sa.Stack = sa.Stack[:runtime.Callers(3, sa.Stack)]
	sa.Weight = weight
	sa.RequestedSize = size
	sa.AllocatedSize = m.size(class)
	sa.Align = opts.Align
	sa.Cold = opts.Access == AccessCold
	sa.AllocTime = time.Now()
	sa.proxy = proxy
	sa.proxyClass = class

	// Small one-page classes are eligible for a guarded page, at a lower
	// rate than plain sampling.
	if h.guarded != nil && m.pages(class) == 1 && c.sampler.shouldSampleGuarded() {
		if obj, s := h.guarded.allocate(size, opts.Align); obj != 0 {
			sa.Guarded = true
			sa.SpanStart = s.start()
			sa.Address = obj
			s.sampled = sa
			h.sampled.register(sa, 0)
			h.stats.add(&h.stats.sampledAllocs, 1)
			h.stats.add(&h.stats.guardedAllocs, 1)
			return obj
		}
	}

	pages := pagesNeeded(size)
	h.mu.Lock()
	s, err := h.pagealloc.newSpan(pages, region.Sampled)
	if err != nil {
		h.mu.Unlock()
		sa.Stack = sa.Stack[:0]
		sampledPool.Put(sa)
		return proxy
	}
	s.kind = spanSampled
	s.objSize8 = uint32(align8(size) / 8)
	s.objectsPerSpan = 1
	s.allocated = 1
	s.sampled = sa
	h.pages.setSpan(s.first, s.npages, s, 0)
	h.mu.Unlock()

	sa.SpanStart = s.start()
	sa.Address = s.start()
	h.sampled.register(sa, s.fragmentation(size))
	h.stats.add(&h.stats.sampledAllocs, 1)
	return s.start()
}

// freeSampled tears down a sampled allocation: unregister the record, free
// the proxy back into its class, return the span's pages.
func (h *Heap) freeSampled(c *Cache, s *span) {
	sa := s.sampled
	s.sampled = nil
	h.destroyEscapes(s)

	frag := uintptr(0)
	if !sa.Guarded {
		frag = s.fragmentation(sa.RequestedSize)
	}
	proxy, proxyClass := sa.proxy, sa.proxyClass
	h.sampled.unregister(sa, frag)

	if s.kind == spanGuarded {
		h.guarded.deallocate(s)
	} else {
		h.mu.Lock()
		h.pagealloc.delete(s)
		h.mu.Unlock()
	}

	if proxy != 0 {
		h.freeToCache(c, proxyClass, proxy)
	}
}
