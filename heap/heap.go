package heap

import (
	"fmt"
	"os"
	"sync"

	"github.com/joshuapare/safeheap/internal/region"
)

const (
	pageShift = 13
	pageSize  = 1 << pageShift

	// maxSmallSize is the largest request served from size classes; anything
	// bigger gets its own span.
	maxSmallSize = 32 << 10

	// maxObjsPerSpan caps how many objects a small span may hold, which in
	// turn bounds the escape table size per span.
	maxObjsPerSpan = 1024

	// minSystemPages is the smallest unit grown from the OS at a time.
	minSystemPages = 128

	// maxPagesLists is the number of exact-fit free span lists in the page
	// allocator; spans of this many pages or more go on the unsorted large
	// list, which is searched best-fit.
	maxPagesLists = 128

	// poisonMask is stamped into the high half of every escaped pointer when
	// its target chunk is freed. A poisoned pointer lands outside the heap's
	// 48-bit address range, so a later free of it is caught as a wild free
	// with a recognizable signature.
	poisonMask = uintptr(0xdeadbeef) << 32

	// nonHeapSentinel is the chunk-end value reported for pointers the
	// allocator does not own.
	nonHeapSentinel = uintptr(1) << 48
)

// pageID indexes 8KiB pages within the 48-bit address space.
type pageID uintptr

func addrToPage(addr uintptr) pageID { return pageID(addr >> pageShift) }
func pageToAddr(p pageID) uintptr    { return uintptr(p) << pageShift }

func pagesNeeded(bytes uintptr) uintptr {
	return (bytes + pageSize - 1) >> pageShift
}

func align8(n uintptr) uintptr { return (n + 7) &^ 7 }

func alignUp(n, align uintptr) uintptr { return (n + align - 1) &^ (align - 1) }

// Heap is a thread-caching page-based allocator with escape tracking,
// pointer poisoning and guarded sampling. Construct with New; the zero value
// is not usable.
type Heap struct {
	cfg Config

	mu        sync.Mutex // pageheap lock: page allocator, pagemap writes, span lifecycle
	releaseMu sync.Mutex // serializes ReleaseMemoryToSystem hysteresis

	regions *region.Factory
	pages   pageMap
	sizemap sizeMap
	pagealloc pageAllocator

	central []centralFreeList // one per size class, small classes only

	guarded *guardedAllocator

	sampled sampledRecorder

	escapeMu escapeLocks

	shards []cacheShard // sharded caches, nil unless cfg.PerCPUCache

	stats heapStats

	// extraReleasedBytes carries over-release credit between calls to
	// ReleaseMemoryToSystem, so repeated small requests do not madvise more
	// than asked in aggregate.
	extraReleasedBytes uintptr
}

// New builds a Heap from cfg. Invalid configurations are normalized rather
// than rejected: zero intervals disable sampling, zero cache bounds get the
// defaults.
func New(cfg Config) *Heap {
	cfg.normalize()
	h := &Heap{
		cfg:     cfg,
		regions: region.NewFactory(),
	}
	h.stats.enabled = cfg.EnableStatistics
	h.sizemap.init()
	h.pagealloc.init(h)
	h.central = make([]centralFreeList, h.sizemap.numClasses)
	for i := range h.central {
		h.central[i].init(h, uint8(i))
	}
	if cfg.GuardedSlots > 0 {
		h.guarded = newGuardedAllocator(h, cfg.GuardedSlots)
	}
	nshards := 1
	if cfg.PerCPUCache {
		nshards = cfg.CacheShards
	}
	h.shards = make([]cacheShard, nshards)
	for i := range h.shards {
		h.shards[i].cache.init(h)
	}
	return h
}

// debugLog mirrors the allocator's internal events to stderr. Set
// SAFEHEAP_DEBUG to any non-empty value to enable.
var debugLog = os.Getenv("SAFEHEAP_DEBUG") != ""

func debugf(format string, args ...any) {
	if debugLog {
		fmt.Fprintf(os.Stderr, "safeheap: "+format+"\n", args...)
	}
}

// reportf writes a safety violation report to stderr when error reporting is
// enabled, then aborts if the configuration demands it.
func (h *Heap) reportf(format string, args ...any) {
	if h.cfg.EnableErrorReport {
		fmt.Fprintf(os.Stderr, "safeheap: "+format+"\n", args...)
	}
	h.stats.add(&h.stats.errorReports, 1)
	if h.cfg.CrashOnCorruption {
		panic(fmt.Sprintf("safeheap: "+format, args...))
	}
}

// checkf panics when cond is false. It guards internal invariants whose
// violation means allocator state is already corrupt.
func checkf(cond bool, format string, args ...any) {
	if !cond {
		panic("safeheap: internal check failed: " + fmt.Sprintf(format, args...))
	}
}
