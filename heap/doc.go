// Package heap is a thread-caching page-based memory allocator with built-in
// safety instrumentation: escape tracking with pointer poisoning, bounds
// checking for derived pointers, checked string primitives, and guarded-page
// sampling for silent-corruption detection.
//
// # Architecture
//
// Memory flows through three tiers. Caches hold per-class stacks of free
// objects and satisfy most calls without locking; central free lists move
// whole batches between caches and spans; the page allocator carves spans
// out of OS reservations and coalesces them on return. A radix page map
// resolves any address to its span descriptor lock-free, which is what makes
// free, ownership and boundary queries cheap.
//
// Allocations are rounded to size classes up to 32KiB; larger requests get
// their own page run. Cold-hinted requests use a mirrored class range so
// their spans never share pages with hot objects.
//
// # Safety instrumentation
//
// With Config.EnableProtection on, every allocation carries one byte of
// padding, the Escape entry points track which locations hold pointers into
// which chunks, and freeing a chunk stamps a poison signature into every
// tracked pointer still referring to it. GEPCheckBoundary and
// BCCheckBoundary validate derived pointers and direct accesses against
// chunk extents; StrcpyCheck and friends do the same per byte for string
// operations.
//
// # Sampling
//
// A Poisson sampler promotes an occasional allocation onto its own span,
// recording its stack, size and lifetime for profiling. A thinner stream of
// those samples lands on guarded pages, where overruns and use-after-free
// fault immediately.
//
// # Concurrency
//
// Heap-level entry points are safe for any goroutine and route through
// mutex-guarded shards. A Cache obtained from NewCache is faster but owned:
// only one goroutine may use it.
package heap
