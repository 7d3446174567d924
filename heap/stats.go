package heap

import "sync/atomic"

// heapStats carries the instrumentation counters. Updates are atomic and
// skipped entirely when statistics are disabled, so the counters cost one
// predictable branch on the hot paths.
type heapStats struct {
	enabled bool

	mallocCalls atomic.Uint64
	freeCalls   atomic.Uint64

	escapesRequested  atomic.Uint64 // Escape entry point invocations
	escapesHeap       atomic.Uint64 // target was a heap pointer
	escapesCommitted  atomic.Uint64 // survived revalidation and were recorded
	escapesCoalesced  atomic.Uint64 // same-chunk rewrites skipped before buffering
	escapesCleared    atomic.Uint64 // explicit clears
	pointersPoisoned  atomic.Uint64

	gepChecks atomic.Uint64
	bcChecks  atomic.Uint64

	errorReports atomic.Uint64

	sampledAllocs atomic.Uint64
	guardedAllocs atomic.Uint64
}

func (st *heapStats) add(c *atomic.Uint64, n uint64) {
	if st.enabled {
		c.Add(n)
	}
}

// Stats is a point-in-time snapshot of the instrumentation counters and the
// page accounting. The counters read zero when the Heap was built without
// EnableStatistics; ReservedBytes, HeapBytes and FreeBytes are filled either way.
type Stats struct {
	MallocCalls uint64
	FreeCalls   uint64

	EscapesRequested uint64
	EscapesHeap      uint64
	EscapesCommitted uint64
	EscapesCoalesced uint64
	EscapesCleared   uint64
	PointersPoisoned uint64

	GEPChecks uint64
	BCChecks  uint64

	ErrorReports uint64

	SampledAllocs uint64
	GuardedAllocs uint64

	ReservedBytes uintptr
	HeapBytes     uintptr
	FreeBytes     uintptr
}

// Stats snapshots the counters plus the current page accounting.
func (h *Heap) Stats() Stats {
	st := Stats{
		MallocCalls:      h.stats.mallocCalls.Load(),
		FreeCalls:        h.stats.freeCalls.Load(),
		EscapesRequested: h.stats.escapesRequested.Load(),
		EscapesHeap:      h.stats.escapesHeap.Load(),
		EscapesCommitted: h.stats.escapesCommitted.Load(),
		EscapesCoalesced: h.stats.escapesCoalesced.Load(),
		EscapesCleared:   h.stats.escapesCleared.Load(),
		PointersPoisoned: h.stats.pointersPoisoned.Load(),
		GEPChecks:        h.stats.gepChecks.Load(),
		BCChecks:         h.stats.bcChecks.Load(),
		ErrorReports:     h.stats.errorReports.Load(),
		SampledAllocs:    h.stats.sampledAllocs.Load(),
		GuardedAllocs:    h.stats.guardedAllocs.Load(),
		ReservedBytes:    h.regions.ReservedBytes(),
	}
	h.mu.Lock()
	st.HeapBytes = h.pagealloc.inUseBytes
	st.FreeBytes = h.pagealloc.freeBytes
	h.mu.Unlock()
	return st
}
