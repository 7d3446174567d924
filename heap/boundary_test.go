package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundary_SmallBlockExtent(t *testing.T) {
	h := newTestHeap(t, protectedConfig())

	// 75 requested + 1 pad byte rounds to an 80-byte class.
	p := mustAlloc(t, h, 75, Options{})
	require.Equal(t, uintptr(80), h.AllocatedSize(p))

	assert.Equal(t, CheckValid, h.BCCheckBoundary(p, 75))
	assert.Equal(t, CheckValid, h.BCCheckBoundary(p, 80), "full class size is in bounds")
	assert.Equal(t, CheckOOB, h.BCCheckBoundary(p, 81), "one byte past the class must fail")
	assert.Equal(t, CheckValid, h.BCCheckBoundary(p+79, 1), "last byte is accessible")
	assert.Equal(t, CheckOOB, h.BCCheckBoundary(p+79, 2))
	h.Free(p)
}

func TestBoundary_LargeBlockExtent(t *testing.T) {
	h := newTestHeap(t, protectedConfig())

	// A page-multiple request past the class range: the pad byte forces an
	// extra page, but the block's checked extent stays at the requested
	// size, not the page run.
	const size = 64 << 10
	p := mustAlloc(t, h, size, Options{})
	assert.Equal(t, CheckValid, h.BCCheckBoundary(p, size))
	assert.Equal(t, CheckOOB, h.BCCheckBoundary(p, size+1))
	h.Free(p)
}

func TestBoundary_GEPDerivedPointer(t *testing.T) {
	h := newTestHeap(t, protectedConfig())

	p := mustAlloc(t, h, 100, Options{})
	lo, hi := h.ChunkRange(p)
	require.Equal(t, p, lo)

	assert.Equal(t, CheckValid, h.GEPCheckBoundary(p, p+96, 8))
	assert.Equal(t, CheckOOB, h.GEPCheckBoundary(p, hi, 1), "end pointer is not dereferenceable")
	assert.Equal(t, CheckOOB, h.GEPCheckBoundary(p, p-1, 1), "pointer below the chunk must fail")
	h.Free(p)
}

func TestBoundary_NonHeapPointer(t *testing.T) {
	h := newTestHeap(t, protectedConfig())

	var local [16]byte
	base := uintptr(unsafe.Pointer(&local[0]))
	assert.Equal(t, CheckNonHeap, h.BCCheckBoundary(base, 16))
	assert.Equal(t, CheckNonHeap, h.GEPCheckBoundary(base, base+8, 8))

	lo, hi := h.ChunkRange(base)
	assert.Zero(t, lo)
	assert.Equal(t, uintptr(NonHeapEnd), hi, "non-heap chunk end is the sentinel above the address space")
}

func TestBoundary_InteriorPointerResolvesChunk(t *testing.T) {
	h := newTestHeap(t, protectedConfig())

	p := mustAlloc(t, h, 75, Options{})
	q := mustAlloc(t, h, 75, Options{})
	lo, hi := h.ChunkRange(q + 40)
	assert.Equal(t, q, lo, "interior pointer resolves to its own chunk")
	assert.Equal(t, q+80, hi)

	lo, _ = h.ChunkRange(p + 79)
	assert.Equal(t, p, lo)
	h.Free(p)
	h.Free(q)
}

func TestBoundary_DisabledProtectionSkipsChecks(t *testing.T) {
	h := newTestHeap(t, Config{EnableStatistics: true})

	p := mustAlloc(t, h, 64, Options{})
	assert.Equal(t, CheckValid, h.BCCheckBoundary(p, 1<<20), "checks are no-ops without protection")
	assert.Equal(t, CheckValid, h.GEPCheckBoundary(p, p+1<<20, 8))
	assert.Zero(t, h.Stats().BCChecks)
	h.Free(p)
}

func TestEscape_PoisonOnFree(t *testing.T) {
	h := newTestHeap(t, protectedConfig())

	// The escape location itself lives in allocator memory so the poison
	// store has a stable target.
	loc := mustAlloc(t, h, 8, Options{})
	obj := mustAlloc(t, h, 40, Options{})

	storeWord(loc, obj)
	h.Escape(loc, obj)
	h.Free(obj)

	got := loadWord(loc)
	assert.True(t, isPoisoned(got), "escaped pointer must be poisoned after free, got %#x", got)
	assert.Equal(t, obj&0xffffffff, got&0xffffffff, "low half survives for diagnosis")
	assert.Equal(t, uint64(1), h.Stats().PointersPoisoned)
	h.Free(loc)
}

func TestEscape_PoisonedFreeDetected(t *testing.T) {
	h := newTestHeap(t, protectedConfig())

	loc := mustAlloc(t, h, 8, Options{})
	obj := mustAlloc(t, h, 40, Options{})
	storeWord(loc, obj)
	h.Escape(loc, obj)
	h.Free(obj)

	// Freeing through the stale reference now trips on the poison stamp.
	h.Free(loadWord(loc))
	assert.Equal(t, uint64(1), h.Stats().ErrorReports, "free of a poisoned pointer is a detected double free")
	h.Free(loc)
}

func TestEscape_ClearPreventsPoison(t *testing.T) {
	h := newTestHeap(t, protectedConfig())

	loc := mustAlloc(t, h, 8, Options{})
	obj := mustAlloc(t, h, 40, Options{})
	storeWord(loc, obj)
	h.Escape(loc, obj)
	h.ClearEscape(loc)
	h.Free(obj)

	assert.Equal(t, obj, loadWord(loc), "cleared location must not be poisoned")
	h.Free(loc)
}

func TestEscape_OverwrittenLocationNotPoisoned(t *testing.T) {
	h := newTestHeap(t, protectedConfig())

	loc := mustAlloc(t, h, 8, Options{})
	obj := mustAlloc(t, h, 40, Options{})
	storeWord(loc, obj)
	h.Escape(loc, obj)

	// The location moves on to unrelated data before the free.
	storeWord(loc, 0x12345678)
	h.Free(obj)
	assert.Equal(t, uintptr(0x12345678), loadWord(loc),
		"poisoning revalidates the stored value before stamping")
	h.Free(loc)
}

func TestEscape_MultipleLocationsOneChunk(t *testing.T) {
	h := newTestHeap(t, protectedConfig())

	locs := mustAlloc(t, h, 64, Options{})
	obj := mustAlloc(t, h, 200, Options{})
	for i := uintptr(0); i < 4; i++ {
		storeWord(locs+8*i, obj+16*i) // interior pointers escape too
		h.Escape(locs+8*i, obj+16*i)
	}
	h.Free(obj)
	for i := uintptr(0); i < 4; i++ {
		assert.True(t, isPoisoned(loadWord(locs+8*i)), "location %d must be poisoned", i)
	}
	h.Free(locs)
}

func TestEscape_LargeBlock(t *testing.T) {
	h := newTestHeap(t, protectedConfig())

	loc := mustAlloc(t, h, 8, Options{})
	obj := mustAlloc(t, h, 128<<10, Options{})
	storeWord(loc, obj+4096)
	h.Escape(loc, obj+4096)
	h.Free(obj)
	assert.True(t, isPoisoned(loadWord(loc)), "escapes into large blocks poison on free")
	h.Free(loc)
}

func TestEscape_DisabledProtectionIsNoop(t *testing.T) {
	h := newTestHeap(t, Config{EnableStatistics: true})

	loc := mustAlloc(t, h, 8, Options{})
	obj := mustAlloc(t, h, 40, Options{})
	storeWord(loc, obj)
	h.Escape(loc, obj)
	h.Free(obj)
	assert.Equal(t, obj, loadWord(loc), "no poisoning without protection")
	assert.Zero(t, h.Stats().EscapesRequested)
	h.Free(loc)
}
