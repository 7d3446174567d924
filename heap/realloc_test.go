package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealloc_NilAllocates(t *testing.T) {
	h := newTestHeap(t, Config{})

	p, err := h.Realloc(0, 100, Options{Nothrow: true})
	require.NoError(t, err)
	assert.Equal(t, Owned, h.Ownership(p))
	h.Free(p)
}

func TestRealloc_ZeroFrees(t *testing.T) {
	h := newTestHeap(t, Config{})

	p := mustAlloc(t, h, 100, Options{})
	q, err := h.Realloc(p, 0, Options{Nothrow: true})
	require.NoError(t, err)
	assert.Zero(t, q)
	assert.Equal(t, p, mustAlloc(t, h, 100, Options{}), "the freed chunk is handed out again")
}

func TestRealloc_GrowPreservesContent(t *testing.T) {
	h := newTestHeap(t, Config{})

	p := mustAlloc(t, h, 100, Options{})
	fillBytes(p, 100, 11)
	q, err := h.Realloc(p, 4000, Options{Nothrow: true})
	require.NoError(t, err)
	checkBytes(t, q, 100, 11)
	h.Free(q)
}

func TestRealloc_InPlaceWithinCapacity(t *testing.T) {
	h := newTestHeap(t, Config{})

	p := mustAlloc(t, h, 100, Options{})
	cap := h.AllocatedSize(p)
	q, err := h.Realloc(p, cap, Options{Nothrow: true})
	require.NoError(t, err)
	assert.Equal(t, p, q, "growth within capacity must not move the block")
	h.Free(q)
}

func TestRealloc_ShrinkHysteresis(t *testing.T) {
	h := newTestHeap(t, Config{})

	p := mustAlloc(t, h, 1000, Options{})
	old := h.AllocatedSize(p)

	// A mild shrink stays put.
	q, err := h.Realloc(p, old/2, Options{Nothrow: true})
	require.NoError(t, err)
	assert.Equal(t, p, q, "shrink to half capacity keeps the block")

	// Below half it moves to a smaller class.
	fillBytes(q, 64, 5)
	r, err := h.Realloc(q, 64, Options{Nothrow: true})
	require.NoError(t, err)
	assert.NotEqual(t, q, r, "deep shrink must release the oversized block")
	assert.Less(t, h.AllocatedSize(r), old)
	checkBytes(t, r, 64, 5)
	h.Free(r)
}

func TestRealloc_MarginalGrowOverallocates(t *testing.T) {
	h := newTestHeap(t, Config{})

	p := mustAlloc(t, h, 128, Options{})
	old := h.AllocatedSize(p)
	q, err := h.Realloc(p, old+8, Options{Nothrow: true})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h.AllocatedSize(q), old+old/4,
		"a marginal grow reserves headroom so repeated small grows stop copying")
	h.Free(q)
}

func TestRealloc_ShrinkTruncatesCopy(t *testing.T) {
	h := newTestHeap(t, Config{})

	p := mustAlloc(t, h, 4000, Options{})
	fillBytes(p, 4000, 1)
	q, err := h.Realloc(p, 32, Options{Nothrow: true})
	require.NoError(t, err)
	checkBytes(t, q, 32, 1)
	h.Free(q)
}

func TestRealloc_WithProtectionPads(t *testing.T) {
	h := newTestHeap(t, protectedConfig())

	p := mustAlloc(t, h, 100, Options{})
	q, err := h.Realloc(p, 2000, Options{Nothrow: true})
	require.NoError(t, err)
	assert.Equal(t, CheckValid, h.BCCheckBoundary(q, 2000))
	assert.Equal(t, CheckValid, h.GEPCheckBoundary(q, q+2000, 0),
		"one-past-the-end survives a realloc round trip")
	h.Free(q)
}
