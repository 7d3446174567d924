package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/safeheap/internal/region"
)

func TestPageAllocator_AllocAndCoalesce(t *testing.T) {
	h := newTestHeap(t, Config{})

	h.mu.Lock()
	s, err := h.pagealloc.newSpan(10, region.Normal)
	require.NoError(t, err)
	require.Equal(t, uintptr(10), s.npages)
	grown := h.pagealloc.inUseBytes + h.pagealloc.freeBytes

	h.pagealloc.delete(s)
	assert.Zero(t, h.pagealloc.inUseBytes)
	assert.Equal(t, grown, h.pagealloc.freeBytes,
		"freed span must coalesce with the grow remainder")

	// The whole grown run should now be one span again.
	s2, err := h.pagealloc.newSpan(minSystemPages, region.Normal)
	h.mu.Unlock()
	require.NoError(t, err, "coalesced run serves a full-size request without growing")
	assert.Equal(t, uintptr(minSystemPages), s2.npages)
}

func TestPageAllocator_SplitReturnsRemainder(t *testing.T) {
	h := newTestHeap(t, Config{})

	h.mu.Lock()
	defer h.mu.Unlock()
	a, err := h.pagealloc.newSpan(5, region.Normal)
	require.NoError(t, err)
	b, err := h.pagealloc.newSpan(5, region.Normal)
	require.NoError(t, err)
	assert.Equal(t, a.end(), b.start(), "successive carves are adjacent")

	h.pagealloc.delete(a)
	h.pagealloc.delete(b)
	assert.Zero(t, h.pagealloc.inUseBytes)
}

func TestPageAllocator_AlignedCarve(t *testing.T) {
	h := newTestHeap(t, Config{})

	h.mu.Lock()
	defer h.mu.Unlock()
	// Misalign the pool first so the aligned request has to skip pages.
	pad, err := h.pagealloc.newSpan(3, region.Normal)
	require.NoError(t, err)

	const alignPages = 8
	s, err := h.pagealloc.newAligned(4, alignPages, region.Normal)
	require.NoError(t, err)
	assert.Zero(t, uintptr(s.first)%alignPages, "span start must honor page alignment")

	h.pagealloc.delete(pad)
	h.pagealloc.delete(s)
}

func TestPageAllocator_TagsDoNotMix(t *testing.T) {
	h := newTestHeap(t, Config{})

	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.pagealloc.newSpan(2, region.Normal)
	require.NoError(t, err)
	c, err := h.pagealloc.newSpan(2, region.Cold)
	require.NoError(t, err)
	assert.NotEqual(t, n.tag, c.tag)

	// Freeing both must not merge across the partition boundary even if the
	// kernel placed the reservations adjacently.
	h.pagealloc.delete(n)
	h.pagealloc.delete(c)
	for s := h.pagealloc.large.head; s != nil; s = s.next {
		assert.True(t, s.tag == region.Normal || s.tag == region.Cold)
	}
}

func TestPageAllocator_Release(t *testing.T) {
	h := newTestHeap(t, Config{})

	h.mu.Lock()
	s, err := h.pagealloc.newSpan(20, region.Normal)
	require.NoError(t, err)
	s.kind = spanLarge
	fillBytes(s.start(), 64, 9)
	h.pagealloc.delete(s)

	released := h.pagealloc.releaseAtLeastNPages(1)
	assert.GreaterOrEqual(t, released, uintptr(1), "a free span was available to release")

	// Reusing a released span must hand back zeroed memory.
	s2, err := h.pagealloc.newSpan(minSystemPages, region.Normal)
	h.mu.Unlock()
	require.NoError(t, err)
	for i := uintptr(0); i < 64; i++ {
		require.Zero(t, loadByte(s2.start()+i), "released page must read back zero at %d", i)
	}
}

func TestPageAllocator_HardLimit(t *testing.T) {
	h := newTestHeap(t, Config{})

	h.mu.Lock()
	defer h.mu.Unlock()
	h.pagealloc.setLimit(minSystemPages<<pageShift, true)
	_, err := h.pagealloc.newSpan(minSystemPages, region.Normal)
	require.NoError(t, err, "exactly at the limit still fits")
	_, err = h.pagealloc.newSpan(minSystemPages, region.Normal)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}
