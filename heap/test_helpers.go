package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// newTestHeap builds a Heap for tests. Reservations are never returned to
// the OS until the process exits, which is fine at test scale.
func newTestHeap(t *testing.T, cfg Config) *Heap {
	t.Helper()
	return New(cfg)
}

// protectedConfig is the common test configuration: protection and counters
// on, reporting and crashing off so violation paths can be asserted quietly.
func protectedConfig() Config {
	return Config{
		EnableProtection: true,
		EnableStatistics: true,
	}
}

// mustAlloc allocates or fails the test.
func mustAlloc(t *testing.T, h *Heap, size uintptr, opts Options) uintptr {
	t.Helper()
	opts.Nothrow = true
	ptr, err := h.Alloc(size, opts)
	require.NoError(t, err, "alloc of %d bytes", size)
	require.NotZero(t, ptr, "alloc of %d bytes returned nil", size)
	return ptr
}

// fillBytes writes a repeating pattern into allocator-owned memory.
func fillBytes(ptr, n uintptr, seed byte) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	for i := range b {
		b[i] = seed + byte(i)
	}
}

// checkBytes verifies a pattern written by fillBytes.
func checkBytes(t *testing.T, ptr, n uintptr, seed byte) {
	t.Helper()
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	for i := range b {
		require.Equal(t, seed+byte(i), b[i], "byte %d differs", i)
	}
}

// cString writes s plus a NUL terminator at ptr.
func cString(ptr uintptr, s string) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), len(s)+1)
	copy(b, s)
	b[len(s)] = 0
}

// goString reads a NUL-terminated string of at most max bytes from ptr.
func goString(ptr uintptr, max uintptr) string {
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), max)
	for i := range b {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
