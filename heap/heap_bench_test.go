package heap

import (
	"testing"
)

// Benchmark_AllocFree_Small benchmarks the cache hit path for small objects.
func Benchmark_AllocFree_Small(b *testing.B) {
	h := New(Config{})

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		size := uintptr(16 + (i%16)*8)
		p, err := h.Alloc(size, Options{Nothrow: true})
		if err != nil {
			b.Fatal(err)
		}
		h.Free(p)
	}
}

// Benchmark_AllocFree_Protected benchmarks the same path with escape tracking
// and boundary padding enabled.
func Benchmark_AllocFree_Protected(b *testing.B) {
	h := New(ConfigChecked)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		size := uintptr(16 + (i%16)*8)
		p, err := h.Alloc(size, Options{Nothrow: true})
		if err != nil {
			b.Fatal(err)
		}
		h.Free(p)
	}
}

// Benchmark_AllocFree_Large benchmarks the page-heap path.
func Benchmark_AllocFree_Large(b *testing.B) {
	h := New(Config{})

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		p, err := h.Alloc(64<<10, Options{Nothrow: true})
		if err != nil {
			b.Fatal(err)
		}
		h.Free(p)
	}
}

// Benchmark_EscapeRegister benchmarks the buffered escape hot path.
func Benchmark_EscapeRegister(b *testing.B) {
	h := New(ConfigChecked)
	loc, err := h.Alloc(8, Options{Nothrow: true})
	if err != nil {
		b.Fatal(err)
	}
	p, err := h.Alloc(64, Options{Nothrow: true})
	if err != nil {
		b.Fatal(err)
	}
	storeWord(loc, p)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		h.Escape(loc, p)
	}
}

// Benchmark_BoundaryCheck benchmarks a valid direct-access check.
func Benchmark_BoundaryCheck(b *testing.B) {
	h := New(ConfigChecked)
	p, err := h.Alloc(256, Options{Nothrow: true})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if h.BCCheckBoundary(p, 256) != CheckValid {
			b.Fatal("check failed")
		}
	}
}
