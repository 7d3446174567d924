package heap

import "runtime"

// Config selects the safety machinery a Heap carries. Every field has a
// usable zero or is normalized by New, so Config{} builds a plain allocator
// with all instrumentation off.
type Config struct {
	// EnableProtection turns on escape tracking, pointer poisoning and the
	// boundary-check entry points. Allocations grow by one byte of padding
	// so one-past-the-end pointers stay inside the chunk.
	EnableProtection bool

	// EnableStatistics makes the Heap maintain the counters behind Stats.
	// When false the Stats counters read zero and the hot paths skip the
	// updates; the byte totals in Stats are still reported.
	EnableStatistics bool

	// EnableErrorReport writes violation reports to stderr. Detection and
	// poisoning run regardless; this only controls the output.
	EnableErrorReport bool

	// CrashOnCorruption panics after reporting a violation instead of
	// continuing.
	CrashOnCorruption bool

	// PerCPUCache replaces owner-only thread caches with a fixed set of
	// mutex-guarded shards picked by execution locality. Use it when caller
	// goroutines cannot each own a Cache handle.
	PerCPUCache bool

	// CacheShards is the shard count when PerCPUCache is set. Zero means
	// GOMAXPROCS.
	CacheShards int

	// SampleInterval is the mean byte distance between sampled allocations.
	// Zero disables sampling.
	SampleInterval uintptr

	// GuardedSampleRate thins sampled allocations further before placing
	// them on guarded pages: one guarded attempt per GuardedSampleRate
	// samples. Zero disables guarded placement.
	GuardedSampleRate int

	// GuardedSlots is the number of data pages in the guarded pool. Zero
	// disables the guarded allocator entirely.
	GuardedSlots int

	// MaxCacheBytes bounds the free bytes a single cache may hold across
	// all classes before overflow flushes begin. Zero means the default.
	MaxCacheBytes uintptr
}

const defaultMaxCacheBytes = 256 << 10

func (c *Config) normalize() {
	if c.MaxCacheBytes == 0 {
		c.MaxCacheBytes = defaultMaxCacheBytes
	}
	if c.PerCPUCache && c.CacheShards <= 0 {
		c.CacheShards = runtime.GOMAXPROCS(0)
	}
	if c.GuardedSampleRate < 0 {
		c.GuardedSampleRate = 0
	}
	if c.GuardedSlots < 0 {
		c.GuardedSlots = 0
	}
}

// ConfigChecked is the full safety configuration: escape tracking, bounds
// checks, statistics, reporting and guarded sampling all on.
var ConfigChecked = Config{
	EnableProtection:  true,
	EnableStatistics:  true,
	EnableErrorReport: true,
	SampleInterval:    512 << 10,
	GuardedSampleRate: 20,
	GuardedSlots:      64,
}

// ConfigHardened is ConfigChecked plus CrashOnCorruption, for processes that
// prefer dying to running with a corrupted heap.
var ConfigHardened = Config{
	EnableProtection:  true,
	EnableStatistics:  true,
	EnableErrorReport: true,
	CrashOnCorruption: true,
	SampleInterval:    512 << 10,
	GuardedSampleRate: 20,
	GuardedSlots:      64,
}

// ConfigFast disables all instrumentation and keeps only the allocator core.
var ConfigFast = Config{}
