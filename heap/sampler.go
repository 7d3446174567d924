package heap

import "math"

// sampler drives allocation sampling as a Poisson point process over
// allocated bytes: every allocation pays its size against a countdown, and
// the countdown's next value is exponentially distributed around the
// configured interval. Each cache owns one sampler, so no synchronization.
type sampler struct {
	interval    uintptr // mean bytes between samples, 0 when disabled
	bytesUntil  int64
	rng         uint64
	guardedRate int
	sinceGuard  int
}

func (sm *sampler) init(interval uintptr, guardedRate int) {
	sm.interval = interval
	sm.guardedRate = guardedRate
	sm.rng = 0x9e3779b97f4a7c15
	if interval > 0 {
		sm.bytesUntil = sm.nextInterval()
	}
}

// recordAllocation charges size bytes against the countdown. When the
// countdown crosses zero the allocation is sampled and weight reports how
// many bytes of ordinary allocation this sample stands for.
func (sm *sampler) recordAllocation(size uintptr) (weight uintptr, sampled bool) {
	if sm.interval == 0 {
		return 0, false
	}
	sm.bytesUntil -= int64(size)
	if sm.bytesUntil >= 0 {
		return 0, false
	}
	weight = sm.interval
	sm.bytesUntil = sm.nextInterval()
	return weight, true
}

// shouldSampleGuarded thins sampled allocations down to the guarded rate:
// true once per guardedRate samples.
func (sm *sampler) shouldSampleGuarded() bool {
	if sm.guardedRate <= 0 {
		return false
	}
	sm.sinceGuard++
	if sm.sinceGuard >= sm.guardedRate {
		sm.sinceGuard = 0
		return true
	}
	return false
}

// nextInterval draws an exponential variate with mean sm.interval.
func (sm *sampler) nextInterval() int64 {
	u := float64(sm.next64()>>11) / (1 << 53)
	if u <= 0 {
		u = 1.0 / (1 << 53)
	}
	d := -math.Log(u) * float64(sm.interval)
	if d < 1 {
		d = 1
	}
	return int64(d)
}

// next64 is xorshift64*: fast, no allocation, good enough spread for
// sampling decisions.
func (sm *sampler) next64() uint64 {
	x := sm.rng
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	sm.rng = x
	return x * 0x2545f4914f6cdd1d
}
