package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	ratelib "golang.org/x/time/rate"
)

// Buckets manages per-key token buckets. The gateway uses them to throttle its own
// admin endpoints; routed traffic goes through FixedWindow instead.
type Buckets struct {
	// mu protects the limiters map.
	mu sync.RWMutex
	// limiters stores one bucket per key, keyed by a string identifier.
	limiters map[string]*bucket

	now func() time.Time
}

type bucket struct {
	lim  *ratelib.Limiter
	last atomic.Int64 // unix nanos of the last Allow
}

// BucketConfig defines the parameters for a token bucket.
type BucketConfig struct {
	// RequestsPerSecond is the average number of requests per second allowed.
	RequestsPerSecond float64
	// Burst is the maximum number of requests that can exceed the rate instantaneously.
	Burst int
}

// PerWindow expresses "n requests every d" as a bucket that refills in d.
func PerWindow(n int, seconds float64) BucketConfig {
	return BucketConfig{RequestsPerSecond: float64(n) / seconds, Burst: n}
}

func NewBuckets() *Buckets {
	return &Buckets{
		limiters: make(map[string]*bucket),
		now:      time.Now,
	}
}

// Allow checks if a request is allowed for the given key, updating the bucket's
// configuration (rps/burst) if it has changed.
func (b *Buckets) Allow(key string, cfg BucketConfig) bool {
	now := b.now()

	b.mu.RLock()
	bk, ok := b.limiters[key]
	b.mu.RUnlock()

	if !ok {
		b.mu.Lock()
		// Double-check
		bk, ok = b.limiters[key]
		if !ok {
			bk = &bucket{lim: ratelib.NewLimiter(ratelib.Limit(cfg.RequestsPerSecond), cfg.Burst)}
			b.limiters[key] = bk
		}
		b.mu.Unlock()
	}
	bk.last.Store(now.UnixNano())

	// config reload may change the limits of an existing key
	lim := bk.lim
	if lim.Limit() != ratelib.Limit(cfg.RequestsPerSecond) {
		lim.SetLimitAt(now, ratelib.Limit(cfg.RequestsPerSecond))
	}
	if lim.Burst() != cfg.Burst {
		lim.SetBurstAt(now, cfg.Burst)
	}

	return lim.AllowN(now, 1)
}

// Sweep drops buckets unused for at least idle that have refilled completely, and
// returns how many it dropped. A dropped key starts again with a full bucket, so
// sweeping never lets a caller through sooner than keeping the bucket would.
func (b *Buckets) Sweep(idle time.Duration) int {
	now := b.now()
	cutoff := now.Add(-idle).UnixNano()

	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, bk := range b.limiters {
		if bk.last.Load() <= cutoff && bk.lim.TokensAt(now) >= float64(bk.lim.Burst()) {
			delete(b.limiters, k)
			n++
		}
	}
	return n
}

// Janitor sweeps every interval until ctx ends.
func (b *Buckets) Janitor(ctx context.Context, every, idle time.Duration) {
	if every <= 0 {
		return
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			b.Sweep(idle)
		}
	}
}

// Len reports how many keys currently hold a bucket.
func (b *Buckets) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.limiters)
}
