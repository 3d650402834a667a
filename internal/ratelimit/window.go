// Package ratelimit enforces per-route request caps.
//
// Routed traffic is counted in fixed windows aligned to UTC minute, hour and day
// boundaries. Counters live behind CounterStore so several gateway instances can share
// them (see NewKVCounters). Admin endpoints use the token buckets in bucket.go.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/model"
)

// Window is one fixed counting interval.
type Window struct {
	Start  time.Time
	Length time.Duration
}

func (w Window) End() time.Time { return w.Start.Add(w.Length) }

// WindowAt returns the window of granularity g containing t.
func WindowAt(t time.Time, g model.Window) Window {
	d := g.Duration()
	return Window{Start: t.UTC().Truncate(d), Length: d}
}

// CounterStore increments a counter scoped to a window and returns the new value.
// Implementations must be atomic per key and expire the counter once the window ends.
type CounterStore interface {
	IncrementAndGet(ctx context.Context, key string, w Window) (int64, error)
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	Exceeded   []model.Window // smallest first
	RetryAfter time.Duration  // until the latest exceeded window closes
}

// FixedWindow applies a RateLimitPolicy per (route, caller).
type FixedWindow struct {
	counters CounterStore
	now      func() time.Time
}

func NewFixedWindow(c CounterStore) *FixedWindow {
	return &FixedWindow{counters: c, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (l *FixedWindow) WithClock(now func() time.Time) *FixedWindow {
	l.now = now
	return l
}

// Check counts one request for (route, caller) against every cap of p. Each configured
// granularity is incremented, including when another one is already exhausted, so a
// denied request still consumes quota. A store failure is returned wrapping
// gwerr.ErrLimiterUnavailable and the request must be denied.
func (l *FixedWindow) Check(ctx context.Context, route, caller string, p *model.RateLimitPolicy) (Decision, error) {
	caps := p.Caps()
	if len(caps) == 0 {
		return Decision{Allowed: true}, nil
	}
	now := l.now()
	d := Decision{Allowed: true}
	for _, c := range caps {
		w := WindowAt(now, c.Window)
		n, err := l.counters.IncrementAndGet(ctx, CounterKey(route, caller, c.Window, w), w)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %v", gwerr.ErrLimiterUnavailable, err)
		}
		if n > int64(c.Limit) {
			d.Allowed = false
			d.Exceeded = append(d.Exceeded, c.Window)
			if ra := w.End().Sub(now); ra > d.RetryAfter {
				d.RetryAfter = ra
			}
		}
	}
	return d, nil
}

// Err converts a denied decision into the error reported to the caller.
func (d Decision) Err(route string) error {
	if d.Allowed {
		return nil
	}
	windows := make([]string, len(d.Exceeded))
	for i, w := range d.Exceeded {
		windows[i] = string(w)
	}
	return &gwerr.RateLimitExceededError{Route: route, Windows: windows, RetryAfter: d.RetryAfter}
}

// CounterKey names the counter for one (route, caller, window).
func CounterKey(route, caller string, g model.Window, w Window) string {
	return route + "|" + caller + "|" + string(g) + "|" + strconv.FormatInt(w.Start.Unix(), 10)
}
