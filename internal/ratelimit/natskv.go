package ratelimit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/fabian4/servicegate/internal/natsclient"
)

// DefaultKVBucket holds the shared counters.
const DefaultKVBucket = "gateway_ratelimit"

// KV entries outlive the longest window; stale windows are never read again because
// the window start is part of the key.
const kvTTL = 25 * time.Hour

const maxCASAttempts = 16

var errCASExhausted = errors.New("counter contention: compare-and-swap retries exhausted")

// KVCounters stores counters in a JetStream key-value bucket so every gateway
// instance connected to the same NATS cluster shares one quota.
type KVCounters struct {
	kv jetstream.KeyValue
}

var _ CounterStore = (*KVCounters)(nil)

// NewKVCounters opens (or creates) bucket on c.
func NewKVCounters(ctx context.Context, c *natsclient.Client, bucket string) (*KVCounters, error) {
	if bucket == "" {
		bucket = DefaultKVBucket
	}
	kv, err := c.KeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "gateway fixed-window rate-limit counters",
		History:     1,
		TTL:         kvTTL,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}
	return &KVCounters{kv: kv}, nil
}

// IncrementAndGet runs a get / create-or-update(revision) loop until its write wins.
func (k *KVCounters) IncrementAndGet(ctx context.Context, key string, _ Window) (int64, error) {
	kvKey := "rl." + base64.RawURLEncoding.EncodeToString([]byte(key))
	backoff := time.Millisecond
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			cur int64
			rev uint64
		)
		entry, err := k.kv.Get(ctx, kvKey)
		switch {
		case err == nil:
			cur, err = strconv.ParseInt(string(entry.Value()), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("counter %s holds %q: %w", kvKey, entry.Value(), err)
			}
			rev = entry.Revision()
		case natsclient.IsKVNotFound(err):
		default:
			return 0, fmt.Errorf("kv get: %w", err)
		}

		next := []byte(strconv.FormatInt(cur+1, 10))
		if rev == 0 {
			_, err = k.kv.Create(ctx, kvKey, next)
		} else {
			_, err = k.kv.Update(ctx, kvKey, next, rev)
		}
		if err == nil {
			return cur + 1, nil
		}
		if !natsclient.IsKVConflict(err) {
			return 0, fmt.Errorf("kv write: %w", err)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 32*time.Millisecond {
			backoff *= 2
		}
	}
	return 0, errCASExhausted
}
