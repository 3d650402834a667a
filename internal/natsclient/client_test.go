package natsclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHelpers(t *testing.T) {
	assert.False(t, IsKVNotFound(nil))
	assert.True(t, IsKVNotFound(jetstream.ErrKeyNotFound))
	assert.True(t, IsKVNotFound(fmt.Errorf("get: %w", jetstream.ErrKeyNotFound)))
	assert.False(t, IsKVNotFound(errors.New("timeout")))

	assert.False(t, IsKVConflict(nil))
	assert.True(t, IsKVConflict(jetstream.ErrKeyExists))
	assert.True(t, IsKVConflict(errors.New("nats: wrong last sequence: 4")))
	assert.False(t, IsKVConflict(errors.New("nats: no responders")))
}

func TestJetStream_NotConnected(t *testing.T) {
	c := New("nats://127.0.0.1:1")
	_, err := c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Close(context.Background()))
	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestConnect_Unreachable(t *testing.T) {
	c := New("nats://127.0.0.1:1", WithMaxReconnects(0))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Error(t, c.Connect(ctx))
}

// Requires a JetStream-enabled server, e.g. NATS_TEST_URL=nats://127.0.0.1:4222.
func TestKeyValueBucket_Live(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := New(url)
	require.NoError(t, c.Connect(ctx))
	defer func() { _ = c.Close(ctx) }()

	bucket := fmt.Sprintf("test_%d", time.Now().UnixNano())
	kv, err := c.KeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	require.NoError(t, err)
	again, err := c.KeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	require.NoError(t, err)
	assert.Equal(t, kv.Bucket(), again.Bucket())

	_, err = kv.Get(ctx, "missing")
	assert.True(t, IsKVNotFound(err))

	_, err = kv.Create(ctx, "k", []byte("1"))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "k", []byte("1"))
	assert.True(t, IsKVConflict(err))

	js, err := c.JetStream()
	require.NoError(t, err)
	require.NoError(t, js.DeleteKeyValue(ctx, bucket))
}
