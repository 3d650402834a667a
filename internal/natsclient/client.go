// Package natsclient owns the gateway's NATS connection and hands out JetStream
// resources (streams, KV buckets) to the broker consumer and the distributed
// rate-limit counters.
package natsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var (
	ErrNotConnected = errors.New("nats: not connected")
	ErrClosed       = errors.New("nats: client closed")
)

// Client wraps a nats.Conn and its JetStream context.
type Client struct {
	url           string
	name          string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	log           *slog.Logger

	mu     sync.RWMutex
	conn   *nats.Conn
	js     jetstream.JetStream
	closed bool
}

// Option configures a Client.
type Option func(*Client)

func WithName(name string) Option { return func(c *Client) { c.name = name } }

// WithMaxReconnects sets the reconnect budget (-1 for unlimited).
func WithMaxReconnects(n int) Option { return func(c *Client) { c.maxReconnects = n } }

func WithReconnectWait(d time.Duration) Option { return func(c *Client) { c.reconnectWait = d } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:           url,
		name:          "servicegate",
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "nats", "url", url)
	return c
}

func (c *Client) URL() string { return c.url }

// Connect dials the server and initializes JetStream. It returns early when ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	opts := []nats.Option{
		nats.Name(c.name),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) { c.log.Info("nats reconnected") }),
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return fmt.Errorf("nats connect %s: %w", c.url, ctx.Err())
	}
	if res.err != nil {
		return fmt.Errorf("nats connect %s: %w", c.url, res.err)
	}

	js, err := jetstream.New(res.conn)
	if err != nil {
		res.conn.Close()
		return fmt.Errorf("jetstream init: %w", err)
	}

	c.mu.Lock()
	c.conn, c.js = res.conn, js
	c.mu.Unlock()
	c.log.Info("nats connected")
	return nil
}

// EnsureConnected dials once if no connection was ever established. An existing
// connection reconnects on its own and is left alone.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.mu.RLock()
	has := c.conn != nil
	c.mu.RUnlock()
	if has {
		return nil
	}
	return c.Connect(ctx)
}

// JetStream returns the JetStream context of a connected client.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.js == nil || c.conn == nil || !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

// EnsureStream creates the stream or updates it to cfg.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	s, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return s, nil
}

// KeyValueBucket opens cfg.Bucket, creating it when missing.
func (c *Client) KeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	if kv, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return kv, nil
	}
	kv, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if !isAlreadyExists(err) {
			return nil, fmt.Errorf("create kv %s: %w", cfg.Bucket, err)
		}
		// another instance created it between our two calls
		kv, err = js.KeyValue(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open kv %s: %w", cfg.Bucket, err)
		}
	}
	c.log.Info("kv bucket ready", "bucket", cfg.Bucket)
	return kv, nil
}

// Publish sends data to a JetStream subject and waits for the stream ack.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	closed := make(chan struct{})
	conn.SetClosedHandler(func(*nats.Conn) { close(closed) })
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	select {
	case <-closed:
	case <-ctx.Done():
		conn.Close()
	}
	return nil
}

// IsKVNotFound reports a missing KV key.
func IsKVNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}

// IsKVConflict reports a lost compare-and-swap: the key exists on Create, or the
// revision moved on Update.
func IsKVConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}

func isAlreadyExists(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
