package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/servicegate/internal/auth"
	"github.com/fabian4/servicegate/internal/natsclient"
	"github.com/fabian4/servicegate/internal/store"
)

type fakeMsg struct {
	data              []byte
	acks, naks, terms int
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Ack() error   { m.acks++; return nil }
func (m *fakeMsg) Nak() error   { m.naks++; return nil }
func (m *fakeMsg) Term() error  { m.terms++; return nil }

type procFunc func(ctx context.Context, data []byte) error

func (f procFunc) Process(ctx context.Context, data []byte) error { return f(ctx, data) }

func TestDispatch_SettlesByOutcome(t *testing.T) {
	wallets := store.NewMemory()
	c := NewConsumer(nil, Config{}, auth.NewEventProcessor(wallets, nil), nil)
	var seen []string
	c.OnOutcome(func(o string) { seen = append(seen, o) })

	ok := &fakeMsg{data: []byte(`{"user_wallet_address":"0xabc"}`)}
	assert.Equal(t, OutcomeAck, c.dispatch(context.Background(), ok))
	assert.Equal(t, 1, ok.acks)
	_, err := wallets.LookupWallet(context.Background(), "0xabc")
	assert.NoError(t, err, "ack only after the wallet is stored")

	bad := &fakeMsg{data: []byte(`{"wallet":"0xabc"}`)}
	assert.Equal(t, OutcomeTerm, c.dispatch(context.Background(), bad))
	assert.Equal(t, 1, bad.terms)
	assert.Zero(t, bad.acks+bad.naks)

	assert.Equal(t, []string{OutcomeAck, OutcomeTerm}, seen)
}

func TestDispatch_TransientFailureNaks(t *testing.T) {
	c := NewConsumer(nil, Config{}, procFunc(func(context.Context, []byte) error {
		return errors.New("store unavailable")
	}), nil)
	m := &fakeMsg{data: []byte(`{}`)}
	assert.Equal(t, OutcomeNak, c.dispatch(context.Background(), m))
	assert.Equal(t, 1, m.naks)
	assert.Zero(t, m.acks)
}

func TestDispatch_ProcessTimeout(t *testing.T) {
	c := NewConsumer(nil, Config{ProcessTimeout: 10 * time.Millisecond}, procFunc(func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}), nil)
	m := &fakeMsg{}
	assert.Equal(t, OutcomeNak, c.dispatch(context.Background(), m))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Subject: "custom"}.withDefaults()
	assert.Equal(t, DefaultStream, cfg.Stream)
	assert.Equal(t, "custom", cfg.Subject)
	assert.Equal(t, DefaultDurable, cfg.Durable)
	assert.Equal(t, 10, cfg.MaxDeliver)
	assert.Greater(t, cfg.MaxBackoff, cfg.MinBackoff)
}

func TestRun_StopsOnCancelWhileDisconnected(t *testing.T) {
	nc := natsclient.New("nats://127.0.0.1:1")
	c := NewConsumer(nc, Config{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, procFunc(nil), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

// Requires a JetStream-enabled server, e.g. NATS_TEST_URL=nats://127.0.0.1:4222.
func TestConsumer_Live(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	nc := natsclient.New(url)
	require.NoError(t, nc.Connect(ctx))
	defer func() { _ = nc.Close(context.Background()) }()

	suffix := time.Now().UnixNano()
	cfg := Config{
		Stream:  fmt.Sprintf("AUTH_TEST_%d", suffix),
		Subject: fmt.Sprintf("auth_test_%d", suffix),
		Durable: "test",
	}
	wallets := store.NewMemory()
	c := NewConsumer(nc, cfg, auth.NewEventProcessor(wallets, nil), nil)
	outcomes := make(chan string, 4)
	c.OnOutcome(func(o string) { outcomes <- o })

	runCtx, stop := context.WithCancel(ctx)
	go func() { _ = c.Run(runCtx) }()
	defer stop()

	require.NoError(t, PublishAuth(ctx, nc, cfg, "0xfeed"))
	select {
	case o := <-outcomes:
		assert.Equal(t, OutcomeAck, o)
	case <-ctx.Done():
		t.Fatal("event was not consumed")
	}
	_, err := wallets.LookupWallet(ctx, "0xfeed")
	assert.NoError(t, err)

	js, err := nc.JetStream()
	require.NoError(t, err)
	_ = js.DeleteStream(ctx, cfg.Stream)
}
