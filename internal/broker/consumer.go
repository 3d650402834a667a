// Package broker consumes authentication events from a JetStream work queue.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/natsclient"
)

// Defaults for the authentication queue.
const (
	DefaultStream  = "USER_AUTH"
	DefaultSubject = "user_auth_queue"
	DefaultDurable = "gateway-auth"
)

// Message is the part of a delivered message the consumer needs.
type Message interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// Processor handles one message body.
type Processor interface {
	Process(ctx context.Context, data []byte) error
}

// Outcome of one delivery.
const (
	OutcomeAck  = "ack"
	OutcomeNak  = "nak"
	OutcomeTerm = "term"
)

type Config struct {
	Stream     string
	Subject    string
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
	// ProcessTimeout bounds a single Process call.
	ProcessTimeout time.Duration
	// MinBackoff and MaxBackoff bound the delay before the consumer is restarted.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Durable == "" {
		c.Durable = DefaultDurable
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 10
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 10 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Consumer is a durable JetStream consumer on the authentication subject.
type Consumer struct {
	nc        *natsclient.Client
	cfg       Config
	proc      Processor
	log       *slog.Logger
	onOutcome func(string)
}

func NewConsumer(nc *natsclient.Client, cfg Config, proc Processor, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Consumer{
		nc:        nc,
		cfg:       cfg,
		proc:      proc,
		log:       log.With("component", "auth-consumer", "subject", cfg.Subject),
		onOutcome: func(string) {},
	}
}

// OnOutcome registers a hook called after every delivery, e.g. for metrics.
func (c *Consumer) OnOutcome(fn func(string)) {
	if fn != nil {
		c.onOutcome = fn
	}
}

// Run consumes until ctx is cancelled. Failures to set up or keep the consumer are
// logged and retried with exponential backoff; Run only returns when ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		started := time.Now()
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			c.log.Info("auth consumer stopped")
			return nil
		}
		if time.Since(started) > c.cfg.MaxBackoff {
			backoff = c.cfg.MinBackoff
		}
		c.log.Warn("auth consumer restarting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	if err := c.nc.EnsureConnected(ctx); err != nil {
		return err
	}
	if _, err := c.nc.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  []string{c.cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return err
	}
	js, err := c.nc.JetStream()
	if err != nil {
		return err
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		FilterSubject: c.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.cfg.Durable, err)
	}

	fatal := make(chan error, 1)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.dispatch(ctx, msg)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, jetstream.ErrNoHeartbeat) {
			select {
			case fatal <- err:
			default:
			}
			return
		}
		c.log.Warn("auth consumer error", "err", err)
	}))
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	defer cc.Stop()
	c.log.Info("auth consumer started", "stream", c.cfg.Stream, "durable", c.cfg.Durable)

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		return err
	}
}

// dispatch processes one message and settles it: ack on success, term when the
// message can never succeed, nak otherwise so the broker redelivers it.
func (c *Consumer) dispatch(ctx context.Context, msg Message) string {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProcessTimeout)
	defer cancel()

	var outcome string
	var settleErr error
	err := c.proc.Process(pctx, msg.Data())
	switch {
	case err == nil:
		outcome, settleErr = OutcomeAck, msg.Ack()
	case gwerr.IsPermanent(err):
		c.log.Warn("dropping malformed auth event", "err", err)
		outcome, settleErr = OutcomeTerm, msg.Term()
	default:
		c.log.Error("auth event failed, requesting redelivery", "err", err)
		outcome, settleErr = OutcomeNak, msg.Nak()
	}
	if settleErr != nil {
		c.log.Warn("settle auth event", "outcome", outcome, "err", settleErr)
	}
	c.onOutcome(outcome)
	return outcome
}
