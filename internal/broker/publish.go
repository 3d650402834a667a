package broker

import (
	"context"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/fabian4/servicegate/internal/auth"
	"github.com/fabian4/servicegate/internal/natsclient"
)

// PublishAuth announces that address authenticated. The stream is created if needed so
// events published before the first gateway starts are kept.
func PublishAuth(ctx context.Context, nc *natsclient.Client, cfg Config, address string) error {
	cfg = cfg.withDefaults()
	if _, err := nc.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return err
	}
	body, err := auth.EncodeEvent(address)
	if err != nil {
		return err
	}
	return nc.Publish(ctx, cfg.Subject, body)
}
