package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/store"
)

// Event is published on the authentication queue each time a wallet signs in.
// Unknown fields are ignored.
type Event struct {
	UserWalletAddress string `json:"user_wallet_address"`
}

// EventProcessor records authentication events in the wallet store.
type EventProcessor struct {
	wallets store.WalletStore
	now     func() time.Time
	log     *slog.Logger
}

func NewEventProcessor(wallets store.WalletStore, log *slog.Logger) *EventProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &EventProcessor{wallets: wallets, now: time.Now, log: log.With("component", "auth-events")}
}

// Process handles one message body. Errors wrapping gwerr.ErrMalformedEvent can never
// succeed; any other error is worth a redelivery.
func (p *EventProcessor) Process(ctx context.Context, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: %v", gwerr.ErrMalformedEvent, err)
	}
	addr := strings.TrimSpace(ev.UserWalletAddress)
	if addr == "" {
		return fmt.Errorf("%w: user_wallet_address is missing", gwerr.ErrMalformedEvent)
	}
	if err := p.wallets.RecordAuth(ctx, addr, p.now()); err != nil {
		return fmt.Errorf("record %s: %w", addr, err)
	}
	p.log.Info("wallet authenticated", "wallet", addr)
	return nil
}

// EncodeEvent builds a message body for address.
func EncodeEvent(address string) ([]byte, error) {
	return json.Marshal(Event{UserWalletAddress: address})
}
