// Package store defines the persistence contracts used by the gateway and an in-memory
// implementation. Durable backends live in the sqlite and mysql subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fabian4/servicegate/internal/model"
)

var (
	// ErrNotFound is returned by FindOne and LookupWallet when nothing matches.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned by Create when the service name is already stored.
	ErrDuplicate = errors.New("store: duplicate service name")
)

// Query selects descriptors by exact field match. Empty fields match anything.
type Query struct {
	ServiceName string
}

// DescriptorStore persists service descriptors. Descriptors are created once and never
// updated or deleted. FindAll returns them in insertion order.
type DescriptorStore interface {
	Create(ctx context.Context, d model.ServiceDescriptor) (string, error)
	FindOne(ctx context.Context, q Query) (model.ServiceDescriptor, error)
	FindAll(ctx context.Context) ([]model.ServiceDescriptor, error)
}

// WalletStore records callers seen on the authentication event queue.
type WalletStore interface {
	RecordAuth(ctx context.Context, address string, at time.Time) error
	LookupWallet(ctx context.Context, address string) (model.Wallet, error)
}

// Store is implemented by every backend.
type Store interface {
	DescriptorStore
	WalletStore
	Close() error
}

func (q Query) match(d model.ServiceDescriptor) bool {
	return q.ServiceName == "" || q.ServiceName == d.ServiceName
}
