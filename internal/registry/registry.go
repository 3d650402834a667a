// Package registry validates service descriptors and persists them with a unique name.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/model"
	"github.com/fabian4/servicegate/internal/store"
)

// Registry is the only writer of service descriptors. It never touches the route table;
// callers recompile after a successful Register.
type Registry struct {
	// mu serializes the check-then-create of Register. Reads do not take it.
	mu    sync.Mutex
	store store.DescriptorStore
	log   *slog.Logger
}

func New(s store.DescriptorStore, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: s, log: log.With("component", "registry")}
}

// Register validates d, rejects an existing service name and persists it. The returned
// descriptor is the normalized one carrying its store-assigned id.
func (r *Registry) Register(ctx context.Context, d model.ServiceDescriptor) (model.ServiceDescriptor, error) {
	norm, err := Validate(d)
	if err != nil {
		return model.ServiceDescriptor{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.store.FindOne(ctx, store.Query{ServiceName: norm.ServiceName})
	switch {
	case err == nil:
		return model.ServiceDescriptor{}, &gwerr.DuplicateServiceError{ServiceName: norm.ServiceName}
	case !errors.Is(err, store.ErrNotFound):
		return model.ServiceDescriptor{}, fmt.Errorf("lookup %s: %w", norm.ServiceName, err)
	}

	id, err := r.store.Create(ctx, norm)
	if errors.Is(err, store.ErrDuplicate) {
		// another gateway sharing the store won the race
		return model.ServiceDescriptor{}, &gwerr.DuplicateServiceError{ServiceName: norm.ServiceName}
	}
	if err != nil {
		return model.ServiceDescriptor{}, fmt.Errorf("create %s: %w", norm.ServiceName, err)
	}
	norm.ID = id
	r.log.Info("service registered", "service", norm.ServiceName, "id", id, "routes", len(norm.Paths))
	return norm, nil
}

// ListAll returns every stored descriptor in store order.
func (r *Registry) ListAll(ctx context.Context) ([]model.ServiceDescriptor, error) {
	all, err := r.store.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return all, nil
}

// FindByName looks a descriptor up by exact, case-sensitive name.
func (r *Registry) FindByName(ctx context.Context, name string) (model.ServiceDescriptor, bool, error) {
	d, err := r.store.FindOne(ctx, store.Query{ServiceName: name})
	if errors.Is(err, store.ErrNotFound) {
		return model.ServiceDescriptor{}, false, nil
	}
	if err != nil {
		return model.ServiceDescriptor{}, false, fmt.Errorf("find %s: %w", name, err)
	}
	return d, true, nil
}
