package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabian4/servicegate/internal/model"
)

// Memory keeps everything in process. It is the default backend and the one used by tests.
type Memory struct {
	mu      sync.RWMutex
	docs    []model.ServiceDescriptor
	byName  map[string]int
	wallets map[string]model.Wallet
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		byName:  make(map[string]int),
		wallets: make(map[string]model.Wallet),
	}
}

func (m *Memory) Create(ctx context.Context, d model.ServiceDescriptor) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[d.ServiceName]; ok {
		return "", ErrDuplicate
	}
	d.ID = uuid.NewString()
	d.Paths = append([]model.RouteSpec(nil), d.Paths...)
	m.byName[d.ServiceName] = len(m.docs)
	m.docs = append(m.docs, d)
	return d.ID, nil
}

func (m *Memory) FindOne(ctx context.Context, q Query) (model.ServiceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return model.ServiceDescriptor{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if q.ServiceName != "" {
		i, ok := m.byName[q.ServiceName]
		if !ok {
			return model.ServiceDescriptor{}, ErrNotFound
		}
		return m.docs[i], nil
	}
	for _, d := range m.docs {
		if q.match(d) {
			return d, nil
		}
	}
	return model.ServiceDescriptor{}, ErrNotFound
}

func (m *Memory) FindAll(ctx context.Context) ([]model.ServiceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ServiceDescriptor, len(m.docs))
	copy(out, m.docs)
	return out, nil
}

func (m *Memory) RecordAuth(ctx context.Context, address string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.wallets[address]
	w.Address = address
	w.LastAuthAt = at.UTC()
	w.AuthCount++
	m.wallets[address] = w
	return nil
}

func (m *Memory) LookupWallet(ctx context.Context, address string) (model.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return model.Wallet{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[address]
	if !ok {
		return model.Wallet{}, ErrNotFound
	}
	return w, nil
}

func (m *Memory) Close() error { return nil }
