package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/servicegate/internal/model"
)

func desc(name string) model.ServiceDescriptor {
	return model.ServiceDescriptor{
		ServiceName: name,
		BaseURL:     "http://" + name + ":8000/",
		Paths:       []model.RouteSpec{{Path: "/users", Method: model.MethodGet}},
	}
}

func TestMemory_CreateAssignsIDAndKeepsOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, name := range []string{"c", "a", "b"} {
		id, err := m.Create(ctx, desc(name))
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	all, err := m.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ServiceName)
	assert.Equal(t, "a", all[1].ServiceName)
	assert.Equal(t, "b", all[2].ServiceName)
	assert.NotEqual(t, all[0].ID, all[1].ID)
}

func TestMemory_FindOne(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, err := m.Create(ctx, desc("user-service"))
	require.NoError(t, err)

	got, err := m.FindOne(ctx, Query{ServiceName: "user-service"})
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	_, err = m.FindOne(ctx, Query{ServiceName: "User-Service"})
	assert.True(t, errors.Is(err, ErrNotFound), "lookup is case-sensitive")
}

func TestMemory_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Create(ctx, desc("dup"))
	require.NoError(t, err)
	_, err = m.Create(ctx, desc("dup"))
	assert.ErrorIs(t, err, ErrDuplicate)

	all, _ := m.FindAll(ctx)
	assert.Len(t, all, 1)
}

func TestMemory_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = m.Create(ctx, desc(fmt.Sprintf("svc-%d", i%5)))
		}(i)
	}
	wg.Wait()
	all, err := m.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestMemory_Wallets(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.LookupWallet(ctx, "0xabc")
	assert.ErrorIs(t, err, ErrNotFound)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, m.RecordAuth(ctx, "0xabc", at))
	require.NoError(t, m.RecordAuth(ctx, "0xabc", at.Add(time.Minute)))

	w, err := m.LookupWallet(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), w.AuthCount)
	assert.Equal(t, at.Add(time.Minute), w.LastAuthAt)
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory().Create(ctx, desc("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
