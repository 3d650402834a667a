package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/metrics"
	"github.com/fabian4/servicegate/internal/model"
	"github.com/fabian4/servicegate/internal/registry"
	"github.com/fabian4/servicegate/internal/router"
	"github.com/fabian4/servicegate/internal/store"
)

func newPlane(t *testing.T, opts Options) (*Plane, *store.Memory, *router.Holder) {
	t.Helper()
	st := store.NewMemory()
	holder := router.NewHolder(nil)
	return New(registry.New(st, nil), holder, metrics.NewRegistry(), opts, nil), st, holder
}

func userService() model.ServiceDescriptor {
	return model.ServiceDescriptor{
		ServiceName: "user-service",
		BaseURL:     "http://user-service:8000",
		Paths: []model.RouteSpec{
			{Path: "/users", Method: "post"},
			{Path: "/users/me", Method: "GET", Protected: true},
		},
	}
}

func TestRegister_InstallsTable(t *testing.T) {
	p, _, holder := newPlane(t, Options{ReloadOnRegister: true})

	got, err := p.Register(context.Background(), userService())
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, model.MethodPost, got.Paths[0].Method)

	e, ok := holder.Load().Lookup("GET", "/users/me")
	require.True(t, ok)
	assert.True(t, e.Protected)
	assert.Equal(t, "http://user-service:8000/api/v1", e.Target.String())
	assert.Len(t, p.Routes(), 2)
}

func TestRegister_WithoutReloadLeavesTable(t *testing.T) {
	p, _, holder := newPlane(t, Options{})

	_, err := p.Register(context.Background(), userService())
	require.NoError(t, err)
	assert.Equal(t, 0, holder.Load().Len())

	tbl, err := p.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
	assert.Same(t, tbl, holder.Load())
}

func TestRegister_DuplicateName(t *testing.T) {
	p, st, _ := newPlane(t, Options{ReloadOnRegister: true})
	ctx := context.Background()

	_, err := p.Register(ctx, userService())
	require.NoError(t, err)

	// identical descriptor: the name check wins over the route conflict
	_, err = p.Register(ctx, userService())
	var de *gwerr.DuplicateServiceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "user-service", de.ServiceName)
	assert.Equal(t, "microservice with name user-service already exists", err.Error())

	all, err := st.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegister_ValidationBeforeAnything(t *testing.T) {
	p, st, _ := newPlane(t, Options{ReloadOnRegister: true})
	ctx := context.Background()

	_, err := p.Register(ctx, model.ServiceDescriptor{ServiceName: " ", BaseURL: "ftp://x"})
	var ve *gwerr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.GreaterOrEqual(t, len(ve.Fields), 2)

	all, err := st.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRegister_RouteConflictKeepsTable(t *testing.T) {
	p, st, holder := newPlane(t, Options{ReloadOnRegister: true})
	ctx := context.Background()

	_, err := p.Register(ctx, userService())
	require.NoError(t, err)
	before := holder.Load()

	clash := model.ServiceDescriptor{
		ServiceName: "profile-service",
		BaseURL:     "http://profile:8000",
		Paths:       []model.RouteSpec{{Path: "/users/me/", Method: "GET"}},
	}
	_, err = p.Register(ctx, clash)
	var ce *gwerr.RouteConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "GET /users/me/", ce.Key)
	assert.Equal(t, "user-service", ce.Existing)
	assert.Equal(t, "profile-service", ce.Incoming)

	assert.Same(t, before, holder.Load(), "table must not change on conflict")
	_, err = st.FindOne(ctx, store.Query{ServiceName: "profile-service"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReload_ConflictInStoreKeepsPreviousTable(t *testing.T) {
	p, st, holder := newPlane(t, Options{})
	ctx := context.Background()

	_, err := p.Register(ctx, userService())
	require.NoError(t, err)
	prev, err := p.Reload(ctx)
	require.NoError(t, err)

	// written behind the gateway's back, e.g. by another instance with an older build
	_, err = st.Create(ctx, model.ServiceDescriptor{
		ServiceName: "rogue",
		BaseURL:     "http://rogue:1",
		Paths:       []model.RouteSpec{{Path: "/users", Method: model.MethodPost}},
	})
	require.NoError(t, err)

	_, err = p.Reload(ctx)
	var ce *gwerr.RouteConflictError
	require.ErrorAs(t, err, &ce)
	assert.Same(t, prev, holder.Load())
}

func TestRegister_ConcurrentSameName(t *testing.T) {
	p, st, _ := newPlane(t, Options{ReloadOnRegister: true})
	ctx := context.Background()

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dups int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Register(ctx, userService())
			mu.Lock()
			defer mu.Unlock()
			var de *gwerr.DuplicateServiceError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &de):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dups)
	all, err := st.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestWatch_PicksUpExternalWrites(t *testing.T) {
	p, st, holder := newPlane(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Watch(ctx, 10*time.Millisecond)
		close(done)
	}()

	_, err := st.Create(context.Background(), userService())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := holder.Load().Lookup("GET", "/users/me")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop on cancel")
	}
}

func TestWatch_DisabledReturnsImmediately(t *testing.T) {
	p, _, _ := newPlane(t, Options{})
	p.Watch(context.Background(), 0)
}

// gatedStore holds the first FindAll until released and fails the second.
type gatedStore struct {
	*store.Memory
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) FindAll(ctx context.Context) ([]model.ServiceDescriptor, error) {
	switch g.calls.Add(1) {
	case 1:
		close(g.entered)
		<-g.release
	case 2:
		return nil, errors.New("store unavailable")
	}
	return g.Memory.FindAll(ctx)
}

func TestReload_OlderReloadInstallsWhenNewerFails(t *testing.T) {
	st := &gatedStore{Memory: store.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	d, err := registry.Validate(userService())
	require.NoError(t, err)
	_, err = st.Create(testContext(t), d)
	require.NoError(t, err)
	holder := router.NewHolder(nil)
	p := New(registry.New(st, nil), holder, metrics.NewRegistry(), Options{}, nil)

	type result struct {
		t   *router.Table
		err error
	}
	first := make(chan result, 1)
	go func() {
		tbl, err := p.Reload(testContext(t))
		first <- result{tbl, err}
	}()
	<-st.entered

	_, err = p.Reload(testContext(t))
	require.Error(t, err)
	assert.Equal(t, 0, holder.Load().Len())

	close(st.release)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, 2, r.t.Len())
	assert.Same(t, r.t, holder.Load())
	assert.Len(t, p.Routes(), 2)
}

func TestReload_SupersededReturnsTableInEffect(t *testing.T) {
	st := &gatedStore{Memory: store.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	holder := router.NewHolder(nil)
	p := New(registry.New(st, nil), holder, metrics.NewRegistry(), Options{}, nil)

	first := make(chan *router.Table, 1)
	go func() {
		tbl, err := p.Reload(testContext(t))
		assert.NoError(t, err)
		first <- tbl
	}()
	<-st.entered

	// second call fails, third installs the service written in between
	_, err := p.Reload(testContext(t))
	require.Error(t, err)
	d, err := registry.Validate(userService())
	require.NoError(t, err)
	_, err = st.Create(testContext(t), d)
	require.NoError(t, err)
	latest, err := p.Reload(testContext(t))
	require.NoError(t, err)
	require.Equal(t, 2, latest.Len())

	close(st.release)
	assert.Same(t, latest, <-first)
	assert.Same(t, latest, holder.Load())
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
