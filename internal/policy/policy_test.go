package policy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/servicegate/internal/auth"
	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/model"
	"github.com/fabian4/servicegate/internal/ratelimit"
	"github.com/fabian4/servicegate/internal/router"
)

const secret = "policy-secret"

func entry(protected bool, rl *model.RateLimitPolicy) *router.Entry {
	return &router.Entry{
		Key:         router.Key{Method: model.MethodGet, Path: "/users/"},
		ServiceName: "user-service",
		Protected:   protected,
		RateLimit:   rl,
	}
}

func req(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/users", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

type spyLimiter struct {
	calls int
}

func (s *spyLimiter) Check(context.Context, string, string, *model.RateLimitPolicy) (ratelimit.Decision, error) {
	s.calls++
	return ratelimit.Decision{Allowed: true}, nil
}

func newEnforcer(l Limiter) *Enforcer {
	return NewEnforcer(auth.NewAuthenticator(auth.Options{Secret: secret}, nil), l)
}

func TestEvaluate_ProtectedWithoutCredentials(t *testing.T) {
	spy := &spyLimiter{}
	e := newEnforcer(spy)

	_, err := e.Evaluate(context.Background(), req(""), entry(true, &model.RateLimitPolicy{RequestsPerMinute: model.IntPtr(1)}))
	assert.ErrorIs(t, err, gwerr.ErrUnauthorized)
	assert.Equal(t, http.StatusUnauthorized, gwerr.HTTPStatus(err))
	assert.Zero(t, spy.calls, "unauthenticated requests must not consume quota")

	_, err = e.Evaluate(context.Background(), req("garbage"), entry(true, nil))
	assert.ErrorIs(t, err, gwerr.ErrUnauthorized)
}

func TestEvaluate_ProtectedWithToken(t *testing.T) {
	tok, err := auth.GenerateToken(secret, "", "0xabc", time.Hour)
	require.NoError(t, err)

	v, err := newEnforcer(nil).Evaluate(context.Background(), req(tok), entry(true, nil))
	require.NoError(t, err)
	assert.True(t, v.Identity.Authenticated)
	assert.Equal(t, "sub:0xabc", v.Caller)
}

func TestEvaluate_PublicRouteIgnoresBadToken(t *testing.T) {
	v, err := newEnforcer(nil).Evaluate(context.Background(), req("garbage"), entry(false, nil))
	require.NoError(t, err)
	assert.False(t, v.Identity.Authenticated)
	assert.Equal(t, "ip:203.0.113.7", v.Caller)
}

func TestEvaluate_RateLimit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	lim := ratelimit.NewFixedWindow(ratelimit.NewMemoryCounters()).WithClock(func() time.Time { return now })
	e := newEnforcer(lim)
	en := entry(false, &model.RateLimitPolicy{RequestsPerMinute: model.IntPtr(3)})

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(ctx, req(""), en)
		require.NoError(t, err, "request %d", i+1)
	}
	_, err := e.Evaluate(ctx, req(""), en)
	var re *gwerr.RateLimitExceededError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "GET /users/", re.Route)
	assert.Equal(t, []string{"minute"}, re.Windows)
	assert.Equal(t, time.Minute, re.RetryAfter)

	// an authenticated caller from the same IP has separate quota
	tok, _ := auth.GenerateToken(secret, "", "0xabc", time.Hour)
	_, err = e.Evaluate(ctx, req(tok), en)
	assert.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = e.Evaluate(ctx, req(""), en)
	assert.NoError(t, err)
}

type downLimiter struct{}

func (downLimiter) Check(context.Context, string, string, *model.RateLimitPolicy) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, gwerr.ErrLimiterUnavailable
}

func TestEvaluate_LimiterDownFailsClosed(t *testing.T) {
	_, err := newEnforcer(downLimiter{}).Evaluate(context.Background(), req(""), entry(false, &model.RateLimitPolicy{RequestsPerDay: model.IntPtr(100)}))
	assert.Equal(t, http.StatusServiceUnavailable, gwerr.HTTPStatus(err))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(r))
	r.RemoteAddr = "unix-socket"
	assert.Equal(t, "unix-socket", ClientIP(r))
}
