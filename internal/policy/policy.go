// Package policy decides, for a matched route, whether a request may be forwarded.
package policy

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/fabian4/servicegate/internal/auth"
	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/model"
	"github.com/fabian4/servicegate/internal/ratelimit"
	"github.com/fabian4/servicegate/internal/router"
)

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error)
}

// Limiter counts a request against a route's policy.
type Limiter interface {
	Check(ctx context.Context, route, caller string, p *model.RateLimitPolicy) (ratelimit.Decision, error)
}

// Verdict is what the dispatcher needs to know about an approved request.
type Verdict struct {
	Identity auth.Identity
	Caller   string // rate-limit identity: token subject, else client IP
}

// Enforcer applies protection and rate limits in that order.
type Enforcer struct {
	auth    Authenticator
	limiter Limiter
}

func NewEnforcer(a Authenticator, l Limiter) *Enforcer {
	return &Enforcer{auth: a, limiter: l}
}

// Evaluate returns a nil error when the request may be forwarded. Rejections are
// gwerr.ErrUnauthorized (possibly wrapped), *gwerr.RateLimitExceededError, or
// gwerr.ErrLimiterUnavailable.
func (e *Enforcer) Evaluate(ctx context.Context, r *http.Request, entry *router.Entry) (Verdict, error) {
	id, err := e.auth.Authenticate(ctx, r)
	if err != nil {
		if entry.Protected || !errors.Is(err, gwerr.ErrUnauthorized) {
			return Verdict{}, err
		}
		// a bad token on a public route is just an anonymous caller
		id = auth.Identity{}
	}
	if entry.Protected && !id.Authenticated {
		return Verdict{}, gwerr.ErrUnauthorized
	}

	v := Verdict{Identity: id, Caller: CallerID(id, r)}
	if entry.RateLimit == nil || e.limiter == nil {
		return v, nil
	}
	route := entry.Key.String()
	d, err := e.limiter.Check(ctx, route, v.Caller, entry.RateLimit)
	if err != nil {
		return Verdict{}, err
	}
	if err := d.Err(route); err != nil {
		return Verdict{}, err
	}
	return v, nil
}

// CallerID names the caller for rate limiting.
func CallerID(id auth.Identity, r *http.Request) string {
	if id.Authenticated {
		return "sub:" + id.Subject
	}
	return "ip:" + ClientIP(r)
}

// ClientIP is the peer address of r without its port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
