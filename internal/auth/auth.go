// Package auth authenticates callers with HS256 bearer tokens and keeps the wallet
// store current from authentication events.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/store"
)

var (
	ErrInvalidToken  = fmt.Errorf("%w: invalid bearer token", gwerr.ErrUnauthorized)
	ErrUnknownWallet = fmt.Errorf("%w: wallet has not authenticated", gwerr.ErrUnauthorized)
)

// Claims is the token payload. The subject is the caller identity, usually a wallet
// address.
type Claims struct {
	jwt.RegisteredClaims
}

// Identity is the result of authenticating one request.
type Identity struct {
	Subject       string
	Authenticated bool
}

// Options configures an Authenticator.
type Options struct {
	Secret string
	Issuer string // checked when non-empty
	// RequireKnownWallet accepts only subjects recorded by the event consumer.
	RequireKnownWallet bool
}

type Authenticator struct {
	secret  []byte
	issuer  string
	wallets store.WalletStore // nil unless RequireKnownWallet
	now     func() time.Time
}

func NewAuthenticator(opts Options, wallets store.WalletStore) *Authenticator {
	a := &Authenticator{
		secret: []byte(opts.Secret),
		issuer: opts.Issuer,
		now:    time.Now,
	}
	if opts.RequireKnownWallet {
		a.wallets = wallets
	}
	return a
}

// Authenticate inspects the Authorization header. No header yields an anonymous
// identity and no error; a header that does not carry a valid token is an error
// wrapping gwerr.ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return Identity{}, nil
	}
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return Identity{}, ErrInvalidToken
	}
	claims, err := a.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Identity{}, err
	}
	if a.wallets != nil {
		if _, err := a.wallets.LookupWallet(ctx, claims.Subject); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Identity{}, ErrUnknownWallet
			}
			return Identity{}, fmt.Errorf("wallet lookup: %w", err)
		}
	}
	return Identity{Subject: claims.Subject, Authenticated: true}, nil
}

// Parse verifies a compact token and returns its claims.
func (a *Authenticator) Parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateToken issues a signed token for subject valid for ttl.
func GenerateToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
