package forward

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Well-known transport names.
const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1 to upstream
	ProtoAuto  = "auto"  // ALPN, allow h2 over TLS when available
)

// Options tunes the default transports.
type Options struct {
	// Dial/keepalive
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	// Pool sizing
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	// Timeouts
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // optional, 0 to disable

	// TLS knobs for defaults; backends needing mTLS register their own RoundTripper
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		MaxConnsPerHost:       0,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
		InsecureSkipVerify:    false,
		RootCAs:               nil,
	}
}

// Transports is a threadsafe map of named RoundTrippers shared by every route.
// Services are registered at runtime, so transports are picked per target scheme
// rather than per service.
type Transports struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
	opts  Options
}

// NewDefaultTransports builds transports with DefaultOptions.
func NewDefaultTransports() *Transports { return NewTransports(DefaultOptions()) }

// NewTransports builds the http1 and auto transports from opts.
func NewTransports(opts Options) *Transports {
	t := &Transports{
		store: make(map[string]http.RoundTripper),
		opts:  opts,
	}
	t.store[ProtoHTTP1] = t.build(false)
	t.store[ProtoAuto] = t.build(true)
	return t
}

func (t *Transports) Get(name string) http.RoundTripper {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rt, ok := t.store[name]; ok && rt != nil {
		return rt
	}
	return t.store[ProtoHTTP1]
}

// ForTarget picks the transport for an upstream URL: auto (h2 via ALPN) for https,
// http1 otherwise.
func (t *Transports) ForTarget(u *url.URL) http.RoundTripper {
	if u.Scheme == "https" {
		return t.Get(ProtoAuto)
	}
	return t.Get(ProtoHTTP1)
}

// CloseIdle calls CloseIdleConnections on every *http.Transport held.
func (t *Transports) CloseIdle() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rt := range t.store {
		if tr, ok := rt.(*http.Transport); ok {
			tr.CloseIdleConnections()
		}
	}
}

func (t *Transports) build(h2 bool) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   t.opts.DialTimeout,
		KeepAlive: t.opts.DialKeepAlive,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     h2,
		MaxIdleConns:          t.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   t.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       t.opts.IdleConnTimeout,
		MaxConnsPerHost:       t.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   t.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: t.opts.ExpectContinueTimeout,
		ResponseHeaderTimeout: t.opts.ResponseHeaderTimeout,
	}
	if !h2 {
		tr.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: t.opts.InsecureSkipVerify, //nolint:gosec // opt-in for test backends
			RootCAs:            t.opts.RootCAs,
			NextProtos:         []string{"http/1.1"},
		}
	} else if t.opts.InsecureSkipVerify || t.opts.RootCAs != nil {
		tr.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: t.opts.InsecureSkipVerify, //nolint:gosec // opt-in for test backends
			RootCAs:            t.opts.RootCAs,
		}
	}
	return tr
}
