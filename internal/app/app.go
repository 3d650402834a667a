// Package app wires the gateway together from a Config and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fabian4/servicegate/internal/api"
	"github.com/fabian4/servicegate/internal/auth"
	"github.com/fabian4/servicegate/internal/broker"
	"github.com/fabian4/servicegate/internal/config"
	"github.com/fabian4/servicegate/internal/control"
	"github.com/fabian4/servicegate/internal/forward"
	"github.com/fabian4/servicegate/internal/handler"
	"github.com/fabian4/servicegate/internal/logging"
	"github.com/fabian4/servicegate/internal/metrics"
	"github.com/fabian4/servicegate/internal/natsclient"
	"github.com/fabian4/servicegate/internal/policy"
	"github.com/fabian4/servicegate/internal/ratelimit"
	"github.com/fabian4/servicegate/internal/registry"
	"github.com/fabian4/servicegate/internal/router"
	"github.com/fabian4/servicegate/internal/store"
	"github.com/fabian4/servicegate/internal/version"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second

	// admin throttle: sweep every minute, drop full buckets idle for ten
	throttleSweepEvery = time.Minute
	throttleIdle       = 10 * time.Minute
)

// App is one gateway process.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	store    store.Store
	nc       *natsclient.Client // nil when NATS is not configured
	plane    *control.Plane
	metrics  *metrics.Registry
	consumer *broker.Consumer
	throttle *ratelimit.Buckets
	handler  http.Handler

	closers []func() error
}

// New opens the store (and NATS when configured), installs the first route table and
// builds the HTTP handler. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *App, err error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{cfg: cfg, log: log, metrics: metrics.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.store, err = OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	if cfg.NATS.URL != "" {
		a.nc = natsclient.New(cfg.NATS.URL, natsclient.WithName(natsName(cfg.NATS)), natsclient.WithLogger(log))
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = a.nc.Connect(cctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.closers = append(a.closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.nc.Close(sctx)
		})
	}

	counters, err := a.counters(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Auth.JWTSecret == "" {
		log.Warn("auth.jwt_secret is empty; protected routes will reject every request")
	}
	authn := auth.NewAuthenticator(auth.Options{
		Secret:             cfg.Auth.JWTSecret,
		Issuer:             cfg.Auth.Issuer,
		RequireKnownWallet: cfg.Auth.RequireKnownWallet,
	}, a.store)
	enf := policy.NewEnforcer(authn, ratelimit.NewFixedWindow(counters))

	holder := router.NewHolder(nil)
	a.plane = control.New(registry.New(a.store, log), holder, a.metrics,
		control.Options{ReloadOnRegister: cfg.Routes.ReloadOnRegister}, log)
	if _, err = a.plane.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial route table: %w", err)
	}

	accessLog, closeLog, err := logging.AccessLogWriter(cfg.AccessLog)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeLog)

	transports := forward.NewDefaultTransports()
	a.closers = append(a.closers, func() error { transports.CloseIdle(); return nil })
	fw := forward.NewForwarder(transports, cfg.Timeouts.Upstream, log)
	gw := handler.NewGateway(holder, enf, fw, accessLog, cfg.AccessLog, a.metrics, log)

	a.throttle = ratelimit.NewBuckets()
	a.handler = api.NewEngine(api.Deps{
		Plane:    a.plane,
		Gateway:  gw,
		Metrics:  a.metrics,
		CORS:     cfg.CORS,
		Admin:    cfg.Admin,
		Throttle: a.throttle,
		Log:      log,
	})

	if a.nc != nil {
		a.consumer = broker.NewConsumer(a.nc, BrokerConfig(cfg.NATS), auth.NewEventProcessor(a.store, log), log)
		a.consumer.OnOutcome(a.metrics.IncAuthEvent)
	}
	return a, nil
}

// OpenStore opens the configured descriptor store.
func OpenStore(ctx context.Context, c config.Store) (store.Store, error) {
	switch c.Driver {
	case config.StoreMemory, "":
		return store.NewMemory(), nil
	case config.StoreSQLite:
		return openSQLite(ctx, c.DSN)
	case config.StoreMySQL:
		return openMySQL(ctx, c.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", c.Driver)
	}
}

func (a *App) counters(ctx context.Context) (ratelimit.CounterStore, error) {
	if a.cfg.RateLimit.Backend != config.CountersNATS {
		return ratelimit.NewMemoryCounters(), nil
	}
	if a.nc == nil {
		return nil, errors.New("rate_limit.backend nats needs nats.url")
	}
	kv, err := ratelimit.NewKVCounters(ctx, a.nc, a.cfg.RateLimit.Bucket)
	if err != nil {
		return nil, fmt.Errorf("rate-limit counters: %w", err)
	}
	return kv, nil
}

// Handler is the full HTTP surface: admin API, health, metrics and the dispatcher.
func (a *App) Handler() http.Handler { return a.handler }

// Plane exposes the control plane, mainly for tests and the CLI.
func (a *App) Plane() *control.Plane { return a.plane }

// Run listens on the configured address and serves until ctx ends.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Listen, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then shuts down gracefully. The
// background loops run alongside and stop with it.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadTimeout:       a.cfg.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.cfg.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	bg, stopBG := context.WithCancel(ctx)
	defer stopBG()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.plane.Watch(bg, a.cfg.Routes.ReloadInterval)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.throttle.Janitor(bg, throttleSweepEvery, throttleIdle)
	}()
	if a.consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.consumer.Run(bg); err != nil && bg.Err() == nil {
				a.log.Error("auth consumer stopped", "err", err)
			}
		}()
	}

	a.log.Info("servicegate listening",
		"version", version.Value,
		"addr", ln.Addr().String(),
		"store", a.cfg.Store.Driver,
		"routes", len(a.plane.Routes()),
		"nats", a.nc != nil)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	var serveErr error
	select {
	case serveErr = <-errc:
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(sctx); err != nil {
			a.log.Warn("shutdown", "err", err)
		}
		cancel()
		serveErr = <-errc
	}
	stopBG()
	wg.Wait()
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return serveErr
}

// Close releases everything New opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NATSClient connects a short-lived client for the CLI.
func NATSClient(ctx context.Context, c config.NATS, log *slog.Logger) (*natsclient.Client, error) {
	if c.URL == "" {
		return nil, errors.New("nats.url is not set")
	}
	nc := natsclient.New(c.URL, natsclient.WithName(natsName(c)), natsclient.WithMaxReconnects(0), natsclient.WithLogger(log))
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := nc.Connect(cctx); err != nil {
		return nil, err
	}
	return nc, nil
}

// BrokerConfig maps the NATS section onto the auth queue settings.
func BrokerConfig(c config.NATS) broker.Config {
	return broker.Config{Stream: c.AuthStream, Subject: c.AuthSubject, Durable: c.Durable}
}

func natsName(c config.NATS) string {
	if c.Name != "" {
		return c.Name
	}
	return "servicegate"
}
