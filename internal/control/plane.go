// Package control ties registration to the live route table: it admits new services,
// recompiles the table from the store and installs it atomically.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/metrics"
	"github.com/fabian4/servicegate/internal/model"
	"github.com/fabian4/servicegate/internal/registry"
	"github.com/fabian4/servicegate/internal/router"
)

type Options struct {
	// ReloadOnRegister recompiles and installs the table after each registration.
	ReloadOnRegister bool
}

type Plane struct {
	reg     *registry.Registry
	routes  *router.Holder
	metrics *metrics.Registry
	opts    Options
	log     *slog.Logger

	// admit serializes preflight + create, so two admitted services never conflict.
	admit sync.Mutex
	// install orders table swaps; a slow compile never overwrites a newer table.
	install   sync.Mutex
	gen       uint64 // last generation handed out
	installed uint64 // generation of the table in effect
}

func New(reg *registry.Registry, routes *router.Holder, m *metrics.Registry, opts Options, log *slog.Logger) *Plane {
	if log == nil {
		log = slog.Default()
	}
	return &Plane{reg: reg, routes: routes, metrics: m, opts: opts, log: log.With("component", "control")}
}

// Register admits a service. Order of checks: field validation (422), name uniqueness
// (400), route conflicts against every stored service (409), then persistence. The
// live table is only touched after the descriptor is stored.
func (p *Plane) Register(ctx context.Context, d model.ServiceDescriptor) (model.ServiceDescriptor, error) {
	norm, err := registry.Validate(d)
	if err != nil {
		p.countRegistration(err)
		return model.ServiceDescriptor{}, err
	}

	p.admit.Lock()
	var stored model.ServiceDescriptor
	err = p.preflight(ctx, norm)
	if err == nil {
		stored, err = p.reg.Register(ctx, norm)
	}
	p.admit.Unlock()

	p.countRegistration(err)
	if err != nil {
		return model.ServiceDescriptor{}, err
	}

	if p.opts.ReloadOnRegister {
		if _, err := p.Reload(ctx); err != nil {
			// stored anyway; the next reload picks it up
			p.log.Error("reload after register", "service", stored.ServiceName, "err", err)
		}
	}
	return stored, nil
}

func (p *Plane) preflight(ctx context.Context, d model.ServiceDescriptor) error {
	_, found, err := p.reg.FindByName(ctx, d.ServiceName)
	if err != nil {
		return err
	}
	if found {
		return &gwerr.DuplicateServiceError{ServiceName: d.ServiceName}
	}
	all, err := p.reg.ListAll(ctx)
	if err != nil {
		return err
	}
	_, err = router.Compile(append(all, d))
	return err
}

// Reload compiles every stored descriptor and installs the result. On failure the
// table in effect is left untouched and the error is returned.
func (p *Plane) Reload(ctx context.Context) (*router.Table, error) {
	p.install.Lock()
	p.gen++
	gen := p.gen
	p.install.Unlock()

	all, err := p.reg.ListAll(ctx)
	if err != nil {
		p.countCompile("error")
		return nil, err
	}
	t, err := router.Compile(all)
	if err != nil {
		var ce *gwerr.RouteConflictError
		if errors.As(err, &ce) {
			p.countCompile("conflict")
		} else {
			p.countCompile("error")
		}
		return nil, fmt.Errorf("compile routes: %w", err)
	}

	p.install.Lock()
	defer p.install.Unlock()
	if gen < p.installed {
		// a later reload already installed a table at least as fresh
		p.countCompile("superseded")
		return p.routes.Load(), nil
	}
	p.installed = gen
	p.routes.Store(t)
	p.countCompile("ok")
	if p.metrics != nil {
		p.metrics.SetRoutes(t.Len())
	}
	p.log.Info("route table installed", "services", len(all), "routes", t.Len())
	return t, nil
}

// Watch reloads every interval until ctx ends. Failures are logged; the previous table
// keeps serving.
func (p *Plane) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := p.Reload(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("periodic reload failed, keeping previous table", "err", err)
			}
		}
	}
}

// Services lists every registered descriptor.
func (p *Plane) Services(ctx context.Context) ([]model.ServiceDescriptor, error) {
	return p.reg.ListAll(ctx)
}

// Service looks one descriptor up by exact name.
func (p *Plane) Service(ctx context.Context, name string) (model.ServiceDescriptor, bool, error) {
	return p.reg.FindByName(ctx, name)
}

// Routes returns the entries of the table currently in effect.
func (p *Plane) Routes() []router.Entry {
	return p.routes.Load().Entries()
}

func (p *Plane) countCompile(outcome string) {
	if p.metrics != nil {
		p.metrics.IncCompile(outcome)
	}
}

func (p *Plane) countRegistration(err error) {
	if p.metrics == nil {
		return
	}
	outcome := "ok"
	switch gwerr.HTTPStatus(err) {
	case 200:
	case 422:
		outcome = "invalid"
	case 400:
		outcome = "duplicate"
	case 409:
		outcome = "conflict"
	default:
		outcome = "error"
	}
	p.metrics.IncRegistration(outcome)
}
