package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/fabian4/servicegate/internal/auth"
	"github.com/fabian4/servicegate/internal/config"
	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/metrics"
	"github.com/fabian4/servicegate/internal/policy"
	"github.com/fabian4/servicegate/internal/router"
)

// HeaderRequestID correlates a request across the gateway and its access log.
const HeaderRequestID = "X-Request-ID"

// Enforcer approves or rejects a matched request.
type Enforcer interface {
	Evaluate(ctx context.Context, r *http.Request, e *router.Entry) (policy.Verdict, error)
}

// Forwarder relays an approved request; on error nothing has been written.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, e *router.Entry, id auth.Identity) (string, error)
}

// Gateway is the single dispatcher behind every registered route: look up
// (method, path) in the current table, enforce policy, forward.
type Gateway struct {
	Routes    *router.Holder
	Enforcer  Enforcer
	Forwarder Forwarder
	AccessLog io.Writer
	Metrics   *metrics.Registry

	alc config.AccessLogConfig
	log *slog.Logger
}

func NewGateway(routes *router.Holder, enf Enforcer, f Forwarder, accessLog io.Writer, alc config.AccessLogConfig, m *metrics.Registry, log *slog.Logger) *Gateway {
	if accessLog == nil || !alc.Enabled {
		accessLog = io.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		Routes:    routes,
		Enforcer:  enf,
		Forwarder: f,
		AccessLog: accessLog,
		Metrics:   m,
		alc:       alc,
		log:       log.With("component", "gateway"),
	}
}

var _ http.Handler = (*Gateway)(nil)

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	var serviceName, upstreamAddr, routeName, caller string
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		g.writeAccessLog(AccessLog{
			Time:         start,
			Method:       r.Method,
			Path:         r.URL.Path,
			Protocol:     r.Proto,
			Status:       status,
			Duration:     duration.Milliseconds(),
			RemoteIP:     r.RemoteAddr,
			UserAgent:    r.UserAgent(),
			Referer:      r.Referer(),
			Service:      serviceName,
			Route:        routeName,
			Upstream:     upstreamAddr,
			Caller:       caller,
			RequestID:    r.Header.Get(HeaderRequestID),
			BytesWritten: lw.bytes,
		})

		if g.Metrics != nil && serviceName != "" {
			g.Metrics.IncRequest(serviceName, routeName, r.Method, strconv.Itoa(status))
			g.Metrics.ObserveLatency(serviceName, routeName, duration)
		}
	}()

	entry, ok := g.Routes.Load().Lookup(r.Method, r.URL.Path)
	if !ok {
		g.reject(lw, r, gwerr.ErrRouteNotFound)
		return
	}
	serviceName = entry.ServiceName
	routeName = entry.Key.String()

	verdict, err := g.Enforcer.Evaluate(r.Context(), r, entry)
	if err != nil {
		g.reject(lw, r, err)
		return
	}
	caller = verdict.Caller

	upstreamAddr, err = g.Forwarder.Forward(lw, r, entry, verdict.Identity)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			// client went away; nobody reads the answer
			lw.statusCode = StatusClientClosedRequest
			return
		}
		g.log.Warn("forward failed", "service", serviceName, "route", routeName, "upstream", upstreamAddr, "err", err)
		g.reject(lw, r, err)
	}
}

// StatusClientClosedRequest is logged when the caller disconnects before the backend answers.
const StatusClientClosedRequest = 499

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, err error) {
	if g.Metrics != nil {
		g.Metrics.IncRejected(rejectReason(err))
	}
	if gwerr.HTTPStatus(err) >= http.StatusInternalServerError {
		g.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	WriteError(w, err)
}

func rejectReason(err error) string {
	switch gwerr.HTTPStatus(err) {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "limiter_unavailable"
	case http.StatusBadGateway:
		return "upstream_unavailable"
	case http.StatusGatewayTimeout:
		return "upstream_timeout"
	default:
		return "internal"
	}
}

func (g *Gateway) writeAccessLog(entry AccessLog) {
	if g.AccessLog == io.Discard {
		return
	}
	if g.alc.Sampling < 1.0 && rand.Float64() > g.alc.Sampling {
		return
	}
	var out any = entry
	if len(g.alc.Fields) > 0 {
		out = entry.filter(g.alc.Fields)
	}
	if err := json.NewEncoder(g.AccessLog).Encode(out); err != nil {
		g.log.Warn("access log", "err", err)
	}
}

type AccessLog struct {
	Time         time.Time `json:"time"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Status       int       `json:"status"`
	Duration     int64     `json:"duration_ms"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent"`
	Referer      string    `json:"referer"`
	Service      string    `json:"service,omitempty"`
	Route        string    `json:"route,omitempty"`
	Upstream     string    `json:"upstream,omitempty"`
	Caller       string    `json:"caller,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
}

// filter keeps only the named fields. Built by hand since the struct is known and
// reflection or a JSON round trip would cost more per request.
func (e AccessLog) filter(fields []string) map[string]any {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		switch f {
		case "time":
			m[f] = e.Time
		case "method":
			m[f] = e.Method
		case "path":
			m[f] = e.Path
		case "protocol":
			m[f] = e.Protocol
		case "status":
			m[f] = e.Status
		case "duration_ms":
			m[f] = e.Duration
		case "remote_ip":
			m[f] = e.RemoteIP
		case "user_agent":
			m[f] = e.UserAgent
		case "referer":
			m[f] = e.Referer
		case "service":
			m[f] = e.Service
		case "route":
			m[f] = e.Route
		case "upstream":
			m[f] = e.Upstream
		case "caller":
			m[f] = e.Caller
		case "request_id":
			m[f] = e.RequestID
		case "bytes_written":
			m[f] = e.BytesWritten
		}
	}
	return m
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
