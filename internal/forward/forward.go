// Package forward relays a matched request to its backend and streams the answer back.
package forward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fabian4/servicegate/internal/auth"
	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/router"
)

// TransportPicker chooses the RoundTripper for an upstream URL.
type TransportPicker interface {
	ForTarget(u *url.URL) http.RoundTripper
}

// Forwarder is stateless apart from its transports; one instance serves every route.
type Forwarder struct {
	transports TransportPicker
	timeout    time.Duration
	log        *slog.Logger
}

func NewForwarder(t TransportPicker, upstreamTimeout time.Duration, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{transports: t, timeout: upstreamTimeout, log: log.With("component", "forward")}
}

// Target builds the upstream URL for an inbound request: entry target joined with the
// inbound path, query string verbatim. Percent-encoding of the inbound path is kept,
// so an escaped "/" stays escaped.
func Target(e *router.Entry, in *url.URL) *url.URL {
	u := new(url.URL)
	*u = *e.Target
	u.Path = joinSlash(e.Target.Path, squashSlashes(in.Path))
	u.RawPath = joinSlash(e.Target.EscapedPath(), squashSlashes(in.EscapedPath()))
	u.RawQuery = in.RawQuery
	return u
}

// Forward relays r to the backend of e and writes the backend's response to w. When it
// returns an error nothing has been written yet and the caller owns the response.
// The returned string is the upstream URL, for logging.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, e *router.Entry, id auth.Identity) (string, error) {
	u := Target(e, r.URL)
	upstream := u.String()

	ctx := r.Context()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, upstream, r.Body)
	if err != nil {
		return upstream, &gwerr.UpstreamError{Service: e.ServiceName, URL: upstream, Err: err}
	}
	reqUp.Header = outboundHeaders(r, e, id)
	reqUp.ContentLength = r.ContentLength
	reqUp.Host = u.Host

	resUp, err := f.transports.ForTarget(u).RoundTrip(reqUp)
	if err != nil {
		return upstream, &gwerr.UpstreamError{Service: e.ServiceName, URL: upstream, Timeout: isTimeout(err), Err: err}
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			f.log.Debug("close upstream body", "err", err)
		}
	}(resUp.Body)

	relayHeaders(w.Header(), resUp.Header)

	// announce trailers if any
	if len(resUp.Trailer) > 0 {
		trailerKeys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		w.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	w.WriteHeader(resUp.StatusCode)
	if _, err := io.Copy(w, resUp.Body); err != nil {
		// status already sent; the client sees a truncated body
		f.log.Warn("relay upstream body", "service", e.ServiceName, "upstream", upstream, "err", err)
	}

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	return upstream, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
