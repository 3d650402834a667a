package forward

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/fabian4/servicegate/internal/auth"
	"github.com/fabian4/servicegate/internal/router"
)

// HeaderUserID carries the authenticated caller to the backend.
const HeaderUserID = "X-User-ID"

// connection-scoped headers never cross the gateway in either direction
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// outboundHeaders is the header set sent to the backend of e. The caller's headers are
// copied, then the gateway owns X-User-ID, X-Forwarded-* and, when the service
// registered an api key, Authorization.
func outboundHeaders(r *http.Request, e *router.Entry, id auth.Identity) http.Header {
	h := cloneHeader(r.Header)
	dropHopByHop(h)

	h.Del(HeaderUserID)
	if id.Authenticated {
		h.Set(HeaderUserID, id.Subject)
	}
	if e.APIKey != "" {
		h.Set("Authorization", "Bearer "+e.APIKey)
	}

	addXFF(h, r.RemoteAddr)
	h.Set("X-Forwarded-Host", r.Host)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	return h
}

// relayHeaders replaces dst's values with the end-to-end headers of a backend response.
func relayHeaders(dst, src http.Header) {
	dropHopByHop(src)
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	return out
}

// joinSlash concatenates two path pieces with exactly one "/" between them.
func joinSlash(a, b string) string {
	return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
}

// squashSlashes collapses runs of "/" into one.
func squashSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// dropHopByHop removes hop-by-hop headers, including those named in Connection.
// "TE: trailers" is kept.
func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			if k = textproto.TrimString(k); k != "" {
				h.Del(k)
			}
		}
	}
	keepTE := h.Get("TE") == "trailers"
	for _, k := range hopByHop {
		h.Del(k)
	}
	if keepTE {
		h.Set("TE", "trailers")
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		ip = prior + ", " + ip
	}
	h.Set("X-Forwarded-For", ip)
}
