package router

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/model"
)

// APIVersionSegment is appended to every backend base URL.
const APIVersionSegment = "api/v1"

// Key identifies a route: method plus canonical path.
type Key struct {
	Method model.Method
	Path   string
}

func (k Key) String() string { return string(k.Method) + " " + k.Path }

// Entry is one compiled route.
type Entry struct {
	Key         Key
	ServiceName string
	Target      *url.URL // base_url + /api/v1
	Protected   bool
	RateLimit   *model.RateLimitPolicy
	APIKey      string
}

// Table is an immutable snapshot of every registered route.
type Table struct {
	entries []Entry     // declaration order
	byKey   map[Key]int // key -> index into entries
}

// Empty returns a table that matches nothing.
func Empty() *Table { return &Table{byKey: map[Key]int{}} }

// CanonicalPath collapses repeated slashes in p and gives it exactly one trailing
// slash. Dot segments are kept as they are.
func CanonicalPath(p string) string {
	c := "/" + p + "/"
	for strings.Contains(c, "//") {
		c = strings.ReplaceAll(c, "//", "/")
	}
	return c
}

// HasDotSegment reports whether p contains a "." or ".." segment.
func HasDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// TargetURL derives the upstream base for a descriptor's base_url.
func TargetURL(baseURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/" + APIVersionSegment)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base_url %q is not absolute", baseURL)
	}
	return u, nil
}

// Compile builds a table from descriptors, one entry per declared (method, path).
// Two routes with the same key are a *gwerr.RouteConflictError, never last-write-wins.
// Compile has no side effects; installing the result is the caller's job.
func Compile(descs []model.ServiceDescriptor) (*Table, error) {
	t := &Table{byKey: make(map[Key]int)}
	for _, d := range descs {
		target, err := TargetURL(d.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", d.ServiceName, err)
		}
		for _, p := range d.Paths {
			k := Key{Method: p.Method, Path: CanonicalPath(p.Path)}
			if i, ok := t.byKey[k]; ok {
				return nil, &gwerr.RouteConflictError{
					Key:      k.String(),
					Existing: t.entries[i].ServiceName,
					Incoming: d.ServiceName,
				}
			}
			t.byKey[k] = len(t.entries)
			t.entries = append(t.entries, Entry{
				Key:         k,
				ServiceName: d.ServiceName,
				Target:      target,
				Protected:   p.Protected,
				RateLimit:   p.RateLimit,
				APIKey:      d.APIKey,
			})
		}
	}
	return t, nil
}

// Lookup matches an inbound method and raw path. The path is canonicalized first, so
// "/users" and "/users/" hit the same entry. Paths with dot segments never match.
func (t *Table) Lookup(method, rawPath string) (*Entry, bool) {
	if t == nil || HasDotSegment(rawPath) {
		return nil, false
	}
	i, ok := t.byKey[Key{Method: model.Method(method), Path: CanonicalPath(rawPath)}]
	if !ok {
		return nil, false
	}
	return &t.entries[i], true
}

// Entries returns a copy of the entries in declaration order.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Holder publishes the current table to concurrent readers.
type Holder struct {
	p atomic.Pointer[Table]
}

func NewHolder(t *Table) *Holder {
	h := &Holder{}
	if t == nil {
		t = Empty()
	}
	h.p.Store(t)
	return h
}

func (h *Holder) Load() *Table { return h.p.Load() }

// Store swaps in t wholesale. Readers see either the old or the new table.
func (h *Holder) Store(t *Table) { h.p.Store(t) }
