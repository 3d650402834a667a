package model

import (
	"strings"
	"time"
)

// Method is an HTTP method a registered route may expose.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
	MethodPatch  Method = "PATCH"
)

// Methods lists the accepted route methods in canonical order.
var Methods = []Method{MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch}

// ParseMethod normalizes s to upper case and reports whether it is accepted.
func ParseMethod(s string) (Method, bool) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Methods {
		if m == known {
			return m, true
		}
	}
	return m, false
}

// ServiceDescriptor is what a backend registers: its name, address and routes.
type ServiceDescriptor struct {
	ID          string      `json:"id,omitempty"` // assigned by the store on create
	ServiceName string      `json:"service_name"` // unique, case-sensitive
	BaseURL     string      `json:"base_url"`     // absolute http(s) URL
	Paths       []RouteSpec `json:"paths"`
	APIKey      string      `json:"api_key,omitempty"` // sent upstream as a bearer token
}

// RouteSpec is a single (method, path) exposed by a service.
type RouteSpec struct {
	Path      string           `json:"path"`   // must start with "/"
	Method    Method           `json:"method"` // normalized to upper case
	Protected bool             `json:"protected"`
	RateLimit *RateLimitPolicy `json:"rate_limit,omitempty"`
}

// RateLimitPolicy caps requests per caller at up to three granularities.
// A nil field means no cap at that granularity; every set cap must hold.
type RateLimitPolicy struct {
	RequestsPerMinute *int `json:"requests_per_minute,omitempty"`
	RequestsPerHour   *int `json:"requests_per_hour,omitempty"`
	RequestsPerDay    *int `json:"requests_per_day,omitempty"`
}

// Window is a rate-limit granularity.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Cap is one configured limit of a policy.
type Cap struct {
	Window Window
	Limit  int
}

// Caps returns the configured limits, smallest window first.
func (p *RateLimitPolicy) Caps() []Cap {
	if p == nil {
		return nil
	}
	var caps []Cap
	if p.RequestsPerMinute != nil {
		caps = append(caps, Cap{Window: WindowMinute, Limit: *p.RequestsPerMinute})
	}
	if p.RequestsPerHour != nil {
		caps = append(caps, Cap{Window: WindowHour, Limit: *p.RequestsPerHour})
	}
	if p.RequestsPerDay != nil {
		caps = append(caps, Cap{Window: WindowDay, Limit: *p.RequestsPerDay})
	}
	return caps
}

// Wallet is a caller identity learned from authentication events.
type Wallet struct {
	Address    string    `json:"address"`
	LastAuthAt time.Time `json:"last_auth_at"`
	AuthCount  int64     `json:"auth_count"`
}

// IntPtr is a convenience for building policies in code and tests.
func IntPtr(v int) *int { return &v }
