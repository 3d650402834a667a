package registry

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/model"
	"github.com/fabian4/servicegate/internal/router"
)

// Validate checks d and returns a normalized copy: service name trimmed, methods upper
// case. Every violated field is reported in a single *gwerr.ValidationError.
func Validate(d model.ServiceDescriptor) (model.ServiceDescriptor, error) {
	ve := &gwerr.ValidationError{}
	out := d
	out.ID = ""
	out.ServiceName = strings.TrimSpace(d.ServiceName)
	out.BaseURL = strings.TrimSpace(d.BaseURL)

	if out.ServiceName == "" {
		ve.Add("service_name", "must not be empty")
	}
	validateBaseURL(ve, out.BaseURL)

	out.Paths = make([]model.RouteSpec, len(d.Paths))
	seen := make(map[string]int, len(d.Paths))
	for i, p := range d.Paths {
		field := fmt.Sprintf("paths[%d]", i)
		m, ok := model.ParseMethod(string(p.Method))
		if !ok {
			ve.Add(field+".method", "must be one of GET, POST, PUT, DELETE, PATCH, got %q", p.Method)
		}
		p.Method = m
		if !strings.HasPrefix(p.Path, "/") {
			ve.Add(field+".path", "must start with \"/\", got %q", p.Path)
		} else if router.HasDotSegment(p.Path) {
			ve.Add(field+".path", "must not contain \".\" or \"..\" segments, got %q", p.Path)
		}
		validatePolicy(ve, field+".rate_limit", p.RateLimit)

		if ok && strings.HasPrefix(p.Path, "/") {
			key := router.Key{Method: m, Path: router.CanonicalPath(p.Path)}.String()
			if j, dup := seen[key]; dup {
				ve.Add(field, "duplicates paths[%d] (%s)", j, key)
			} else {
				seen[key] = i
			}
		}
		out.Paths[i] = p
	}
	if err := ve.OrNil(); err != nil {
		return model.ServiceDescriptor{}, err
	}
	return out, nil
}

func validateBaseURL(ve *gwerr.ValidationError, raw string) {
	if raw == "" {
		ve.Add("base_url", "must not be empty")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		ve.Add("base_url", "invalid URL: %v", err)
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		ve.Add("base_url", "scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		ve.Add("base_url", "must include a host")
	}
}

func validatePolicy(ve *gwerr.ValidationError, field string, p *model.RateLimitPolicy) {
	if p == nil {
		return
	}
	check := func(name string, v *int) {
		if v != nil && *v <= 0 {
			ve.Add(field+"."+name, "must be a positive integer, got %d", *v)
		}
	}
	check("requests_per_minute", p.RequestsPerMinute)
	check("requests_per_hour", p.RequestsPerHour)
	check("requests_per_day", p.RequestsPerDay)
}
