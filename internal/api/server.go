// Package api is the gateway's HTTP surface: the admin endpoints for registration and
// route inspection, with every other request handed to the dispatcher.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fabian4/servicegate/internal/config"
	"github.com/fabian4/servicegate/internal/gwerr"
	"github.com/fabian4/servicegate/internal/handler"
	"github.com/fabian4/servicegate/internal/metrics"
	"github.com/fabian4/servicegate/internal/model"
	"github.com/fabian4/servicegate/internal/ratelimit"
	"github.com/fabian4/servicegate/internal/router"
)

// Plane is the control surface the admin endpoints drive.
type Plane interface {
	Register(ctx context.Context, d model.ServiceDescriptor) (model.ServiceDescriptor, error)
	Reload(ctx context.Context) (*router.Table, error)
	Services(ctx context.Context) ([]model.ServiceDescriptor, error)
	Service(ctx context.Context, name string) (model.ServiceDescriptor, bool, error)
	Routes() []router.Entry
}

// Deps is everything the engine needs.
type Deps struct {
	Plane    Plane
	Gateway  http.Handler
	Metrics  *metrics.Registry
	CORS     config.CORS
	Admin    config.Admin
	Log      *slog.Logger
	Throttle *ratelimit.Buckets // nil builds a private one
}

type Server struct {
	plane Plane
	log   *slog.Logger
}

// NewEngine builds the gin engine. Admin routes are matched first; NoRoute sends every
// other request to the dispatcher, so a backend cannot claim an admin path.
func NewEngine(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Throttle == nil {
		d.Throttle = ratelimit.NewBuckets()
	}
	s := &Server{plane: d.Plane, log: d.Log.With("component", "api")}

	r := gin.New()
	// ClientIP is the peer address; X-Forwarded-For is not trusted for throttling
	_ = r.SetTrustedProxies(nil)
	r.Use(Recovery(s.log), RequestID(), CORS(d.CORS.AllowedOrigins), SecurityHeaders())

	r.GET("/health", s.health)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	register := Throttle(d.Throttle, "register", ratelimit.BucketConfig{RequestsPerSecond: d.Admin.RegisterRPS, Burst: d.Admin.RegisterBurst})
	list := Throttle(d.Throttle, "list", ratelimit.BucketConfig{RequestsPerSecond: d.Admin.ListRPS, Burst: d.Admin.ListBurst})
	reload := Throttle(d.Throttle, "reload", ratelimit.BucketConfig{RequestsPerSecond: d.Admin.ReloadRPS, Burst: d.Admin.ReloadBurst})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/", s.description)
		v1.POST("/microservice/", register, s.registerService)
		v1.GET("/microservice/", list, s.listServices)
		v1.GET("/microservice/:name", list, s.getService)
		v1.GET("/routes/", s.listRoutes)
		v1.POST("/routes/reload", reload, s.reloadRoutes)
	}

	if d.Gateway != nil {
		r.NoRoute(gin.WrapH(d.Gateway))
	}
	return r
}

func (s *Server) description(c *gin.Context) {
	c.JSON(http.StatusOK, "List of available endpoints for microservice registration")
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "routes": len(s.plane.Routes())})
}

func (s *Server) registerService(c *gin.Context) {
	var d model.ServiceDescriptor
	if err := decodeStrict(c.Request.Body, &d); err != nil {
		ve := &gwerr.ValidationError{}
		ve.Add("body", "%v", err)
		s.fail(c, ve)
		return
	}
	stored, err := s.plane.Register(c.Request.Context(), d)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(stored))
}

func (s *Server) listServices(c *gin.Context) {
	all, err := s.plane.Services(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]serviceView, 0, len(all))
	for _, d := range all {
		out = append(out, viewOf(d))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getService(c *gin.Context) {
	d, found, err := s.plane.Service(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, handler.Envelope{Status: "error", Message: "microservice " + c.Param("name") + " not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(d))
}

func (s *Server) listRoutes(c *gin.Context) {
	entries := s.plane.Routes()
	out := make([]routeView, 0, len(entries))
	for _, e := range entries {
		out = append(out, routeViewOf(e))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) reloadRoutes(c *gin.Context) {
	t, err := s.plane.Reload(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.OK(gin.H{"routes": t.Len()}, "route table reloaded"))
}

func (s *Server) fail(c *gin.Context, err error) {
	status, env := handler.ErrorBody(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("admin request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
	} else {
		s.log.Info("admin request rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "status", status, "err", err)
	}
	c.AbortWithStatusJSON(status, env)
}

// decodeStrict decodes exactly one JSON object.
func decodeStrict(r io.Reader, v any) error {
	if r == nil {
		return errors.New("request body is empty")
	}
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	if dec.More() {
		return errors.New("request body must hold a single JSON object")
	}
	return nil
}

// serviceView is a descriptor as shown to API callers; the api key never leaves the
// gateway.
type serviceView struct {
	ID          string            `json:"id"`
	ServiceName string            `json:"service_name"`
	BaseURL     string            `json:"base_url"`
	Paths       []model.RouteSpec `json:"paths"`
	HasAPIKey   bool              `json:"has_api_key"`
}

func viewOf(d model.ServiceDescriptor) serviceView {
	paths := d.Paths
	if paths == nil {
		paths = []model.RouteSpec{}
	}
	return serviceView{
		ID:          d.ID,
		ServiceName: d.ServiceName,
		BaseURL:     d.BaseURL,
		Paths:       paths,
		HasAPIKey:   d.APIKey != "",
	}
}

type routeView struct {
	Method      model.Method           `json:"method"`
	Path        string                 `json:"path"`
	ServiceName string                 `json:"service_name"`
	Target      string                 `json:"target"`
	Protected   bool                   `json:"protected"`
	RateLimit   *model.RateLimitPolicy `json:"rate_limit,omitempty"`
}

func routeViewOf(e router.Entry) routeView {
	return routeView{
		Method:      e.Key.Method,
		Path:        e.Key.Path,
		ServiceName: e.ServiceName,
		Target:      e.Target.String(),
		Protected:   e.Protected,
		RateLimit:   e.RateLimit,
	}
}
