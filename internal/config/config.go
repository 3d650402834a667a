package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fabian4/servicegate/internal/ratelimit"
)

type rawConfig struct {
	Listen string `yaml:"listen"`
	Store  struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Auth struct {
		JWTSecret          string `yaml:"jwt_secret"`
		Issuer             string `yaml:"issuer"`
		RequireKnownWallet bool   `yaml:"require_known_wallet"`
	} `yaml:"auth"`
	RateLimit struct {
		Backend string `yaml:"backend"`
		Bucket  string `yaml:"bucket"`
	} `yaml:"rate_limit"`
	NATS struct {
		URL         string `yaml:"url"`
		Name        string `yaml:"name"`
		AuthStream  string `yaml:"auth_stream"`
		AuthSubject string `yaml:"auth_subject"`
		Durable     string `yaml:"durable"`
	} `yaml:"nats"`
	Routes struct {
		ReloadInterval   string `yaml:"reload_interval"`
		ReloadOnRegister *bool  `yaml:"reload_on_register"`
	} `yaml:"routes"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	AccessLog struct {
		Enabled  *bool    `yaml:"enabled"`
		Path     string   `yaml:"path"`
		Sampling *float64 `yaml:"sampling"`
		Fields   []string `yaml:"fields"`
	} `yaml:"access_log"`
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	Admin struct {
		RegisterRPS   float64 `yaml:"register_rps"`
		RegisterBurst int     `yaml:"register_burst"`
		ListRPS       float64 `yaml:"list_rps"`
		ListBurst     int     `yaml:"list_burst"`
		ReloadRPS     float64 `yaml:"reload_rps"`
		ReloadBurst   int     `yaml:"reload_burst"`
	} `yaml:"admin"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type Config struct {
	Listen    string
	Store     Store
	Auth      Auth
	RateLimit RateLimit
	NATS      NATS
	Routes    Routes
	Timeouts  Timeouts
	AccessLog AccessLogConfig
	CORS      CORS
	Admin     Admin
	Log       Log
}

// Default is the configuration used when no file is given.
func Default() *Config {
	// per client: 10 registrations per 60s, 2 listings per 4s, 5 reloads per 60s
	register := ratelimit.PerWindow(10, 60)
	list := ratelimit.PerWindow(2, 4)
	reload := ratelimit.PerWindow(5, 60)
	return &Config{
		Listen:    ":8500",
		Store:     Store{Driver: StoreMemory},
		RateLimit: RateLimit{Backend: CountersMemory, Bucket: "gateway_ratelimit"},
		Routes:    Routes{ReloadOnRegister: true},
		Timeouts: Timeouts{
			Read:     30 * time.Second,
			Write:    60 * time.Second,
			Upstream: 30 * time.Second,
		},
		AccessLog: AccessLogConfig{Enabled: true, Sampling: 1.0},
		CORS:      CORS{AllowedOrigins: []string{"*"}},
		Admin: Admin{
			RegisterRPS: register.RequestsPerSecond, RegisterBurst: register.Burst,
			ListRPS: list.RequestsPerSecond, ListBurst: list.Burst,
			ReloadRPS: reload.RequestsPerSecond, ReloadBurst: reload.Burst,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path (optional: empty path or a missing file yields the
// defaults), loads .env if present, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	// a missing .env is normal
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var rc rawConfig
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(b, &rc); err != nil {
				return nil, fmt.Errorf("yaml: %w", err)
			}
		}
	}
	applyEnv(&rc, os.LookupEnv)
	return build(&rc)
}

// Parse builds a Config from YAML bytes without touching the environment.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return build(&rc)
}

func applyEnv(rc *rawConfig, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("GATEWAY_LISTEN", &rc.Listen)
	set("STORE_DRIVER", &rc.Store.Driver)
	set("STORE_DSN", &rc.Store.DSN)
	set("JWT_SECRET", &rc.Auth.JWTSecret)
	set("NATS_URL", &rc.NATS.URL)
	set("RATE_LIMIT_BACKEND", &rc.RateLimit.Backend)
	set("LOG_LEVEL", &rc.Log.Level)
	set("LOG_FORMAT", &rc.Log.Format)
}

func build(rc *rawConfig) (*Config, error) {
	c := Default()

	if v := strings.TrimSpace(rc.Listen); v != "" {
		c.Listen = v
	}

	// store
	if v := strings.ToLower(strings.TrimSpace(rc.Store.Driver)); v != "" {
		c.Store.Driver = v
	}
	c.Store.DSN = strings.TrimSpace(rc.Store.DSN)
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StoreMySQL:
		if c.Store.DSN == "" {
			return nil, fmt.Errorf("store.dsn: required for driver %q", c.Store.Driver)
		}
	default:
		return nil, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}

	// auth
	c.Auth = Auth{
		JWTSecret:          rc.Auth.JWTSecret,
		Issuer:             strings.TrimSpace(rc.Auth.Issuer),
		RequireKnownWallet: rc.Auth.RequireKnownWallet,
	}

	// nats
	c.NATS = NATS{
		URL:         strings.TrimSpace(rc.NATS.URL),
		Name:        strings.TrimSpace(rc.NATS.Name),
		AuthStream:  strings.TrimSpace(rc.NATS.AuthStream),
		AuthSubject: strings.TrimSpace(rc.NATS.AuthSubject),
		Durable:     strings.TrimSpace(rc.NATS.Durable),
	}
	if c.NATS.URL != "" {
		u, err := url.Parse(c.NATS.URL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("nats.url: must be a URL with host, got %q", c.NATS.URL)
		}
	}
	if c.Auth.RequireKnownWallet && c.NATS.URL == "" {
		return nil, fmt.Errorf("auth.require_known_wallet: needs nats.url to learn wallets")
	}

	// rate limit
	if v := strings.ToLower(strings.TrimSpace(rc.RateLimit.Backend)); v != "" {
		c.RateLimit.Backend = v
	}
	if v := strings.TrimSpace(rc.RateLimit.Bucket); v != "" {
		c.RateLimit.Bucket = v
	}
	switch c.RateLimit.Backend {
	case CountersMemory:
	case CountersNATS:
		if c.NATS.URL == "" {
			return nil, fmt.Errorf("rate_limit.backend: %q needs nats.url", CountersNATS)
		}
	default:
		return nil, fmt.Errorf("rate_limit.backend: unknown backend %q", c.RateLimit.Backend)
	}

	// routes
	if rc.Routes.ReloadInterval != "" {
		d, err := time.ParseDuration(rc.Routes.ReloadInterval)
		if err != nil {
			return nil, fmt.Errorf("routes.reload_interval: %v", err)
		}
		if d < 0 {
			return nil, fmt.Errorf("routes.reload_interval: must not be negative")
		}
		c.Routes.ReloadInterval = d
	}
	if rc.Routes.ReloadOnRegister != nil {
		c.Routes.ReloadOnRegister = *rc.Routes.ReloadOnRegister
	}

	// timeouts
	for _, t := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"read", rc.Timeouts.Read, &c.Timeouts.Read},
		{"write", rc.Timeouts.Write, &c.Timeouts.Write},
		{"upstream", rc.Timeouts.Upstream, &c.Timeouts.Upstream},
	} {
		if t.raw == "" {
			continue
		}
		d, err := time.ParseDuration(t.raw)
		if err != nil {
			return nil, fmt.Errorf("timeouts.%s: %v", t.name, err)
		}
		*t.dst = d
	}

	// access log
	if rc.AccessLog.Enabled != nil {
		c.AccessLog.Enabled = *rc.AccessLog.Enabled
	}
	c.AccessLog.Path = strings.TrimSpace(rc.AccessLog.Path)
	if rc.AccessLog.Sampling != nil {
		s := *rc.AccessLog.Sampling
		if s < 0 || s > 1 {
			return nil, fmt.Errorf("access_log.sampling: must be within [0, 1], got %v", s)
		}
		c.AccessLog.Sampling = s
	}
	for i, f := range rc.AccessLog.Fields {
		f = strings.TrimSpace(f)
		if _, ok := accessLogFields[f]; !ok {
			return nil, fmt.Errorf("access_log.fields[%d]: unknown field %q", i, f)
		}
		c.AccessLog.Fields = append(c.AccessLog.Fields, f)
	}

	// cors
	if len(rc.CORS.AllowedOrigins) > 0 {
		c.CORS.AllowedOrigins = nil
		for _, o := range rc.CORS.AllowedOrigins {
			if o = strings.TrimSpace(o); o != "" {
				c.CORS.AllowedOrigins = append(c.CORS.AllowedOrigins, o)
			}
		}
	}

	// admin
	if rc.Admin.RegisterRPS < 0 || rc.Admin.ListRPS < 0 || rc.Admin.ReloadRPS < 0 ||
		rc.Admin.RegisterBurst < 0 || rc.Admin.ListBurst < 0 || rc.Admin.ReloadBurst < 0 {
		return nil, fmt.Errorf("admin: rates and bursts must not be negative")
	}
	if rc.Admin.RegisterRPS > 0 {
		c.Admin.RegisterRPS = rc.Admin.RegisterRPS
	}
	if rc.Admin.RegisterBurst > 0 {
		c.Admin.RegisterBurst = rc.Admin.RegisterBurst
	}
	if rc.Admin.ListRPS > 0 {
		c.Admin.ListRPS = rc.Admin.ListRPS
	}
	if rc.Admin.ListBurst > 0 {
		c.Admin.ListBurst = rc.Admin.ListBurst
	}
	if rc.Admin.ReloadRPS > 0 {
		c.Admin.ReloadRPS = rc.Admin.ReloadRPS
	}
	if rc.Admin.ReloadBurst > 0 {
		c.Admin.ReloadBurst = rc.Admin.ReloadBurst
	}

	// log
	if v := strings.ToLower(strings.TrimSpace(rc.Log.Level)); v != "" {
		c.Log.Level = v
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	if v := strings.ToLower(strings.TrimSpace(rc.Log.Format)); v != "" {
		c.Log.Format = v
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}

	return c, nil
}

var accessLogFields = map[string]struct{}{
	"time": {}, "method": {}, "path": {}, "protocol": {}, "status": {},
	"duration_ms": {}, "remote_ip": {}, "user_agent": {}, "referer": {},
	"service": {}, "route": {}, "upstream": {}, "caller": {}, "request_id": {},
	"bytes_written": {},
}

// Redacted renders c for display with secrets masked.
func (c *Config) Redacted() string {
	secret := ""
	if c.Auth.JWTSecret != "" {
		secret = "***"
	}
	dsn := c.Store.DSN
	if c.Store.Driver == StoreMySQL && dsn != "" {
		if at := strings.LastIndex(dsn, "@"); at >= 0 {
			dsn = "***" + dsn[at:]
		}
	}
	return fmt.Sprintf("listen=%s store=%s dsn=%q counters=%s nats=%q jwt_secret=%q reload=%s upstream_timeout=%s",
		c.Listen, c.Store.Driver, dsn, c.RateLimit.Backend, c.NATS.URL, secret,
		c.Routes.ReloadInterval, c.Timeouts.Upstream)
}
