package config

import "time"

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
)

// Rate-limit counter backends.
const (
	CountersMemory = "memory"
	CountersNATS   = "nats"
)

type Store struct {
	Driver string // memory | sqlite | mysql
	DSN    string
}

type Auth struct {
	JWTSecret          string
	Issuer             string
	RequireKnownWallet bool
}

type RateLimit struct {
	Backend string // memory | nats
	Bucket  string // NATS KV bucket for counters
}

// NATS is optional; an empty URL disables the auth consumer and NATS counters.
type NATS struct {
	URL         string
	Name        string
	AuthStream  string
	AuthSubject string
	Durable     string
}

type Routes struct {
	// ReloadInterval > 0 recompiles from the store periodically so gateways sharing
	// one store converge.
	ReloadInterval   time.Duration
	ReloadOnRegister bool
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Upstream time.Duration
}

type AccessLogConfig struct {
	Enabled  bool
	Path     string   // empty or "stdout" => stdout
	Sampling float64  // 0..1, 1 logs everything
	Fields   []string // empty => all fields
}

type CORS struct {
	AllowedOrigins []string // "*" allows any
}

// Admin throttles the registration, listing and reload endpoints per client.
type Admin struct {
	RegisterRPS   float64
	RegisterBurst int
	ListRPS       float64
	ListBurst     int
	ReloadRPS     float64
	ReloadBurst   int
}

type Log struct {
	Level  string // debug | info | warn | error
	Format string // text | json
}
