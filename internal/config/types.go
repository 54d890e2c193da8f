package config

import "time"

// Config is the daemon configuration. Durations are Go duration strings
// ("500ms", "5s", "1m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Engine   EngineConfig    `json:"engine"`
	Throttle ThrottleConfig  `json:"throttle"`
	Dedup    DedupConfig     `json:"dedup"`
	HTTP     HTTPConfig      `json:"http"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Admin    AdminConfig     `json:"admin"`
	Triggers []TriggerConfig `json:"triggers,omitempty" validate:"dive"`
	// Timezone is the IANA zone used by cron triggers. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// EngineConfig sizes the worker pool and sets scheduling defaults.
//
// Defaults: workers 4, default_retries 0, default_priority 0.
type EngineConfig struct {
	Workers         int     `json:"workers,omitempty" validate:"gte=0,lte=1024"`
	DefaultRetries  int     `json:"default_retries,omitempty" validate:"gte=0"`
	DefaultPriority float64 `json:"default_priority,omitempty"`
}

const DefaultWorkers = 4

func (c EngineConfig) WorkerCount() int {
	if c.Workers <= 0 {
		return DefaultWorkers
	}
	return c.Workers
}

// ThrottleConfig controls pool-wide backpressure on rate-limit signals.
type ThrottleConfig struct {
	Enabled bool `json:"enabled"`
	// WakeInterval spaces worker resumptions after a window ends. Default "5s".
	WakeInterval string `json:"wake_interval,omitempty"`
	// MaxWindow caps a signalled window. Empty means no cap.
	MaxWindow string `json:"max_window,omitempty"`
}

func (c ThrottleConfig) Durations() (wake, maxWindow time.Duration) {
	wake, _ = ParseDurationOrDefault("throttle.wake_interval", c.WakeInterval, 5*time.Second)
	maxWindow, _ = ParseDurationField("throttle.max_window", c.MaxWindow)
	return wake, maxWindow
}

// DedupConfig bounds the cache that maps dedup keys to live tasks.
type DedupConfig struct {
	Enabled    bool   `json:"enabled"`
	MaxEntries int    `json:"max_entries,omitempty" validate:"gte=0"`
	MaxAge     string `json:"max_age,omitempty"`
}

func (c DedupConfig) MaxAgeDuration() time.Duration {
	d, _ := ParseDurationOrDefault("dedup.max_age", c.MaxAge, 5*time.Minute)
	return d
}

// HTTPConfig configures the HTTP task client.
type HTTPConfig struct {
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int     `json:"burst,omitempty" validate:"gte=0"`
}

func (c HTTPConfig) TimeoutDuration() time.Duration {
	d, _ := ParseDurationOrDefault("http.timeout", c.Timeout, 30*time.Second)
	return d
}

// StorageConfig selects the history backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/history.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3 postgres postgresql pgx"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AdminConfig controls the HTTP admin API.
//
// Security note: bind to loopback or set jwt_secret; requests then need an
// HS256 bearer token signed with it.
type AdminConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	JWTSecret   string `json:"jwt_secret,omitempty" validate:"omitempty,min=32"`
	ReadTimeout string `json:"read_timeout,omitempty"`
	// Pprof serves runtime profiles under /debug/pprof.
	Pprof bool `json:"pprof,omitempty"`
}

const DefaultAdminAddr = "127.0.0.1:8080"

func (c AdminConfig) Address() string {
	if c.Addr == "" {
		return DefaultAdminAddr
	}
	return c.Addr
}

// TriggerConfig is a periodic HTTP task.
type TriggerConfig struct {
	Name     string            `json:"name" validate:"required"`
	Schedule string            `json:"schedule" validate:"required"`
	Method   string            `json:"method,omitempty" validate:"omitempty,oneof=GET HEAD POST PUT PATCH DELETE get head post put patch delete"`
	URL      string            `json:"url" validate:"required,url"`
	Header   map[string]string `json:"header,omitempty"`
	Body     string            `json:"body,omitempty"`
	Priority *float64          `json:"priority,omitempty"`
	Retries  *int              `json:"retries,omitempty" validate:"omitempty,gte=0"`
	DedupKey string            `json:"dedup_key,omitempty"`
}
