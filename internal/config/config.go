package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the tunables of the distribution engine itself.
// Durations are YAML strings ("5s", "5m") parsed at engine construction.
type EngineConfig struct {
	FlushInterval   string   `yaml:"flush_interval"`
	ReapInterval    string   `yaml:"reap_interval"`
	MaxIdle         string   `yaml:"max_idle"`
	MaxConnections  int      `yaml:"max_connections"`
	BufferLimit     int      `yaml:"buffer_limit"`
	SnapshotTTL     string   `yaml:"snapshot_ttl"`
	RecomputeBudget string   `yaml:"recompute_budget"`
	CriticalMetrics []string `yaml:"critical_metrics"`
}

// FanoutConfig configures the cross-instance broadcast medium. An empty URL
// selects the in-process bus (single-instance deployment).
type FanoutConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// CacheConfig configures the snapshot cache store. An empty address selects
// the in-memory cache.
type CacheConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// ClickHouseConfig holds the connection settings for the analytics store
// backing snapshot recomputation.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ServerConfig holds the subscriber-facing HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration struct for the entire service.
type Config struct {
	Engine EngineConfig     `yaml:"engine"`
	Fanout FanoutConfig     `yaml:"fanout"`
	Cache  CacheConfig      `yaml:"cache"`
	Source ClickHouseConfig `yaml:"source"`
	Server ServerConfig     `yaml:"server"`
}

// Engine defaults.
const (
	DefaultFlushInterval   = 5 * time.Second
	DefaultReapInterval    = 60 * time.Second
	DefaultMaxIdle         = 5 * time.Minute
	DefaultMaxConnections  = 1000
	DefaultBufferLimit     = 1000
	DefaultSnapshotTTL     = 30 * time.Second
	DefaultRecomputeBudget = 2 * time.Second
	DefaultSubject         = "metrics.updates"
)

// DefaultCriticalMetrics are the metric types delivered on the immediate
// fast path, bypassing the flush window.
func DefaultCriticalMetrics() []string {
	return []string{"error_rate", "response_time", "active_scans"}
}

// LoadConfig reads the configuration from a YAML file and returns a Config
// struct with defaults applied.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.Normalize()
	return &cfg, nil
}

// Normalize fills zero-valued fields with engine defaults.
func (c *Config) Normalize() {
	if c.Engine.MaxConnections <= 0 {
		c.Engine.MaxConnections = DefaultMaxConnections
	}
	if c.Engine.BufferLimit <= 0 {
		c.Engine.BufferLimit = DefaultBufferLimit
	}
	if len(c.Engine.CriticalMetrics) == 0 {
		c.Engine.CriticalMetrics = DefaultCriticalMetrics()
	}
	if c.Fanout.Subject == "" {
		c.Fanout.Subject = DefaultSubject
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
}

// Duration parses a YAML duration string, falling back to def when the field
// was omitted. An invalid non-empty value is an error so misconfiguration
// fails at startup rather than silently running with a default.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}
