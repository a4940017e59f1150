// Package config loads the control plane configuration.
//
// Values come from, in order of precedence: environment variables, the YAML
// file given with --config (environment references inside it are expanded),
// and the defaults below.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/itskum47/FleetForge/control_plane/deployment"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// NodeID identifies this replica in lock owners and leader election.
	NodeID string `yaml:"node_id"`

	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	Deployment  DeploymentConfig  `yaml:"deployment"`
	Events      EventsConfig      `yaml:"events"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// DeviceRateLimit is the sustained rate of device polls and feedback
	// per second, shared by all devices.
	DeviceRateLimit float64  `yaml:"device_rate_limit"`
	DeviceBurst     int      `yaml:"device_burst"`
	CORSOrigins     []string `yaml:"cors_origins"`
}

type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend         string        `yaml:"backend"`
	DatabaseURL     string        `yaml:"database_url"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type DeploymentConfig struct {
	deployment.Config `yaml:",inline"`

	// LockBackend is "local" or "redis".
	LockBackend string        `yaml:"lock_backend"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
	LockMaxWait time.Duration `yaml:"lock_max_wait"`
}

type EventsConfig struct {
	// Redis also publishes events on Redis Pub/Sub for other replicas.
	Redis bool `yaml:"redis"`
}

type IdempotencyConfig struct {
	// Backend is "memory" or "redis".
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

type MetricsConfig struct {
	CollectInterval time.Duration `yaml:"collect_interval"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	// OverdueAfter is how long a target may stay silent before it counts
	// as overdue. Zero disables the gauge.
	OverdueAfter time.Duration `yaml:"overdue_after"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a single node, in-memory configuration.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "fleetforge"
	}
	return &Config{
		NodeID: hostname,
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			ShutdownTimeout: 15 * time.Second,
			DeviceRateLimit: 1000,
			DeviceBurst:     2000,
			CORSOrigins:     []string{"http://localhost:3000"},
		},
		Storage: StorageConfig{
			Backend:         "memory",
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
		},
		Deployment: DeploymentConfig{
			Config:      deployment.DefaultConfig(),
			LockBackend: "local",
			LockTTL:     10 * time.Second,
			LockMaxWait: 5 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Backend: "memory",
			TTL:     time.Hour,
		},
		Metrics: MetricsConfig{
			CollectInterval: 30 * time.Second,
			LeaseTTL:        15 * time.Second,
			OverdueAfter:    24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("FLEETFORGE_NODE_ID", &c.NodeID)
	str("FLEETFORGE_HTTP_ADDR", &c.Server.HTTPAddr)
	str("FLEETFORGE_STORAGE_BACKEND", &c.Storage.Backend)
	str("DATABASE_URL", &c.Storage.DatabaseURL)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("FLEETFORGE_LOCK_BACKEND", &c.Deployment.LockBackend)
	str("FLEETFORGE_IDEMPOTENCY_BACKEND", &c.Idempotency.Backend)
	str("FLEETFORGE_LOG_LEVEL", &c.Logging.Level)
	str("FLEETFORGE_LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup("FLEETFORGE_CHUNK_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLEETFORGE_CHUNK_SIZE: %w", err)
		}
		c.Deployment.ChunkSize = n
	}
	if v, ok := lookup("FLEETFORGE_DEVICE_RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("FLEETFORGE_DEVICE_RATE_LIMIT: %w", err)
		}
		c.Server.DeviceRateLimit = f
	}
	if v, ok := lookup("FLEETFORGE_EVENTS_REDIS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FLEETFORGE_EVENTS_REDIS: %w", err)
		}
		c.Events.Redis = b
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if c.Server.DeviceRateLimit <= 0 || c.Server.DeviceBurst <= 0 {
		errs = append(errs, errors.New("server.device_rate_limit and server.device_burst must be positive"))
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url (or DATABASE_URL) is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: want memory or postgres", c.Storage.Backend))
	}

	switch c.Deployment.LockBackend {
	case "local":
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("deployment.lock_backend redis needs redis.addr"))
		}
		if c.Deployment.LockTTL <= 0 {
			errs = append(errs, errors.New("deployment.lock_ttl must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("deployment.lock_backend %q: want local or redis", c.Deployment.LockBackend))
	}
	if c.Deployment.ChunkSize < 0 || c.Deployment.AssignWorkers < 0 {
		errs = append(errs, errors.New("deployment.chunk_size and deployment.assign_workers must not be negative"))
	}

	switch c.Idempotency.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("idempotency.backend redis needs redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("idempotency.backend %q: want memory or redis", c.Idempotency.Backend))
	}
	if c.Events.Redis && !c.Redis.Enabled() {
		errs = append(errs, errors.New("events.redis needs redis.addr"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want text or json", c.Logging.Format))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level %q: %w", level, err)
	}
	return l, nil
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := parseLevel(c.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(c.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("node_id", c.NodeID)
}
