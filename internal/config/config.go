package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aman-churiwal/event-gate/internal/quota"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Quota    QuotaConfig    `yaml:"quota"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Sink     SinkConfig     `yaml:"sink"`
	Logger   LoggerConfig   `yaml:"logger"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	Environment     string        `yaml:"environment"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
	MaxBatchEvents  int           `yaml:"maxBatchEvents"`

	// Per client IP, admin routes only
	AdminRatePerSecond float64 `yaml:"adminRatePerSecond"`
	AdminBurst         int     `yaml:"adminBurst"`
}

type QuotaConfig struct {
	// Backend is "memory" (single instance) or "redis" (shared between instances)
	Backend         string        `yaml:"backend"`
	MaxCustomEvents int64         `yaml:"maxCustomEvents"`
	MaxBytes        int64         `yaml:"maxBytes"`
	Window          time.Duration `yaml:"window"`
	WindowMode      string        `yaml:"windowMode"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	KeyPrefix       string        `yaml:"keyPrefix"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	// Decision audit log is disabled when DSN is empty
	DSN           string `yaml:"dsn"`
	AutoMigrate   bool   `yaml:"autoMigrate"`
	BufferSize    int    `yaml:"bufferSize"`
	RetentionDays int    `yaml:"retentionDays"`
}

type SinkConfig struct {
	// Type is "log" or "http"
	Type           string               `yaml:"type"`
	Targets        []string             `yaml:"targets"`
	Path           string               `yaml:"path"`
	Strategy       string               `yaml:"strategy"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck"`
}

type CircuitBreakerConfig struct {
	MaxFailures     int           `yaml:"maxFailures"`
	Timeout         time.Duration `yaml:"timeout"`
	HalfOpenSuccess int           `yaml:"halfOpenSuccess"`
}

type HealthCheckConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"maxFailures"`
}

type LoggerConfig struct {
	// debug, info, warn, error
	Level       string `yaml:"level"`
	ServiceName string `yaml:"serviceName"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Environment:     "development",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			MaxBodyBytes:    64 << 20,
			MaxBatchEvents:  10000,

			AdminRatePerSecond: 10,
			AdminBurst:         20,
		},
		Quota: QuotaConfig{
			Backend:         "memory",
			MaxCustomEvents: quota.DefaultMaxCustomEvents,
			MaxBytes:        quota.DefaultMaxBytes,
			Window:          quota.DefaultWindow,
			WindowMode:      string(quota.ModeRolling),
			SweepInterval:   time.Minute,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Database: DatabaseConfig{
			AutoMigrate:   true,
			BufferSize:    1000,
			RetentionDays: 30,
		},
		Sink: SinkConfig{
			Type:     "log",
			Path:     "/ingest",
			Strategy: "round_robin",
			Timeout:  10 * time.Second,
		},
		Logger: LoggerConfig{
			Level:       "info",
			ServiceName: "event-gate",
		},
	}
}

// Load reads the YAML file at path on top of the defaults and applies GATE_* environment
// overrides. An empty path means defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (r RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (q QuotaConfig) Limits() quota.Limits {
	return quota.Limits{
		MaxCustomEvents: q.MaxCustomEvents,
		MaxBytes:        q.MaxBytes,
		Window:          q.Window,
		Mode:            quota.WindowMode(q.WindowMode),
	}
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	int64v := func(key string, dst *int64) error {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}

	str("GATE_PORT", &c.Server.Port)
	str("GATE_ENVIRONMENT", &c.Server.Environment)
	str("GATE_QUOTA_BACKEND", &c.Quota.Backend)
	str("GATE_REDIS_HOST", &c.Redis.Host)
	str("GATE_REDIS_PASSWORD", &c.Redis.Password)
	str("GATE_DATABASE_DSN", &c.Database.DSN)
	str("GATE_SINK_TYPE", &c.Sink.Type)
	str("GATE_LOG_LEVEL", &c.Logger.Level)

	if v, ok := os.LookupEnv("GATE_SINK_TARGETS"); ok {
		c.Sink.Targets = splitList(v)
	}

	if err := integer("GATE_REDIS_PORT", &c.Redis.Port); err != nil {
		return err
	}
	if err := integer("GATE_REDIS_DB", &c.Redis.DB); err != nil {
		return err
	}
	if err := int64v("GATE_QUOTA_MAX_CUSTOM_EVENTS", &c.Quota.MaxCustomEvents); err != nil {
		return err
	}
	return int64v("GATE_QUOTA_MAX_BYTES", &c.Quota.MaxBytes)
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MaxBatchEvents <= 0 {
		return fmt.Errorf("server maxBatchEvents must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server maxBodyBytes must be positive")
	}
	if c.Server.AdminRatePerSecond <= 0 || c.Server.AdminBurst <= 0 {
		return fmt.Errorf("server admin rate and burst must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdownTimeout must be positive")
	}

	switch c.Quota.Backend {
	case "memory", "redis":
		// OK
	default:
		return fmt.Errorf("unsupported quota backend: %s", c.Quota.Backend)
	}

	if err := c.Quota.Limits().Validate(); err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	if c.Quota.SweepInterval <= 0 {
		return fmt.Errorf("quota sweepInterval must be positive")
	}

	switch c.Sink.Type {
	case "log":
		// OK
	case "http":
		if len(c.Sink.Targets) == 0 {
			return fmt.Errorf("http sink requires at least one target")
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", c.Sink.Type)
	}

	switch c.Logger.Level {
	case "debug", "info", "warn", "error":
		// OK
	default:
		return fmt.Errorf("unsupported log level: %s", c.Logger.Level)
	}

	if c.Logger.ServiceName == "" {
		return fmt.Errorf("logger service name is required")
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
