package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Policy    PolicyConfig    `yaml:"policy"`
	Routing   RoutingConfig   `yaml:"routing"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// RateLimitConfig configures sliding-window admission control.
// Store selects where window state lives: "memory" for a single process,
// "redis" when multiple gateway processes must share quota.
type RateLimitConfig struct {
	Store         string                   `yaml:"store"`
	DefaultClass  string                   `yaml:"default_class"`
	SweepInterval time.Duration            `yaml:"sweep_interval"`
	Classes       map[string]IdentityClass `yaml:"classes"`
}

// IdentityClass is a named rate-limit tier assigned to API keys.
type IdentityClass struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type PolicyConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BundlePath        string        `yaml:"bundle_path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

type RoutingConfig struct {
	DefaultAlgorithm string               `yaml:"default_algorithm"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
	Probe            ProbeConfig          `yaml:"probe"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	BaseCooldown     time.Duration `yaml:"base_cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

// ProbeConfig controls active health probing of backend instances.
type ProbeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	HTTPPath string        `yaml:"http_path"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "chatvault",
			User:            "chatvault",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
		RateLimit: RateLimitConfig{
			Store:         "memory",
			DefaultClass:  "standard",
			SweepInterval: 5 * time.Minute,
			Classes: map[string]IdentityClass{
				"standard": {Limit: 60, Window: time.Minute},
			},
		},
		Policy: PolicyConfig{
			Enabled:           false,
			BundlePath:        "/etc/chatvault/policies",
			EvaluationTimeout: 100 * time.Millisecond,
		},
		Routing: RoutingConfig{
			DefaultAlgorithm: "round_robin",
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				FailureWindow:    30 * time.Second,
				BaseCooldown:     15 * time.Second,
				MaxCooldown:      5 * time.Minute,
			},
			Probe: ProbeConfig{
				Enabled:  true,
				Interval: 10 * time.Second,
				Timeout:  5 * time.Second,
				HTTPPath: "/health",
			},
		},
	}
}
