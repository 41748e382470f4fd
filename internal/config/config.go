package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aridsondez/visqueue/internal/queue"
)

// BackendKind selects the queue store.
type BackendKind string

const (
	BackendMemory   BackendKind = "memory"
	BackendPostgres BackendKind = "postgres"
	BackendRedis    BackendKind = "redis"
)

// IsValid returns true if the backend kind is known.
func (k BackendKind) IsValid() bool {
	return k == BackendMemory || k == BackendPostgres || k == BackendRedis
}

// Config holds all configuration. Values come from defaults, then the
// optional YAML file, then environment variables.
type Config struct {
	Port                int           `yaml:"port"`
	Backend             BackendKind   `yaml:"backend"`
	DatabaseURL         string        `yaml:"database_url"`
	Redis               RedisConfig   `yaml:"redis"`
	VisibilityTimeout   time.Duration `yaml:"visibility_timeout"`
	ReceiveMax          int           `yaml:"receive_max"`
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	LogLevel            string        `yaml:"log_level"`
	LogFormat           string        `yaml:"log_format"`
	DBConnectionTimeout time.Duration `yaml:"db_connection_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

func defaults() *Config {
	return &Config{
		Port:    8080,
		Backend: BackendMemory,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "visqueue",
		},
		VisibilityTimeout:   30 * time.Second,
		ReceiveMax:          10,
		MonitorInterval:     15 * time.Second,
		RequestTimeout:      5 * time.Second,
		LogLevel:            "info",
		LogFormat:           "text",
		DBConnectionTimeout: 5 * time.Second,
	}
}

// helper: read env var as a duration; bare integers are seconds
func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultVal
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

// LoadConfig builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.Port = getEnvAsInt("PORT", cfg.Port)
	cfg.Backend = BackendKind(getEnv("BACKEND", string(cfg.Backend)))
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.VisibilityTimeout = getEnvAsDuration("VISIBILITY_TIMEOUT", cfg.VisibilityTimeout)
	cfg.ReceiveMax = getEnvAsInt("RECEIVE_MAX", cfg.ReceiveMax)
	cfg.MonitorInterval = getEnvAsDuration("MONITOR_INTERVAL", cfg.MonitorInterval)
	cfg.RequestTimeout = getEnvAsDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.DBConnectionTimeout = getEnvAsDuration("DB_CONNECTION_TIMEOUT", cfg.DBConnectionTimeout)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if !c.Backend.IsValid() {
		return fmt.Errorf("invalid BACKEND: %q", c.Backend)
	}
	if c.Backend == BackendPostgres && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for the postgres backend")
	}
	if c.Backend == BackendRedis && c.Redis.Addr == "" {
		return errors.New("REDIS_ADDR is required for the redis backend")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.ReceiveMax <= 0 || c.ReceiveMax > queue.MaxLeaseCount {
		return fmt.Errorf("invalid RECEIVE_MAX: %d", c.ReceiveMax)
	}
	if err := queue.ValidateVisibility(c.VisibilityTimeout); err != nil {
		return fmt.Errorf("invalid VISIBILITY_TIMEOUT: %w", err)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("invalid MONITOR_INTERVAL: %s", c.MonitorInterval)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
