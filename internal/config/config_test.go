package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "visqueue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, 30*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 10, cfg.ReceiveMax)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := writeFile(t, `
port: 9090
backend: redis
visibility_timeout: 5s
monitor_interval: 1m
redis:
  addr: cache:6379
  db: 2
  key_prefix: demo
log_format: json
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, 5*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, time.Minute, cfg.MonitorInterval)
	assert.Equal(t, RedisConfig{Addr: "cache:6379", DB: 2, KeyPrefix: "demo"}, cfg.Redis)
	assert.Equal(t, "json", cfg.LogFormat)
	// untouched keys keep their defaults
	assert.Equal(t, 10, cfg.ReceiveMax)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "port: 9090\nvisibility_timeout: 5s\n")
	t.Setenv("PORT", "7070")
	t.Setenv("VISIBILITY_TIMEOUT", "12")
	t.Setenv("MONITOR_INTERVAL", "250ms")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, 12*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.MonitorInterval)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown backend":          {"BACKEND": "kafka"},
		"postgres without url":     {"BACKEND": "postgres"},
		"port out of range":        {"PORT": "70000"},
		"receive max above limit":  {"RECEIVE_MAX": "33"},
		"receive max zero":         {"RECEIVE_MAX": "0"},
		"visibility above a week":  {"VISIBILITY_TIMEOUT": "169h"},
		"monitor interval not set": {"MONITOR_INTERVAL": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig("")
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigPostgres(t *testing.T) {
	t.Setenv("BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/visqueue")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Backend)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoadConfigBadYAML(t *testing.T) {
	_, err := LoadConfig(writeFile(t, "port: [not a number"))
	assert.ErrorContains(t, err, "failed to parse config file")
}
