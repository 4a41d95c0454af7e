package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "6000", cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 24*time.Hour, cfg.NegotiationTTL)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, "host=localhost port=5433 user=postgres password=postgrespassword dbname=loadboard_db sslmode=disable", cfg.GetDSN())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "7100")
	t.Setenv("NEGOTIATION_TTL", "90m")
	t.Setenv("CORS_ORIGINS", "https://board.example, https://ops.example")
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("DB_NAME", "/tmp/board.db")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "7100", cfg.HTTPPort)
	assert.Equal(t, 90*time.Minute, cfg.NegotiationTTL)
	assert.Equal(t, []string{"https://board.example", "https://ops.example"}, cfg.CORSOrigins)
	assert.Equal(t, "/tmp/board.db", cfg.GetDSN())
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loadboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: \"6100\"\nredis_addr: localhost:6379\nexpiry_sweep_interval: 30s\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "6100", cfg.HTTPPort)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.ExpirySweepInterval)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }},
		{"zero ttl", func(c *Config) { c.NegotiationTTL = 0 }},
		{"negative sweep", func(c *Config) { c.ExpirySweepInterval = -time.Second }},
		{"redis without channel", func(c *Config) { c.RedisAddr = "localhost:6379"; c.RedisChannel = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"no port", func(c *Config) { c.HTTPPort = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
