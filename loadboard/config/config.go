package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all configuration for a load board node
type Config struct {
	// Node identity, carried on ledger confirmations
	NodeID string

	// Server Configuration
	HTTPPort    string
	CORSOrigins []string

	// Database Configuration
	DatabaseDriver string // postgres or sqlite
	DatabaseHost   string
	DatabasePort   string
	DatabaseUser   string
	DatabasePass   string
	DatabaseName   string // file path when the driver is sqlite

	// Ledger Configuration, empty disables rate confirmations
	LedgerEndpoint string // e.g., "http://localhost:5000"

	// Notifications, empty address logs events instead
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	// Negotiation behaviour
	NegotiationTTL      time.Duration
	ExpirySweepInterval time.Duration // 0 disables the sweeper

	LogLevel string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("NODE_ID", "loadboard-1")
	v.SetDefault("HTTP_PORT", "6000")
	v.SetDefault("CORS_ORIGINS", "*")

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5433")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASS", "postgrespassword")
	v.SetDefault("DB_NAME", "loadboard_db")

	v.SetDefault("LEDGER_ENDPOINT", "http://localhost:5000")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_CHANNEL", "negotiations")

	v.SetDefault("NEGOTIATION_TTL", "24h")
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", "1m")

	v.SetDefault("LOG_LEVEL", "info")
}

// LoadConfig loads configuration from environment variables, an optional
// config file, and defaults, in that order of precedence.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		NodeID: v.GetString("NODE_ID"),

		HTTPPort:    v.GetString("HTTP_PORT"),
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),

		DatabaseDriver: strings.ToLower(v.GetString("DB_DRIVER")),
		DatabaseHost:   v.GetString("DB_HOST"),
		DatabasePort:   v.GetString("DB_PORT"),
		DatabaseUser:   v.GetString("DB_USER"),
		DatabasePass:   v.GetString("DB_PASS"),
		DatabaseName:   v.GetString("DB_NAME"),

		LedgerEndpoint: v.GetString("LEDGER_ENDPOINT"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		RedisChannel:  v.GetString("REDIS_CHANNEL"),

		NegotiationTTL:      v.GetDuration("NEGOTIATION_TTL"),
		ExpirySweepInterval: v.GetDuration("EXPIRY_SWEEP_INTERVAL"),

		LogLevel: v.GetString("LOG_LEVEL"),
	}

	return cfg, nil
}

// GetDSN returns the connection string for the configured driver
func (c *Config) GetDSN() string {
	if c.DatabaseDriver == "sqlite" {
		return c.DatabaseName
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseUser,
		c.DatabasePass,
		c.DatabaseName,
	)
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("NODE_ID is required")
	}
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT is required")
	}
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite" {
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	if c.DatabaseName == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	if c.NegotiationTTL <= 0 {
		return fmt.Errorf("NEGOTIATION_TTL must be positive")
	}
	if c.ExpirySweepInterval < 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL cannot be negative")
	}
	if c.RedisAddr != "" && c.RedisChannel == "" {
		return fmt.Errorf("REDIS_CHANNEL is required when REDIS_ADDR is set")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
