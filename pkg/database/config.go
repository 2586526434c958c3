package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds PostgreSQL connection and pool settings.
// Grounded on tarsy's pkg/database/config.go (LoadConfigFromEnv/Validate).
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv reads DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME/
// DB_SSLMODE/DB_MAX_OPEN_CONNS/DB_MAX_IDLE_CONNS/DB_CONN_MAX_LIFETIME/
// DB_CONN_MAX_IDLE_TIME, with the same defaults tarsy uses.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Host:            envOr("DB_HOST", "localhost"),
		Port:            envOrInt("DB_PORT", 5432),
		User:            envOr("DB_USER", "squadron"),
		Password:        envOr("DB_PASSWORD", ""),
		Database:        envOr("DB_NAME", "squadron"),
		SSLMode:         envOr("DB_SSLMODE", "disable"),
		MaxOpenConns:    envOrInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envOrInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envOrDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnMaxIdleTime: envOrDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
	}
	return cfg
}

// Validate checks that the configuration can plausibly open a connection.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database: host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database: name is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("database: port must be positive, got %d", c.Port)
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("database: max open conns must be positive, got %d", c.MaxOpenConns)
	}
	return nil
}

// DSN builds a libpq-style connection string from the config.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
