package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration. Values come from an optional
// YAML file, with environment variables taking precedence.
type Config struct {
	Addr string `yaml:"addr"`

	Database struct {
		Driver string `yaml:"driver"` // "sqlite" or "postgres"
		DSN    string `yaml:"dsn"`    // sqlite file path; ignored for postgres
	} `yaml:"database"`

	Race struct {
		DurationSec          int `yaml:"duration_sec"`
		DeveloperDurationSec int `yaml:"developer_duration_sec"`
	} `yaml:"race"`

	DeveloperMode bool `yaml:"-"`
}

// DatabaseConfig holds Postgres connection settings read from DB_* env.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	config := &Config{}
	config.Addr = ":3000"
	config.Database.Driver = "sqlite"
	config.Database.DSN = "racetrack.db"
	config.Race.DurationSec = 600
	config.Race.DeveloperDurationSec = 60

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.Addr = getEnv("ADDR", config.Addr)
	config.Database.Driver = getEnv("DB_DRIVER", config.Database.Driver)
	config.Database.DSN = getEnv("DB_DSN", config.Database.DSN)
	config.Race.DurationSec = getEnvAsInt("RACE_DURATION_SEC", config.Race.DurationSec)
	config.Race.DeveloperDurationSec = getEnvAsInt("DEVELOPER_DURATION_SEC", config.Race.DeveloperDurationSec)
	config.DeveloperMode = getEnv("DEVELOPER", "") == "true"

	return config, nil
}

// RaceDuration returns the configured full race length.
func (c *Config) RaceDuration() time.Duration {
	return time.Duration(c.Race.DurationSec) * time.Second
}

// DeveloperDuration returns the shortened race length for developer mode.
func (c *Config) DeveloperDuration() time.Duration {
	return time.Duration(c.Race.DeveloperDurationSec) * time.Second
}
