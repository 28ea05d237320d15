package main

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// setupDatabase opens the configured store. SQLite is the embedded
// single-binary deployment (one file next to the server); Postgres serves
// hosted installs and reads connection settings from DB_* env.
func setupDatabase(config *Config) (*sql.DB, error) {
	switch config.Database.Driver {
	case "sqlite":
		database, err := sql.Open("sqlite", config.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// A single writer keeps SQLite happy; reads multiplex fine.
		database.SetMaxOpenConns(1)
		if err := database.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
		}
		log.Printf("Connected to sqlite database: %s", config.Database.DSN)
		return database, nil

	case "postgres":
		dbConfig := DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Database: getEnv("DB_NAME", "racetrack"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		}

		database, err := sql.Open("postgres", dbConfig.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to create database connection: %w", err)
		}
		if err := database.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		log.Printf("Connected to database: %s@%s:%d/%s", dbConfig.User, dbConfig.Host, dbConfig.Port, dbConfig.Database)
		return database, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", config.Database.Driver)
	}
}
