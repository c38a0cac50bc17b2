// Package sql defines the connection configuration shared by the concrete
// GORM-backed adapters (postgres, sqlite) used by the outbox and inbox
// stores.
package sql

import (
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/database"
)

// Config configures a SQL connection. Not every field applies to every
// driver: SQLite only uses Name (as a filesystem path) and MaxOpenConns.
type Config struct {
	Driver database.Driver `env:"DB_DRIVER" env-default:"sqlite"`

	Host     string `env:"DB_HOST"`
	Port     string `env:"DB_PORT"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME" env-default:"reliable_bus.db"`
	SSLMode  string `env:"DB_SSLMODE" env-default:"disable"`

	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" env-default:"20"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"30m"`
}

// SQL is the capability a concrete adapter provides.
type SQL interface {
	database.DB
}
