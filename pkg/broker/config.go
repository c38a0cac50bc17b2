package broker

import (
	"time"

	"github.com/chris-alexander-pop/reliable-bus/pkg/config"
	"github.com/chris-alexander-pop/reliable-bus/pkg/errors"
)

// Config is the environment-loadable configuration for the NATS adapter.
// Load it with config.Load[broker.Config](&cfg).
type Config struct {
	// NatsURLs is a comma-separated list of "nats://" or "tls://" URLs.
	NatsURLs string `env:"NATS_URLS" env-default:"nats://127.0.0.1:4222" validate:"required"`

	// Env and AppName are read from the same variables as bus.Config. The
	// NATS adapter uses AppName as its connection name and does not use
	// Env; subject prefixes are built by pkg/bus and pkg/topology.
	Env     string `env:"BUS_ENV" env-default:"development" validate:"required"`
	AppName string `env:"BUS_APP_NAME" validate:"required"`

	// ConnectTimeout and ConnectionPoolSize have no env-default, so a value
	// the environment leaves unset is filled in by ApplyPreset.
	ConnectTimeout        time.Duration `env:"NATS_CONNECT_TIMEOUT"`
	ConnectionPoolSize    int           `env:"NATS_CONNECTION_POOL_SIZE"`
	ConnectionPoolTimeout time.Duration `env:"NATS_CONNECTION_POOL_TIMEOUT" env-default:"5s"`

	// Auth is mutually prioritized: AuthToken, then AuthUser+AuthPassword,
	// then NkeysSeed, then UserCredentials. Empty fields are skipped.
	AuthToken       string `env:"NATS_AUTH_TOKEN"`
	AuthUser        string `env:"NATS_AUTH_USER"`
	AuthPassword    string `env:"NATS_AUTH_PASSWORD"`
	NkeysSeed       string `env:"NATS_NKEYS_SEED"`
	UserCredentials string `env:"NATS_USER_CREDENTIALS"`

	TLSCAFile   string `env:"NATS_TLS_CA_FILE"`
	TLSCertFile string `env:"NATS_TLS_CERT_FILE"`
	TLSKeyFile  string `env:"NATS_TLS_KEY_FILE"`
}

// Preset is a named bundle of smart defaults layered on top of Config.
type Preset string

const (
	PresetDevelopment Preset = "development"
	PresetProduction  Preset = "production"
	PresetTesting     Preset = "testing"
)

// LoadConfig reads Config from .env/environment variables via
// config.Load, then layers preset defaults onto whatever the environment
// left unset.
func LoadConfig(preset Preset) (Config, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to load broker config")
	}
	ApplyPreset(&cfg, preset)
	return cfg, nil
}

// ApplyPreset fills in zero-valued fields of cfg with preset-appropriate
// defaults. Explicit values already set on cfg are left untouched.
func ApplyPreset(cfg *Config, preset Preset) {
	switch preset {
	case PresetProduction:
		if cfg.ConnectionPoolSize == 0 {
			cfg.ConnectionPoolSize = 4
		}
		if cfg.ConnectTimeout == 0 {
			cfg.ConnectTimeout = 10 * time.Second
		}
	case PresetTesting:
		if cfg.ConnectTimeout == 0 {
			cfg.ConnectTimeout = 1 * time.Second
		}
	case PresetDevelopment:
		if cfg.ConnectTimeout == 0 {
			cfg.ConnectTimeout = 5 * time.Second
		}
	}
}
