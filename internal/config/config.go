package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const minPepperLength = 16

var (
	ErrMissingAuthPepper   = errors.New("LIBERVIA_AUTH_PEPPER is required")
	ErrShortAuthPepper     = errors.New("LIBERVIA_AUTH_PEPPER must be at least 16 characters")
	ErrMissingBackupPepper = errors.New("LIBERVIA_BACKUP_PEPPER is required")
	ErrShortBackupPepper   = errors.New("LIBERVIA_BACKUP_PEPPER must be at least 16 characters")
)

// Config holds the full gateway configuration. Values come from the
// environment; Load applies defaults first and overrides second so a partial
// environment still yields a runnable dev config.
type Config struct {
	Host         string
	Port         string
	BaseDir      string
	AuthPepper   string
	BackupPepper string
	AdminToken   string // legacy single global-admin token, optional
	CORSOrigins  []string
	LogLevel     string
	Env          string // dev | test | prod
	AdminUIDir   string // optional static files for /admin/ui
}

// DefaultConfig returns the baseline configuration before environment
// overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		Host:     "0.0.0.0",
		Port:     "8080",
		BaseDir:  "./data",
		LogLevel: "info",
		Env:      "dev",
	}
}

// Load builds the configuration from defaults plus environment variables.
// Validation is deferred to Validate so callers can apply further overrides
// (tests do this) before committing.
func Load() *Config {
	cfg := DefaultConfig()
	applyEnvironmentOverrides(cfg)
	return cfg
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("GATEWAY_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_UI_DIR"); v != "" {
		cfg.AdminUIDir = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	} else if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.Env = v
	}

	cfg.AuthPepper = os.Getenv("LIBERVIA_AUTH_PEPPER")
	cfg.BackupPepper = os.Getenv("LIBERVIA_BACKUP_PEPPER")

	// Comma-separated list, whitespace tolerated
	if origins := os.Getenv("GATEWAY_CORS_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		cfg.CORSOrigins = make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, trimmed)
			}
		}
	}
}

// Validate checks the invariants the process refuses to boot without. The
// auth pepper is mandatory everywhere; the backup pepper is mandatory because
// the backup engine is always wired.
func (c *Config) Validate() error {
	if c.AuthPepper == "" {
		return ErrMissingAuthPepper
	}
	if len(c.AuthPepper) < minPepperLength {
		return ErrShortAuthPepper
	}
	if c.BackupPepper == "" {
		return ErrMissingBackupPepper
	}
	if len(c.BackupPepper) < minPepperLength {
		return ErrShortBackupPepper
	}
	if c.BaseDir == "" {
		return fmt.Errorf("base directory must not be empty")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// IsDev reports whether the gateway runs with development defaults.
func (c *Config) IsDev() bool {
	return c.Env == "dev" || c.Env == "development"
}
