// Package config loads server configuration from WARDEN_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/text/language"

	"github.com/jmcleod/warden/credential"
)

// Storage backends.
const (
	StorageBolt     = "bbolt"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

const envPrefix = "WARDEN_"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the server configuration.
type Config struct {
	DataDir     string `env:"DATA_DIR" envDefault:"./data"`
	Storage     string `env:"STORAGE" envDefault:"bbolt"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	Port           int    `env:"PORT" envDefault:"8080"`
	TLSCert        string `env:"TLS_CERT"`
	TLSKey         string `env:"TLS_KEY"`
	TrustedProxies string `env:"TRUSTED_PROXIES"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// RememberTTL bounds remember-me tokens. Zero keeps them until logout.
	RememberTTL       time.Duration `env:"REMEMBER_TTL" envDefault:"0s"`
	ClientIdleTimeout time.Duration `env:"CLIENT_IDLE_TIMEOUT" envDefault:"24h"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`

	// Languages users may pick as their preferred language.
	Languages []string `env:"LANGUAGES" envDefault:"en,ar" envSeparator:","`

	Argon2 Argon2 `envPrefix:"ARGON2_"`
}

// Argon2 holds the password hashing cost.
type Argon2 struct {
	Time        uint32 `env:"TIME" envDefault:"1"`
	MemoryKiB   uint32 `env:"MEMORY_KIB" envDefault:"65536"`
	Parallelism uint8  `env:"PARALLELISM" envDefault:"4"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: envPrefix})
}

// LoadFrom reads the configuration from environ instead of the process
// environment. Keys carry the WARDEN_ prefix.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: envPrefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageBolt:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("%w: data dir is required for %s storage", ErrInvalid, c.Storage)
		}
	case StoragePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("%w: postgres dsn is required for postgres storage", ErrInvalid)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, c.Storage)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("%w: tls cert and key must be set together", ErrInvalid)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.LogFormat)
	}
	if c.RememberTTL < 0 || c.ClientIdleTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalid)
	}
	if _, err := c.LanguageTags(); err != nil {
		return err
	}
	return nil
}

// LanguageTags parses Languages. An empty list yields nil.
func (c Config) LanguageTags() ([]language.Tag, error) {
	var tags []language.Tag
	for _, l := range c.Languages {
		if strings.TrimSpace(l) == "" {
			continue
		}
		tag, err := language.Parse(strings.TrimSpace(l))
		if err != nil {
			return nil, fmt.Errorf("%w: language %q: %w", ErrInvalid, l, err)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// BoltPath is the database file used by the bbolt backend.
func (c Config) BoltPath() string {
	return filepath.Join(c.DataDir, "warden.db")
}

// CredentialParams converts the Argon2 settings for the credential service.
func (c Config) CredentialParams() credential.Params {
	p := credential.DefaultParams()
	p.Time = c.Argon2.Time
	p.MemoryKiB = c.Argon2.MemoryKiB
	p.Parallelism = c.Argon2.Parallelism
	return p
}
