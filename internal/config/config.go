// Package config loads estated's configuration.
//
// Values come from, in increasing precedence: struct tag defaults, the
// process environment (optionally seeded from a .env file), a YAML file
// named by --config, and command line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheValkey = "valkey"
)

type Config struct {
	Addr string `env:"ESTATED_ADDR,default=:8080" yaml:"addr"`
	// PublicURL is the externally visible base URL. When set together with
	// Auth.Issuer, OAuth protected resource metadata is published.
	PublicURL string `env:"ESTATED_PUBLIC_URL" yaml:"publicUrl"`

	Log      LogConfig      `yaml:"log"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Cache    CacheConfig    `yaml:"cache"`
	Queue    QueueConfig    `yaml:"queue"`
	Sessions SessionsConfig `yaml:"sessions"`
	Profiles ProfilesConfig `yaml:"profiles"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info" yaml:"level"`
	Format string `env:"LOG_FORMAT,default=json" yaml:"format"` // json or text
}

// AuthConfig selects how bearer tokens are verified. Exactly one key
// source is used: HMACSecret, JWKSURL, or OIDC discovery on Issuer.
type AuthConfig struct {
	Issuer     string        `env:"AUTH_ISSUER" yaml:"issuer"`
	Audience   string        `env:"AUTH_AUDIENCE,default=estate-api" yaml:"audience"`
	JWKSURL    string        `env:"AUTH_JWKS_URL" yaml:"jwksUrl"`
	HMACSecret string        `env:"AUTH_HMAC_SECRET" yaml:"hmacSecret"`
	Scopes     []string      `env:"AUTH_SCOPES" yaml:"scopes"`
	Leeway     time.Duration `env:"AUTH_LEEWAY,default=60s" yaml:"leeway"`
}

// DatabaseConfig points at Postgres. An empty URL keeps conversations and
// notifications in memory.
type DatabaseConfig struct {
	URL      string `env:"DB_URL" yaml:"url"`
	MaxConns int32  `env:"DB_MAX_CONNS,default=10" yaml:"maxConns"`
	Migrate  bool   `env:"DB_MIGRATE,default=true" yaml:"migrate"`
}

// RedisConfig enables cross-node fan-out. An empty Addr keeps the hub in
// process.
type RedisConfig struct {
	Addr      string `env:"REDIS_ADDR" yaml:"addr"`
	Password  string `env:"REDIS_PASSWORD" yaml:"password"`
	DB        int    `env:"REDIS_DB,default=0" yaml:"db"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=estate:" yaml:"keyPrefix"`
}

type CacheConfig struct {
	Backend    string        `env:"CACHE_BACKEND,default=memory" yaml:"backend"`
	TTL        time.Duration `env:"CACHE_TTL,default=5m" yaml:"ttl"`
	MaxItems   int           `env:"CACHE_MAX_ITEMS,default=10000" yaml:"maxItems"`
	ValkeyAddr string        `env:"VALKEY_ADDR" yaml:"valkeyAddr"`
}

// QueueConfig moves notification fan-out onto asynq workers. RedisURL
// uses the redis:// form.
type QueueConfig struct {
	RedisURL    string `env:"QUEUE_REDIS_URL" yaml:"redisUrl"`
	Concurrency int    `env:"QUEUE_CONCURRENCY,default=10" yaml:"concurrency"`
	Worker      bool   `env:"QUEUE_WORKER,default=true" yaml:"worker"`
}

type SessionsConfig struct {
	ReconcileInterval time.Duration `env:"SESSION_RECONCILE_INTERVAL,default=30s" yaml:"reconcileInterval"`
	ResumeTTL         time.Duration `env:"SESSION_RESUME_TTL,default=10m" yaml:"resumeTTL"`
}

type ProfilesConfig struct {
	CacheSize int           `env:"PROFILE_CACHE_SIZE,default=4096" yaml:"cacheSize"`
	CacheTTL  time.Duration `env:"PROFILE_CACHE_TTL,default=1m" yaml:"cacheTTL"`
}

// Flags are the command line overrides.
type Flags struct {
	ConfigFile string
	EnvFile    string
	Addr       string
	LogLevel   string

	fs *pflag.FlagSet
}

// BindFlags registers the config flags on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.ConfigFile, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "dotenv file loaded into the environment when present")
	fs.StringVar(&f.Addr, "addr", "", "listen address (overrides ESTATED_ADDR)")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	return f
}

// Load builds the configuration. A missing default .env file is ignored; a
// missing file named explicitly is an error.
func Load(f *Flags) (*Config, error) {
	if f == nil {
		f = &Flags{EnvFile: ".env"}
	}
	if f.EnvFile != "" {
		if err := godotenv.Load(f.EnvFile); err != nil {
			explicit := f.fs != nil && f.fs.Changed("env-file")
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load env file %s: %w", f.EnvFile, err)
			}
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if f.ConfigFile != "" {
		if err := cfg.mergeFile(f.ConfigFile); err != nil {
			return nil, err
		}
	}

	if f.Addr != "" {
		cfg.Addr = f.Addr
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if c.Auth.HMACSecret == "" && c.Auth.JWKSURL == "" && c.Auth.Issuer == "" {
		errs = append(errs, errors.New("auth: one of hmacSecret, jwksUrl or issuer is required"))
	}
	if c.Auth.JWKSURL != "" && c.Auth.Issuer == "" {
		errs = append(errs, errors.New("auth: issuer is required with jwksUrl"))
	}
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("cache: redis backend needs redis.addr"))
		}
	case CacheValkey:
		if c.Cache.ValkeyAddr == "" {
			errs = append(errs, errors.New("cache: valkey backend needs cache.valkeyAddr"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache: unknown backend %q", c.Cache.Backend))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache: ttl must be positive"))
	}
	if c.Sessions.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("sessions: reconcileInterval must be positive"))
	}
	return errors.Join(errs...)
}

// ParseLevel parses a slog level name.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
