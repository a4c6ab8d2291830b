package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Config is the service configuration, read from the environment. Every
// knob is optional: without redis the result cache runs memory-only, and
// without a source URL tables are seeded from a local directory.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	RedisHost string `env:"REDIS_HOST"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`

	CacheTTLSeconds int    `env:"CACHE_TTL_SECONDS" envDefault:"3600"`
	RetentionRaw    string `env:"RETENTION_WINDOW" envDefault:"24h"`
	CacheRoot       string `env:"CACHE_ROOT"`

	SourceURL   string `env:"SOURCE_URL"`
	SourceToken string `env:"SOURCE_TOKEN"`
	SourceDir   string `env:"SOURCE_DIR"`

	// Retention is RetentionRaw parsed, set by Load.
	Retention time.Duration `env:"-"`
}

// Load reads the configuration from the environment and applies defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}
	retention, err := str2duration.ParseDuration(cfg.RetentionRaw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid RETENTION_WINDOW %q", cfg.RetentionRaw)
	}
	if retention <= 0 {
		return nil, errors.Newf("RETENTION_WINDOW %q must be positive", cfg.RetentionRaw)
	}
	cfg.Retention = retention
	if cfg.CacheTTLSeconds <= 0 {
		return nil, errors.Newf("CACHE_TTL_SECONDS %d must be positive", cfg.CacheTTLSeconds)
	}
	if cfg.CacheRoot == "" {
		cfg.CacheRoot = filepath.Join(os.TempDir(), "tableserve")
	}
	return &cfg, nil
}

// TTL is the result cache expiry.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// RedisAddr returns host:port, or "" when redis is not configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return c.RedisHost + ":" + strconv.Itoa(c.RedisPort)
}
