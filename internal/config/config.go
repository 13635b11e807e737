package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr           string        `yaml:"addr"`
	PublicURL      string        `yaml:"public_url"`
	DBPath         string        `yaml:"db"`
	ShareRetention time.Duration `yaml:"share_retention"`
	AllowedHosts   []string      `yaml:"allowed_hosts"`
	Timezone       string        `yaml:"timezone"`
	LogLevel       string        `yaml:"log_level"`
	Upstream       Upstream      `yaml:"upstream"`
	Session        Session       `yaml:"session"`
	Cache          Cache         `yaml:"cache"`
	RateLimit      RateLimit     `yaml:"rate_limit"`

	// TrustedProxies lists the addresses or CIDR ranges whose
	// X-Forwarded-For header is believed. Empty means none.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type Upstream struct {
	Host             string        `yaml:"host"`
	Identifier       string        `yaml:"identifier"`
	Password         string        `yaml:"password"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
}

type Session struct {
	// Lease is how long a freshly issued credential is assumed valid.
	Lease time.Duration `yaml:"lease"`
}

type Cache struct {
	MaxEntries int `yaml:"max_entries"`
	// MaxSize is accepted for compatibility with older deployments. Every
	// entry weighs the same, so only MaxEntries bounds the cache.
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

const (
	DefaultUpstreamHost = "https://bsky.social"
	DefaultPublicURL    = "https://bsky.link"
	DefaultDBPath       = "file:bskylink?mode=memory&cache=shared"
	DefaultLease        = 1000 * 5 * 60 * 30 * time.Millisecond
)

var DefaultAllowedHosts = []string{"bsky.app", "staging.bsky.app"}

func Default() Config {
	return Config{
		Addr:           ":3008",
		PublicURL:      DefaultPublicURL,
		DBPath:         DefaultDBPath,
		ShareRetention: 7 * 24 * time.Hour,
		AllowedHosts:   append([]string(nil), DefaultAllowedHosts...),
		Timezone:       "UTC",
		LogLevel:       "info",
		Upstream: Upstream{
			Host:             DefaultUpstreamHost,
			Timeout:          10 * time.Second,
			MaxResponseBytes: 8 << 20,
		},
		Session: Session{Lease: DefaultLease},
		Cache: Cache{
			MaxEntries: 500,
			MaxSize:    5000,
			TTL:        5 * time.Minute,
		},
		RateLimit: RateLimit{RPS: 5, Burst: 20},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// BSKYLINK_CONFIG, and the environment.
func Load() (Config, error) {
	loadDotenv()
	return LoadPath(os.Getenv("BSKYLINK_CONFIG"))
}

// LoadPath is Load with an explicit YAML file. An empty path skips the file.
// Environment variables override values from the file. A .env file in the
// working directory fills in variables that are not already set.
func LoadPath(path string) (Config, error) {
	loadDotenv()
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	addr := envString("BSKYLINK_ADDR", "")
	if addr == "" {
		if port := os.Getenv("PORT"); port != "" {
			addr = ":" + port
		}
	}
	if addr != "" {
		cfg.Addr = addr
	}

	cfg.PublicURL = strings.TrimRight(envString("BSKYLINK_PUBLIC_URL", cfg.PublicURL), "/")
	cfg.DBPath = envString("BSKYLINK_DB", cfg.DBPath)
	cfg.ShareRetention = envDuration("BSKYLINK_SHARE_RETENTION", cfg.ShareRetention)
	cfg.AllowedHosts = envList("BSKYLINK_ALLOWED_HOSTS", cfg.AllowedHosts)
	cfg.TrustedProxies = envList("BSKYLINK_TRUSTED_PROXIES", cfg.TrustedProxies)
	cfg.Timezone = envString("BSKYLINK_TIMEZONE", cfg.Timezone)
	cfg.LogLevel = envString("BSKYLINK_LOG_LEVEL", cfg.LogLevel)

	cfg.Upstream.Host = strings.TrimRight(envString("BSKYLINK_UPSTREAM_HOST", cfg.Upstream.Host), "/")
	cfg.Upstream.Identifier = envString("BSKYLINK_HANDLE", cfg.Upstream.Identifier)
	cfg.Upstream.Password = envString("BSKYLINK_PASSWORD", cfg.Upstream.Password)
	cfg.Upstream.Timeout = envDuration("BSKYLINK_UPSTREAM_TIMEOUT", cfg.Upstream.Timeout)
	cfg.Upstream.MaxResponseBytes = int64(envInt("BSKYLINK_UPSTREAM_MAX_BYTES", int(cfg.Upstream.MaxResponseBytes)))

	cfg.Session.Lease = envDuration("BSKYLINK_SESSION_LEASE", cfg.Session.Lease)

	cfg.Cache.MaxEntries = envInt("BSKYLINK_CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.MaxSize = envInt("BSKYLINK_CACHE_MAX_SIZE", cfg.Cache.MaxSize)
	cfg.Cache.TTL = envDuration("BSKYLINK_CACHE_TTL", cfg.Cache.TTL)

	cfg.RateLimit.RPS = envFloat("BSKYLINK_RL_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = envInt("BSKYLINK_RL_BURST", cfg.RateLimit.Burst)

	return cfg, nil
}

// Validate checks the settings the gateway cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.Upstream.Identifier == "" || c.Upstream.Password == "" {
		errs = append(errs, errors.New("BSKYLINK_HANDLE and BSKYLINK_PASSWORD are required"))
	}
	if c.Upstream.Host == "" {
		errs = append(errs, errors.New("upstream host is empty"))
	}
	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("cache max entries must be positive, got %d", c.Cache.MaxEntries))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache ttl must be positive, got %s", c.Cache.TTL))
	}
	if c.Session.Lease <= 0 {
		errs = append(errs, fmt.Errorf("session lease must be positive, got %s", c.Session.Lease))
	}
	if len(c.AllowedHosts) == 0 {
		errs = append(errs, errors.New("at least one allowed host is required"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a single-host
// prefix.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Location returns the display time zone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// loadDotenv reads .env from the working directory. A missing file is fine.
func loadDotenv() {
	_ = godotenv.Load(".env")
}
