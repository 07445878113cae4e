// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/media-relay/config.toml",
	"configs/config.toml",
}

// Relay entrypoints. Metrics path validation and route registration both use these.
var reservedRoutes = []string{
	"/cors-proxy",
	"/m3u8-proxy",
	"/functions/v1",
	"/healthz",
	"/proxy/status",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIBaseURL     string `kong:"name='api-base-url',help='Upstream JSON API base URL (overrides config).',env='API_BASE_URL'"`
	DefaultReferer string `kong:"help='Referer sent to media hosts when the caller gives none (overrides config).',env='DEFAULT_REFERER'"`
	PublicBaseURL  string `kong:"name='public-base-url',help='Public base URL used in rewritten playlists (overrides config).',env='PUBLIC_BASE_URL'"`
	LogLevel       string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	API      APIConfig      `toml:"api"`
	Media    MediaConfig    `toml:"media"`
	Upstream UpstreamConfig `toml:"upstream"`
	Cache    CacheConfig    `toml:"cache"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string          `toml:"host"`
	Port          int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes  int64           `toml:"body_max_bytes"`
	PublicBaseURL string          `toml:"public_base_url"`
	RateLimit     RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// APIConfig configures the JSON relay.
type APIConfig struct {
	BaseURL        string   `toml:"base_url"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	UserAgent      string   `toml:"user_agent"`
	ListingMarkers []string `toml:"listing_markers"`
	MaxBodyBytes   int64    `toml:"max_body_bytes"`
}

// MediaConfig configures the playlist and segment relay.
type MediaConfig struct {
	DefaultReferer        string   `toml:"default_referer"`
	TimeoutSeconds        int      `toml:"timeout_seconds"`      // until response headers, including the 403 retry
	IdleTimeoutSeconds    int      `toml:"idle_timeout_seconds"` // longest pause while streaming a body
	UserAgent             string   `toml:"user_agent"`
	AcceptLanguage        string   `toml:"accept_language"`
	MaxPlaylistBytes      int64    `toml:"max_playlist_bytes"`
	ImpersonateHosts      []string `toml:"impersonate_hosts"`
	HostRequestsPerSecond int      `toml:"host_requests_per_second"` // 0 disables outbound throttling
}

// UpstreamConfig holds outbound connection settings shared by both relays.
type UpstreamConfig struct {
	IdleConnections int    `toml:"idle_connections"`
	ProxyURL        string `toml:"proxy_url"`
}

// CacheConfig controls the JSON relay response cache.
type CacheConfig struct {
	Backend    string      `toml:"backend"` // none, memory or redis
	TTLSeconds int         `toml:"ttl_seconds"`
	MaxEntries int         `toml:"max_entries"`
	Redis      RedisConfig `toml:"redis"`
}

// RedisConfig holds redis connection settings for the redis cache backend.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/media-relay/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.APIBaseURL != "" {
		c.API.BaseURL = cli.APIBaseURL
	}
	if cli.DefaultReferer != "" {
		c.Media.DefaultReferer = cli.DefaultReferer
	}
	if cli.PublicBaseURL != "" {
		c.Server.PublicBaseURL = cli.PublicBaseURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// API base URL: required and must be HTTPS.
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("api.base_url must use HTTPS; got %q", c.API.BaseURL)
	}

	if c.Media.DefaultReferer != "" {
		if err := requireHTTPURL("media.default_referer", c.Media.DefaultReferer); err != nil {
			return err
		}
	}
	if c.Server.PublicBaseURL != "" {
		if err := requireHTTPURL("server.public_base_url", c.Server.PublicBaseURL); err != nil {
			return err
		}
	}
	if c.Upstream.ProxyURL != "" {
		p, err := url.Parse(c.Upstream.ProxyURL)
		if err != nil {
			return fmt.Errorf("upstream.proxy_url is not a valid URL: %w", err)
		}
		switch p.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("upstream.proxy_url scheme must be http, https, socks5 or socks5h; got %q", p.Scheme)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.API.TimeoutSeconds < 0 {
		return fmt.Errorf("api.timeout_seconds must be non-negative; got %d", c.API.TimeoutSeconds)
	}
	if c.Media.TimeoutSeconds < 0 {
		return fmt.Errorf("media.timeout_seconds must be non-negative; got %d", c.Media.TimeoutSeconds)
	}
	if c.API.MaxBodyBytes < 0 {
		return fmt.Errorf("api.max_body_bytes must be non-negative; got %d", c.API.MaxBodyBytes)
	}
	if c.Media.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("media.idle_timeout_seconds must be non-negative; got %d", c.Media.IdleTimeoutSeconds)
	}
	if c.Media.MaxPlaylistBytes < 0 {
		return fmt.Errorf("media.max_playlist_bytes must be non-negative; got %d", c.Media.MaxPlaylistBytes)
	}
	if c.Media.HostRequestsPerSecond < 0 {
		return fmt.Errorf("media.host_requests_per_second must be non-negative; got %d", c.Media.HostRequestsPerSecond)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Cache.
	switch strings.ToLower(c.Cache.Backend) {
	case "", "none", "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend must be one of: none, memory, redis; got %q", c.Cache.Backend)
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must be non-negative; got %d", c.Cache.TTLSeconds)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be non-negative; got %d", c.Cache.MaxEntries)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func requireHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB; both relays only accept GET
	}
	c.Server.PublicBaseURL = strings.TrimSuffix(c.Server.PublicBaseURL, "/")

	if c.API.TimeoutSeconds == 0 {
		c.API.TimeoutSeconds = 15
	}
	if c.API.UserAgent == "" {
		c.API.UserAgent = "AniTaro/1.0"
	}
	if len(c.API.ListingMarkers) == 0 {
		c.API.ListingMarkers = []string{"/category/", "/genre/", "/recent/"}
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 8 << 20
	}

	if c.Media.DefaultReferer == "" {
		c.Media.DefaultReferer = "https://rapid-cloud.co/"
	}
	if c.Media.TimeoutSeconds == 0 {
		c.Media.TimeoutSeconds = 60
	}
	if c.Media.IdleTimeoutSeconds == 0 {
		c.Media.IdleTimeoutSeconds = 30
	}
	if c.Media.UserAgent == "" {
		c.Media.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	if c.Media.AcceptLanguage == "" {
		c.Media.AcceptLanguage = "en-US,en;q=0.9"
	}
	if c.Media.MaxPlaylistBytes == 0 {
		c.Media.MaxPlaylistBytes = 8 << 20
	}

	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}

	c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	if c.Cache.Backend == "" {
		c.Cache.Backend = "none"
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 60
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10_000
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may carry the redis password.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
