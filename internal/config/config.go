// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/jupiter-proxy/config.toml",
	"configs/config.toml",
}

// Upstream base names accepted by upstream.base and UPSTREAM_BASE_URL.
const (
	BasePrimary = "primary"
	BaseLite    = "lite"
)

// upstreamBases is the enumeration of upstream hosts a deployment may target.
var upstreamBases = map[string]string{
	BasePrimary: "https://api.jup.ag",
	BaseLite:    "https://lite-api.jup.ag",
}

// Preflight defaults.
var (
	DefaultAllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	DefaultAllowHeaders = []string{"*"}
)

// reservedRoutes may not be shadowed by the proxy prefix or the metrics path.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

const placeholderCredential = "YOUR_API_KEY_HERE"

const defaultMetricsPath = "/metrics"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config            string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host              string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port              int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Upstream          string `kong:"help='Upstream base: primary|lite or its URL (overrides config).',env='UPSTREAM_BASE_URL'"`
	PathPrefix        string `kong:"help='Path prefix stripped before forwarding (overrides config).',env='UPSTREAM_PATH_PREFIX'"`
	Credential        string `kong:"help='Bearer credential injected upstream (overrides config).',env='UPSTREAM_CREDENTIAL'"`
	RequireCredential bool   `kong:"help='Refuse to forward when no credential is configured.',env='REQUIRE_CREDENTIAL'"`
	TimeoutMS         int    `kong:"help='Upstream request timeout in milliseconds (overrides config).',env='REQUEST_TIMEOUT_MS'"`
	LogLevel          string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Auth     AuthConfig     `toml:"auth"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	// Base is an enumerated upstream name (primary, lite) or the exact URL of one.
	Base            string `toml:"base"`
	PathPrefix      string `toml:"path_prefix"`
	TimeoutMS       int    `toml:"timeout_ms"`
	IdleConnections int    `toml:"idle_connections"`
	// MaxResponseSize bounds relayed upstream bodies, e.g. "10 MB". "0" disables the bound.
	MaxResponseSize string `toml:"max_response_size"`

	maxResponseBytes int64
}

// AuthConfig holds the upstream credential policy.
type AuthConfig struct {
	Credential        string `toml:"credential"`
	RequireCredential bool   `toml:"require_credential"`
}

// CORSConfig controls the preflight answer.
type CORSConfig struct {
	AllowMethods  []string `toml:"allow_methods"`
	AllowHeaders  []string `toml:"allow_headers"`
	MaxAgeSeconds int      `toml:"max_age_seconds"`
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

// Load reads the TOML config file (if any) and applies CLI overrides.
// An explicit path (via --config or CONFIG_PATH) must exist. Otherwise it
// searches /etc/jupiter-proxy/config.toml then configs/config.toml, and falls
// back to defaults plus environment when neither is present.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

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
	if cli.Upstream != "" {
		c.Upstream.Base = cli.Upstream
	}
	if cli.PathPrefix != "" {
		c.Upstream.PathPrefix = cli.PathPrefix
	}
	if cli.Credential != "" {
		c.Auth.Credential = cli.Credential
	}
	if cli.RequireCredential {
		c.Auth.RequireCredential = true
	}
	if cli.TimeoutMS != 0 {
		c.Upstream.TimeoutMS = cli.TimeoutMS
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// validate reports every invalid field at once.
func (c *Config) validate() error {
	var err error

	if c.Auth.Credential == placeholderCredential {
		err = multierr.Append(err, errors.New("auth.credential contains placeholder value; set a real key or leave empty"))
	}

	if c.Upstream.Base != "" {
		if _, rerr := ResolveBase(c.Upstream.Base); rerr != nil {
			err = multierr.Append(err, rerr)
		}
	}

	if p := c.Upstream.PathPrefix; p != "" {
		switch {
		case p[0] != '/':
			err = multierr.Append(err, fmt.Errorf("upstream.path_prefix must start with '/'; got %q", p))
		case p == "/" || strings.HasSuffix(p, "/"):
			err = multierr.Append(err, fmt.Errorf("upstream.path_prefix must not end with '/'; got %q", p))
		case strings.ContainsAny(p, "?#*"):
			err = multierr.Append(err, fmt.Errorf("upstream.path_prefix must be a literal path; got %q", p))
		}
		if reserved := conflictsWithReserved(p); reserved != "" {
			err = multierr.Append(err, fmt.Errorf("upstream.path_prefix %q conflicts with reserved route %q", p, reserved))
		}
	}

	if s := strings.TrimSpace(c.Upstream.MaxResponseSize); s != "" {
		n, perr := humanize.ParseBytes(s)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("upstream.max_response_size is not a valid size: %w", perr))
		} else {
			c.Upstream.maxResponseBytes = int64(n)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port))
	}
	if c.Server.BodyMaxBytes < 0 {
		err = multierr.Append(err, fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes))
	}
	if c.Upstream.TimeoutMS < 0 {
		err = multierr.Append(err, fmt.Errorf("upstream.timeout_ms must be non-negative; got %d", c.Upstream.TimeoutMS))
	}
	if c.Upstream.IdleConnections < 0 {
		err = multierr.Append(err, fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections))
	}
	if c.CORS.MaxAgeSeconds < 0 {
		err = multierr.Append(err, fmt.Errorf("cors.max_age_seconds must be non-negative; got %d", c.CORS.MaxAgeSeconds))
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		err = multierr.Append(err, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		err = multierr.Append(err, fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format))
	}

	// Metrics path validation (only when metrics are enabled). An unset path
	// is checked as the default it will become.
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p == "" {
			p = defaultMetricsPath
		}
		if p[0] != '/' {
			err = multierr.Append(err, fmt.Errorf("metrics.path must start with '/'; got %q", p))
		}
		if reserved := conflictsWithReserved(p); reserved != "" {
			err = multierr.Append(err, fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved))
		}
		if prefix := c.prefixOrDefault(); p == prefix || strings.HasPrefix(p, prefix+"/") {
			err = multierr.Append(err, fmt.Errorf("metrics.path %q is shadowed by upstream.path_prefix %q", p, prefix))
		}
	}

	return err
}

func conflictsWithReserved(p string) string {
	for _, reserved := range reservedRoutes {
		if p == reserved || strings.HasPrefix(p, reserved+"/") || strings.HasPrefix(reserved, p+"/") {
			return reserved
		}
	}
	return ""
}

func (c *Config) prefixOrDefault() string {
	if c.Upstream.PathPrefix == "" {
		return "/jupiter"
	}
	return c.Upstream.PathPrefix
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
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.Base == "" {
		c.Upstream.Base = BasePrimary
	}
	c.Upstream.PathPrefix = c.prefixOrDefault()
	if c.Upstream.TimeoutMS == 0 {
		c.Upstream.TimeoutMS = 30000
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if strings.TrimSpace(c.Upstream.MaxResponseSize) == "" {
		c.Upstream.MaxResponseSize = "10 MB"
		c.Upstream.maxResponseBytes = 10 * 1000 * 1000
	}
	if len(c.CORS.AllowMethods) == 0 {
		c.CORS.AllowMethods = DefaultAllowMethods
	}
	if len(c.CORS.AllowHeaders) == 0 {
		c.CORS.AllowHeaders = DefaultAllowHeaders
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
}

// ResolveBase maps an enumerated upstream name, or the exact URL of one, to its URL.
func ResolveBase(base string) (*url.URL, error) {
	raw, ok := upstreamBases[strings.ToLower(strings.TrimSpace(base))]
	if !ok {
		trimmed := strings.TrimSuffix(strings.TrimSpace(base), "/")
		for _, u := range upstreamBases {
			if trimmed == u {
				raw, ok = u, true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("upstream.base must be one of %s, %s (or their URLs %s, %s); got %q",
			BasePrimary, BaseLite, upstreamBases[BasePrimary], upstreamBases[BaseLite], base)
	}
	return url.Parse(raw)
}

// BaseURL returns the resolved upstream base URL. It panics on an unvalidated config.
func (c *UpstreamConfig) BaseURL() *url.URL {
	u, err := ResolveBase(c.Base)
	if err != nil {
		panic(err)
	}
	return u
}

// Timeout returns the upstream request timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// MaxResponseBytes returns the relayed body bound in bytes; 0 means unbounded.
func (c *UpstreamConfig) MaxResponseBytes() int64 {
	return c.maxResponseBytes
}

// SetMaxResponseBytes overrides the body bound; used when the config is built in code.
func (c *UpstreamConfig) SetMaxResponseBytes(n int64) {
	c.maxResponseBytes = n
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
