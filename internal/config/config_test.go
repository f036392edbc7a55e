package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[upstream]
base = "lite"
path_prefix = "/swap"
timeout_ms = 1500
idle_connections = 50
max_response_size = "2 MiB"

[auth]
credential = "test-key-12345"
require_credential = true

[cors]
allow_methods = ["GET", "POST", "OPTIONS"]
allow_headers = ["Content-Type", "Authorization"]
max_age_seconds = 600

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if got := cfg.Upstream.BaseURL().String(); got != "https://lite-api.jup.ag" {
		t.Errorf("Upstream.BaseURL() = %q, want %q", got, "https://lite-api.jup.ag")
	}
	if cfg.Upstream.PathPrefix != "/swap" {
		t.Errorf("Upstream.PathPrefix = %q, want %q", cfg.Upstream.PathPrefix, "/swap")
	}
	if cfg.Upstream.Timeout() != 1500*time.Millisecond {
		t.Errorf("Upstream.Timeout() = %v, want %v", cfg.Upstream.Timeout(), 1500*time.Millisecond)
	}
	if cfg.Upstream.MaxResponseBytes() != 2*1024*1024 {
		t.Errorf("Upstream.MaxResponseBytes() = %d, want %d", cfg.Upstream.MaxResponseBytes(), 2*1024*1024)
	}
	if cfg.Auth.Credential != "test-key-12345" {
		t.Errorf("Auth.Credential = %q, want %q", cfg.Auth.Credential, "test-key-12345")
	}
	if !cfg.Auth.RequireCredential {
		t.Error("expected Auth.RequireCredential = true")
	}
	if got := strings.Join(cfg.CORS.AllowHeaders, ", "); got != "Content-Type, Authorization" {
		t.Errorf("CORS.AllowHeaders = %q, want %q", got, "Content-Type, Authorization")
	}
	if cfg.CORS.MaxAgeSeconds != 600 {
		t.Errorf("CORS.MaxAgeSeconds = %d, want %d", cfg.CORS.MaxAgeSeconds, 600)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_NoConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v; a missing config file should fall back to defaults", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8000)
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if got := cfg.Upstream.BaseURL().String(); got != "https://api.jup.ag" {
		t.Errorf("default Upstream.BaseURL() = %q, want %q", got, "https://api.jup.ag")
	}
	if cfg.Upstream.PathPrefix != "/jupiter" {
		t.Errorf("default Upstream.PathPrefix = %q, want %q", cfg.Upstream.PathPrefix, "/jupiter")
	}
	if cfg.Upstream.Timeout() != 30*time.Second {
		t.Errorf("default Upstream.Timeout() = %v, want %v", cfg.Upstream.Timeout(), 30*time.Second)
	}
	if cfg.Upstream.MaxResponseBytes() != 10*1000*1000 {
		t.Errorf("default Upstream.MaxResponseBytes() = %d, want %d", cfg.Upstream.MaxResponseBytes(), 10*1000*1000)
	}
	if cfg.Auth.Credential != "" {
		t.Errorf("default Auth.Credential = %q, want empty", cfg.Auth.Credential)
	}
	if got := strings.Join(cfg.CORS.AllowMethods, ", "); got != "GET, POST, PUT, DELETE, OPTIONS" {
		t.Errorf("default CORS.AllowMethods = %q", got)
	}
	if got := strings.Join(cfg.CORS.AllowHeaders, ", "); got != "*" {
		t.Errorf("default CORS.AllowHeaders = %q, want %q", got, "*")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("default Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_EmptyCredential(t *testing.T) {
	path := writeConfig(t, `
[auth]
credential = ""
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; empty credential should be allowed for unauthenticated mode", err)
	}
	if cfg.Auth.Credential != "" {
		t.Errorf("Auth.Credential = %q, want empty", cfg.Auth.Credential)
	}
}

func TestLoad_PlaceholderCredential(t *testing.T) {
	path := writeConfig(t, `
[auth]
credential = "YOUR_API_KEY_HERE"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for placeholder credential, got nil")
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing explicit config file, got nil")
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, `[upstream
base = "primary"`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected parse error, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[upstream]
base = "primary"
path_prefix = "/jupiter"
timeout_ms = 30000

[auth]
credential = "toml-key"

[log]
level = "info"
`)

	cli := &CLI{
		Config:            path,
		Host:              "127.0.0.1",
		Port:              3000,
		Upstream:          "https://lite-api.jup.ag",
		PathPrefix:        "/jup",
		Credential:        "cli-key",
		RequireCredential: true,
		TimeoutMS:         5000,
		LogLevel:          "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if got := cfg.Upstream.BaseURL().String(); got != "https://lite-api.jup.ag" {
		t.Errorf("Upstream.BaseURL() = %q, want %q (CLI override)", got, "https://lite-api.jup.ag")
	}
	if cfg.Upstream.PathPrefix != "/jup" {
		t.Errorf("Upstream.PathPrefix = %q, want %q (CLI override)", cfg.Upstream.PathPrefix, "/jup")
	}
	if cfg.Auth.Credential != "cli-key" {
		t.Errorf("Auth.Credential = %q, want %q (CLI override)", cfg.Auth.Credential, "cli-key")
	}
	if !cfg.Auth.RequireCredential {
		t.Error("Auth.RequireCredential = false, want true (CLI override)")
	}
	if cfg.Upstream.TimeoutMS != 5000 {
		t.Errorf("Upstream.TimeoutMS = %d, want %d (CLI override)", cfg.Upstream.TimeoutMS, 5000)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown upstream base", "[upstream]\nbase = \"staging\"\n"},
		{"non-enumerated upstream URL", "[upstream]\nbase = \"https://evil.example.com\"\n"},
		{"prefix without leading slash", "[upstream]\npath_prefix = \"jupiter\"\n"},
		{"prefix with trailing slash", "[upstream]\npath_prefix = \"/jupiter/\"\n"},
		{"prefix is root", "[upstream]\npath_prefix = \"/\"\n"},
		{"prefix with wildcard", "[upstream]\npath_prefix = \"/jup*\"\n"},
		{"prefix shadows healthz", "[upstream]\npath_prefix = \"/healthz\"\n"},
		{"prefix shadows status", "[upstream]\npath_prefix = \"/proxy\"\n"},
		{"bad response size", "[upstream]\nmax_response_size = \"lots\"\n"},
		{"negative timeout", "[upstream]\ntimeout_ms = -5\n"},
		{"negative idle connections", "[upstream]\nidle_connections = -1\n"},
		{"negative port", "[server]\nport = -1\n"},
		{"port too large", "[server]\nport = 70000\n"},
		{"negative body_max_bytes", "[server]\nbody_max_bytes = -1\n"},
		{"negative max age", "[cors]\nmax_age_seconds = -1\n"},
		{"invalid log level", "[log]\nlevel = \"verbose\"\n"},
		{"invalid log format", "[log]\nformat = \"xml\"\n"},
		{"metrics path without slash", "[metrics]\nenabled = true\npath = \"metrics\"\n"},
		{"metrics path reserved", "[metrics]\nenabled = true\npath = \"/healthz\"\n"},
		{"metrics path under prefix", "[metrics]\nenabled = true\npath = \"/jupiter/metrics\"\n"},
		{"prefix shadows default metrics path", "[upstream]\npath_prefix = \"/metrics\"\n\n[metrics]\nenabled = true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatalf("Load() expected error for %s, got nil", tt.name)
			}
		})
	}
}

func TestLoad_ReportsAllErrors(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base = "staging"
timeout_ms = -1

[log]
level = "verbose"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error, got nil")
	}
	for _, want := range []string{"upstream.base", "upstream.timeout_ms", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err.Error(), want)
		}
	}
}

func TestLoad_UnboundedResponseSize(t *testing.T) {
	path := writeConfig(t, `
[upstream]
max_response_size = "0"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.MaxResponseBytes() != 0 {
		t.Errorf("Upstream.MaxResponseBytes() = %d, want 0", cfg.Upstream.MaxResponseBytes())
	}
}

func TestResolveBase(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "primary", want: "https://api.jup.ag"},
		{base: "PRIMARY", want: "https://api.jup.ag"},
		{base: "lite", want: "https://lite-api.jup.ag"},
		{base: "https://api.jup.ag", want: "https://api.jup.ag"},
		{base: "https://lite-api.jup.ag/", want: "https://lite-api.jup.ag"},
		{base: "http://api.jup.ag", wantErr: true},
		{base: "quote", wantErr: true},
		{base: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			u, err := ResolveBase(tt.base)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ResolveBase(%q) expected error, got %v", tt.base, u)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveBase(%q) error = %v", tt.base, err)
			}
			if u.String() != tt.want {
				t.Errorf("ResolveBase(%q) = %q, want %q", tt.base, u.String(), tt.want)
			}
		})
	}
}

func TestFindConfigInPaths(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(present, []byte(""), 0o600); err != nil {
		t.Fatal(err)
	}

	got := findConfigInPaths([]string{filepath.Join(dir, "missing.toml"), present})
	if got != present {
		t.Errorf("findConfigInPaths() = %q, want %q", got, present)
	}
	if got := findConfigInPaths([]string{filepath.Join(dir, "missing.toml")}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	c := &ServerConfig{Host: "127.0.0.1", Port: 8080}
	if got := c.Addr(); got != "127.0.0.1:8080" {
		t.Errorf("Addr() = %q, want %q", got, "127.0.0.1:8080")
	}
}

func TestWarnPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file mode bits are not meaningful on windows")
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permissions warning, got %q", buf.String())
	}

	buf.Reset()
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.WarnPermissions(logger)
	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600, got %q", buf.String())
	}
}
