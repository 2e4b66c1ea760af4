package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearKeyEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OLLABRIDGE_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
}

func TestDefaultConfigIsValid(t *testing.T) {
	clearKeyEnv(t)
	cfg := NewDefault()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:11434" {
		t.Fatalf("unexpected default listen addr %q", cfg.ListenAddr)
	}
	if cfg.Upstream.BaseURL != "http://127.0.0.1:3000" {
		t.Fatalf("unexpected default upstream %q", cfg.Upstream.BaseURL)
	}
}

func TestLoadOrCreateWritesDefaultFile(t *testing.T) {
	clearKeyEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "ollabridge.toml")
	cfg, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if cfg.Logs.Level != "info" {
		t.Fatalf("unexpected default level %q", cfg.Logs.Level)
	}

	again, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if again.ListenAddr != cfg.ListenAddr || again.Upstream.BaseURL != cfg.Upstream.BaseURL {
		t.Fatalf("reloaded config differs: %+v vs %+v", again, cfg)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	clearKeyEnv(t)
	path := filepath.Join(t.TempDir(), "ollabridge.toml")
	cfg := NewDefault()
	cfg.ListenAddr = "0.0.0.0:11434"
	cfg.Upstream.BaseURL = "https://backend.example"
	cfg.Upstream.APIKey = "sk-file"
	cfg.Logs.Level = "debug"
	cfg.Logs.Format = "json"
	cfg.Debug.LogTail = true
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ListenAddr != "0.0.0.0:11434" {
		t.Fatalf("listen addr lost: %q", loaded.ListenAddr)
	}
	if loaded.Upstream.BaseURL != "https://backend.example" || loaded.Upstream.APIKey != "sk-file" {
		t.Fatalf("upstream section lost: %+v", loaded.Upstream)
	}
	if loaded.Logs.Level != "debug" || loaded.Logs.Format != "json" {
		t.Fatalf("logs section lost: %+v", loaded.Logs)
	}
	if !loaded.Debug.LogTail {
		t.Fatal("debug section lost")
	}
}

func TestEncodeUsesSectionedLayout(t *testing.T) {
	clearKeyEnv(t)
	b, err := Encode(NewDefault())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s := string(b)
	for _, section := range []string{"[upstream]", "[logs]", "[tls]"} {
		if !strings.Contains(s, section) {
			t.Fatalf("expected %s section in:\n%s", section, s)
		}
	}
	if !strings.Contains(s, "base_url") {
		t.Fatalf("expected base_url key in:\n%s", s)
	}
}

func TestAPIKeyFallsBackToEnvironment(t *testing.T) {
	t.Setenv("OLLABRIDGE_API_KEY", "sk-bridge")
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	cfg := NewDefault()
	cfg.Normalize()
	if cfg.Upstream.APIKey != "sk-bridge" {
		t.Fatalf("expected OLLABRIDGE_API_KEY to win, got %q", cfg.Upstream.APIKey)
	}

	t.Setenv("OLLABRIDGE_API_KEY", "")
	cfg = NewDefault()
	cfg.Normalize()
	if cfg.Upstream.APIKey != "sk-openai" {
		t.Fatalf("expected OPENAI_API_KEY fallback, got %q", cfg.Upstream.APIKey)
	}

	t.Setenv("OPENAI_API_KEY", "")
	cfg = NewDefault()
	cfg.Upstream.APIKey = " sk-explicit "
	cfg.Normalize()
	if cfg.Upstream.APIKey != "sk-explicit" {
		t.Fatalf("explicit key should be kept and trimmed, got %q", cfg.Upstream.APIKey)
	}
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	clearKeyEnv(t)
	cfg := &Config{Upstream: UpstreamConfig{BaseURL: " http://127.0.0.1:3000/ "}}
	cfg.Normalize()
	if cfg.ListenAddr != "127.0.0.1:11434" {
		t.Fatalf("listen addr not defaulted: %q", cfg.ListenAddr)
	}
	if cfg.Upstream.BaseURL != "http://127.0.0.1:3000" {
		t.Fatalf("base url not trimmed: %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.TimeoutSeconds != 120 || cfg.Logs.MaxLines != 5000 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.TLS.Mode != "letsencrypt" || cfg.TLS.ListenAddr != ":443" {
		t.Fatalf("tls defaults not applied: %+v", cfg.TLS)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	clearKeyEnv(t)
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative upstream", func(c *Config) { c.Upstream.BaseURL = "localhost:3000" }, "base_url"},
		{"bad scheme", func(c *Config) { c.Upstream.BaseURL = "ftp://backend" }, "scheme"},
		{"huge timeout", func(c *Config) { c.Upstream.TimeoutSeconds = 601 }, "timeout_seconds"},
		{"unknown level", func(c *Config) { c.Logs.Level = "verbose" }, "logs.level"},
		{"unknown format", func(c *Config) { c.Logs.Format = "xml" }, "logs.format"},
		{"tiny ring", func(c *Config) { c.Logs.MaxLines = 10 }, "max_lines"},
		{"letsencrypt without domain", func(c *Config) { c.TLS.Enabled = true }, "tls.domain"},
		{"pem without files", func(c *Config) { c.TLS.Enabled = true; c.TLS.Mode = "pem" }, "cert_file"},
		{"unknown tls mode", func(c *Config) { c.TLS.Enabled = true; c.TLS.Mode = "spiffe" }, "tls.mode"},
	}
	for _, tc := range cases {
		cfg := NewDefault()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q in error, got %v", tc.name, tc.want, err)
		}
	}
}
