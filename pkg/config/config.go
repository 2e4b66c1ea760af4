package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "ollabridge.toml"

type UpstreamConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type LogsConfig struct {
	Level    string `toml:"level"`
	Format   string `toml:"format"`
	MaxLines int    `toml:"max_lines,omitempty"`
}

type CORSConfig struct {
	Enabled        bool     `toml:"enabled"`
	AllowedOrigins []string `toml:"allowed_origins,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

type DebugConfig struct {
	LogTail bool `toml:"log_tail"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	Mode       string `toml:"mode"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
	CertFile   string `toml:"cert_file,omitempty"`
	KeyFile    string `toml:"key_file,omitempty"`
}

type Config struct {
	ListenAddr string         `toml:"listen_addr"`
	Upstream   UpstreamConfig `toml:"upstream"`
	Logs       LogsConfig     `toml:"logs"`
	CORS       CORSConfig     `toml:"cors"`
	Metrics    MetricsConfig  `toml:"metrics"`
	Debug      DebugConfig    `toml:"debug"`
	TLS        TLSConfig      `toml:"tls"`
}

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "ollabridge", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "ollabridge", "tls-autocert")
}

func NewDefault() *Config {
	return &Config{
		// Same port Ollama listens on, so existing clients need no change.
		ListenAddr: "127.0.0.1:11434",
		Upstream: UpstreamConfig{
			BaseURL:        "http://127.0.0.1:3000",
			TimeoutSeconds: 120,
		},
		Logs: LogsConfig{
			Level:    "info",
			Format:   "console",
			MaxLines: 5000,
		},
		CORS: CORSConfig{
			Enabled:        false,
			AllowedOrigins: []string{"*"},
		},
		Metrics: MetricsConfig{Enabled: true},
		Debug:   DebugConfig{LogTail: false},
		TLS: TLSConfig{
			Enabled:    false,
			Mode:       "letsencrypt",
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := NewDefault()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreate writes the default config when none exists yet.
func LoadOrCreate(path string) (*Config, error) {
	cfg := NewDefault()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := writeAtomic(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat config: %w", err)
	default:
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, cfg)
}

// Encode renders cfg in the same TOML layout Save writes.
func Encode(cfg *Config) ([]byte, error) {
	return marshalTOML(cfg)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *Config) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:11434"
	}

	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	c.Upstream.APIKey = strings.TrimSpace(c.Upstream.APIKey)
	if c.Upstream.APIKey == "" {
		for _, env := range []string{"OLLABRIDGE_API_KEY", "OPENAI_API_KEY"} {
			if v := strings.TrimSpace(os.Getenv(env)); v != "" {
				c.Upstream.APIKey = v
				break
			}
		}
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 120
	}

	c.Logs.Level = strings.ToLower(strings.TrimSpace(c.Logs.Level))
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	c.Logs.Format = strings.ToLower(strings.TrimSpace(c.Logs.Format))
	if c.Logs.Format == "" {
		c.Logs.Format = "console"
	}
	if c.Logs.MaxLines <= 0 {
		c.Logs.MaxLines = 5000
	}

	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}

	c.TLS.Mode = strings.ToLower(strings.TrimSpace(c.TLS.Mode))
	if c.TLS.Mode == "" {
		c.TLS.Mode = "letsencrypt"
	}
	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
	c.TLS.CertFile = strings.TrimSpace(c.TLS.CertFile)
	c.TLS.KeyFile = strings.TrimSpace(c.TLS.KeyFile)
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q must be an absolute http(s) URL", c.Upstream.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url scheme %q not supported", u.Scheme)
	}
	if c.Upstream.TimeoutSeconds > 600 {
		return errors.New("upstream.timeout_seconds must be <= 600")
	}
	switch c.Logs.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("logs.level %q is not a known level", c.Logs.Level)
	}
	if c.Logs.Format != "console" && c.Logs.Format != "json" {
		return errors.New("logs.format must be console or json")
	}
	if c.Logs.MaxLines < 100 {
		return errors.New("logs.max_lines must be >= 100")
	}
	if c.Logs.MaxLines > 200000 {
		return errors.New("logs.max_lines must be <= 200000")
	}
	if c.TLS.Enabled {
		switch c.TLS.Mode {
		case "letsencrypt":
			if c.TLS.Domain == "" {
				return errors.New("tls.domain is required when tls.enabled=true and tls.mode=letsencrypt")
			}
		case "pem":
			if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
				return errors.New("tls.cert_file and tls.key_file are required when tls.enabled=true and tls.mode=pem")
			}
		default:
			return errors.New("tls.mode must be one of letsencrypt, pem")
		}
	}
	return nil
}
