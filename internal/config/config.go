package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Server   struct {
		URL                string `json:"url"`
		Token              string `json:"token"`
		HandshakeTimeoutMS int    `json:"handshake_timeout_ms"`
	} `json:"server"`
	Docs struct {
		BaseURL string `json:"base_url"`
	} `json:"docs"`
	Retry struct {
		MaxAttempts    int `json:"max_attempts"`
		InitialDelayMS int `json:"initial_delay_ms"`
		MaxDelayMS     int `json:"max_delay_ms"`
	} `json:"retry"`
	History struct {
		SettleMS int `json:"settle_ms"`
	} `json:"history"`
	ResponseTimeoutMS int `json:"response_timeout_ms"`
	Usage             struct {
		TotalTokens int64  `json:"total_tokens"`
		Refresh     string `json:"refresh"`
		Model       string `json:"model"`
	} `json:"usage"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	ArchiveFrames bool `json:"archive_frames"`
}

// Environment variables that override the file, highest precedence.
const (
	EnvURL      = "DOCCHAT_URL"
	EnvToken    = "DOCCHAT_TOKEN"
	EnvDocsURL  = "DOCCHAT_DOCS_URL"
	EnvLogLevel = "DOCCHAT_LOG_LEVEL"
)

// DefaultPath returns ~/.docchat/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".docchat", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".docchat"),
		LogLevel: "info",
	}
	cfg.Server.URL = "ws://localhost:8000/ws"
	cfg.Server.HandshakeTimeoutMS = 10000
	cfg.Docs.BaseURL = "http://localhost:8000/docs/"
	cfg.Retry.MaxAttempts = 5
	cfg.Retry.InitialDelayMS = 1000
	cfg.Retry.MaxDelayMS = 30000
	cfg.History.SettleMS = 500
	cfg.Usage.TotalTokens = 5000
	cfg.Usage.Refresh = "@every 5m"
	cfg.Usage.Model = "gpt-4"
	cfg.HTTP.Listen = "127.0.0.1:8089"
	return cfg
}

// Load reads the config at path, writing defaults when the file is missing.
// A .env file next to the config supplies environment overrides that are not
// already set in the process environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	dotenv, err := godotenv.Read(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	env := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}

	if v := env(EnvURL); v != "" {
		cfg.Server.URL = v
	}
	if v := env(EnvToken); v != "" {
		cfg.Server.Token = v
	}
	if v := env(EnvDocsURL); v != "" {
		cfg.Docs.BaseURL = v
	}
	if v := env(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// Validate checks the settings a session cannot start without.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("invalid server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url must use ws or wss, got %q", u.Scheme)
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must not be negative")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// HandshakeTimeout returns server.handshake_timeout_ms as a duration.
func (c *Config) HandshakeTimeout() time.Duration { return ms(c.Server.HandshakeTimeoutMS) }

// RetryInitialDelay returns retry.initial_delay_ms as a duration.
func (c *Config) RetryInitialDelay() time.Duration { return ms(c.Retry.InitialDelayMS) }

// RetryMaxDelay returns retry.max_delay_ms as a duration.
func (c *Config) RetryMaxDelay() time.Duration { return ms(c.Retry.MaxDelayMS) }

// SettleDelay returns history.settle_ms as a duration.
func (c *Config) SettleDelay() time.Duration { return ms(c.History.SettleMS) }

// ResponseTimeout returns response_timeout_ms as a duration. Zero disables it.
func (c *Config) ResponseTimeout() time.Duration { return ms(c.ResponseTimeoutMS) }

// IdentityPath is where the caller identity is persisted.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "identity.json")
}

// FramesPath is the frame archive of a caller.
func (c *Config) FramesPath(callerID string) string {
	if callerID == "" {
		callerID = "unassigned"
	}
	return filepath.Join(c.DataDir, "frames", callerID+".jsonl")
}

// Save writes cfg to path using an atomic temp file + rename.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested map via its JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every setting as a flat dot-keyed map, optionally with
// secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under a dot-separated key. The file is
// created with defaults if missing. Numbers come back as float64.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key. The value is parsed as JSON
// when possible (numbers, booleans) and kept as a string otherwise. Keys not
// known to Config are preserved.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	flat := Flatten(m)
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}
