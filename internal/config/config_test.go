package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvURL, EnvToken, EnvDocsURL, EnvLogLevel} {
		t.Setenv(k, "")
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.RetryInitialDelay() != time.Second || cfg.RetryMaxDelay() != 30*time.Second {
		t.Errorf("unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.SettleDelay() != 500*time.Millisecond {
		t.Errorf("expected 500ms settle delay, got %v", cfg.SettleDelay())
	}
	if cfg.ResponseTimeout() != 0 {
		t.Errorf("expected response timeout disabled, got %v", cfg.ResponseTimeout())
	}
	if cfg.Usage.TotalTokens != 5000 || cfg.Usage.Refresh != "@every 5m" {
		t.Errorf("unexpected usage defaults %+v", cfg.Usage)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	original := defaults()
	original.DataDir = "/tmp/test-data"
	original.LogLevel = "debug"
	original.Server.URL = "wss://chat.example/ws"
	original.Server.Token = "tok-round-trip"
	original.Docs.BaseURL = "https://docs.example/files/"
	original.ResponseTimeoutMS = 90000
	original.HTTP.Enabled = true
	original.ArchiveFrames = true

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.Server.URL != original.Server.URL || loaded.Server.Token != original.Server.Token {
		t.Errorf("Server mismatch: %+v != %+v", loaded.Server, original.Server)
	}
	if loaded.Docs.BaseURL != original.Docs.BaseURL {
		t.Errorf("Docs.BaseURL mismatch: %v != %v", loaded.Docs.BaseURL, original.Docs.BaseURL)
	}
	if loaded.ResponseTimeout() != 90*time.Second {
		t.Errorf("expected 90s response timeout, got %v", loaded.ResponseTimeout())
	}
	if !loaded.HTTP.Enabled || !loaded.ArchiveFrames {
		t.Errorf("expected flags preserved, got http=%v archive=%v", loaded.HTTP.Enabled, loaded.ArchiveFrames)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.json")

	if err := Save(path, &Config{LogLevel: "info"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	t.Setenv(EnvURL, "wss://override.example/ws")
	t.Setenv(EnvToken, "env-token")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.URL != "wss://override.example/ws" {
		t.Errorf("expected env url, got %q", cfg.Server.URL)
	}
	if cfg.Server.Token != "env-token" {
		t.Errorf("expected env token, got %q", cfg.Server.Token)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected env log level, got %q", cfg.LogLevel)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	dotenv := "DOCCHAT_DOCS_URL=https://dotenv.example/docs/\nDOCCHAT_TOKEN=from-file\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(dotenv), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvToken, "from-process")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Docs.BaseURL != "https://dotenv.example/docs/" {
		t.Errorf("expected .env docs url, got %q", cfg.Docs.BaseURL)
	}
	if cfg.Server.Token != "from-process" {
		t.Errorf("expected process env to win over .env, got %q", cfg.Server.Token)
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}

	cfg.Server.URL = "https://chat.example"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-websocket scheme")
	}

	cfg.Server.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty url")
	}
}

func TestPaths(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	if got := cfg.IdentityPath(); got != filepath.Join("/data", "identity.json") {
		t.Errorf("unexpected identity path %q", got)
	}
	if got := cfg.FramesPath("u-1"); got != filepath.Join("/data", "frames", "u-1.jsonl") {
		t.Errorf("unexpected frames path %q", got)
	}
	if got := cfg.FramesPath(""); got != filepath.Join("/data", "frames", "unassigned.jsonl") {
		t.Errorf("unexpected frames path %q", got)
	}
}

func TestListValues(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.Server.Token = "tok-secret-1234"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["server.token"] != "tok-secret-1234" {
		t.Errorf("expected unmasked server.token, got %v", flat["server.token"])
	}

	flat, err = ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["server.token"] != "***1234" {
		t.Errorf("expected masked server.token=***1234, got %v", flat["server.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
	// JSON numbers are float64
	if flat["retry.max_attempts"] != float64(0) {
		t.Errorf("expected retry.max_attempts=0, got %v", flat["retry.max_attempts"])
	}
}

func TestGetValue(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := defaults()
	cfg.Retry.MaxAttempts = 8
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "retry.max_attempts")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(8) {
		t.Errorf("expected retry.max_attempts=8, got %v (%T)", v, v)
	}

	_, err = GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	if err.Error() != "unknown config key: nonexistent.key" {
		t.Errorf("unexpected error %q", err.Error())
	}
}

func TestGetValue_CreatesDefaults(t *testing.T) {
	clearEnv(t)
	v, err := GetValue(tempConfigPath(t), "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSetValue(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	writeTestConfig(t, path, defaults())

	tests := []struct {
		key, value string
		want       any
	}{
		{"log_level", "debug", "debug"},
		{"retry.max_attempts", "3", float64(3)},
		{"http.enabled", "true", true},
		{"custom.setting", "value", "value"},
	}
	for _, tt := range tests {
		if err := SetValue(path, tt.key, tt.value); err != nil {
			t.Fatalf("SetValue(%s) failed: %v", tt.key, err)
		}
		v, err := GetValue(path, tt.key)
		if err != nil {
			t.Fatalf("GetValue(%s) failed: %v", tt.key, err)
		}
		if v != tt.want {
			t.Errorf("%s: expected %v (%T), got %v (%T)", tt.key, tt.want, tt.want, v, v)
		}
	}

	v, err := GetValue(path, "history.settle_ms")
	if err != nil {
		t.Fatal(err)
	}
	if v != float64(500) {
		t.Errorf("expected other values preserved, got %v", v)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}
