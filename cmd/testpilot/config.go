package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all testpilot CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	HTTPTimeout     string `json:"http_timeout"`
	MaxResponseBody int64  `json:"max_response_body"`
	TLSSkipVerify   bool   `json:"tls_skip_verify"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(testpilotDir(), "testpilot.db"),
		LogLevel:        "info",
		HTTPTimeout:     "30s",
		MaxResponseBody: 10 * 1024 * 1024,
	}
}

func testpilotDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".testpilot"
	}
	return filepath.Join(home, ".testpilot")
}

func settingsPath() string {
	return filepath.Join(testpilotDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TESTPILOT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TESTPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TESTPILOT_HTTP_TIMEOUT"); v != "" {
		cfg.HTTPTimeout = v
	}
	if v := os.Getenv("TESTPILOT_MAX_RESPONSE_BODY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxResponseBody = n
		}
	}
	if v := os.Getenv("TESTPILOT_TLS_SKIP_VERIFY"); v != "" {
		cfg.TLSSkipVerify = v == "true" || v == "1"
	}

	return cfg
}

// httpTimeout parses the configured timeout, falling back to 30s on a bad
// value.
func (c Config) httpTimeout() time.Duration {
	d, err := time.ParseDuration(c.HTTPTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
