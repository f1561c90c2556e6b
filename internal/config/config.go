// Package config loads bridge configuration from config.yaml and
// WARPGATE_-prefixed environment variables, env taking precedence.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Auth      AuthConfig      `koanf:"auth"`
	Models    ModelsConfig    `koanf:"models"`
	Usage     UsageConfig     `koanf:"usage"`
	Storage   StorageConfig   `koanf:"storage"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// APIKey guards the caller-facing API. Empty disables caller auth.
	APIKey         string `koanf:"api_key"`
	RequestTimeout string `koanf:"request_timeout"`
}

type UpstreamConfig struct {
	StreamURL     string `koanf:"stream_url"`
	QuotaURL      string `koanf:"quota_url"`
	ClientVersion string `koanf:"client_version"`
	IdleTimeout   string `koanf:"idle_timeout"`
}

type AuthConfig struct {
	SignupURL   string `koanf:"signup_url"`
	ExchangeURL string `koanf:"exchange_url"`
	GrantURL    string `koanf:"grant_url"`
	ClientKey   string `koanf:"client_key"`
	// RefreshBuffer is the call-time freshness margin; RefreshSchedule is
	// the cron spec for background proactive refresh.
	RefreshBuffer   string `koanf:"refresh_buffer"`
	RefreshSchedule string `koanf:"refresh_schedule"`
	MaxAttempts     int    `koanf:"max_attempts"`
}

type ModelsConfig struct {
	Defaults ModelDefaults `koanf:"defaults"`
	Catalog  []CatalogItem `koanf:"catalog"`
}

type ModelDefaults struct {
	Base     string `koanf:"base"`
	Planning string `koanf:"planning"`
	Coding   string `koanf:"coding"`
}

type CatalogItem struct {
	ID      string `koanf:"id"`
	OwnedBy string `koanf:"owned_by"`
	Created int64  `koanf:"created"`
}

type UsageConfig struct {
	Staleness         string  `koanf:"staleness"`
	ThrottleThreshold float64 `koanf:"throttle_threshold"`
	WarmSchedule      string  `koanf:"warm_schedule"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile loads configuration from the given YAML file, then overlays
// WARPGATE_ environment variables (double underscore maps to nesting).
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// A missing file is fine; env vars carry the config.
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("WARPGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "WARPGATE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Secrets may be referenced as ${VAR} in the file.
	cfg.Server.APIKey = substituteEnvVars(cfg.Server.APIKey)
	cfg.Auth.ClientKey = substituteEnvVars(cfg.Auth.ClientKey)

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":              8080,
		"server.request_timeout":   "300s",
		"upstream.idle_timeout":    "30s",
		"auth.refresh_buffer":      "2m",
		"auth.refresh_schedule":    "@every 10m",
		"auth.max_attempts":        3,
		"usage.staleness":          "5m",
		"usage.throttle_threshold": 0.95,
		"storage.type":             "none",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Duration parses a duration field, falling back when unset or malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// KnownModelIDs lists the catalog ids for model-name validation.
func (m ModelsConfig) KnownModelIDs() []string {
	ids := make([]string, 0, len(m.Catalog))
	for _, item := range m.Catalog {
		ids = append(ids, item.ID)
	}
	return ids
}
