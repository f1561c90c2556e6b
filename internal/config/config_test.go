package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("WARPGATE_SERVER__PORT")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Usage.ThrottleThreshold != 0.95 {
		t.Errorf("throttle threshold = %v, want 0.95", cfg.Usage.ThrottleThreshold)
	}
	if cfg.Auth.RefreshBuffer != "2m" {
		t.Errorf("refresh buffer = %q, want 2m", cfg.Auth.RefreshBuffer)
	}
	if cfg.Storage.Type != "none" {
		t.Errorf("storage type = %q, want none", cfg.Storage.Type)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("WARPGATE_SERVER__PORT", "9000")
	t.Setenv("WARPGATE_UPSTREAM__IDLE_TIMEOUT", "45s")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Upstream.IdleTimeout != "45s" {
		t.Errorf("idle timeout = %q, want 45s", cfg.Upstream.IdleTimeout)
	}
}

func TestLoad_FileWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_CLIENT_KEY", "key-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 8123
auth:
  client_key: ${TEST_CLIENT_KEY}
models:
  defaults:
    base: agent-default
  catalog:
    - id: agent-default
    - id: agent-lite
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Port != 8123 {
		t.Errorf("port = %d, want 8123", cfg.Server.Port)
	}
	if cfg.Auth.ClientKey != "key-from-env" {
		t.Errorf("client key = %q, want the substituted env value", cfg.Auth.ClientKey)
	}
	ids := cfg.Models.KnownModelIDs()
	if len(ids) != 2 || ids[0] != "agent-default" {
		t.Errorf("catalog ids = %v", ids)
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple substitution", "${TEST_VAR}", "test-value"},
		{"substitution in string", "prefix-${TEST_VAR}-suffix", "prefix-test-value-suffix"},
		{"no substitution", "plain-string", "plain-string"},
		{"undefined var", "${UNDEFINED_VAR}", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in       string
		fallback time.Duration
		want     time.Duration
	}{
		{"30s", time.Minute, 30 * time.Second},
		{"", time.Minute, time.Minute},
		{"garbage", time.Minute, time.Minute},
		{"-5s", time.Minute, time.Minute},
	}

	for _, tt := range tests {
		if got := Duration(tt.in, tt.fallback); got != tt.want {
			t.Errorf("Duration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
