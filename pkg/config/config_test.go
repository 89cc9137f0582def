package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	if cfg.Cache.Backend != "none" || cfg.Cache.LocalSize != 1024 {
		t.Errorf("unexpected cache defaults %+v", cfg.Cache)
	}
	if cfg.Credentials.GuardWindow.Std() != 2*time.Minute {
		t.Errorf("unexpected guard window %v", cfg.Credentials.GuardWindow.Std())
	}
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "cue",
			file: "config.cue",
			content: `
store: path: "/tmp/unify.db"
cache: {
	backend:  "redis"
	redisUrl: "redis://localhost:6379/0"
	ttl: modelDefinition: "5m"
}
credentials: guardWindow: "90s"
telemetry: logLevel: "debug"
`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `
store:
  path: /tmp/unify.db
cache:
  backend: redis
  redisUrl: redis://localhost:6379/0
  ttl:
    modelDefinition: 5m
credentials:
  guardWindow: 90s
telemetry:
  logLevel: debug
`,
		},
		{
			name: "json",
			file: "config.json",
			content: `{
	"store": {"path": "/tmp/unify.db"},
	"cache": {"backend": "redis", "redisUrl": "redis://localhost:6379/0", "ttl": {"modelDefinition": "5m"}},
	"credentials": {"guardWindow": "90s"},
	"telemetry": {"logLevel": "debug"}
}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("failed to load config: %v", err)
			}
			if cfg.Store.Path != "/tmp/unify.db" {
				t.Errorf("unexpected store path %s", cfg.Store.Path)
			}
			if cfg.Cache.Backend != "redis" || cfg.Cache.RedisURL != "redis://localhost:6379/0" {
				t.Errorf("unexpected cache %+v", cfg.Cache)
			}
			if cfg.Cache.TTL.ModelDefinition.Std() != 5*time.Minute {
				t.Errorf("unexpected model definition ttl %v", cfg.Cache.TTL.ModelDefinition.Std())
			}
			if cfg.Cache.TTL.CommonModel.Std() != 30*time.Minute {
				t.Errorf("expected default common model ttl, got %v", cfg.Cache.TTL.CommonModel.Std())
			}
			if cfg.Credentials.GuardWindow.Std() != 90*time.Second {
				t.Errorf("unexpected guard window %v", cfg.Credentials.GuardWindow.Std())
			}
			if cfg.Telemetry.LogLevel != "debug" || cfg.Telemetry.LogFormat != "console" {
				t.Errorf("unexpected telemetry %+v", cfg.Telemetry)
			}
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		contains string
	}{
		{"cue unknown field", "c.cue", `cache: backnd: "redis"`, "backnd"},
		{"cue bad enum", "c.cue", `cache: backend: "memcached"`, "backend"},
		{"cue bad duration", "c.cue", `sandbox: timeout: "soon"`, "timeout"},
		{"cue syntax", "c.cue", `store: {`, "c.cue"},
		{"yaml unknown field", "c.yaml", "cache:\n  backnd: redis\n", "backnd"},
		{"yaml bad duration", "c.yaml", "sandbox:\n  timeout: soon\n", "invalid duration"},
		{"redis without url", "c.json", `{"cache": {"backend": "redis"}}`, "RedisURL"},
		{"zero timeout", "c.json", `{"http": {"requestTimeout": "0s"}}`, "http.requestTimeout"},
		{"bad key", "c.json", `{"secrets": {"key": "abc"}}`, "Secrets.Key"},
		{"unsupported format", "c.toml", `store = 1`, "unsupported config format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("expected error to mention %q, got %v", tt.contains, err)
			}
		})
	}
}

func TestLoader_LoadCUE_ValidationErrors(t *testing.T) {
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	_, err = l.LoadCUE(`telemetry: samplingRate: 2`)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		t.Fatalf("expected validation errors, got %v", err)
	}
}

func TestSecretKey(t *testing.T) {
	keyFile := writeConfig(t, "key", testKey+"\n")

	tests := []struct {
		name    string
		secrets SecretsConfig
		env     string
		wantErr bool
	}{
		{"inline key", SecretsConfig{Key: testKey}, "", false},
		{"key file", SecretsConfig{KeyFile: keyFile}, "", false},
		{"environment", SecretsConfig{}, testKey, false},
		{"missing", SecretsConfig{}, "", true},
		{"short", SecretsConfig{Key: "0011"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(SecretKeyEnv, tt.env)
			cfg := Default()
			cfg.Secrets = tt.secrets

			key, err := cfg.SecretKey()
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(key) != 32 || key[31] != 0x1f {
				t.Errorf("unexpected key %x", key)
			}
		})
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.Environment = "production"
	cfg.Telemetry.TraceExporter = "otlp"
	cfg.Telemetry.TraceEndpoint = "collector:4317"
	cfg.Telemetry.MetricsAddress = ":9100"

	tc := cfg.TelemetryConfig("1.2.3")
	if tc.ServiceVersion != "1.2.3" || tc.Environment != "production" {
		t.Errorf("unexpected service %s/%s", tc.ServiceVersion, tc.Environment)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("unexpected tracing %+v", tc.Tracing)
	}
	if !tc.Metrics.Enabled || tc.Metrics.ListenAddress != ":9100" {
		t.Errorf("unexpected metrics %+v", tc.Metrics)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("expected valid telemetry config: %v", err)
	}

	if dev := Default().TelemetryConfig(""); dev.Tracing.Enabled || dev.Metrics.Enabled {
		t.Errorf("expected tracing and metrics off by default, got %+v / %+v", dev.Tracing, dev.Metrics)
	}
}
