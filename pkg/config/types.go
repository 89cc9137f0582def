package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openunify/openunify/pkg/telemetry"
)

// SecretKeyEnv names the environment variable the secrets key is read from
// when the config file does not carry one.
const SecretKeyEnv = "OPENUNIFY_SECRET_KEY"

// Config is the configuration of an openunify process.
type Config struct {
	// Store is the SQLite database holding definitions, secrets and the
	// sqlite cache tier.
	Store StoreConfig `json:"store" yaml:"store"`

	Secrets     SecretsConfig     `json:"secrets" yaml:"secrets"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	Sandbox     SandboxConfig     `json:"sandbox" yaml:"sandbox"`
	Credentials CredentialsConfig `json:"credentials" yaml:"credentials"`
	HTTP        HTTPConfig        `json:"http" yaml:"http"`
	Definitions DefinitionsConfig `json:"definitions" yaml:"definitions"`
	Policy      PolicyConfig      `json:"policy" yaml:"policy"`
	Telemetry   TelemetryConfig   `json:"telemetry" yaml:"telemetry"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path         string `json:"path" yaml:"path" validate:"required"`
	MaxOpenConns int    `json:"maxOpenConns" yaml:"maxOpenConns" validate:"min=1"`
}

// SecretsConfig configures sealing of stored credentials.
type SecretsConfig struct {
	// Key is the hex encoded 32 byte sealing key.
	Key string `json:"key,omitempty" yaml:"key,omitempty" validate:"omitempty,hexadecimal,len=64"`

	// KeyFile holds the hex encoded key, as an alternative to Key.
	KeyFile string `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
}

// CacheConfig configures the two cache tiers.
type CacheConfig struct {
	// Backend is the distributed tier: none, redis or sqlite.
	Backend  string `json:"backend" yaml:"backend" validate:"oneof=none redis sqlite"`
	RedisURL string `json:"redisUrl,omitempty" yaml:"redisUrl,omitempty" validate:"required_if=Backend redis,omitempty,url"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	LocalSize   int      `json:"localSize" yaml:"localSize" validate:"min=1"`
	LocalTTL    Duration `json:"localTtl" yaml:"localTtl"`
	LoadTimeout Duration `json:"loadTimeout" yaml:"loadTimeout"`

	TTL TTLConfig `json:"ttl" yaml:"ttl"`
}

// TTLConfig holds the cache lifetime of each record kind.
type TTLConfig struct {
	ConnectionDefinition Duration `json:"connectionDefinition" yaml:"connectionDefinition"`
	ModelDefinition      Duration `json:"modelDefinition" yaml:"modelDefinition"`
	OAuthDefinition      Duration `json:"oauthDefinition" yaml:"oauthDefinition"`
	CommonModel          Duration `json:"commonModel" yaml:"commonModel"`
}

// SandboxConfig bounds authentication script runs.
type SandboxConfig struct {
	Timeout  Duration `json:"timeout" yaml:"timeout"`
	MaxSteps uint64   `json:"maxSteps" yaml:"maxSteps" validate:"min=1"`
}

// CredentialsConfig configures the credential lifecycle.
type CredentialsConfig struct {
	// GuardWindow is how long before expiry a credential is refreshed.
	GuardWindow    Duration `json:"guardWindow" yaml:"guardWindow"`
	RefreshTimeout Duration `json:"refreshTimeout" yaml:"refreshTimeout"`
	TokenTimeout   Duration `json:"tokenTimeout" yaml:"tokenTimeout"`
}

// HTTPConfig configures outbound platform calls.
type HTTPConfig struct {
	RequestTimeout   Duration `json:"requestTimeout" yaml:"requestTimeout"`
	MaxResponseBytes int64    `json:"maxResponseBytes" yaml:"maxResponseBytes" validate:"min=1"`
}

// DefinitionsConfig locates definition bundles.
type DefinitionsConfig struct {
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`
}

// PolicyConfig locates admission policies.
type PolicyConfig struct {
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// DisableBuiltin turns off the built-in definition policies.
	DisableBuiltin bool `json:"disableBuiltin,omitempty" yaml:"disableBuiltin,omitempty"`
}

// TelemetryConfig selects logging, tracing, metrics and events.
type TelemetryConfig struct {
	Environment string `json:"environment" yaml:"environment" validate:"oneof=development production"`
	LogLevel    string `json:"logLevel" yaml:"logLevel" validate:"oneof=trace debug info warn error fatal"`
	LogFormat   string `json:"logFormat" yaml:"logFormat" validate:"oneof=console json"`

	TraceExporter string  `json:"traceExporter" yaml:"traceExporter" validate:"oneof=none stdout otlp"`
	TraceEndpoint string  `json:"traceEndpoint,omitempty" yaml:"traceEndpoint,omitempty" validate:"required_if=TraceExporter otlp"`
	SamplingRate  float64 `json:"samplingRate" yaml:"samplingRate" validate:"min=0,max=1"`

	MetricsAddress string `json:"metricsAddress,omitempty" yaml:"metricsAddress,omitempty"`
	Events         bool   `json:"events" yaml:"events"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: "openunify.db", MaxOpenConns: 1},
		Cache: CacheConfig{
			Backend:     "none",
			LocalSize:   1024,
			LocalTTL:    Duration(time.Minute),
			LoadTimeout: Duration(30 * time.Second),
			TTL: TTLConfig{
				ConnectionDefinition: Duration(10 * time.Minute),
				ModelDefinition:      Duration(10 * time.Minute),
				OAuthDefinition:      Duration(10 * time.Minute),
				CommonModel:          Duration(30 * time.Minute),
			},
		},
		Sandbox: SandboxConfig{
			Timeout:  Duration(5 * time.Second),
			MaxSteps: 1_000_000,
		},
		Credentials: CredentialsConfig{
			GuardWindow:    Duration(2 * time.Minute),
			RefreshTimeout: Duration(time.Minute),
			TokenTimeout:   Duration(30 * time.Second),
		},
		HTTP: HTTPConfig{
			RequestTimeout:   Duration(30 * time.Second),
			MaxResponseBytes: 10 << 20,
		},
		Telemetry: TelemetryConfig{
			Environment:   "development",
			LogLevel:      "info",
			LogFormat:     "console",
			TraceExporter: "none",
			SamplingRate:  1.0,
		},
	}
}

// SecretKey returns the sealing key from the config, the key file, or the
// OPENUNIFY_SECRET_KEY environment variable, in that order.
func (c *Config) SecretKey() ([]byte, error) {
	encoded := c.Secrets.Key
	if encoded == "" && c.Secrets.KeyFile != "" {
		data, err := os.ReadFile(c.Secrets.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read secrets key file: %w", err)
		}
		encoded = strings.TrimSpace(string(data))
	}
	if encoded == "" {
		encoded = os.Getenv(SecretKeyEnv)
	}
	if encoded == "" {
		return nil, fmt.Errorf("no secrets key configured (set secrets.key, secrets.keyFile or %s)", SecretKeyEnv)
	}
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secrets key is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// TelemetryConfig converts the telemetry section to the telemetry package's
// configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	var tc *telemetry.Config
	if c.Telemetry.Environment == "production" {
		tc = telemetry.ProductionConfig()
	} else {
		tc = telemetry.DevelopmentConfig()
	}
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Logging.Output = "stderr"

	tc.Tracing.Enabled = c.Telemetry.TraceExporter != "none"
	tc.Tracing.Exporter = c.Telemetry.TraceExporter
	tc.Tracing.Endpoint = c.Telemetry.TraceEndpoint
	tc.Tracing.SamplingRate = c.Telemetry.SamplingRate

	tc.Metrics.Enabled = c.Telemetry.MetricsAddress != ""
	if tc.Metrics.Enabled {
		tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	}
	tc.Events.Enabled = c.Telemetry.Events
	return tc
}

// Duration is a time.Duration written as a Go duration string, e.g. "90s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}
