package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// Config selects how an openunify process logs, traces, exports metrics and
// publishes lifecycle events.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment is "development" or "production".
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path.
	Output string

	EnableCaller bool

	// EnableSampling keeps SamplingInitial messages per second, then every
	// SamplingThereafter-th. Used in production where every platform call
	// logs at debug.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is unix, unixms or rfc3339.
	TimeFormat string
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration

	// Headers are sent with every OTLP export.
	Headers  map[string]string
	Insecure bool
}

// MetricsConfig configures the Prometheus registry and its endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are the latency buckets, in seconds, of platform
	// calls, token exchanges and script runs.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the lifecycle event publisher.
type EventsConfig struct {
	Enabled    bool
	BufferSize int

	// EnableAsync delivers events from a background goroutine. When false,
	// Publish calls handlers inline.
	EnableAsync bool
}

// DefaultConfig returns the configuration used when nothing is configured:
// console logging to stdout, tracing, metrics and events off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "openunify",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stdout",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "openunify",
			// Platform APIs answer in tens of milliseconds to tens of seconds.
			DefaultHistogramBuckets: []float64{
				0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
			},
		},
		Events: EventsConfig{
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// ProductionConfig returns JSON logging with sampling and OTLP tracing at a
// 10% sampling rate.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig returns debug console logging and every trace written
// to stdout.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.ServiceVersion == "" {
		errs = append(errs, errors.New("service version is required"))
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q (must be console or json)", c.Logging.Format))
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			errs = append(errs, fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate must be between 0 and 1, got %g", c.Tracing.SamplingRate))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("metrics listen address is required when metrics are enabled"))
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize))
	}

	return errors.Join(errs...)
}
