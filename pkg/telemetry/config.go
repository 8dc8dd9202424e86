package telemetry

// Config bundles the observability settings for the lakeforge CLI.
type Config struct {
	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures Prometheus metrics collection.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures span emission.
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns span emission on. Spans go to stderr via the stdout
	// exporter; a synchronous CLI has no collector to ship to.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the telemetry settings used when the config file
// leaves the telemetry section empty.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Namespace: "lakeforge"},
	}
}
