// Package config provides configuration types and defaults for modkit.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/modkit/internal/log"
)

// Config holds all configuration options for modkit.
type Config struct {
	Log         LogConfig      `mapstructure:"log"`
	Registry    RegistryConfig `mapstructure:"registry"`
	Tracing     TracingConfig  `mapstructure:"tracing"`
	Journal     JournalConfig  `mapstructure:"journal"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	Bundles     []BundleConfig `mapstructure:"bundles"`
	WatchConfig bool           `mapstructure:"watch_config"` // reload log level when the file changes
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info (default), warn, error
	File  string `mapstructure:"file"`  // empty logs to stderr
}

// RegistryConfig tunes the service registry.
type RegistryConfig struct {
	FilterCache FilterCacheConfig `mapstructure:"filter_cache"`
}

// FilterCacheConfig controls caching of compiled LDAP filters.
type FilterCacheConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Expiration is how long an unused filter stays cached.
	// Default: 10m
	Expiration time.Duration `mapstructure:"expiration"`

	// CleanupInterval is how often expired filters are purged.
	// Default: 30m
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether registry operations are traced.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/modkit/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`

	// ServiceName is reported as the otel service.name resource.
	// Default: "modkit"
	ServiceName string `mapstructure:"service_name"`
}

// JournalConfig controls the sqlite service-event journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // Default: ~/.config/modkit/journal.db
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"` // Default: "127.0.0.1:9464"
}

// BundleConfig selects a bundle to install on `modkit run`.
type BundleConfig struct {
	Name       string         `mapstructure:"name"`
	Start      *bool          `mapstructure:"start"`      // nil = true
	Properties map[string]any `mapstructure:"properties"` // extra bundle headers
}

// ShouldStart returns whether the bundle is started after install
// (defaults to true if nil).
func (b BundleConfig) ShouldStart() bool {
	return b.Start == nil || *b.Start
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/modkit/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "modkit", "traces", "traces.jsonl")
}

// DefaultJournalPath returns ~/.config/modkit/journal.db or empty string if
// home dir unavailable.
func DefaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "modkit", "journal.db")
}

// DefaultBundles returns the bundles `modkit run` installs when none are
// configured.
func DefaultBundles() []BundleConfig {
	return []BundleConfig{
		{Name: "greeter"},
		{Name: "clock"},
		{Name: "console"},
	}
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level: "info",
		},
		Registry: RegistryConfig{
			FilterCache: FilterCacheConfig{
				Enabled:         true,
				Expiration:      10 * time.Minute,
				CleanupInterval: 30 * time.Minute,
			},
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     DefaultTracesFilePath(),
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "modkit",
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    DefaultJournalPath(),
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Bundles: DefaultBundles(),
	}
}

// Validate checks every section.
func Validate(cfg Config) error {
	if err := ValidateLog(cfg.Log); err != nil {
		return err
	}
	if err := ValidateRegistry(cfg.Registry); err != nil {
		return err
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	if err := ValidateJournal(cfg.Journal); err != nil {
		return err
	}
	if err := ValidateMetrics(cfg.Metrics); err != nil {
		return err
	}
	return ValidateBundles(cfg.Bundles)
}

// ValidateLog checks the log level.
func ValidateLog(l LogConfig) error {
	if _, err := log.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// ValidateRegistry checks filter cache durations.
func ValidateRegistry(r RegistryConfig) error {
	if r.FilterCache.Expiration < 0 {
		return fmt.Errorf("registry.filter_cache.expiration must not be negative, got %s", r.FilterCache.Expiration)
	}
	if r.FilterCache.CleanupInterval < 0 {
		return fmt.Errorf("registry.filter_cache.cleanup_interval must not be negative, got %s", r.FilterCache.CleanupInterval)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Path requirements only matter when tracing is on.
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// ValidateJournal requires a path when the journal is enabled.
func ValidateJournal(j JournalConfig) error {
	if j.Enabled && j.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	return nil
}

// ValidateMetrics checks the listen address when metrics are enabled.
func ValidateMetrics(m MetricsConfig) error {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return fmt.Errorf("metrics.listen_addr %q: %w", m.ListenAddr, err)
	}
	return nil
}

// ValidateBundles requires unique, non-empty names.
func ValidateBundles(bundles []BundleConfig) error {
	seen := make(map[string]bool, len(bundles))
	for i, b := range bundles {
		if b.Name == "" {
			return fmt.Errorf("bundles[%d].name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("bundles[%d]: duplicate bundle %q", i, b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# modkit configuration

log:
  # debug, info, warn or error
  level: info
  # Leave empty to log to stderr
  file: ""

registry:
  filter_cache:
    # Cache compiled LDAP filters by their text
    enabled: true
    expiration: 10m
    cleanup_interval: 30m

# Bundles installed by "modkit run", in order
bundles:
  - name: greeter
    properties:
      lang: en
  - name: clock
  - name: console

# Reload the log level when this file changes
watch_config: false

# Service event journal (sqlite)
journal:
  enabled: false
  # path: ~/.config/modkit/journal.db

# Prometheus metrics endpoint
metrics:
  enabled: false
  listen_addr: 127.0.0.1:9464

# Tracing of registry operations
# tracing:
#   enabled: true
#   exporter: file          # none, file, stdout or otlp
#   file_path: ~/.config/modkit/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
#   service_name: modkit
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
