// Package config provides the typed configuration for piper.
//
// A Config is built once at startup (defaults, then the config file, then
// PIPER_<SECTION>__<KEY> environment overrides) and passed explicitly to every
// component. There is no process-wide cached instance; tests construct a fresh
// value with DefaultConfig.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	perrors "github.com/piper/piper/internal/errors"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "PIPER"

// ConfigFileEnv names the environment variable that points at a config file.
const ConfigFileEnv = "PIPER_CONFIG_FILE"

// DefaultConfigFile is read when present and no explicit file is given.
const DefaultConfigFile = "conf/piper.yaml"

// Config holds the unified configuration for piper.
type Config struct {
	Paths   PathsConfig   `mapstructure:"paths" yaml:"paths"`
	Ingest  IngestConfig  `mapstructure:"ingest" yaml:"ingest"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Export  ExportConfig  `mapstructure:"export" yaml:"export"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// File is the config file that was loaded, empty if none.
	File string `mapstructure:"-" yaml:"-"`
}

// PathsConfig holds the filesystem roots.
type PathsConfig struct {
	// RawRoot is the producer-owned source tree; piper never writes to it
	RawRoot string `mapstructure:"raw_root" yaml:"raw_root"`

	// DataRoot is the managed output root; everything piper writes lives here
	DataRoot string `mapstructure:"data_root" yaml:"data_root"`
}

// IngestConfig controls ingestion behaviour.
type IngestConfig struct {
	// SettleWindow is the minimum file age before a file is read
	SettleWindow time.Duration `mapstructure:"settle_window" yaml:"settle_window"`

	// Extension is the telemetry file extension, including the dot
	Extension string `mapstructure:"extension" yaml:"extension"`

	// ClockSkewTolerance is how far in the future an event may be timestamped
	ClockSkewTolerance time.Duration `mapstructure:"clock_skew_tolerance" yaml:"clock_skew_tolerance"`
}

// LoggingConfig holds logging verbosity and output format.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// Format is json or text
	Format string `mapstructure:"format" yaml:"format"`
}

// ExportConfig holds Parquet export configuration.
type ExportConfig struct {
	// Destination is where the export is published: none, local, s3
	Destination string `mapstructure:"destination" yaml:"destination"`

	// Path is the base directory for the local destination
	Path string `mapstructure:"path" yaml:"path"`

	// Prefix is prepended to every published object path
	Prefix string `mapstructure:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 destination)
	S3 S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config holds S3 publish configuration.
type S3Config struct {
	Bucket       string `mapstructure:"bucket" yaml:"bucket"`
	Region       string `mapstructure:"region" yaml:"region"`
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
}

// MetricsConfig holds run metrics configuration.
type MetricsConfig struct {
	// Textfile is a node-exporter textfile path; empty disables metrics output
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			RawRoot:  "/groups/sandwich/05_production/.telemetry/raw",
			DataRoot: "/groups/sandwich/05_production/.telemetry",
		},
		Ingest: IngestConfig{
			SettleWindow:       120 * time.Second,
			Extension:          ".jsonl",
			ClockSkewTolerance: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Export: ExportConfig{
			Destination: "none",
		},
	}
}

// Load resolves the configuration from defaults, the config file and the
// environment. An explicit path wins over PIPER_CONFIG_FILE, which wins over
// DefaultConfigFile. A named file that does not exist is an error; the
// default file is optional.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	file, err := resolveFile(path)
	if err != nil {
		return nil, err
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, perrors.NewConfigError(fmt.Sprintf("failed to read config file %s", file), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, perrors.NewConfigError("failed to decode configuration", err)
	}
	cfg.File = file
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveFile(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", perrors.NewConfigError(fmt.Sprintf("config file not found: %s", path), err)
		}
		return path, nil
	}
	if env := os.Getenv(ConfigFileEnv); env != "" {
		info, err := os.Stat(env)
		if err != nil || info.IsDir() {
			return "", perrors.NewConfigError(fmt.Sprintf("%s not found: %s", ConfigFileEnv, env), err)
		}
		return env, nil
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile, nil
	}
	return "", nil
}

// setDefaults registers every key so AutomaticEnv can override keys that the
// config file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("paths.raw_root", d.Paths.RawRoot)
	v.SetDefault("paths.data_root", d.Paths.DataRoot)
	v.SetDefault("ingest.settle_window", d.Ingest.SettleWindow)
	v.SetDefault("ingest.extension", d.Ingest.Extension)
	v.SetDefault("ingest.clock_skew_tolerance", d.Ingest.ClockSkewTolerance)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("export.destination", d.Export.Destination)
	v.SetDefault("export.path", d.Export.Path)
	v.SetDefault("export.prefix", d.Export.Prefix)
	v.SetDefault("export.s3.bucket", d.Export.S3.Bucket)
	v.SetDefault("export.s3.region", d.Export.S3.Region)
	v.SetDefault("export.s3.endpoint", d.Export.S3.Endpoint)
	v.SetDefault("export.s3.use_path_style", d.Export.S3.UsePathStyle)
	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
}

// Normalize lower-cases enumerated values and fills derived defaults.
func (c *Config) Normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "warning" {
		c.Logging.Level = "warn"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Export.Destination = strings.ToLower(strings.TrimSpace(c.Export.Destination))
	if c.Export.Destination == "" {
		c.Export.Destination = "none"
	}
	if c.Ingest.Extension != "" && !strings.HasPrefix(c.Ingest.Extension, ".") {
		c.Ingest.Extension = "." + c.Ingest.Extension
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Paths.RawRoot == "" {
		return perrors.NewConfigError("paths.raw_root is required", nil)
	}
	if c.Paths.DataRoot == "" {
		return perrors.NewConfigError("paths.data_root is required", nil)
	}

	if c.Ingest.SettleWindow < 0 {
		return perrors.NewConfigError(fmt.Sprintf("ingest.settle_window must not be negative, got %s", c.Ingest.SettleWindow), nil)
	}
	if c.Ingest.ClockSkewTolerance < 0 {
		return perrors.NewConfigError(fmt.Sprintf("ingest.clock_skew_tolerance must not be negative, got %s", c.Ingest.ClockSkewTolerance), nil)
	}
	if c.Ingest.Extension == "" {
		return perrors.NewConfigError("ingest.extension is required", nil)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return perrors.NewConfigError(fmt.Sprintf("invalid logging.level: %q (must be debug, info, warn, or error)", c.Logging.Level), nil)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return perrors.NewConfigError(fmt.Sprintf("invalid logging.format: %q (must be json or text)", c.Logging.Format), nil)
	}

	switch c.Export.Destination {
	case "none":
	case "local":
		if c.Export.Path == "" {
			return perrors.NewConfigError("export.path is required when destination is local", nil)
		}
	case "s3":
		if c.Export.S3.Bucket == "" {
			return perrors.NewConfigError("export.s3.bucket is required when destination is s3", nil)
		}
	default:
		return perrors.NewConfigError(fmt.Sprintf("invalid export.destination: %q (must be none, local, or s3)", c.Export.Destination), nil)
	}

	return nil
}

// WarehouseDir returns the directory holding the SQLite warehouse.
func (c *Config) WarehouseDir() string {
	return filepath.Join(c.Paths.DataRoot, "warehouse")
}

// WarehousePath returns the path to the warehouse database.
func (c *Config) WarehousePath() string {
	return filepath.Join(c.WarehouseDir(), "telemetry.db")
}

// SilverDir returns the Parquet export root.
func (c *Config) SilverDir() string {
	return filepath.Join(c.Paths.DataRoot, "silver")
}

// StateDir returns the directory holding the run lock.
func (c *Config) StateDir() string {
	return filepath.Join(c.Paths.DataRoot, "state")
}

// QuarantineDir returns the quarantine root; day partitions are created beneath it.
func (c *Config) QuarantineDir() string {
	return filepath.Join(c.Paths.DataRoot, "quarantine", "invalid_jsonl")
}

// RunLogsDir returns the per-run log root.
func (c *Config) RunLogsDir() string {
	return filepath.Join(c.Paths.DataRoot, "run_logs")
}

// EnsureDirectories creates all managed output directories. RawRoot is
// producer-owned and never created.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.WarehouseDir(),
		c.SilverDir(),
		c.StateDir(),
		c.QuarantineDir(),
		c.RunLogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
