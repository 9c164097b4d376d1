package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultExtension        = ".pdf"
	DefaultInPlaceFlag      = "-c"
	DefaultTransformTimeout = 5 * time.Minute
	DefaultRegisterTimeout  = 10 * time.Minute
	DefaultRegisterCommand  = "groupfolders:scan"
	DefaultMarker           = "__groupfolders"
	DefaultDebounce         = 2 * time.Second
)

// Config represents the complete stampd configuration
type Config struct {
	Paths      PathsConfig      `yaml:"paths"`
	Scan       ScanConfig       `yaml:"scan"`
	Transform  TransformConfig  `yaml:"transform"`
	Register   RegisterConfig   `yaml:"register"`
	Processing ProcessingConfig `yaml:"processing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Serve      ServeConfig      `yaml:"serve"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	ScanRoot    string `yaml:"scan_root"`
	StateDir    string `yaml:"state_dir"`
	HistoryFile string `yaml:"history_file"`
	FailureFile string `yaml:"failure_file"`
}

// ScanConfig configures which files are tracked
type ScanConfig struct {
	Extensions []string `yaml:"extensions"`
}

// TransformConfig configures the watermarking tool
type TransformConfig struct {
	Command     string        `yaml:"command"`
	Watermark   string        `yaml:"watermark"`
	InPlaceFlag string        `yaml:"in_place_flag"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RegisterConfig configures the registration (occ) tool.
// Command is an argv prefix, e.g. ["php", "/var/www/nextcloud/occ"].
type RegisterConfig struct {
	Command    []string      `yaml:"command"`
	Subcommand string        `yaml:"subcommand"`
	Marker     string        `yaml:"marker"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ProcessingConfig configures per-file processing
type ProcessingConfig struct {
	Workers int `yaml:"workers"`
}

// MetricsConfig configures run metrics output
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// ServeConfig configures the trigger server
type ServeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	ListenAddr string        `yaml:"listen_addr"`
	SecretFile string        `yaml:"secret_file"`
	Debounce   time.Duration `yaml:"debounce"`
	Interval   time.Duration `yaml:"interval"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path-like fields
func (c *Config) expandEnv() {
	c.Paths.ScanRoot = os.ExpandEnv(c.Paths.ScanRoot)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.HistoryFile = os.ExpandEnv(c.Paths.HistoryFile)
	c.Paths.FailureFile = os.ExpandEnv(c.Paths.FailureFile)
	c.Transform.Command = os.ExpandEnv(c.Transform.Command)
	c.Transform.Watermark = os.ExpandEnv(c.Transform.Watermark)
	for i, arg := range c.Register.Command {
		c.Register.Command[i] = os.ExpandEnv(arg)
	}
	c.Metrics.Textfile = os.ExpandEnv(c.Metrics.Textfile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if len(c.Scan.Extensions) == 0 {
		c.Scan.Extensions = []string{DefaultExtension}
	}
	if c.Transform.InPlaceFlag == "" {
		c.Transform.InPlaceFlag = DefaultInPlaceFlag
	}
	if c.Transform.Timeout == 0 {
		c.Transform.Timeout = DefaultTransformTimeout
	}
	if c.Register.Subcommand == "" {
		c.Register.Subcommand = DefaultRegisterCommand
	}
	if c.Register.Marker == "" {
		c.Register.Marker = DefaultMarker
	}
	if c.Register.Timeout == 0 {
		c.Register.Timeout = DefaultRegisterTimeout
	}
	if c.Processing.Workers == 0 {
		c.Processing.Workers = 1
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = DefaultDebounce
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.ScanRoot == "" {
		return fmt.Errorf("paths.scan_root is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}

	// Ensure paths are absolute
	for name, p := range map[string]string{
		"paths.scan_root":    c.Paths.ScanRoot,
		"paths.state_dir":    c.Paths.StateDir,
		"paths.history_file": c.Paths.HistoryFile,
		"paths.failure_file": c.Paths.FailureFile,
	} {
		if p != "" && !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path: %s", name, p)
		}
	}

	for _, ext := range c.Scan.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("invalid scan extension %q (must start with a dot)", ext)
		}
	}

	if c.Transform.Command == "" {
		return fmt.Errorf("transform.command is required")
	}
	if c.Transform.Watermark == "" {
		return fmt.Errorf("transform.watermark is required")
	}
	if c.Transform.Timeout < 0 {
		return fmt.Errorf("transform.timeout must not be negative")
	}

	if len(c.Register.Command) == 0 || c.Register.Command[0] == "" {
		return fmt.Errorf("register.command is required")
	}
	if strings.Contains(c.Register.Marker, "/") {
		return fmt.Errorf("register.marker must be a single path segment: %s", c.Register.Marker)
	}
	if c.Register.Timeout < 0 {
		return fmt.Errorf("register.timeout must not be negative")
	}

	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be at least 1, got %d", c.Processing.Workers)
	}

	if c.Metrics.Textfile != "" && !filepath.IsAbs(c.Metrics.Textfile) {
		return fmt.Errorf("metrics.textfile must be an absolute path: %s", c.Metrics.Textfile)
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.SecretFile == "" {
			return fmt.Errorf("serve.secret_file is required when serve is enabled")
		}
	}
	if c.Serve.Interval < 0 {
		return fmt.Errorf("serve.interval must not be negative")
	}

	return nil
}

// HistoryFilePath returns the path to the history snapshot
func (c *Config) HistoryFilePath() string {
	if c.Paths.HistoryFile != "" {
		return c.Paths.HistoryFile
	}
	return filepath.Join(c.Paths.StateDir, "history.json")
}

// FailureFilePath returns the path to the failure report
func (c *Config) FailureFilePath() string {
	if c.Paths.FailureFile != "" {
		return c.Paths.FailureFile
	}
	return filepath.Join(c.Paths.StateDir, "failures.log")
}

// LockFilePath returns the path to the run lock
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Paths.StateDir, "stampd.lock")
}
