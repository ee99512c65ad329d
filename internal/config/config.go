// internal/config/config.go
//
// This package handles configuration and the .smartaudit directory structure.
// Every project that runs smartaudit gets a .smartaudit/ folder in its root
// holding logs, downloaded reports and config.yaml.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectDirName is the name of the directory we create in each project
	ProjectDirName = ".smartaudit"

	DefaultPipelineURL     = "http://localhost:8000"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultRetries         = 2
	DefaultPollInterval    = 1500 * time.Millisecond
	DefaultMaxPollFailures = 5
	// DefaultMaxUploadBytes is advisory; larger artifacts only log a warning.
	DefaultMaxUploadBytes int64 = 5 << 20
	DefaultLogLevel             = "info"
)

const defaultProjectConfigYAML = `# smartaudit project configuration
version: 1

pipeline:
  # Base address of the audit pipeline service.
  base_url: http://localhost:8000
  request_timeout: 30s
  # GET requests are retried on 5xx and transport errors. Uploads never are.
  retries: 2

polling:
  interval: 1.5s
  # Consecutive failed status queries before the session is failed.
  max_failures: 5
  # 0 waits forever. Set e.g. 45m to force-fail stuck jobs.
  max_wait: 0s

upload:
  max_bytes: 5242880

logging:
  level: info
  debug: false
`

// Duration wraps time.Duration so YAML can hold values like "1.5s".
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings or plain seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML writes the duration back in Go notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PipelineConfig describes how to reach the pipeline service.
type PipelineConfig struct {
	BaseURL        string   `yaml:"base_url"`
	RequestTimeout Duration `yaml:"request_timeout"`
	Retries        int      `yaml:"retries"`
}

// PollingConfig tunes the status polling loop.
type PollingConfig struct {
	Interval    Duration `yaml:"interval"`
	MaxFailures int      `yaml:"max_failures"`
	MaxWait     Duration `yaml:"max_wait"`
}

// UploadConfig holds advisory upload limits.
type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// LoggingConfig selects log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Debug bool   `yaml:"debug"`
}

// ProjectConfig models .smartaudit/config.yaml.
type ProjectConfig struct {
	Version  int            `yaml:"version"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Polling  PollingConfig  `yaml:"polling"`
	Upload   UploadConfig   `yaml:"upload"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Config holds the runtime configuration for smartaudit.
type Config struct {
	// ProjectDir is the directory where the user ran `smartaudit` from
	ProjectDir string

	// StateDir is ProjectDir/.smartaudit
	StateDir string

	Project ProjectConfig
}

// InitDir creates the .smartaudit directory structure in the given project directory.
//
// Structure created:
// .smartaudit/
// ├── logs/      <- smartaudit.log (structured) and journey.log (TUI panel)
// ├── reports/   <- downloaded PDF reports
// ├── state/
// └── config.yaml
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, ProjectDirName)
	dirs := []string{
		filepath.Join(root, "logs"),
		filepath.Join(root, "reports"),
		filepath.Join(root, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(root, "config.yaml"))
}

// Load builds a Config for projectDir from config.yaml (when present) plus
// environment overrides.
func Load(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir: projectDir,
		StateDir:   filepath.Join(projectDir, ProjectDirName),
		Project:    DefaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	cfg.Project.applyEnvOverrides()
	cfg.Project.normalize()
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// DefaultProjectConfig returns the built-in settings.
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Pipeline: PipelineConfig{
			BaseURL:        DefaultPipelineURL,
			RequestTimeout: Duration(DefaultRequestTimeout),
			Retries:        DefaultRetries,
		},
		Polling: PollingConfig{
			Interval:    Duration(DefaultPollInterval),
			MaxFailures: DefaultMaxPollFailures,
		},
		Upload:  UploadConfig{MaxBytes: DefaultMaxUploadBytes},
		Logging: LoggingConfig{Level: DefaultLogLevel},
	}
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// ReportsDir returns where downloaded PDF reports are written
func (c *Config) ReportsDir() string {
	return filepath.Join(c.StateDir, "reports")
}

// JourneyLogPath returns the human-readable session log shown in the TUI.
func (c *Config) JourneyLogPath() string {
	return filepath.Join(c.LogsDir(), "journey.log")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// PipelineURL returns the configured pipeline base address.
func (c *Config) PipelineURL() string {
	return c.Project.Pipeline.BaseURL
}

// SetPipelineURL overrides the pipeline address for this run (e.g. from a flag).
func (c *Config) SetPipelineURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if err := validateBaseURL(raw); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Project.Pipeline.BaseURL = strings.TrimRight(raw, "/")
	return nil
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := DefaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Pipeline.BaseURL == "" {
		pc.Pipeline.BaseURL = DefaultPipelineURL
	}
	if pc.Pipeline.RequestTimeout <= 0 {
		pc.Pipeline.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if pc.Polling.Interval <= 0 {
		pc.Polling.Interval = Duration(DefaultPollInterval)
	}
	if pc.Polling.MaxFailures <= 0 {
		pc.Polling.MaxFailures = DefaultMaxPollFailures
	}
	if pc.Upload.MaxBytes <= 0 {
		pc.Upload.MaxBytes = DefaultMaxUploadBytes
	}
	if pc.Logging.Level == "" {
		pc.Logging.Level = DefaultLogLevel
	}
}

// applyEnvOverrides mirrors SMARTAUDIT_* variables onto the config.
func (pc *ProjectConfig) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv("SMARTAUDIT_PIPELINE_URL")); value != "" {
		pc.Pipeline.BaseURL = value
	}
	if value := strings.TrimSpace(os.Getenv("SMARTAUDIT_POLL_INTERVAL")); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			pc.Polling.Interval = Duration(parsed)
		}
	}
	if value := strings.TrimSpace(os.Getenv("SMARTAUDIT_MAX_WAIT")); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed >= 0 {
			pc.Polling.MaxWait = Duration(parsed)
		}
	}
	if value := strings.TrimSpace(os.Getenv("SMARTAUDIT_DEBUG")); value != "" {
		if debug, err := strconv.ParseBool(value); err == nil {
			pc.Logging.Debug = debug
		}
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Pipeline.BaseURL = strings.TrimRight(strings.TrimSpace(pc.Pipeline.BaseURL), "/")
	if pc.Pipeline.Retries < 0 {
		pc.Pipeline.Retries = 0
	}
	if pc.Polling.MaxWait < 0 {
		pc.Polling.MaxWait = 0
	}
	pc.Logging.Level = strings.ToLower(strings.TrimSpace(pc.Logging.Level))
	if pc.Logging.Level == "" {
		pc.Logging.Level = DefaultLogLevel
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if err := validateBaseURL(pc.Pipeline.BaseURL); err != nil {
		return fmt.Errorf("pipeline.base_url: %w", err)
	}
	if pc.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive")
	}
	switch pc.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

func validateBaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}

// Save persists the project config back to .smartaudit/config.yaml.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure state dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
