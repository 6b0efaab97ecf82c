package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingCredential is returned when no oracle credential can be resolved.
var ErrMissingCredential = errors.New("oracle credential not set")

// IO modes for the worker's standard streams.
const (
	IOPassthrough = "passthrough"
	IOCaptured    = "captured"
)

// ArtifactPlaceholder in worker.args is replaced with the artifact path.
const ArtifactPlaceholder = "{artifact}"

// Config is the fully resolved supervisor configuration.
type Config struct {
	Worker     WorkerConfig     `mapstructure:"worker"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Installer  InstallerConfig  `mapstructure:"installer"`
	Manifest   ManifestConfig   `mapstructure:"manifest"`
	History    HistoryConfig    `mapstructure:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Log        LogConfig        `mapstructure:"log"`
}

type WorkerConfig struct {
	Command         string       `mapstructure:"command"`
	Args            []string     `mapstructure:"args"`
	Artifact        string       `mapstructure:"artifact"`
	Dir             string       `mapstructure:"dir"`
	IOMode          string       `mapstructure:"io_mode"`
	Staging         string       `mapstructure:"staging"`
	RestartExitCode int          `mapstructure:"restart_exit_code"`
	Limits          LimitsConfig `mapstructure:"limits"`
}

type LimitsConfig struct {
	MemoryMB   int64 `mapstructure:"memory_mb"`
	CPUPercent int   `mapstructure:"cpu_percent"`
	CPUWeight  int   `mapstructure:"cpu_weight"`
}

type PathsConfig struct {
	StateDir   string `mapstructure:"state_dir"`
	Backup     string `mapstructure:"backup"`
	FailureLog string `mapstructure:"failure_log"`
	Manifest   string `mapstructure:"manifest"`
}

type SupervisorConfig struct {
	CrashThreshold    int           `mapstructure:"crash_threshold"`
	CrashBackoff      time.Duration `mapstructure:"crash_backoff"`
	HealBackoff       time.Duration `mapstructure:"heal_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	FailureLogLimit   int64         `mapstructure:"failure_log_limit"`
	KillGrace         time.Duration `mapstructure:"kill_grace"`
}

type ClassifierConfig struct {
	SignaturesFile string `mapstructure:"signatures_file"`
}

type OracleConfig struct {
	Provider     string        `mapstructure:"provider"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ExcerptChars int           `mapstructure:"excerpt_chars"`
	MaxPerMinute int           `mapstructure:"max_per_minute"`
}

type InstallerConfig struct {
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ManifestConfig struct {
	Dedupe bool `mapstructure:"dedupe"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`

	// Retention is how long events are kept; 0 keeps them forever.
	Retention time.Duration `mapstructure:"retention"`
}

type MetricsConfig struct {
	Listen   string `mapstructure:"listen"`
	Textfile string `mapstructure:"textfile"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Environment string  `mapstructure:"environment"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	File  string `mapstructure:"file"`
}

// SetDefaults registers every default in one place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("worker.command", "python3")
	v.SetDefault("worker.args", []string{ArtifactPlaceholder})
	v.SetDefault("worker.artifact", "worker.py")
	v.SetDefault("worker.dir", "")
	v.SetDefault("worker.io_mode", IOCaptured)
	v.SetDefault("worker.staging", "")
	v.SetDefault("worker.restart_exit_code", 1)
	v.SetDefault("worker.limits.memory_mb", 0)
	v.SetDefault("worker.limits.cpu_percent", 0)
	v.SetDefault("worker.limits.cpu_weight", 0)

	v.SetDefault("paths.state_dir", ".warden")
	v.SetDefault("paths.backup", "")
	v.SetDefault("paths.failure_log", "")
	v.SetDefault("paths.manifest", "requirements.txt")

	v.SetDefault("supervisor.crash_threshold", 3)
	v.SetDefault("supervisor.crash_backoff", 3*time.Second)
	v.SetDefault("supervisor.heal_backoff", 1*time.Second)
	v.SetDefault("supervisor.backoff_multiplier", 1.0)
	v.SetDefault("supervisor.max_backoff", 30*time.Second)
	v.SetDefault("supervisor.failure_log_limit", 64*1024)
	v.SetDefault("supervisor.kill_grace", 0)

	v.SetDefault("classifier.signatures_file", "")

	v.SetDefault("oracle.provider", "gemini")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.model", "")
	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.timeout", 20*time.Second)
	v.SetDefault("oracle.excerpt_chars", 2000)
	v.SetDefault("oracle.max_per_minute", 6)

	v.SetDefault("installer.command", "pip install -r {manifest}")
	v.SetDefault("installer.timeout", 5*time.Minute)

	v.SetDefault("manifest.dedupe", false)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.retention", 30*24*time.Hour)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.textfile", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.environment", "production")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
}

// NewViper returns a viper instance with defaults and WARDEN_* environment
// binding applied. If cfgFile is empty, ./warden.yaml is read when present.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("warden")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("warden")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load unmarshals v, fills derived paths and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePaths fills derived paths. Worker files are resolved against
// worker.dir, where the worker and the installer run, and made absolute so
// the supervisor, the worker and the installer all name the same file.
func (c *Config) resolvePaths() {
	c.Worker.Artifact = c.workerPath(c.Worker.Artifact)
	if c.Worker.Staging == "" && c.Worker.Artifact != "" {
		c.Worker.Staging = c.Worker.Artifact + ".next"
	}
	if c.Paths.Backup == "" && c.Worker.Artifact != "" {
		c.Paths.Backup = c.Worker.Artifact + ".bak"
	}
	c.Worker.Staging = c.workerPath(c.Worker.Staging)
	c.Paths.Backup = c.workerPath(c.Paths.Backup)
	c.Paths.Manifest = c.workerPath(c.Paths.Manifest)

	if c.Paths.FailureLog == "" {
		c.Paths.FailureLog = filepath.Join(c.Paths.StateDir, "crash.log")
	}
	if c.History.DSN == "" && c.History.Driver == "sqlite" {
		c.History.DSN = filepath.Join(c.Paths.StateDir, "history.db")
	}
}

func (c *Config) workerPath(p string) string {
	if p == "" {
		return p
	}
	if !filepath.IsAbs(p) && c.Worker.Dir != "" {
		p = filepath.Join(c.Worker.Dir, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Validate checks values that would otherwise fail deep inside the loop.
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.Command == "" {
		errs = append(errs, errors.New("worker.command is required"))
	}
	if c.Worker.Artifact == "" {
		errs = append(errs, errors.New("worker.artifact is required"))
	}
	switch c.Worker.IOMode {
	case IOPassthrough, IOCaptured:
	default:
		errs = append(errs, fmt.Errorf("worker.io_mode %q: must be %s or %s", c.Worker.IOMode, IOPassthrough, IOCaptured))
	}
	if c.Worker.Limits.MemoryMB < 0 || c.Worker.Limits.CPUPercent < 0 {
		errs = append(errs, errors.New("worker.limits must be >= 0"))
	}
	if c.Worker.Limits.CPUWeight < 0 || c.Worker.Limits.CPUWeight > 10000 {
		errs = append(errs, fmt.Errorf("worker.limits.cpu_weight must be 0-10000, got %d", c.Worker.Limits.CPUWeight))
	}
	if c.Supervisor.CrashThreshold < 0 {
		errs = append(errs, fmt.Errorf("supervisor.crash_threshold must be >= 0, got %d", c.Supervisor.CrashThreshold))
	}
	for key, d := range map[string]time.Duration{
		"supervisor.crash_backoff": c.Supervisor.CrashBackoff,
		"supervisor.heal_backoff":  c.Supervisor.HealBackoff,
		"oracle.timeout":           c.Oracle.Timeout,
		"installer.timeout":        c.Installer.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.Supervisor.FailureLogLimit <= 0 {
		errs = append(errs, errors.New("supervisor.failure_log_limit must be positive"))
	}
	if c.Oracle.ExcerptChars <= 0 {
		errs = append(errs, errors.New("oracle.excerpt_chars must be positive"))
	}
	switch c.Oracle.Provider {
	case "gemini", "openai":
	default:
		errs = append(errs, fmt.Errorf("oracle.provider %q: must be gemini or openai", c.Oracle.Provider))
	}
	if strings.TrimSpace(c.Installer.Command) == "" {
		errs = append(errs, errors.New("installer.command is required"))
	}
	if c.History.Enabled {
		switch c.History.Driver {
		case "sqlite", "postgres", "memory":
		default:
			errs = append(errs, fmt.Errorf("history.driver %q: must be sqlite, postgres or memory", c.History.Driver))
		}
		if c.History.Driver == "postgres" && c.History.DSN == "" {
			errs = append(errs, errors.New("history.dsn is required for postgres"))
		}
		if c.History.Retention < 0 {
			errs = append(errs, errors.New("history.retention must not be negative"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// providerEnv maps an oracle provider to its conventional credential variable.
var providerEnv = map[string]string{
	"gemini": "GEMINI_API_KEY",
	"openai": "OPENAI_API_KEY",
}

// ResolveCredential returns the oracle credential from oracle.api_key (which
// also covers WARDEN_ORACLE_API_KEY) or the provider's conventional variable.
func (c *Config) ResolveCredential() (string, error) {
	if key := strings.TrimSpace(c.Oracle.APIKey); key != "" {
		return key, nil
	}
	if name, ok := providerEnv[c.Oracle.Provider]; ok {
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("%w: set oracle.api_key, WARDEN_ORACLE_API_KEY or %s", ErrMissingCredential, name)
	}
	return "", fmt.Errorf("%w: set oracle.api_key or WARDEN_ORACLE_API_KEY", ErrMissingCredential)
}

// WorkerArgs returns worker.args with the artifact placeholder expanded.
func (c *Config) WorkerArgs() []string {
	args := make([]string, len(c.Worker.Args))
	for i, a := range c.Worker.Args {
		args[i] = strings.ReplaceAll(a, ArtifactPlaceholder, c.Worker.Artifact)
	}
	return args
}
