package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Transport names accepted by group.transport.
const (
	TransportAuto   = "auto"
	TransportInProc = "inproc"
	TransportFile   = "file"
	TransportGRPC   = "grpc"
)

const (
	defaultRunDir     = ".parallelmc/run"
	defaultAddress    = "127.0.0.1:7411"
	defaultOutBase    = "parallelmc"
	configDirName     = "parallelmc"
	configFileName    = "config.yaml"
	fallbackConfigDir = ".parallelmc"
)

// Config represents the complete parallelmc configuration
type Config struct {
	Group     GroupConfig     `mapstructure:"group" yaml:"group"`
	Seeds     SeedsConfig     `mapstructure:"seeds" yaml:"seeds"`
	Run       RunConfig       `mapstructure:"run" yaml:"run"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// GroupConfig selects and tunes the messaging layer
type GroupConfig struct {
	// Transport is one of "auto", "inproc", "file", "grpc".
	// auto picks inproc for a single rank and file otherwise.
	Transport string `mapstructure:"transport" yaml:"transport"`
	// RunDir is the directory shared by all ranks of the file transport
	RunDir string `mapstructure:"run_dir" yaml:"run_dir"`
	// Address is the coordinator's gRPC listen address
	Address string `mapstructure:"address" yaml:"address"`
	// DialTimeoutMs bounds how long a worker waits for the coordinator
	DialTimeoutMs int `mapstructure:"dial_timeout_ms" yaml:"dial_timeout_ms"`
	// PollIntervalMs is the file transport's re-check interval
	PollIntervalMs int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// SeedsConfig controls seed table generation
type SeedsConfig struct {
	// MasterSeed makes the seed table reproducible; 0 draws a fresh table per run
	MasterSeed int64 `mapstructure:"master_seed" yaml:"master_seed"`
	// MaxRetries caps the redraw passes spent removing duplicate seeds
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// RunConfig describes the default run
type RunConfig struct {
	// Events is the number of histories requested
	Events float64 `mapstructure:"events" yaml:"events"`
	// Mode is "split" or "replicate"
	Mode string `mapstructure:"mode" yaml:"mode"`
	// Threads is the number of engine goroutines per rank (0 means GOMAXPROCS)
	Threads int `mapstructure:"threads" yaml:"threads"`
}

// LoggingConfig controls diagnostics
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// OutputBase prefixes worker output files: <output_base><rank>.out
	OutputBase string `mapstructure:"output_base" yaml:"output_base"`
}

// EngineConfig parameterizes the slab transport engine
type EngineConfig struct {
	// Thickness of the slab in mean free paths
	Thickness float64 `mapstructure:"thickness" yaml:"thickness"`
	// ScatterRatio is the probability that a collision scatters instead of absorbing
	ScatterRatio float64 `mapstructure:"scatter_ratio" yaml:"scatter_ratio"`
}

// TelemetryConfig controls OpenTelemetry tracing
type TelemetryConfig struct {
	// Enabled turns tracing off entirely when false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Endpoint is the OTLP/HTTP collector URL; empty disables export
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Group: GroupConfig{
			Transport:      TransportAuto,
			RunDir:         defaultRunDir,
			Address:        defaultAddress,
			DialTimeoutMs:  30000,
			PollIntervalMs: 20,
		},
		Seeds: SeedsConfig{
			MasterSeed: 0,
			MaxRetries: 64,
		},
		Run: RunConfig{
			Events:  1000,
			Mode:    "split",
			Threads: 0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			OutputBase: defaultOutBase,
		},
		Engine: EngineConfig{
			Thickness:    5,
			ScatterRatio: 0.5,
		},
		Telemetry: TelemetryConfig{
			Enabled:  true,
			Endpoint: "", // Export is off until an endpoint is set
		},
	}
}

// DialTimeout returns the dial timeout as a time.Duration
func (c *GroupConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

// PollInterval returns the file transport poll interval as a time.Duration
func (c *GroupConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ResolveTransport turns "auto" into a concrete transport for a group of size
func (c *GroupConfig) ResolveTransport(size int) string {
	if c.Transport != TransportAuto && c.Transport != "" {
		return c.Transport
	}
	if size <= 1 {
		return TransportInProc
	}
	return TransportFile
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Group defaults
	viper.SetDefault("group.transport", defaults.Group.Transport)
	viper.SetDefault("group.run_dir", defaults.Group.RunDir)
	viper.SetDefault("group.address", defaults.Group.Address)
	viper.SetDefault("group.dial_timeout_ms", defaults.Group.DialTimeoutMs)
	viper.SetDefault("group.poll_interval_ms", defaults.Group.PollIntervalMs)

	// Seed defaults
	viper.SetDefault("seeds.master_seed", defaults.Seeds.MasterSeed)
	viper.SetDefault("seeds.max_retries", defaults.Seeds.MaxRetries)

	// Run defaults
	viper.SetDefault("run.events", defaults.Run.Events)
	viper.SetDefault("run.mode", defaults.Run.Mode)
	viper.SetDefault("run.threads", defaults.Run.Threads)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.output_base", defaults.Logging.OutputBase)

	// Engine defaults
	viper.SetDefault("engine.thickness", defaults.Engine.Thickness)
	viper.SetDefault("engine.scatter_ratio", defaults.Engine.ScatterRatio)

	// Telemetry defaults
	viper.SetDefault("telemetry.enabled", defaults.Telemetry.Enabled)
	viper.SetDefault("telemetry.endpoint", defaults.Telemetry.Endpoint)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDirName)
	}
	// Fall back to ~/.config/parallelmc
	home, err := os.UserHomeDir()
	if err != nil {
		return fallbackConfigDir
	}
	return filepath.Join(home, ".config", configDirName)
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), configFileName)
}

// ValidTransports returns the list of valid group.transport values
func ValidTransports() []string {
	return []string{TransportAuto, TransportInProc, TransportFile, TransportGRPC}
}
