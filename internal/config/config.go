package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/fancurve"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath       = "/etc/gpuctld/config.yaml"
	DefaultSocketPath = "/run/gpuctld.sock"
	DefaultPIDFile    = "/run/gpuctld.pid"
	DefaultMetricsDB  = "/var/lib/gpuctld/metrics.db"
	DefaultLogLevel   = "info"
	DefaultEnvPrefix  = "GPUCTLD"

	DefaultFanInterval = 500
	defaultBatchSize   = 20
	defaultDirPerm     = 0o755
	defaultFilePerm    = 0o644

	// GPU ids are PCI slot names, which contain dots.
	keyDelimiter = "/"
)

type FanControlMode string

const (
	FanModeCurve  FanControlMode = "curve"
	FanModeStatic FanControlMode = "static"
)

type Config struct {
	Daemon  Daemon               `mapstructure:"daemon" yaml:"daemon"`
	Metrics Metrics              `mapstructure:"metrics" yaml:"metrics"`
	GPUs    map[string]GPUConfig `mapstructure:"gpus" yaml:"gpus,omitempty"`
}

type Daemon struct {
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`
	AdminGroup string `mapstructure:"admin_group" yaml:"admin_group,omitempty"`
	SocketPath string `mapstructure:"socket_path" yaml:"socket_path"`
	PIDFile    string `mapstructure:"pid_file" yaml:"pid_file"`
}

type Metrics struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	DBPath    string `mapstructure:"db_path" yaml:"db_path"`
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"`
}

type GPUConfig struct {
	FanControlEnabled  bool                `mapstructure:"fan_control_enabled" yaml:"fan_control_enabled"`
	FanControlSettings *FanControlSettings `mapstructure:"fan_control_settings" yaml:"fan_control_settings,omitempty"`
	// PowerCap is in watts. Nil leaves the device default in place.
	PowerCap *float64 `mapstructure:"power_cap" yaml:"power_cap,omitempty"`
}

type FanControlSettings struct {
	Mode        FanControlMode        `mapstructure:"mode" yaml:"mode"`
	StaticSpeed float64               `mapstructure:"static_speed" yaml:"static_speed"`
	Curve       fancurve.UserFanCurve `mapstructure:"curve" yaml:"curve"`
	IntervalMs  int                   `mapstructure:"interval_ms" yaml:"interval_ms"`
	// ChangeThreshold is the temperature delta in °C required before the
	// curve is evaluated again.
	ChangeThreshold int `mapstructure:"change_threshold" yaml:"change_threshold"`
}

// Default returns the configuration used when no file exists yet.
func Default() Config {
	return Config{
		Daemon: Daemon{
			LogLevel:   DefaultLogLevel,
			SocketPath: DefaultSocketPath,
			PIDFile:    DefaultPIDFile,
		},
		Metrics: Metrics{
			DBPath:    DefaultMetricsDB,
			BatchSize: defaultBatchSize,
		},
		GPUs: map[string]GPUConfig{},
	}
}

// DefaultFanControlSettings returns curve mode on the built-in curve.
func DefaultFanControlSettings() FanControlSettings {
	return FanControlSettings{
		Mode:        FanModeCurve,
		StaticSpeed: 0.5,
		Curve:       fancurve.Default(),
		IntervalMs:  DefaultFanInterval,
	}
}

// Clone returns a deep copy, so callers can modify it without touching
// a configuration that other goroutines may be reading.
func (c Config) Clone() Config {
	out := c
	out.GPUs = make(map[string]GPUConfig, len(c.GPUs))
	for id, gpu := range c.GPUs {
		if gpu.FanControlSettings != nil {
			settings := *gpu.FanControlSettings
			settings.Curve = settings.Curve.Clone()
			gpu.FanControlSettings = &settings
		}
		if gpu.PowerCap != nil {
			power := *gpu.PowerCap
			gpu.PowerCap = &power
		}
		out.GPUs[id] = gpu
	}

	return out
}

// Validate checks every GPU entry.
func (c Config) Validate() error {
	errFactory := errors.New()

	for id, gpu := range c.GPUs {
		if gpu.PowerCap != nil && *gpu.PowerCap < 0 {
			return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("gpu %s: negative power cap %v", id, *gpu.PowerCap))
		}

		settings := gpu.FanControlSettings
		if settings == nil {
			continue
		}
		if settings.IntervalMs < 0 {
			return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("gpu %s: negative fan interval", id))
		}

		switch settings.Mode {
		case FanModeCurve:
			if err := fancurve.Validate(settings.Curve); err != nil {
				return errFactory.Wrap(errors.ErrInvalidConfig, fmt.Errorf("gpu %s: %w", id, err))
			}
		case FanModeStatic:
			if settings.StaticSpeed < 0 || settings.StaticSpeed > 1 || math.IsNaN(settings.StaticSpeed) {
				return errFactory.WithData(errors.ErrInvalidConfig,
					fmt.Sprintf("gpu %s: static speed %v must be between 0 and 1", id, settings.StaticSpeed))
			}
		default:
			return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("gpu %s: unknown fan control mode %q", id, settings.Mode))
		}
	}

	return nil
}

// Option configures Load
type Option func(*options)

type options struct {
	envPrefix string
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "GPUCTLD"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) {
		o.envPrefix = prefix
	}
}

// Load reads and validates the configuration file at path. Environment
// variables such as GPUCTLD_DAEMON_LOG_LEVEL override file values.
func Load(path string, opts ...Option) (Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("daemon/log_level", def.Daemon.LogLevel)
	v.SetDefault("daemon/admin_group", def.Daemon.AdminGroup)
	v.SetDefault("daemon/socket_path", def.Daemon.SocketPath)
	v.SetDefault("daemon/pid_file", def.Daemon.PIDFile)
	v.SetDefault("metrics/enabled", def.Metrics.Enabled)
	v.SetDefault("metrics/db_path", def.Metrics.DBPath)
	v.SetDefault("metrics/batch_size", def.Metrics.BatchSize)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if cfg.GPUs == nil {
		cfg.GPUs = map[string]GPUConfig{}
	}

	for id, gpu := range cfg.GPUs {
		if gpu.FanControlSettings != nil && gpu.FanControlSettings.IntervalMs == 0 {
			gpu.FanControlSettings.IntervalMs = DefaultFanInterval
		}
		cfg.GPUs[id] = gpu
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadOrCreate loads the file at path, writing the default configuration
// there first if it does not exist.
func LoadOrCreate(path string, opts ...Option) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Save(path, Default(), nil); err != nil {
			return Config{}, err
		}
	}

	return Load(path, opts...)
}

// Save writes cfg to path atomically. When marker is set it is stamped
// first, so the watcher can tell the daemon's own write from a user edit.
func Save(path string, cfg Config, marker *SaveMarker) error {
	errFactory := errors.New()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errFactory.Wrap(errors.ErrWriteConfig, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return errFactory.Wrap(errors.ErrWriteConfig, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return errFactory.Wrap(errors.ErrWriteConfig, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errFactory.Wrap(errors.ErrWriteConfig, err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		tmp.Close()
		return errFactory.Wrap(errors.ErrWriteConfig, err)
	}
	if err := tmp.Close(); err != nil {
		return errFactory.Wrap(errors.ErrWriteConfig, err)
	}

	if marker != nil {
		marker.Mark()
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return errFactory.Wrap(errors.ErrWriteConfig, err)
	}

	return nil
}
