// Package config provides kernel configuration using Viper
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "JOERPYTER"

type KernelConfig struct {
	Name           string `mapstructure:"name"`
	Hostname       string `mapstructure:"hostname"`
	Port           int    `mapstructure:"port"`
	HealthPort     int    `mapstructure:"health_port"`
	MaxImageWidth  int    `mapstructure:"max_image_width"`
	ConnectionFile string `mapstructure:"connection_file"`
}

type ServerConfig struct {
	Binary         string        `mapstructure:"binary"`
	Args           []string      `mapstructure:"args"`
	Host           string        `mapstructure:"host"`
	PortMin        int           `mapstructure:"port_min"`
	PortMax        int           `mapstructure:"port_max"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	// QueryTimeout bounds a single query round-trip. Zero means no limit.
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	ProbeBaseDelay  time.Duration `mapstructure:"probe_base_delay"`
	ProbeMaxDelay   time.Duration `mapstructure:"probe_max_delay"`
	ProbeMultiplier float64       `mapstructure:"probe_multiplier"`
	ProbeJitter     float64       `mapstructure:"probe_jitter"`
	WorkspaceDir    string        `mapstructure:"workspace_dir"`
}

// Config holds all configuration values for one kernel process
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Kernel KernelConfig `mapstructure:"kernel"`
	Server ServerConfig `mapstructure:"server"`
}

func setKernelDefaults(v *viper.Viper) {
	v.SetDefault("kernel.name", "Joern")
	v.SetDefault("kernel.hostname", "127.0.0.1")
	v.SetDefault("kernel.port", 8888)
	v.SetDefault("kernel.health_port", 0)
	v.SetDefault("kernel.max_image_width", 0)
	v.SetDefault("kernel.connection_file", "")
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("server.binary", "joern")
	v.SetDefault("server.args", []string{})
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port_min", 32768)
	v.SetDefault("server.port_max", 65535)
	v.SetDefault("server.startup_timeout", 60*time.Second)
	v.SetDefault("server.query_timeout", time.Duration(0))
	v.SetDefault("server.probe_base_delay", 250*time.Millisecond)
	v.SetDefault("server.probe_max_delay", 2*time.Second)
	v.SetDefault("server.probe_multiplier", 1.6)
	v.SetDefault("server.probe_jitter", 0.2)
	v.SetDefault("server.workspace_dir", "")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	setKernelDefaults(v)
	setServerDefaults(v)
}

// New returns a Viper instance wired for JOERPYTER_ environment variables.
// JOERPYTER_BINARY and JOERPYTER_NAME are the names written into installed
// kernel specs, so they are bound explicitly.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.binary", EnvPrefix+"_BINARY", EnvPrefix+"_SERVER_BINARY")
	_ = v.BindEnv("kernel.name", EnvPrefix+"_NAME", EnvPrefix+"_KERNEL_NAME")
	v.SetConfigName("config")
	v.AddConfigPath(".")
	setDefaults(v)
	return v
}

// Load reads the optional config file, applies overrides and validates the result
func Load(v *viper.Viper, configPath string, overrideStr string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	err := v.ReadInConfig()
	if err != nil {
		// Ignore file not found errors (config is optional)
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file %q: %w", v.ConfigFileUsed(), err)
		}
		slog.Debug("No config file found, using defaults")
	} else {
		slog.Info("Loaded config file", "path", v.ConfigFileUsed())
	}

	// Overrides are applied last so they take precedence over file and env
	if overrideStr != "" {
		for _, pair := range strings.Split(overrideStr, ",") {
			parts := strings.SplitN(pair, ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("invalid override %q, expected key:value", pair)
			}
			v.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that would otherwise fail much later at spawn time
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Binary) == "" {
		return errors.New("server.binary is required")
	}
	if c.Server.PortMin < 1024 || c.Server.PortMax > 65535 || c.Server.PortMin > c.Server.PortMax {
		return fmt.Errorf("invalid server port range [%d, %d]", c.Server.PortMin, c.Server.PortMax)
	}
	if c.Server.StartupTimeout <= 0 {
		return errors.New("server.startup_timeout must be positive")
	}
	if c.Server.QueryTimeout < 0 {
		return errors.New("server.query_timeout must not be negative")
	}
	if c.Kernel.MaxImageWidth < 0 {
		return errors.New("kernel.max_image_width must not be negative")
	}
	return nil
}

// BindFlags binds pflags to viper keys. bindFlags is a map of pflag names to viper keys.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, bindFlags map[string]string) error {
	for flagName, viperKey := range bindFlags {
		flag := flags.Lookup(flagName)
		if flag == nil {
			return fmt.Errorf("unknown flag %q", flagName)
		}
		if err := v.BindPFlag(viperKey, flag); err != nil {
			return fmt.Errorf("failed to bind flag %q: %w", flagName, err)
		}
	}
	return nil
}
