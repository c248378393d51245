// Package config loads the systat configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the default configuration file name
	FileName = "config.yaml"

	envPrefix = "SYSTAT"

	// maxSuggestionDistance is the largest edit distance at which an unknown
	// widget name gets a suggestion.
	maxSuggestionDistance = 3
)

// Widgets lists the known widget names in default order.
var Widgets = []string{"battery", "volume", "network"}

// Config is the configuration of systat.
type Config struct {
	// Widgets to show, in order.
	Widgets []string `mapstructure:"widgets" yaml:"widgets"`

	Battery BatteryConfig `mapstructure:"battery" yaml:"battery"`
	Volume  VolumeConfig  `mapstructure:"volume" yaml:"volume"`
	Network NetworkConfig `mapstructure:"network" yaml:"network"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

type BatteryConfig struct {
	// Device is the power supply name, such as BAT0.
	Device string `mapstructure:"device" yaml:"device"`

	// Root is the sysfs power supply directory.
	Root string `mapstructure:"root" yaml:"root"`
}

type VolumeConfig struct {
	Card    int    `mapstructure:"card" yaml:"card"`
	Control string `mapstructure:"control" yaml:"control"`

	// Mixer is the path of the amixer executable.
	Mixer string `mapstructure:"mixer" yaml:"mixer"`
}

type NetworkConfig struct {
	// Address of the system bus. Empty means the default system bus.
	Address string        `mapstructure:"address" yaml:"address"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MarshalYAML writes the timeout in its text form.
func (c NetworkConfig) MarshalYAML() (any, error) {
	return struct {
		Address string `yaml:"address"`
		Timeout string `yaml:"timeout"`
	}{c.Address, c.Timeout.String()}, nil
}

type LogConfig struct {
	Debug      bool   `mapstructure:"debug" yaml:"debug"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Widgets: slices.Clone(Widgets),
		Battery: BatteryConfig{
			Device: "BAT1",
			Root:   "/sys/class/power_supply",
		},
		Volume: VolumeConfig{
			Card:    0,
			Control: "Master",
			Mixer:   "amixer",
		},
		Network: NetworkConfig{
			Timeout: 25 * time.Second,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxAgeDays: 7,
			MaxBackups: 3,
		},
	}
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()
	v.SetDefault("widgets", defaults.Widgets)
	v.SetDefault("battery.device", defaults.Battery.Device)
	v.SetDefault("battery.root", defaults.Battery.Root)
	v.SetDefault("volume.card", defaults.Volume.Card)
	v.SetDefault("volume.control", defaults.Volume.Control)
	v.SetDefault("volume.mixer", defaults.Volume.Mixer)
	v.SetDefault("network.address", defaults.Network.Address)
	v.SetDefault("network.timeout", defaults.Network.Timeout)
	v.SetDefault("log.debug", defaults.Log.Debug)
	v.SetDefault("log.file", defaults.Log.File)
	v.SetDefault("log.max_size_mb", defaults.Log.MaxSizeMB)
	v.SetDefault("log.max_age_days", defaults.Log.MaxAgeDays)
	v.SetDefault("log.max_backups", defaults.Log.MaxBackups)
}

// DefaultPath returns $XDG_CONFIG_HOME/systat/config.yaml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "systat", FileName)
}

// Flags maps command line flags to configuration keys.
type Flags map[string]*pflag.Flag

// Load reads the configuration from path, SYSTAT_* environment variables and
// flags, in increasing order of precedence. An empty path reads the file at
// [DefaultPath] if it exists.
func Load(path string, flags Flags) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		case explicit || !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks widget names and numeric settings.
func (c *Config) Validate() error {
	if len(c.Widgets) == 0 {
		return errors.New("no widgets configured")
	}

	seen := make(map[string]bool, len(c.Widgets))
	for _, name := range c.Widgets {
		if !slices.Contains(Widgets, name) {
			return unknownWidget(name)
		}
		if seen[name] {
			return fmt.Errorf("widget %q is listed twice", name)
		}
		seen[name] = true
	}

	if c.Volume.Card < 0 {
		return fmt.Errorf("invalid sound card %d", c.Volume.Card)
	}

	if c.Network.Timeout <= 0 {
		return fmt.Errorf("invalid network timeout %s", c.Network.Timeout)
	}

	return nil
}

func unknownWidget(name string) error {
	if suggestion := Suggest(name); suggestion != "" {
		return fmt.Errorf("unknown widget %q, did you mean %q?", name, suggestion)
	}
	return fmt.Errorf("unknown widget %q, known widgets are %s", name, strings.Join(Widgets, ", "))
}

// Suggest returns the known widget name closest to name, or an empty string
// if none is close enough.
func Suggest(name string) string {
	best := ""
	bestDistance := maxSuggestionDistance + 1

	for _, known := range Widgets {
		d := levenshtein.ComputeDistance(strings.ToLower(name), known)
		if d < bestDistance {
			best, bestDistance = known, d
		}
	}

	return best
}

// Write writes cfg as YAML.
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return enc.Close()
}
