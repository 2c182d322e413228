// ABOUTME: Process configuration for the audioshare binary
// ABOUTME: Merges defaults, a YAML file, .env, AUDIOSHARE_* variables and command flags via viper
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides (AUDIOSHARE_API_ADDR, ...)
const EnvPrefix = "AUDIOSHARE"

// Config is the process configuration
type Config struct {
	SettingsPath string `mapstructure:"settings_path"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	APIAddr   string `mapstructure:"api_addr"`
	TUI       bool   `mapstructure:"tui"`
	Discovery bool   `mapstructure:"discovery"`
	MDNS      bool   `mapstructure:"mdns"`

	ADBPath    string        `mapstructure:"adb_path"`
	APKPath    string        `mapstructure:"apk_path"`
	AppVersion string        `mapstructure:"app_version"`
	ADBTimeout time.Duration `mapstructure:"adb_timeout"`

	// ADBWireless readies IP speakers over adb Wi-Fi before probing them
	ADBWireless bool `mapstructure:"adb_wireless"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ControlTimeout   time.Duration `mapstructure:"control_timeout"`
	ReachTimeout     time.Duration `mapstructure:"reach_timeout"`

	Receiver ReceiverConfig `mapstructure:"receiver"`
}

// ReceiverConfig configures the reference receiver subcommand
type ReceiverConfig struct {
	Name     string `mapstructure:"name"`
	Port     int    `mapstructure:"port"`
	Output   string `mapstructure:"output"`
	Announce bool   `mapstructure:"announce"`
	MDNS     bool   `mapstructure:"mdns"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel:         "info",
		LogFormat:        "console",
		APIAddr:          "127.0.0.1:8765",
		Discovery:        true,
		MDNS:             true,
		ADBPath:          "adb",
		ADBTimeout:       15 * time.Second,
		ADBWireless:      true,
		HandshakeTimeout: 5 * time.Second,
		ControlTimeout:   time.Second,
		ReachTimeout:     time.Second,
		Receiver: ReceiverConfig{
			Name:     hostname(),
			Port:     8088,
			Output:   "oto",
			Announce: true,
			MDNS:     true,
		},
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "audioshare"
	}
	return h
}

// Binder attaches command-line flags to the viper instance
type Binder func(v *viper.Viper) error

// Load builds the configuration. cfgFile overrides the search for
// audioshare.yaml in the user config dir and the working directory. A .env
// file in the working directory is loaded into the environment first.
func Load(cfgFile string, bind Binder) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, Default())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("audioshare")
		v.SetConfigType("yaml")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "audioshare"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if bind != nil {
		if err := bind(v); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads path into the process environment when it exists
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// setDefaults registers every key so environment variables can override
// values that appear in no config file
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("settings_path", d.SettingsPath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("api_addr", d.APIAddr)
	v.SetDefault("tui", d.TUI)
	v.SetDefault("discovery", d.Discovery)
	v.SetDefault("mdns", d.MDNS)
	v.SetDefault("adb_path", d.ADBPath)
	v.SetDefault("apk_path", d.APKPath)
	v.SetDefault("app_version", d.AppVersion)
	v.SetDefault("adb_timeout", d.ADBTimeout)
	v.SetDefault("adb_wireless", d.ADBWireless)
	v.SetDefault("handshake_timeout", d.HandshakeTimeout)
	v.SetDefault("control_timeout", d.ControlTimeout)
	v.SetDefault("reach_timeout", d.ReachTimeout)
	v.SetDefault("receiver.name", d.Receiver.Name)
	v.SetDefault("receiver.port", d.Receiver.Port)
	v.SetDefault("receiver.output", d.Receiver.Output)
	v.SetDefault("receiver.announce", d.Receiver.Announce)
	v.SetDefault("receiver.mdns", d.Receiver.MDNS)
}
