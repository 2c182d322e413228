// ABOUTME: Entry point for the audioshare binary
// ABOUTME: Defines the cobra command tree and shared config and logging setup
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/picapico/audioshare/internal/config"
	"github.com/picapico/audioshare/internal/logging"
	"github.com/picapico/audioshare/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "audioshare",
	Short: "Share this computer's audio with phone speakers",
	Long: `audioshare captures system audio and streams it as raw PCM to phones
running the receiver app, over USB (adb) or the local network.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", version.Product, version.String())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/audioshare/audioshare.yaml)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: console or json")
	pf.String("log-file", "", "also write logs to this file")
	pf.String("settings", "", "settings file (default is $XDG_CONFIG_HOME/audioshare/settings.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(speakerCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// persistentKeys maps root flags onto config keys
var persistentKeys = map[string]string{
	"log-level":  "log_level",
	"log-format": "log_format",
	"log-file":   "log_file",
	"settings":   "settings_path",
}

// binder binds every flag of cmd that has a config key. Only flags the user
// set override file and environment values.
func binder(cmd *cobra.Command, keys map[string]string) config.Binder {
	return func(v *viper.Viper) error {
		all := make(map[string]string, len(persistentKeys)+len(keys))
		for flag, key := range persistentKeys {
			all[flag] = key
		}
		for flag, key := range keys {
			all[flag] = key
		}
		for flag, key := range all {
			f := cmd.Flags().Lookup(flag)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind --%s: %w", flag, err)
			}
		}
		return nil
	}
}

// setup loads and validates configuration and builds the logger.
// quiet routes logs to the log file only.
func setup(cmd *cobra.Command, keys map[string]string, quiet func(*config.Config) bool) (*config.Config, *zap.Logger, io.Closer, error) {
	cfg, err := config.Load(cfgFile, binder(cmd, keys))
	if err != nil {
		return nil, nil, nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	lc := logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		File:    cfg.LogFile,
		Console: true,
	}
	if quiet != nil && quiet(cfg) {
		lc.Console = false
		if lc.File == "" {
			lc.File = "audioshare.log"
		}
	}
	logger, closer, err := logging.New(lc)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logging: %w", err)
	}
	return cfg, logger, closer, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
