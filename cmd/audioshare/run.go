// ABOUTME: The run command: the host application
// ABOUTME: Wires capture, the manager, discovery, the HTTP API and the TUI into one run group
package main

import (
	"context"
	"errors"

	"github.com/picapico/audioshare/internal/api"
	"github.com/picapico/audioshare/internal/audio"
	"github.com/picapico/audioshare/internal/bringup"
	"github.com/picapico/audioshare/internal/capture"
	"github.com/picapico/audioshare/internal/config"
	"github.com/picapico/audioshare/internal/discovery"
	"github.com/picapico/audioshare/internal/manager"
	"github.com/picapico/audioshare/internal/metrics"
	"github.com/picapico/audioshare/internal/settings"
	"github.com/picapico/audioshare/internal/speaker"
	"github.com/picapico/audioshare/internal/ui"
	"github.com/picapico/audioshare/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start capturing and serving speakers",
	RunE:  runHost,
}

var runKeys = map[string]string{
	"api":       "api_addr",
	"tui":       "tui",
	"discovery": "discovery",
	"mdns":      "mdns",
	"adb":       "adb_path",
	"apk":       "apk_path",
	"adb-wifi":  "adb_wireless",
}

func init() {
	f := runCmd.Flags()
	f.String("api", api.DefaultAddr, "HTTP API listen address, empty disables it")
	f.Bool("tui", false, "show the terminal UI (logs go to the log file)")
	f.Bool("discovery", true, "listen for speaker broadcasts")
	f.Bool("mdns", true, "browse for speakers over mDNS")
	f.String("adb", "adb", "path to the adb binary")
	f.String("apk", "", "receiver APK installed on USB devices when missing or outdated")
	f.Bool("adb-wifi", true, "prepare IP speakers over adb Wi-Fi before connecting")
}

func runHost(cmd *cobra.Command, _ []string) error {
	cfg, logger, closer, err := setup(cmd, runKeys, func(c *config.Config) bool { return c.TUI })
	if err != nil {
		return err
	}
	defer closer.Close()
	defer logger.Sync()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	logger.Info("Starting", zap.String("product", version.Product), zap.String("version", version.String()))

	m, err := buildManager(cfg, logger, metrics.New())
	if err != nil {
		return err
	}
	return serve(ctx, stop, cfg, logger, m)
}

// hostParts is everything buildManager creates
type hostParts struct {
	manager *manager.Manager
	metrics *metrics.Metrics
}

func buildManager(cfg *config.Config, logger *zap.Logger, met *metrics.Metrics) (*hostParts, error) {
	path := cfg.SettingsPath
	if path == "" {
		p, err := settings.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	store := settings.NewFileStore(path, logger)

	source := audio.NewSource(audio.Config{
		Opener:  capture.NewSystem(logger),
		Logger:  logger,
		Metrics: met,
	})

	adb := bringup.NewADB(bringup.ADBConfig{
		Path:    cfg.ADBPath,
		APK:     cfg.APKPath,
		Version: cfg.AppVersion,
		Timeout: cfg.ADBTimeout,
		Logger:  logger,
	})
	network := &bringup.Network{Timeout: cfg.ReachTimeout, Logger: logger}
	var lister manager.DeviceLister
	var usb speaker.Provisioner
	if adb.Available() {
		lister = adb
		usb = adb
		if cfg.ADBWireless {
			network.ADB = adb
		}
	} else {
		logger.Warn("adb not found, USB speakers are unavailable", zap.String("adb", cfg.ADBPath))
	}

	m := manager.New(manager.Config{
		Source:           source,
		Store:            store,
		Lister:           lister,
		USBProvisioner:   usb,
		IPProvisioner:    network,
		Logger:           logger,
		Metrics:          met,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ControlTimeout:   cfg.ControlTimeout,
	})
	return &hostParts{manager: m, metrics: met}, nil
}

// serve runs the manager and every enabled front end until ctx ends, the
// TUI quits or a component fails
func serve(ctx context.Context, stop context.CancelFunc, cfg *config.Config, logger *zap.Logger, h *hostParts) error {
	m := h.manager
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.Run(gctx) })

	if cfg.Discovery {
		l, err := discovery.Listen(gctx, discovery.ListenerConfig{
			First:     discovery.PortRangeStart,
			Last:      discovery.PortRangeEnd,
			Logger:    logger,
			Metrics:   h.metrics,
			OnSpeaker: m.Discovered,
		})
		if err != nil {
			logger.Warn("Broadcast discovery disabled", zap.Error(err))
		} else {
			g.Go(func() error {
				defer l.Close()
				return l.Run(gctx)
			})
		}
	}

	if cfg.MDNS {
		browser := discovery.NewManager(discovery.Config{Logger: logger})
		if err := browser.Browse(); err != nil {
			logger.Warn("mDNS discovery disabled", zap.Error(err))
		} else {
			g.Go(func() error {
				defer browser.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case info := <-browser.Speakers():
						m.Discovered(info.ID())
					}
				}
			})
		}
	}

	if cfg.APIAddr != "" {
		srv := api.NewServer(api.Config{Addr: cfg.APIAddr, Manager: m, Metrics: h.metrics, Logger: logger})
		if err := srv.Listen(); err != nil {
			stop()
			g.Wait()
			return err
		}
		g.Go(func() error { return srv.Run(gctx) })
	}

	if cfg.TUI {
		events, cancel := m.Subscribe()
		g.Go(func() error {
			defer cancel()
			err := ui.Run(gctx, m, events)
			// quitting the TUI ends the application
			stop()
			return err
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		logger.Error("Stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Stopped")
	return nil
}
