// ABOUTME: The receive command: a desktop speaker
// ABOUTME: Runs the reference receiver on a local audio output and announces it on the network
package main

import (
	"fmt"

	"github.com/picapico/audioshare/internal/discovery"
	"github.com/picapico/audioshare/internal/receiver"
	"github.com/picapico/audioshare/pkg/audio/output"
	"github.com/picapico/audioshare/pkg/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Act as a speaker and play streams from a host",
	RunE:  runReceiver,
}

var receiveKeys = map[string]string{
	"name":     "receiver.name",
	"port":     "receiver.port",
	"output":   "receiver.output",
	"announce": "receiver.announce",
	"mdns":     "receiver.mdns",
}

func init() {
	f := receiveCmd.Flags()
	f.String("name", "", "name advertised over mDNS (default is the hostname)")
	f.Int("port", 8088, "TCP port to accept streams on")
	f.String("output", "oto", "audio output: oto, malgo, portaudio or discard")
	f.Bool("announce", true, "broadcast discovery announcements while idle")
	f.Bool("mdns", true, "advertise over mDNS")
}

func runReceiver(cmd *cobra.Command, _ []string) error {
	cfg, logger, closer, err := setup(cmd, receiveKeys, nil)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer logger.Sync()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	out, err := output.New(cfg.Receiver.Output, logger)
	if err != nil {
		return err
	}

	r := receiver.New(receiver.Config{
		Addr:   fmt.Sprintf(":%d", cfg.Receiver.Port),
		Output: out,
		Logger: logger,
		OnStream: func(h protocol.Handshake, playing bool) {
			if playing {
				logger.Info("Playing", zap.Uint32("sample_rate", h.SampleRate), zap.Int("channels", h.Mode.Channels()))
			} else {
				logger.Info("Idle")
			}
		},
	})
	if err := r.Listen(); err != nil {
		return err
	}
	logger.Info("Receiver listening", zap.Stringer("addr", r.Addr()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Serve(gctx) })

	if cfg.Receiver.Announce {
		a := discovery.NewAnnouncer(discovery.AnnouncerConfig{Port: r.Port(), Logger: logger})
		g.Go(func() error {
			return a.Run(gctx, func() bool { return !r.Playing() })
		})
	}

	if cfg.Receiver.MDNS {
		adv := discovery.NewManager(discovery.Config{Instance: cfg.Receiver.Name, Port: r.Port(), Logger: logger})
		if err := adv.Advertise(); err != nil {
			logger.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			g.Go(func() error {
				<-gctx.Done()
				adv.Stop()
				return nil
			})
		}
	}

	err = g.Wait()
	stats := r.Stats()
	logger.Info("Receiver stopped",
		zap.Uint64("streams", stats.Streams),
		zap.Uint64("frames", stats.Frames),
		zap.Uint64("dropped", stats.Dropped))
	return err
}
