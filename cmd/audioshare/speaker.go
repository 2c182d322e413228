// ABOUTME: The speaker command group
// ABOUTME: Talks to one receiver directly: control requests and a standalone stream
package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/picapico/audioshare/internal/audio"
	"github.com/picapico/audioshare/internal/capture"
	"github.com/picapico/audioshare/internal/speaker"
	pcm "github.com/picapico/audioshare/pkg/audio"
	"github.com/picapico/audioshare/pkg/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var speakerCmd = &cobra.Command{
	Use:   "speaker",
	Short: "Control a single IP speaker",
}

var speakerVolumeCmd = &cobra.Command{
	Use:   "volume <address> <0-100>",
	Short: "Set a speaker's volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		volume, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("volume: %w", err)
		}
		return sendControl(cmd, args[0], protocol.CommandVolume, protocol.VolumePayload(volume))
	},
}

var speakerSyncCmd = &cobra.Command{
	Use:   "sync <address>",
	Short: "Ask a speaker to drop its buffered audio",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(cmd, args[0], protocol.CommandSyncTime, nil)
	},
}

var speakerStopCmd = &cobra.Command{
	Use:   "stop <address>",
	Short: "Stop whatever a speaker is playing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(cmd, args[0], protocol.CommandStop, nil)
	},
}

var speakerStreamCmd = &cobra.Command{
	Use:   "stream <address>",
	Short: "Stream a capture device to one speaker without the manager",
	Args:  cobra.ExactArgs(1),
	RunE:  streamToSpeaker,
}

var (
	streamDevice   string
	streamChannel  string
	streamRate     int
	streamDuration time.Duration
)

func init() {
	f := speakerStreamCmd.Flags()
	f.StringVar(&streamDevice, "device", capture.BackendTone, "capture device id (see the devices command)")
	f.StringVar(&streamChannel, "channel", "stereo", "channel to send: left, right or stereo")
	f.IntVar(&streamRate, "rate", pcm.DefaultSampleRate, "sample rate")
	f.DurationVar(&streamDuration, "duration", 0, "stop after this long, 0 streams until interrupted")

	speakerCmd.AddCommand(speakerVolumeCmd)
	speakerCmd.AddCommand(speakerSyncCmd)
	speakerCmd.AddCommand(speakerStopCmd)
	speakerCmd.AddCommand(speakerStreamCmd)
}

func sendControl(cmd *cobra.Command, address string, command protocol.Command, payload []byte) error {
	cfg, logger, closer, err := setup(cmd, nil, nil)
	if err != nil {
		return err
	}
	defer closer.Close()

	endpoint, err := speaker.ParseEndpoint(address)
	if err != nil {
		return err
	}
	if err := protocol.SendControl(cmd.Context(), &net.Dialer{}, endpoint, command, payload, cfg.ControlTimeout); err != nil {
		return err
	}
	logger.Info("Sent", zap.Stringer("command", command), zap.String("speaker", endpoint))
	return nil
}

func streamToSpeaker(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup(cmd, nil, nil)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer logger.Sync()

	ch, err := pcm.ParseChannel(streamChannel)
	if err != nil {
		return err
	}
	if !ch.Enabled() {
		return speaker.ErrChannelDisabled
	}
	if !pcm.IsSupportedSampleRate(streamRate) {
		return fmt.Errorf("unsupported sample rate %d", streamRate)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if streamDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, streamDuration)
		defer cancel()
	}

	source := audio.NewSource(audio.Config{Opener: capture.NewSystem(logger), Logger: logger})
	defer source.Close()
	if err := source.SetDevice(streamDevice, streamRate); err != nil {
		return err
	}

	lost := make(chan struct{}, 1)
	s := speaker.New(speaker.Config{
		ID:               args[0],
		Channel:          ch,
		Source:           source,
		Logger:           logger,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ControlTimeout:   cfg.ControlTimeout,
		OnDisconnected: func(*speaker.Session) {
			select {
			case lost <- struct{}{}:
			default:
			}
		},
	})
	defer s.Dispose()

	if err := s.Connect(ctx); err != nil {
		return err
	}
	logger.Info("Streaming", zap.String("speaker", s.Endpoint()), zap.String("device", streamDevice))

	select {
	case <-ctx.Done():
	case <-lost:
		return fmt.Errorf("%s closed the stream", s.Endpoint())
	}

	info := s.Info()
	logger.Info("Stream finished", zap.Uint64("frames_sent", info.FramesSent), zap.Uint64("frames_dropped", info.FramesDropped))
	return nil
}
