// ABOUTME: Oto-based audio output implementation
// ABOUTME: Streams 16-bit PCM through a pipe into a persistent oto player
package output

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// Oto output implementation using oto library
type Oto struct {
	logger *zap.Logger

	mu         sync.Mutex
	otoCtx     *oto.Context
	player     *oto.Player
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	sampleRate int
	channels   int
	volume     atomic.Int32
}

// NewOto creates a new Oto output
func NewOto(logger *zap.Logger) Output {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Oto{logger: logger.With(zap.String("component", "output.oto"))}
	o.volume.Store(100)
	return o
}

// Open initializes the output device
func (o *Oto) Open(sampleRate, channels int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.otoCtx != nil && o.sampleRate == sampleRate && o.channels == channels {
		if o.player == nil {
			o.startPlayer()
		}
		return nil
	}

	// oto allows one context per process, so a format change keeps the old one
	if o.otoCtx != nil {
		o.logger.Warn("Format change not supported by oto, keeping existing context",
			zap.Int("from_rate", o.sampleRate), zap.Int("from_channels", o.channels),
			zap.Int("to_rate", sampleRate), zap.Int("to_channels", channels))
		if o.player == nil {
			o.startPlayer()
		}
		return nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	o.otoCtx = ctx
	o.sampleRate = sampleRate
	o.channels = channels
	o.startPlayer()

	o.logger.Info("Audio output initialized", zap.Int("sample_rate", sampleRate), zap.Int("channels", channels))
	return nil
}

// startPlayer creates a player reading from a fresh pipe (must hold o.mu)
func (o *Oto) startPlayer() {
	if err := o.otoCtx.Resume(); err != nil {
		o.logger.Debug("Resume failed", zap.Error(err))
	}
	o.pipeReader, o.pipeWriter = io.Pipe()
	o.player = o.otoCtx.NewPlayer(o.pipeReader)
	o.player.Play()
}

// Write outputs audio (blocks until the player has consumed it)
func (o *Oto) Write(data []byte) error {
	o.mu.Lock()
	w := o.pipeWriter
	o.mu.Unlock()
	if w == nil {
		return fmt.Errorf("output not initialized")
	}

	if _, err := w.Write(scale(data, int(o.volume.Load()))); err != nil {
		return fmt.Errorf("pipe write failed: %w", err)
	}
	return nil
}

// SetVolume sets the volume (0-100)
func (o *Oto) SetVolume(volume int) {
	o.volume.Store(int32(clampVolume(volume)))
}

// Close stops the player. The oto context survives for the next Open.
func (o *Oto) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pipeWriter != nil {
		o.pipeWriter.Close()
		o.pipeWriter = nil
	}
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
	if o.pipeReader != nil {
		o.pipeReader.Close()
		o.pipeReader = nil
	}
	if o.otoCtx != nil {
		if err := o.otoCtx.Suspend(); err != nil {
			o.logger.Debug("Suspend failed", zap.Error(err))
		}
	}
	return nil
}
