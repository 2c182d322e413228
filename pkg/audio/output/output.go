// ABOUTME: Audio output interface definition
// ABOUTME: Common interface for playback backends plus a byte-counting discard sink
package output

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	pcm "github.com/picapico/audioshare/pkg/audio"
	"go.uber.org/zap"
)

// Output represents an audio output device
type Output interface {
	// Open initializes the device for 16-bit PCM. Reopening with the same
	// format is a no-op.
	Open(sampleRate, channels int) error

	// Write plays interleaved 16-bit little-endian PCM
	Write(data []byte) error

	// SetVolume sets software volume (0-100)
	SetVolume(volume int)

	// Close releases output resources
	Close() error
}

// New returns the backend named by kind: oto, malgo, portaudio or discard
func New(kind string, logger *zap.Logger) (Output, error) {
	switch strings.ToLower(kind) {
	case "", "oto":
		return NewOto(logger), nil
	case "malgo":
		return NewMalgo(logger), nil
	case "portaudio":
		return NewPortAudio(), nil
	case "discard":
		return &Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown output %q", kind)
	}
}

// scale applies volume to 16-bit PCM, returning data untouched at full volume
func scale(data []byte, volume int) []byte {
	if volume >= 100 {
		return data
	}
	return pcm.SamplesToPCM16(pcm.ApplyVolume(pcm.PCM16ToSamples(data), volume))
}

func clampVolume(volume int) int {
	if volume < 0 {
		return 0
	}
	if volume > 100 {
		return 100
	}
	return volume
}

// Discard accepts audio without playing it
type Discard struct {
	mu         sync.Mutex
	sampleRate int
	channels   int
	volume     atomic.Int32
	bytes      atomic.Int64
	writes     atomic.Int64
}

// Open records the format
func (d *Discard) Open(sampleRate, channels int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sampleRate = sampleRate
	d.channels = channels
	return nil
}

// Write counts data
func (d *Discard) Write(data []byte) error {
	d.bytes.Add(int64(len(data)))
	d.writes.Add(1)
	return nil
}

// SetVolume records the volume
func (d *Discard) SetVolume(volume int) {
	d.volume.Store(int32(clampVolume(volume)))
}

// Close does nothing
func (d *Discard) Close() error { return nil }

// Format returns the last opened format
func (d *Discard) Format() (sampleRate, channels int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sampleRate, d.channels
}

// Bytes returns how much audio was written
func (d *Discard) Bytes() int64 { return d.bytes.Load() }

// Writes returns how many frames were written
func (d *Discard) Writes() int64 { return d.writes.Load() }

// Volume returns the last volume set
func (d *Discard) Volume() int { return int(d.volume.Load()) }
