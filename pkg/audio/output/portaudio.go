//go:build portaudio

// ABOUTME: PortAudio output implementation
// ABOUTME: Cross-platform blocking-write playback using PortAudio
package output

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// PortAudio output implementation
type PortAudio struct {
	mu       sync.Mutex
	stream   *portaudio.Stream
	buffer   []int16
	channels int
	volume   atomic.Int32
}

// NewPortAudio creates a new PortAudio output
func NewPortAudio() Output {
	p := &PortAudio{}
	p.volume.Store(100)
	return p
}

// Open initializes PortAudio with a blocking output stream
func (p *PortAudio) Open(sampleRate, channels int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	// 10ms blocks
	p.buffer = make([]int16, sampleRate/100*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), len(p.buffer)/channels, &p.buffer)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start stream: %w", err)
	}

	p.stream = stream
	p.channels = channels
	return nil
}

// Write plays data in buffer-sized blocks
func (p *PortAudio) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return fmt.Errorf("output not opened")
	}

	data = scale(data, int(p.volume.Load()))
	samples := len(data) / 2
	for off := 0; off < samples; off += len(p.buffer) {
		for i := range p.buffer {
			if off+i < samples {
				p.buffer[i] = int16(binary.LittleEndian.Uint16(data[(off+i)*2:]))
			} else {
				p.buffer[i] = 0
			}
		}
		if err := p.stream.Write(); err != nil {
			return fmt.Errorf("stream write: %w", err)
		}
	}
	return nil
}

// SetVolume sets the volume (0-100)
func (p *PortAudio) SetVolume(volume int) {
	p.volume.Store(int32(clampVolume(volume)))
}

// Close releases resources
func (p *PortAudio) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	if err := p.stream.Stop(); err != nil {
		return err
	}
	if err := p.stream.Close(); err != nil {
		return err
	}
	p.stream = nil
	return portaudio.Terminate()
}
