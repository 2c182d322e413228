//go:build !portaudio

// ABOUTME: PortAudio stub when library not available
// ABOUTME: Provides compile-time placeholder when PortAudio not installed
package output

import (
	"fmt"
)

// PortAudio output implementation (stub)
type PortAudio struct{}

// NewPortAudio creates a new PortAudio output
func NewPortAudio() Output {
	return &PortAudio{}
}

// Open initializes PortAudio
func (p *PortAudio) Open(sampleRate, channels int) error {
	return fmt.Errorf("PortAudio support not enabled (build with -tags portaudio)")
}

// Write outputs audio
func (p *PortAudio) Write(data []byte) error {
	return fmt.Errorf("PortAudio support not enabled (build with -tags portaudio)")
}

// SetVolume does nothing
func (p *PortAudio) SetVolume(volume int) {}

// Close releases resources
func (p *PortAudio) Close() error {
	return nil
}
