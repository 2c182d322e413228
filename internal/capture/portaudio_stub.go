//go:build !portaudio

// ABOUTME: PortAudio stub when library not available
// ABOUTME: Reports the backend as disabled unless built with the portaudio tag
package capture

import (
	"errors"

	"go.uber.org/zap"
)

var errPortAudioDisabled = errors.New("PortAudio support not enabled (build with -tags portaudio)")

func listPortAudio() ([]Info, error) {
	return nil, errPortAudioDisabled
}

func openPortAudio(name string, sampleRate int, logger *zap.Logger) (Device, error) {
	return nil, errPortAudioDisabled
}
