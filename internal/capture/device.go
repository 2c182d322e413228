// ABOUTME: Capture device abstraction for the host's outgoing audio mix
// ABOUTME: Dispatches device IDs to the PulseAudio, malgo, PortAudio, file and tone backends
package capture

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Device delivers interleaved 16-bit little-endian stereo PCM.
// The slice passed to onData belongs to the callee.
type Device interface {
	// Start begins capture, invoking onData from a backend goroutine
	Start(onData func([]byte)) error
	// Stop halts capture; Start may be called again
	Stop() error
	// Close releases the device
	Close() error
}

// VolumeNotifier is implemented by devices that report system volume changes
type VolumeNotifier interface {
	OnVolumeChanged(fn func(volume int))
}

// Info describes a selectable capture device
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Default bool   `json:"default"`
}

// Opener lists and opens capture devices
type Opener interface {
	List() ([]Info, error)
	Open(id string, sampleRate int) (Device, error)
}

// ErrUnknownDevice is returned for IDs no backend recognises
var ErrUnknownDevice = errors.New("capture: unknown device")

const (
	BackendPulse     = "pulse"
	BackendMalgo     = "malgo"
	BackendPortAudio = "portaudio"
	BackendFile      = "file"
	BackendTone      = "tone"
)

// DefaultID selects the system output mix on the platform's default backend
const DefaultID = "default"

// DefaultBackend captures the output mix: the default sink's monitor through
// PulseAudio on Linux, miniaudio elsewhere (WASAPI loopback on Windows).
func DefaultBackend() string {
	if runtime.GOOS == "linux" {
		return BackendPulse
	}
	return BackendMalgo
}

// ParseID splits "backend:rest". A bare "default" selects DefaultBackend.
func ParseID(id string) (backend, rest string) {
	if id == DefaultID {
		return DefaultBackend(), ""
	}
	backend, rest, _ = strings.Cut(id, ":")
	return backend, rest
}

// System opens devices on the real audio stack
type System struct {
	logger *zap.Logger
}

// NewSystem creates the default opener
func NewSystem(logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &System{logger: logger.With(zap.String("component", "capture"))}
}

// List enumerates devices from every backend that is available.
// Backend failures are logged and skipped.
func (s *System) List() ([]Info, error) {
	infos := []Info{{ID: BackendTone, Name: "Test tone (440Hz)", Backend: BackendTone}}

	if devs, err := listPulse(); err != nil {
		s.logger.Debug("pulseaudio sink enumeration failed", zap.Error(err))
	} else {
		infos = append(infos, devs...)
	}

	if devs, err := listMalgo(s.logger); err != nil {
		s.logger.Debug("malgo device enumeration failed", zap.Error(err))
	} else {
		infos = append(infos, devs...)
	}

	if devs, err := listPortAudio(); err != nil {
		s.logger.Debug("portaudio device enumeration failed", zap.Error(err))
	} else {
		infos = append(infos, devs...)
	}

	return infos, nil
}

// Open opens the device named by id at sampleRate
func (s *System) Open(id string, sampleRate int) (Device, error) {
	backend, rest := ParseID(id)
	switch backend {
	case BackendTone:
		freq := 440.0
		if rest != "" {
			f, err := strconv.ParseFloat(rest, 64)
			if err != nil || f <= 0 {
				return nil, fmt.Errorf("invalid tone frequency %q", rest)
			}
			freq = f
		}
		return NewTone(sampleRate, freq), nil
	case BackendFile:
		if rest == "" {
			return nil, fmt.Errorf("%w: file device needs a path", ErrUnknownDevice)
		}
		f, err := NewFile(rest, sampleRate, s.logger)
		if err != nil {
			return nil, err
		}
		return f, nil
	case BackendPulse:
		p, err := openPulse(rest, sampleRate, s.logger)
		if err == nil {
			return p, nil
		}
		if id != DefaultID {
			return nil, err
		}
		s.logger.Warn("PulseAudio unavailable, capturing through malgo", zap.Error(err))
		m, err := openMalgo("", sampleRate, s.logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	case BackendMalgo:
		m, err := openMalgo(rest, sampleRate, s.logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	case BackendPortAudio:
		return openPortAudio(rest, sampleRate, s.logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
}
