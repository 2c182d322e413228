//go:build portaudio

// ABOUTME: PortAudio capture backend
// ABOUTME: Captures 16-bit stereo from a PortAudio input device
package capture

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"
)

const portAudioFramesPerBuffer = 480

// PortAudio captures from an input device such as a monitor source
type PortAudio struct {
	name       string
	sampleRate int
	logger     *zap.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
}

func listPortAudio() ([]Info, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	def, _ := portaudio.DefaultInputDevice()

	var infos []Info
	for _, d := range devices {
		if d.MaxInputChannels < 2 {
			continue
		}
		infos = append(infos, Info{
			ID:      BackendPortAudio + ":" + d.Name,
			Name:    d.Name,
			Backend: BackendPortAudio,
			Default: def != nil && def.Name == d.Name,
		})
	}
	return infos, nil
}

func openPortAudio(name string, sampleRate int, logger *zap.Logger) (Device, error) {
	return &PortAudio{name: name, sampleRate: sampleRate, logger: logger}, nil
}

// Start initialises PortAudio and opens the input stream
func (p *PortAudio) Start(onData func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	callback := func(in []int16) {
		buf := make([]byte, len(in)*2)
		for i, s := range in {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
		}
		onData(buf)
	}

	var stream *portaudio.Stream
	var err error
	if p.name == "" {
		stream, err = portaudio.OpenDefaultStream(2, 0, float64(p.sampleRate), portAudioFramesPerBuffer, callback)
	} else {
		dev, derr := p.lookup()
		if derr != nil {
			portaudio.Terminate()
			return derr
		}
		params := portaudio.HighLatencyParameters(dev, nil)
		params.Input.Channels = 2
		params.SampleRate = float64(p.sampleRate)
		params.FramesPerBuffer = portAudioFramesPerBuffer
		stream, err = portaudio.OpenStream(params, callback)
	}
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
	p.logger.Info("Capture started", zap.String("backend", BackendPortAudio), zap.String("device", p.name))
	return nil
}

func (p *PortAudio) lookup() (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Name == p.name && d.MaxInputChannels >= 2 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: portaudio device %s", ErrUnknownDevice, p.name)
}

// Stop closes the stream and terminates PortAudio
func (p *PortAudio) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return nil
	}
	stream := p.stream
	p.stream = nil
	if err := stream.Stop(); err != nil {
		return err
	}
	if err := stream.Close(); err != nil {
		return err
	}
	return portaudio.Terminate()
}

// Close releases resources
func (p *PortAudio) Close() error {
	return p.Stop()
}
