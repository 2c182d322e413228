// ABOUTME: Malgo-based audio output implementation
// ABOUTME: Feeds a miniaudio playback device from a ring buffer filled by Write
package output

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// Malgo output implementation using malgo/miniaudio library
type Malgo struct {
	logger *zap.Logger

	mu         sync.Mutex
	malgoCtx   *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate int
	channels   int
	volume     atomic.Int32

	// Ring buffer for callback-based playback
	ringBuffer *RingBuffer
}

// RingBuffer provides thread-safe circular buffer for PCM bytes
type RingBuffer struct {
	buffer   []byte
	readPos  int
	writePos int
	size     int
	count    int // Number of bytes currently in buffer
	mu       sync.Mutex
}

// NewRingBuffer creates a ring buffer with given capacity in bytes
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		buffer: make([]byte, capacity),
		size:   capacity,
	}
}

// Write adds bytes to the ring buffer, returning how many fit
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for i := 0; i < len(data) && rb.count < rb.size; i++ {
		rb.buffer[rb.writePos] = data[i]
		rb.writePos = (rb.writePos + 1) % rb.size
		rb.count++
		written++
	}
	return written
}

// Read fills out from the ring buffer and zero-fills on underrun
func (rb *RingBuffer) Read(out []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for i := 0; i < len(out) && rb.count > 0; i++ {
		out[i] = rb.buffer[rb.readPos]
		rb.readPos = (rb.readPos + 1) % rb.size
		rb.count--
		read++
	}
	for i := read; i < len(out); i++ {
		out[i] = 0
	}
	return read
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Free returns the number of free bytes in the buffer
func (rb *RingBuffer) Free() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size - rb.count
}

// NewMalgo creates a new Malgo output
func NewMalgo(logger *zap.Logger) Output {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Malgo{logger: logger.With(zap.String("component", "output.malgo"))}
	m.volume.Store(100)
	return m
}

// Open initializes the playback device for 16-bit PCM
func (m *Malgo) Open(sampleRate, channels int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil && m.sampleRate == sampleRate && m.channels == channels {
		return nil
	}

	if m.device != nil {
		m.logger.Info("Format change, reinitializing device",
			zap.Int("from_rate", m.sampleRate), zap.Int("to_rate", sampleRate),
			zap.Int("from_channels", m.channels), zap.Int("to_channels", channels))
		m.closeDevice()
	}

	if m.malgoCtx == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize malgo context: %w", err)
		}
		m.malgoCtx = ctx
	}

	// 500ms of 16-bit audio
	ring := NewRingBuffer(sampleRate * channels)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, _ uint32) {
			ring.Read(pOutput)
		},
	}

	device, err := malgo.InitDevice(m.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start device: %w", err)
	}

	m.device = device
	m.ringBuffer = ring
	m.sampleRate = sampleRate
	m.channels = channels

	m.logger.Info("Audio output initialized", zap.Int("sample_rate", sampleRate), zap.Int("channels", channels))
	return nil
}

// Write queues audio for playback. Audio that does not fit is dropped.
func (m *Malgo) Write(data []byte) error {
	m.mu.Lock()
	ring := m.ringBuffer
	m.mu.Unlock()
	if ring == nil {
		return fmt.Errorf("output not initialized")
	}

	scaled := scale(data, int(m.volume.Load()))
	if n := ring.Write(scaled); n < len(scaled) {
		m.logger.Debug("Ring buffer full", zap.Int("dropped", len(scaled)-n))
	}
	return nil
}

// SetVolume sets the volume (0-100)
func (m *Malgo) SetVolume(volume int) {
	m.volume.Store(int32(clampVolume(volume)))
}

// Close releases output resources
func (m *Malgo) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeDevice()
	if m.malgoCtx != nil {
		if err := m.malgoCtx.Uninit(); err != nil {
			m.logger.Warn("Malgo context uninit error", zap.Error(err))
		}
		m.malgoCtx.Free()
		m.malgoCtx = nil
	}
	return nil
}

// closeDevice stops and uninitializes the device (must hold m.mu)
func (m *Malgo) closeDevice() {
	if m.device == nil {
		return
	}
	if err := m.device.Stop(); err != nil {
		m.logger.Warn("Device stop error", zap.Error(err))
	}
	m.device.Uninit()
	m.device = nil
	m.ringBuffer = nil
}
