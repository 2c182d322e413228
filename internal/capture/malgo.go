// ABOUTME: Malgo-based capture through miniaudio
// ABOUTME: WASAPI loopback of the output mix on Windows, an input device such as a monitor elsewhere
package capture

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// Malgo captures 16-bit stereo through miniaudio. Only Windows can loop back
// the render mix; other platforms record the selected input device.
type Malgo struct {
	id         string
	sampleRate int
	logger     *zap.Logger

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	info     *malgo.DeviceInfo
	onData   func([]byte)
	running  bool
}

// loopbackSupported reports whether miniaudio can capture the render mix directly
func loopbackSupported() bool {
	return runtime.GOOS == "windows"
}

// enumerationType is the device kind whose IDs select a capture source
func enumerationType() malgo.DeviceType {
	if loopbackSupported() {
		return malgo.Playback
	}
	return malgo.Capture
}

func newMalgoContext(logger *zap.Logger) (*malgo.AllocatedContext, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("miniaudio", zap.String("message", message))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}
	return ctx, nil
}

func freeMalgoContext(ctx *malgo.AllocatedContext, logger *zap.Logger) {
	if err := ctx.Uninit(); err != nil {
		logger.Warn("malgo context uninit error", zap.Error(err))
	}
	ctx.Free()
}

func listMalgo(logger *zap.Logger) ([]Info, error) {
	ctx, err := newMalgoContext(logger)
	if err != nil {
		return nil, err
	}
	defer freeMalgoContext(ctx, logger)

	devs, err := ctx.Devices(enumerationType())
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	infos := make([]Info, 0, len(devs))
	for _, d := range devs {
		infos = append(infos, Info{
			ID:      BackendMalgo + ":" + d.ID.String(),
			Name:    d.Name(),
			Backend: BackendMalgo,
			Default: d.IsDefault != 0,
		})
	}
	return infos, nil
}

// openMalgo resolves id (empty for the system default) and prepares capture.
// The hardware device is initialised on Start.
func openMalgo(id string, sampleRate int, logger *zap.Logger) (*Malgo, error) {
	ctx, err := newMalgoContext(logger)
	if err != nil {
		return nil, err
	}

	m := &Malgo{id: id, sampleRate: sampleRate, logger: logger, malgoCtx: ctx}

	if id != "" {
		devs, err := ctx.Devices(enumerationType())
		if err != nil {
			freeMalgoContext(ctx, logger)
			return nil, fmt.Errorf("failed to enumerate devices: %w", err)
		}
		for i := range devs {
			if devs[i].ID.String() == id {
				m.info = &devs[i]
				break
			}
		}
		if m.info == nil {
			freeMalgoContext(ctx, logger)
			return nil, fmt.Errorf("%w: malgo device %s", ErrUnknownDevice, id)
		}
	}

	return m, nil
}

// Start initialises and starts the device
func (m *Malgo) Start(onData func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if m.malgoCtx == nil {
		return fmt.Errorf("capture device closed")
	}

	deviceType := malgo.Capture
	if loopbackSupported() {
		deviceType = malgo.Loopback
	}

	cfg := malgo.DefaultDeviceConfig(deviceType)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 2
	cfg.SampleRate = uint32(m.sampleRate)
	cfg.Alsa.NoMMap = 1
	if m.info != nil {
		cfg.Capture.DeviceID = m.info.ID.Pointer()
	}

	m.onData = onData
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, frameCount uint32) {
			n := int(frameCount) * 4
			if n > len(pInputSamples) {
				n = len(pInputSamples)
			}
			buf := make([]byte, n)
			copy(buf, pInputSamples[:n])
			m.onData(buf)
		},
	}

	device, err := malgo.InitDevice(m.malgoCtx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	m.device = device
	m.running = true
	m.logger.Info("Capture started",
		zap.String("backend", BackendMalgo),
		zap.String("device", m.id),
		zap.Bool("loopback", deviceType == malgo.Loopback),
		zap.Int("sample_rate", m.sampleRate))
	return nil
}

// Stop stops and uninitialises the device
func (m *Malgo) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *Malgo) stopLocked() error {
	if !m.running {
		return nil
	}
	m.running = false
	err := m.device.Stop()
	m.device.Uninit()
	m.device = nil
	if err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

// Close releases the device and context
func (m *Malgo) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.stopLocked()
	if m.malgoCtx != nil {
		freeMalgoContext(m.malgoCtx, m.logger)
		m.malgoCtx = nil
	}
	return err
}
