// ABOUTME: Shared capture engine multiplexed across speaker sessions
// ABOUTME: Starts hardware on first subscriber, stops after the last, demuxes per channel
package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/picapico/audioshare/internal/capture"
	"github.com/picapico/audioshare/internal/debounce"
	"github.com/picapico/audioshare/internal/metrics"
	pcm "github.com/picapico/audioshare/pkg/audio"
	"go.uber.org/zap"
)

const (
	// DefaultVolumeDelay coalesces bursts of device volume notifications
	DefaultVolumeDelay = 200 * time.Millisecond

	// DefaultQueueSize bounds captured buffers waiting for dispatch
	DefaultQueueSize = 64
)

// Config configures a Source
type Config struct {
	Opener          capture.Opener
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	VolumeDelay     time.Duration
	QueueSize       int
	OnVolumeChanged func(volume int)
}

// Subscription is a registered consumer of one channel
type Subscription struct {
	channel pcm.Channel
	fn      func([]byte)
	done    chan struct{}
	once    sync.Once
}

// Channel returns the subscribed channel
func (s *Subscription) Channel() pcm.Channel { return s.channel }

// Done is closed when the subscription ends, either through Unsubscribe or
// because the source was re-targeted to another device.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) end() {
	s.once.Do(func() { close(s.done) })
}

type captured struct {
	gen  uint64
	data []byte
}

type snapshot struct {
	gen  uint64
	subs map[pcm.Channel][]*Subscription
}

// Source owns the capture device and fans captured audio out to subscribers
type Source struct {
	opener  capture.Opener
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	device     capture.Device
	deviceID   string
	sampleRate int
	capturing  bool
	gen        uint64
	subs       map[pcm.Channel][]*Subscription

	current atomic.Pointer[snapshot]

	volumeMu sync.Mutex
	onVolume func(int)
	volume   *debounce.Debouncer

	queue     chan captured
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSource creates a source with no device selected
func NewSource(cfg Config) *Source {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.VolumeDelay <= 0 {
		cfg.VolumeDelay = DefaultVolumeDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	s := &Source{
		opener:     cfg.Opener,
		logger:     logger.With(zap.String("component", "audio")),
		metrics:    cfg.Metrics,
		sampleRate: pcm.DefaultSampleRate,
		subs:       make(map[pcm.Channel][]*Subscription),
		onVolume:   cfg.OnVolumeChanged,
		volume:     debounce.New(cfg.VolumeDelay),
		queue:      make(chan captured, cfg.QueueSize),
		closing:    make(chan struct{}),
	}
	s.current.Store(&snapshot{subs: map[pcm.Channel][]*Subscription{}})

	s.wg.Add(1)
	go s.dispatch()
	return s
}

// SetDevice re-targets capture. Any running capture stops, the old device is
// released and every subscription ends. An empty id leaves capture disabled.
// Open failures are returned and leave the source valid with no device.
func (s *Source) SetDevice(id string, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked()

	s.deviceID = id
	if sampleRate > 0 {
		s.sampleRate = sampleRate
	}
	if id == "" {
		s.logger.Info("Capture disabled")
		return nil
	}
	if s.opener == nil {
		s.deviceID = ""
		return capture.ErrUnknownDevice
	}

	dev, err := s.opener.Open(id, s.sampleRate)
	if err != nil {
		s.metrics.RecordDeviceError()
		s.logger.Error("Failed to open capture device", zap.String("device", id), zap.Error(err))
		s.deviceID = ""
		return err
	}
	if n, ok := dev.(capture.VolumeNotifier); ok {
		n.OnVolumeChanged(s.NotifyDeviceVolume)
	}
	s.device = dev

	s.logger.Info("Capture device selected", zap.String("device", id), zap.Int("sample_rate", s.sampleRate))
	return nil
}

// releaseLocked stops and closes the device and ends all subscriptions (must hold s.mu)
func (s *Source) releaseLocked() {
	s.stopLocked()
	if s.device != nil {
		if err := s.device.Close(); err != nil {
			s.logger.Warn("Capture device close error", zap.Error(err))
		}
		s.device = nil
	}

	for ch, list := range s.subs {
		for _, sub := range list {
			sub.end()
		}
		delete(s.subs, ch)
	}
	s.gen++
	s.publishLocked()
}

// Subscribe registers fn for channel. The first subscriber starts capture.
// Returns nil for a disabled channel or nil fn.
func (s *Source) Subscribe(channel pcm.Channel, fn func([]byte)) *Subscription {
	if !channel.Enabled() || fn == nil {
		return nil
	}

	sub := &Subscription{channel: channel, fn: fn, done: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs[channel] = append(s.subs[channel], sub)
	s.publishLocked()
	s.startLocked()

	return sub
}

// Unsubscribe removes sub. Removing the last subscriber stops capture.
func (s *Source) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.subs[sub.channel]
	for i, candidate := range list {
		if candidate == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.subs, sub.channel)
	} else {
		s.subs[sub.channel] = list
	}
	sub.end()
	s.publishLocked()

	if s.countLocked() == 0 {
		s.stopLocked()
	}
}

// startLocked starts the device if it is idle (must hold s.mu)
func (s *Source) startLocked() {
	if s.capturing || s.device == nil {
		return
	}

	gen := s.gen
	if err := s.device.Start(func(data []byte) { s.enqueue(gen, data) }); err != nil {
		s.metrics.RecordDeviceError()
		s.logger.Error("Failed to start capture", zap.String("device", s.deviceID), zap.Error(err))
		return
	}
	s.capturing = true
	s.metrics.SetCapturing(true)
	s.logger.Info("Capture started", zap.String("device", s.deviceID))
}

// stopLocked stops the device if it is running (must hold s.mu)
func (s *Source) stopLocked() {
	if !s.capturing {
		return
	}
	s.capturing = false
	s.metrics.SetCapturing(false)
	if err := s.device.Stop(); err != nil {
		s.metrics.RecordDeviceError()
		s.logger.Warn("Capture stop error", zap.String("device", s.deviceID), zap.Error(err))
		return
	}
	s.logger.Info("Capture stopped", zap.String("device", s.deviceID))
}

func (s *Source) countLocked() int {
	n := 0
	for _, list := range s.subs {
		n += len(list)
	}
	return n
}

// publishLocked swaps in an immutable copy of the registry for dispatch (must hold s.mu)
func (s *Source) publishLocked() {
	subs := make(map[pcm.Channel][]*Subscription, len(s.subs))
	for ch, list := range s.subs {
		subs[ch] = append([]*Subscription(nil), list...)
		s.metrics.SetSubscriptions(ch.String(), len(list))
	}
	for _, ch := range pcm.Channels {
		if _, ok := subs[ch]; !ok {
			s.metrics.SetSubscriptions(ch.String(), 0)
		}
	}
	s.current.Store(&snapshot{gen: s.gen, subs: subs})
}

// enqueue runs on the device's callback goroutine and never blocks
func (s *Source) enqueue(gen uint64, data []byte) {
	s.metrics.RecordCapture(len(data))
	select {
	case s.queue <- captured{gen: gen, data: data}:
	default:
		s.metrics.RecordCaptureDropped()
	}
}

func (s *Source) dispatch() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closing:
			return
		case buf := <-s.queue:
			snap := s.current.Load()
			if buf.gen != snap.gen {
				continue
			}
			for ch, list := range snap.subs {
				data := pcm.Demux(buf.data, ch)
				for _, sub := range list {
					sub.fn(data)
				}
			}
		}
	}
}

// SetVolumeHandler installs the callback for coalesced device volume changes
func (s *Source) SetVolumeHandler(fn func(volume int)) {
	s.volumeMu.Lock()
	s.onVolume = fn
	s.volumeMu.Unlock()
}

// NotifyDeviceVolume reports a device volume change (0-100). Bursts are
// coalesced and the handler sees only the last value.
func (s *Source) NotifyDeviceVolume(volume int) {
	s.metrics.RecordVolumeEvent()
	s.volume.Do(func() {
		s.volumeMu.Lock()
		fn := s.onVolume
		s.volumeMu.Unlock()
		if fn != nil {
			fn(volume)
		}
	})
}

// SampleRate returns the capture sample rate
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

// DeviceID returns the selected device, empty when disabled
func (s *Source) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Capturing reports whether hardware capture is running
func (s *Source) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capturing
}

// Subscribers returns the number of registered subscriptions
func (s *Source) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

// Devices lists capture devices from the opener
func (s *Source) Devices() ([]capture.Info, error) {
	if s.opener == nil {
		return nil, nil
	}
	return s.opener.List()
}

// Close releases the device, ends all subscriptions and stops dispatch
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.releaseLocked()
		s.deviceID = ""
		s.mu.Unlock()

		s.volume.Cancel()
		close(s.closing)
		s.wg.Wait()
	})
	return nil
}
