// ABOUTME: Coordination loop owning speaker sessions, settings and the capture source
// ABOUTME: Reconciles the speaker list, aggregates status and propagates volume
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/picapico/audioshare/internal/bringup"
	"github.com/picapico/audioshare/internal/capture"
	"github.com/picapico/audioshare/internal/debounce"
	"github.com/picapico/audioshare/internal/metrics"
	"github.com/picapico/audioshare/internal/settings"
	"github.com/picapico/audioshare/internal/speaker"
	pcm "github.com/picapico/audioshare/pkg/audio"
	"github.com/picapico/audioshare/pkg/protocol"
	"go.uber.org/zap"
)

const (
	// DefaultStatusDelay debounces session status changes
	DefaultStatusDelay = 200 * time.Millisecond

	// DefaultVolumeDelay debounces volume broadcasts
	DefaultVolumeDelay = 200 * time.Millisecond

	// PlaceholderPort is the port given to manually added speakers
	PlaceholderPort = 8088

	opQueueSize = 64
)

var (
	ErrClosed          = errors.New("manager: closed")
	ErrUnknownSpeaker  = errors.New("manager: unknown speaker")
	ErrUSBUnavailable  = errors.New("manager: usb mode needs adb")
	ErrNoFreeAddress   = errors.New("manager: no free placeholder address")
	ErrUnsupportedRate = errors.New("manager: unsupported sample rate")
	ErrReadOnly        = errors.New("manager: usb speakers cannot be edited")
	ErrDuplicate       = errors.New("manager: speaker already known")
)

// DeviceLister enumerates USB-attached devices. *bringup.ADB satisfies it.
type DeviceLister interface {
	Devices(ctx context.Context) ([]bringup.Device, error)
}

// AudioSource is the capture engine. *audio.Source satisfies it.
type AudioSource interface {
	speaker.Source
	SetDevice(id string, sampleRate int) error
	SetVolumeHandler(fn func(volume int))
	DeviceID() string
	Capturing() bool
	Devices() ([]capture.Info, error)
	Close() error
}

// Config configures a Manager
type Config struct {
	Source AudioSource
	Store  Store
	// Lister is nil when adb is unavailable; USB mode is then refused
	Lister DeviceLister

	USBProvisioner speaker.Provisioner
	IPProvisioner  speaker.Provisioner
	Dialer         protocol.Dialer

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	HandshakeTimeout time.Duration
	ControlTimeout   time.Duration
	StatusDelay      time.Duration
	VolumeDelay      time.Duration
}

// State is a snapshot of everything a presentation layer shows
type State struct {
	Speakers           []speaker.Info `json:"speakers"`
	ConnectedCount     int            `json:"connected_count"`
	Volume             int            `json:"volume"`
	VolumeFollowSystem bool           `json:"volume_follow_system"`
	USB                bool           `json:"usb"`
	AudioID            string         `json:"audio_id"`
	SampleRate         int            `json:"sample_rate"`
	Capturing          bool           `json:"capturing"`
}

// Manager coordinates speaker sessions
type Manager struct {
	cfg        Config
	source     AudioSource
	store      Store
	lister     DeviceLister
	baseLogger *zap.Logger
	logger     *zap.Logger
	metrics    *metrics.Metrics

	ops          chan func()
	quit         chan struct{}
	quitOnce     sync.Once
	finished     chan struct{}
	finishOnce   sync.Once
	shutdownOnce sync.Once
	started      atomic.Bool

	events         *hub
	statusDebounce *debounce.Debouncer
	volumeDebounce *debounce.Debouncer

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	// owned by the coordination loop
	settings settings.Settings
	sessions []*speaker.Session
	greeted  map[*speaker.Session]bool

	connected atomic.Int32
	volume    atomic.Int32
}

// New creates a manager. Settings are loaded from the store immediately;
// nothing else happens until Run.
func New(cfg Config) *Manager {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(settings.Default())
	}
	if cfg.StatusDelay <= 0 {
		cfg.StatusDelay = DefaultStatusDelay
	}
	if cfg.VolumeDelay <= 0 {
		cfg.VolumeDelay = DefaultVolumeDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := cfg.Store.Load()
	s.Normalize()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		source:     cfg.Source,
		store:      cfg.Store,
		lister:     cfg.Lister,
		baseLogger: logger,
		logger: logger.With(
			zap.String("component", "manager"),
			zap.String("instance", uuid.New().String()),
		),
		metrics:        cfg.Metrics,
		ops:            make(chan func(), opQueueSize),
		quit:           make(chan struct{}),
		finished:       make(chan struct{}),
		events:         newHub(),
		statusDebounce: debounce.New(cfg.StatusDelay),
		volumeDebounce: debounce.New(cfg.VolumeDelay),
		bgCtx:          bgCtx,
		bgCancel:       bgCancel,
		settings:       s,
		greeted:        make(map[*speaker.Session]bool),
	}
	m.volume.Store(int32(s.Volume))
	return m
}

// Run applies the persisted capture device, refreshes the speaker list and
// then processes work until ctx is cancelled or Close is called. Sessions
// are disposed and the capture source closed before it returns.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		select {
		case <-m.quit:
			return ErrClosed
		default:
			return errors.New("manager: already running")
		}
	}
	defer m.finish()
	defer m.shutdown()

	if m.settings.AudioID != "" {
		if err := m.source.SetDevice(m.settings.AudioID, m.settings.SampleRate); err != nil {
			m.logger.Warn("Persisted capture device unavailable", zap.String("device", m.settings.AudioID), zap.Error(err))
		}
	}
	m.source.SetVolumeHandler(m.onDeviceVolume)

	go func() {
		if err := m.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) && ctx.Err() == nil {
			m.logger.Warn("Initial refresh failed", zap.Error(err))
		}
	}()

	m.logger.Info("Manager running", zap.Bool("usb", m.settings.USB), zap.Int("volume", m.settings.Volume))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.quit:
			return nil
		case op := <-m.ops:
			op()
		}
	}
}

// Close stops the loop and releases every session and the capture source
func (m *Manager) Close() error {
	m.quitOnce.Do(func() { close(m.quit) })
	if m.started.CompareAndSwap(false, true) {
		m.shutdown()
		m.finish()
		return nil
	}
	<-m.finished
	return nil
}

func (m *Manager) finish() {
	m.finishOnce.Do(func() { close(m.finished) })
}

// shutdown runs on the loop goroutine as it exits, or from Close when the
// loop never started
func (m *Manager) shutdown() {
	m.shutdownOnce.Do(func() {
		m.statusDebounce.Cancel()
		m.volumeDebounce.Cancel()
		for _, s := range m.sessions {
			s.Dispose()
		}
		m.syncSettings()
		m.persist()

		m.bgCancel()
		m.bg.Wait()

		if err := m.source.Close(); err != nil {
			m.logger.Warn("Capture source close error", zap.Error(err))
		}
		m.events.close()
		m.logger.Info("Manager stopped")
	})
}

// do runs op on the coordination loop and waits for it
func (m *Manager) do(ctx context.Context, op func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		op()
	}

	select {
	case m.ops <- wrapped:
	case <-m.quit:
		return ErrClosed
	case <-m.finished:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-m.finished:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues op without waiting. Safe to call from the loop itself and
// from session callbacks.
func (m *Manager) post(op func()) {
	select {
	case m.ops <- op:
		return
	case <-m.finished:
		return
	default:
	}
	go func() {
		select {
		case m.ops <- op:
		case <-m.quit:
		case <-m.finished:
		}
	}()
}

// background runs fn off the loop until shutdown (loop only)
func (m *Manager) background(fn func(ctx context.Context)) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		fn(m.bgCtx)
	}()
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. The channel is closed on cancel or shutdown.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe()
}

func (m *Manager) publish(ev Event) {
	ev.Time = time.Now()
	if missed := m.events.publish(ev); missed > 0 {
		m.logger.Debug("Slow subscribers missed an event", zap.Stringer("kind", ev.Kind), zap.Int("missed", missed))
	}
}

func (m *Manager) publishSpeakers() {
	m.publish(Event{Kind: SpeakersChanged, Speakers: m.infos()})
}

// newSession builds a session wired back into the loop (loop only)
func (m *Manager) newSession(id, name string, usb bool, ch pcm.Channel) *speaker.Session {
	prov := m.cfg.IPProvisioner
	if usb {
		prov = m.cfg.USBProvisioner
	}
	return speaker.New(speaker.Config{
		ID:               id,
		Name:             name,
		USB:              usb,
		Channel:          ch,
		Source:           m.source,
		Provisioner:      prov,
		Dialer:           m.cfg.Dialer,
		Logger:           m.baseLogger,
		Metrics:          m.metrics,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		ControlTimeout:   m.cfg.ControlTimeout,
		OnStatus: func(s *speaker.Session, st speaker.Status) {
			m.post(func() { m.statusChanged(s, st) })
		},
		OnDisconnected: func(s *speaker.Session) {
			m.post(func() { m.disconnected(s) })
		},
	})
}

func (m *Manager) has(s *speaker.Session) bool {
	for _, cur := range m.sessions {
		if cur == s {
			return true
		}
	}
	return false
}

func (m *Manager) find(id string) *speaker.Session {
	for _, s := range m.sessions {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

func (m *Manager) infos() []speaker.Info {
	infos := make([]speaker.Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

func (m *Manager) connectedSessions() []*speaker.Session {
	var out []*speaker.Session
	for _, s := range m.sessions {
		if s.Status() == speaker.StatusConnected {
			out = append(out, s)
		}
	}
	return out
}

// persist saves a copy of the settings (loop only)
func (m *Manager) persist() {
	if err := m.store.Save(m.settings.Clone()); err != nil {
		m.logger.Warn("Failed to save settings", zap.Error(err))
	}
}

// syncSettings records the speaker list and channels for the active mode.
// Offline USB devices keep their remembered channel. Skipped while the
// session list still belongs to the other mode.
func (m *Manager) syncSettings() {
	usb := m.settings.USB
	for _, s := range m.sessions {
		if s.USB() != usb {
			return
		}
	}

	seen := make(map[string]bool, len(m.sessions))
	devices := make([]settings.Device, 0, len(m.sessions))
	for _, s := range m.sessions {
		seen[s.ID()] = true
		devices = append(devices, settings.Device{ID: s.ID(), Channel: s.Channel()})
	}
	if usb {
		for _, d := range m.settings.Devices(true) {
			if !seen[d.ID] {
				devices = append(devices, d)
			}
		}
	}
	m.settings.SetDevices(usb, devices)
}

func (m *Manager) statusChanged(s *speaker.Session, st speaker.Status) {
	if !m.has(s) {
		return
	}
	info := s.Info()
	m.publish(Event{Kind: StatusChanged, Speaker: &info})
	if st == speaker.StatusConnecting {
		return
	}
	m.statusDebounce.Do(func() { m.post(m.settle) })
}

func (m *Manager) disconnected(s *speaker.Session) {
	if !m.has(s) {
		return
	}
	info := s.Info()
	m.logger.Warn("Speaker disconnected unexpectedly", zap.String("speaker", info.ID))
	m.publish(Event{Kind: Disconnected, Speaker: &info})
}

// settle runs once status changes have been quiet for StatusDelay
func (m *Manager) settle() {
	connected := m.connectedSessions()
	for s := range m.greeted {
		if !m.has(s) || s.Status() != speaker.StatusConnected {
			delete(m.greeted, s)
		}
	}
	var fresh []*speaker.Session
	for _, s := range connected {
		if !m.greeted[s] {
			m.greeted[s] = true
			fresh = append(fresh, s)
		}
	}

	count := len(connected)
	m.connected.Store(int32(count))
	m.metrics.SetSessions(len(m.sessions), count)
	m.publish(Event{Kind: ConnectedCount, Count: count})

	if len(fresh) == 0 {
		return
	}
	m.syncSettings()
	m.persist()

	volume := m.settings.Volume
	m.background(func(ctx context.Context) {
		for _, s := range fresh {
			if err := s.SetVolume(ctx, volume); err != nil {
				m.logger.Debug("Initial volume failed", zap.String("speaker", s.ID()), zap.Error(err))
			}
		}
		for _, s := range connected {
			if err := s.SyncTime(ctx); err != nil {
				m.logger.Debug("Sync time failed", zap.String("speaker", s.ID()), zap.Error(err))
			}
		}
	})
}

// Refresh reconciles the session list with the attached USB devices or the
// remembered IP speakers. Connected and connecting sessions are kept.
func (m *Manager) Refresh(ctx context.Context) error {
	var usb bool
	if err := m.do(ctx, func() { usb = m.settings.USB }); err != nil {
		return err
	}

	var devices []bringup.Device
	if usb && m.lister != nil {
		list, err := m.lister.Devices(ctx)
		if err != nil {
			return fmt.Errorf("list usb devices: %w", err)
		}
		devices = list
	}
	return m.do(ctx, func() { m.reconcile(usb, devices) })
}

type candidate struct {
	id      string
	name    string
	channel pcm.Channel
}

func (m *Manager) reconcile(usb bool, devices []bringup.Device) {
	if m.settings.USB != usb {
		return
	}
	if usb && m.lister == nil {
		m.logger.Warn("USB mode needs adb, switching to IP mode")
		m.settings.USB = false
		usb = false
		m.persist()
	}

	var want []candidate
	seen := make(map[string]bool)
	if usb {
		for _, d := range devices {
			if !d.Online() || seen[d.Serial] {
				continue
			}
			seen[d.Serial] = true
			ch, _ := m.settings.Channel(true, d.Serial)
			want = append(want, candidate{id: d.Serial, name: d.Name, channel: ch})
		}
	} else {
		for _, d := range m.settings.IPDevices {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			want = append(want, candidate{id: d.ID, channel: d.Channel})
		}
	}

	existing := make(map[string]*speaker.Session, len(m.sessions))
	for _, s := range m.sessions {
		if s.USB() == usb {
			existing[s.ID()] = s
		}
	}

	kept := make(map[*speaker.Session]bool, len(want))
	next := make([]*speaker.Session, 0, len(want))
	for _, c := range want {
		if s, ok := existing[c.id]; ok {
			kept[s] = true
			next = append(next, s)
			continue
		}
		next = append(next, m.newSession(c.id, c.name, usb, c.channel))
	}

	for _, s := range m.sessions {
		if !kept[s] {
			s.Dispose()
			delete(m.greeted, s)
		}
	}
	m.sessions = next

	m.metrics.SetSessions(len(next), int(m.connected.Load()))
	m.logger.Info("Speakers refreshed", zap.Bool("usb", usb), zap.Int("speakers", len(next)), zap.Int("kept", len(kept)))
	m.publishSpeakers()
}

// AddSpeaker remembers an IP speaker and returns its id. An empty id picks
// the first free 192.168.1.N placeholder. Known ids are not duplicated.
// A session is only created while in IP mode.
func (m *Manager) AddSpeaker(ctx context.Context, id string) (string, error) {
	var added string
	var err error
	if doErr := m.do(ctx, func() { added, err = m.addSpeaker(id) }); doErr != nil {
		return "", doErr
	}
	return added, err
}

// Discovered handles a speaker announcement without waiting
func (m *Manager) Discovered(id string) {
	m.post(func() {
		if _, err := m.addSpeaker(id); err != nil {
			m.logger.Debug("Ignoring discovered speaker", zap.String("speaker", id), zap.Error(err))
		}
	})
}

func (m *Manager) addSpeaker(id string) (string, error) {
	if id == "" {
		var ok bool
		if id, ok = m.placeholder(); !ok {
			return "", ErrNoFreeAddress
		}
	} else if _, err := speaker.ParseEndpoint(id); err != nil {
		return "", err
	}

	if m.settings.HasIPDevice(id) {
		return id, nil
	}
	m.settings.IPDevices = append(m.settings.IPDevices, settings.Device{ID: id, Channel: pcm.ChannelNone})
	if !m.settings.USB {
		m.sessions = append(m.sessions, m.newSession(id, "", false, pcm.ChannelNone))
		m.publishSpeakers()
	}
	m.persist()
	m.logger.Info("Speaker added", zap.String("speaker", id))
	return id, nil
}

func (m *Manager) placeholder() (string, bool) {
	for i := 2; i < 255; i++ {
		id := fmt.Sprintf("192.168.1.%d:%d", i, PlaceholderPort)
		if !m.settings.HasIPDevice(id) {
			return id, true
		}
	}
	return "", false
}

// RemoveSpeaker disposes the session and forgets the speaker. Only
// UnConnected IP speakers can be removed.
func (m *Manager) RemoveSpeaker(ctx context.Context, id string) error {
	var err error
	if doErr := m.do(ctx, func() { err = m.removeSpeaker(id) }); doErr != nil {
		return doErr
	}
	return err
}

func (m *Manager) removeSpeaker(id string) error {
	s := m.find(id)
	if err := editable(s, id); err != nil {
		return err
	}
	s.Dispose()
	delete(m.greeted, s)

	next := m.sessions[:0]
	for _, cur := range m.sessions {
		if cur != s {
			next = append(next, cur)
		}
	}
	m.sessions = next

	kept := m.settings.Devices(s.USB())[:0]
	for _, d := range m.settings.Devices(s.USB()) {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	m.settings.SetDevices(s.USB(), kept)
	m.syncSettings()
	m.persist()

	m.logger.Info("Speaker removed", zap.String("speaker", id))
	m.publishSpeakers()
	return nil
}

// editable reports whether s may be removed or readdressed
func editable(s *speaker.Session, id string) error {
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSpeaker, id)
	}
	if s.USB() {
		return fmt.Errorf("%w: %s", ErrReadOnly, id)
	}
	if s.Status() != speaker.StatusUnConnected {
		return fmt.Errorf("%w: %s is %s", speaker.ErrBusy, id, s.Status())
	}
	return nil
}

// RenameSpeaker changes the address of an UnConnected IP speaker, keeping
// its channel and position in the list
func (m *Manager) RenameSpeaker(ctx context.Context, id, newID string) error {
	var err error
	if doErr := m.do(ctx, func() { err = m.renameSpeaker(id, newID) }); doErr != nil {
		return doErr
	}
	return err
}

func (m *Manager) renameSpeaker(id, newID string) error {
	newID = strings.TrimSpace(newID)
	s := m.find(id)
	if err := editable(s, id); err != nil {
		return err
	}
	if _, err := speaker.ParseEndpoint(newID); err != nil {
		return err
	}
	if newID == id {
		return nil
	}
	if m.settings.HasIPDevice(newID) {
		return fmt.Errorf("%w: %s", ErrDuplicate, newID)
	}

	renamed := m.newSession(newID, "", false, s.Channel())
	s.Dispose()
	delete(m.greeted, s)
	for i, cur := range m.sessions {
		if cur == s {
			m.sessions[i] = renamed
		}
	}
	m.syncSettings()
	m.persist()

	m.logger.Info("Speaker renamed", zap.String("speaker", id), zap.String("to", newID))
	m.publishSpeakers()
	return nil
}

func (m *Manager) lookup(ctx context.Context, id string) (*speaker.Session, error) {
	var s *speaker.Session
	if err := m.do(ctx, func() { s = m.find(id) }); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpeaker, id)
	}
	return s, nil
}

// Connect opens the speaker's stream. It blocks until the session is
// Connected or the attempt fails.
func (m *Manager) Connect(ctx context.Context, id string) error {
	s, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	return m.connect(ctx, s)
}

// Disconnect closes the speaker's stream without a notification
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	s, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	s.Disconnect()
	return nil
}

// Reconnect connects the speaker only if it is UnConnected. It is the
// response to a Disconnected event.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	s, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	if s.Status() != speaker.StatusUnConnected {
		return nil
	}
	return m.connect(ctx, s)
}

// connect runs off the loop, so the session may have been removed since the
// lookup. A removed session is disposed and reports as unknown.
func (m *Manager) connect(ctx context.Context, s *speaker.Session) error {
	if err := s.Connect(ctx); err != nil {
		if errors.Is(err, speaker.ErrDisposed) {
			return fmt.Errorf("%w: %s", ErrUnknownSpeaker, s.ID())
		}
		return err
	}
	return nil
}

// SetChannel changes and remembers a speaker's channel. The speaker must be
// UnConnected.
func (m *Manager) SetChannel(ctx context.Context, id string, ch pcm.Channel) error {
	var err error
	doErr := m.do(ctx, func() {
		s := m.find(id)
		if s == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownSpeaker, id)
			return
		}
		if err = s.SetChannel(ch); err != nil {
			return
		}
		m.syncSettings()
		m.persist()
		m.publishSpeakers()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// SetMode switches between USB and IP speakers, remembering the current
// list for the old mode, then refreshes
func (m *Manager) SetMode(ctx context.Context, usb bool) error {
	var changed bool
	var err error
	doErr := m.do(ctx, func() {
		if m.settings.USB == usb {
			return
		}
		if usb && m.lister == nil {
			err = ErrUSBUnavailable
			return
		}
		m.syncSettings()
		m.settings.USB = usb
		m.persist()
		changed = true
		m.logger.Info("Mode changed", zap.Bool("usb", usb))
	})
	if doErr != nil {
		return doErr
	}
	if err != nil || !changed {
		return err
	}
	return m.Refresh(ctx)
}

// SetDevice disconnects every session and retargets capture. A zero rate keeps
// the current rate; an empty id disables capture.
func (m *Manager) SetDevice(ctx context.Context, id string, sampleRate int) error {
	if sampleRate != 0 && !pcm.IsSupportedSampleRate(sampleRate) {
		return fmt.Errorf("%w: %d", ErrUnsupportedRate, sampleRate)
	}

	var err error
	doErr := m.do(ctx, func() {
		rate := sampleRate
		if rate == 0 {
			rate = m.settings.SampleRate
		}
		for _, s := range m.sessions {
			s.Disconnect()
		}
		if err = m.source.SetDevice(id, rate); err != nil {
			m.logger.Error("Failed to open capture device", zap.String("device", id), zap.Error(err))
			return
		}
		m.settings.AudioID = id
		m.settings.SampleRate = rate
		m.persist()
		m.logger.Info("Capture device selected", zap.String("device", id), zap.Int("sample_rate", rate))
		m.publishSpeakers()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Devices lists selectable capture devices
func (m *Manager) Devices() ([]capture.Info, error) {
	return m.source.Devices()
}

// SetVolume sets the shared volume (clamped to 0-100). Connected speakers
// receive it once changes have been quiet for VolumeDelay.
func (m *Manager) SetVolume(ctx context.Context, volume int) error {
	return m.do(ctx, func() { m.setVolume(volume) })
}

func (m *Manager) setVolume(volume int) {
	volume = protocol.ClampVolume(volume)
	if volume == m.settings.Volume {
		return
	}
	m.settings.Volume = volume
	m.volume.Store(int32(volume))
	m.publish(Event{Kind: VolumeChanged, Volume: volume})
	m.volumeDebounce.Do(func() { m.post(m.broadcastVolume) })
}

func (m *Manager) broadcastVolume() {
	m.persist()

	volume := m.settings.Volume
	targets := m.connectedSessions()
	if len(targets) == 0 {
		return
	}
	m.logger.Debug("Broadcasting volume", zap.Int("volume", volume), zap.Int("speakers", len(targets)))
	m.background(func(ctx context.Context) {
		for _, s := range targets {
			if err := s.SetVolume(ctx, volume); err != nil {
				m.logger.Debug("Volume update failed", zap.String("speaker", s.ID()), zap.Error(err))
			}
		}
	})
}

// onDeviceVolume receives system volume changes from the capture source
func (m *Manager) onDeviceVolume(volume int) {
	m.post(func() {
		if m.settings.VolumeFollowSystem {
			m.setVolume(volume)
		}
	})
}

// SetVolumeFollowSystem controls whether system volume changes drive speakers
func (m *Manager) SetVolumeFollowSystem(ctx context.Context, follow bool) error {
	return m.do(ctx, func() {
		m.settings.VolumeFollowSystem = follow
		m.persist()
	})
}

// Speakers returns a snapshot of every session
func (m *Manager) Speakers(ctx context.Context) ([]speaker.Info, error) {
	var infos []speaker.Info
	if err := m.do(ctx, func() { infos = m.infos() }); err != nil {
		return nil, err
	}
	return infos, nil
}

// ConnectedCount returns the settled number of connected speakers
func (m *Manager) ConnectedCount() int {
	return int(m.connected.Load())
}

// Volume returns the shared volume
func (m *Manager) Volume() int {
	return int(m.volume.Load())
}

// State returns a full snapshot
func (m *Manager) State(ctx context.Context) (State, error) {
	var st State
	err := m.do(ctx, func() {
		st = State{
			Speakers:           m.infos(),
			ConnectedCount:     int(m.connected.Load()),
			Volume:             m.settings.Volume,
			VolumeFollowSystem: m.settings.VolumeFollowSystem,
			USB:                m.settings.USB,
			AudioID:            m.settings.AudioID,
			SampleRate:         m.settings.SampleRate,
			Capturing:          m.source.Capturing(),
		}
	})
	return st, err
}
