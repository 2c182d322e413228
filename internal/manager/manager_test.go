// ABOUTME: Tests for the session manager
// ABOUTME: Uses the reference receiver as the speaker to check debounce, discovery, refresh and events
package manager

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/picapico/audioshare/internal/audio"
	"github.com/picapico/audioshare/internal/bringup"
	"github.com/picapico/audioshare/internal/capture"
	"github.com/picapico/audioshare/internal/receiver"
	"github.com/picapico/audioshare/internal/settings"
	"github.com/picapico/audioshare/internal/speaker"
	pcm "github.com/picapico/audioshare/pkg/audio"
	"github.com/picapico/audioshare/pkg/protocol"
)

const testDelay = 50 * time.Millisecond

// controlLog records control requests seen by a receiver
type controlLog struct {
	mu      sync.Mutex
	volumes []int
	syncs   int
}

func (c *controlLog) record(cmd protocol.Command, value int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cmd {
	case protocol.CommandVolume:
		c.volumes = append(c.volumes, value)
	case protocol.CommandSyncTime:
		c.syncs++
	}
}

func (c *controlLog) snapshot() ([]int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.volumes...), c.syncs
}

func (c *controlLog) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volumes = nil
	c.syncs = 0
}

func startReceiver(t *testing.T) (*receiver.Receiver, *controlLog) {
	t.Helper()
	log := &controlLog{}
	r := receiver.New(receiver.Config{Addr: "127.0.0.1:0", OnControl: log.record})
	if err := r.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, log
}

// fakeLister returns whatever devices the test sets
type fakeLister struct {
	mu      sync.Mutex
	devices []bringup.Device
}

func (l *fakeLister) set(devices ...bringup.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.devices = devices
}

func (l *fakeLister) Devices(ctx context.Context) ([]bringup.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bringup.Device(nil), l.devices...), nil
}

// tunnel forwards every USB serial to one local receiver port
type tunnel struct {
	port int
}

func (p *tunnel) EnsureReady(ctx context.Context, id string) error { return nil }

func (p *tunnel) CreateTunnel(ctx context.Context, id, remote string) (int, error) {
	return p.port, nil
}

type testManager struct {
	*Manager
	store  *MemoryStore
	events <-chan Event
}

func newTestManager(t *testing.T, s settings.Settings, lister DeviceLister, usbProv speaker.Provisioner) *testManager {
	t.Helper()
	return startTestManager(t, s, Config{
		Source:         audio.NewSource(audio.Config{}),
		Lister:         lister,
		USBProvisioner: usbProv,
	})
}

func startTestManager(t *testing.T, s settings.Settings, cfg Config) *testManager {
	t.Helper()
	store := NewMemoryStore(s)
	cfg.Store = store
	cfg.HandshakeTimeout = time.Second
	cfg.ControlTimeout = 500 * time.Millisecond
	cfg.StatusDelay = testDelay
	cfg.VolumeDelay = testDelay
	m := New(cfg)
	events, _ := m.Subscribe()

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	t.Cleanup(func() {
		m.Close()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return &testManager{Manager: m, store: store, events: events}
}

func ipSettings(ids ...string) settings.Settings {
	s := settings.Default()
	s.USB = false
	for _, id := range ids {
		s.IPDevices = append(s.IPDevices, settings.Device{ID: id, Channel: pcm.ChannelStereo})
	}
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (tm *testManager) speakers(t *testing.T) []speaker.Info {
	t.Helper()
	infos, err := tm.Speakers(context.Background())
	if err != nil {
		t.Fatalf("Speakers: %v", err)
	}
	return infos
}

func (tm *testManager) waitSpeakers(t *testing.T, n int) []speaker.Info {
	t.Helper()
	var infos []speaker.Info
	eventually(t, strconv.Itoa(n)+" speakers", func() bool {
		infos = tm.speakers(t)
		return len(infos) == n
	})
	return infos
}

func (tm *testManager) waitEvent(t *testing.T, kind Kind) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-tm.events:
			if !ok {
				t.Fatalf("event stream closed waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func (tm *testManager) waitConnected(t *testing.T, n int) {
	t.Helper()
	eventually(t, "connected count "+strconv.Itoa(n), func() bool { return tm.ConnectedCount() == n })
}

func TestConnectSendsVolumeAndSyncTime(t *testing.T) {
	r, log := startReceiver(t)
	addr := r.Addr().String()
	tm := newTestManager(t, ipSettings(addr), nil, nil)
	tm.waitSpeakers(t, 1)

	if err := tm.Connect(context.Background(), addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tm.waitConnected(t, 1)

	eventually(t, "initial volume and sync", func() bool {
		volumes, syncs := log.snapshot()
		return len(volumes) == 1 && syncs == 1
	})
	volumes, _ := log.snapshot()
	if volumes[0] != settings.DefaultVolume {
		t.Errorf("expected initial volume %d, got %d", settings.DefaultVolume, volumes[0])
	}
	if !r.Playing() {
		t.Error("receiver should be playing")
	}
}

func TestVolumeChangesAreDebounced(t *testing.T) {
	r, log := startReceiver(t)
	addr := r.Addr().String()
	tm := newTestManager(t, ipSettings(addr), nil, nil)
	tm.waitSpeakers(t, 1)

	if err := tm.Connect(context.Background(), addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	eventually(t, "initial volume", func() bool {
		volumes, _ := log.snapshot()
		return len(volumes) == 1
	})
	log.reset()

	ctx := context.Background()
	for _, v := range []int{10, 20, 30} {
		if err := tm.SetVolume(ctx, v); err != nil {
			t.Fatalf("SetVolume(%d): %v", v, err)
		}
	}
	if tm.Volume() != 30 {
		t.Errorf("expected volume 30 immediately, got %d", tm.Volume())
	}

	eventually(t, "volume broadcast", func() bool {
		volumes, _ := log.snapshot()
		return len(volumes) > 0
	})
	time.Sleep(4 * testDelay)

	volumes, _ := log.snapshot()
	if len(volumes) != 1 || volumes[0] != 30 {
		t.Fatalf("expected exactly one volume command of 30, got %v", volumes)
	}
	if got := tm.store.Load().Volume; got != 30 {
		t.Errorf("expected persisted volume 30, got %d", got)
	}
}

func TestSetVolumeClampsAndEmits(t *testing.T) {
	tm := newTestManager(t, ipSettings(), nil, nil)

	if err := tm.SetVolume(context.Background(), 150); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	ev := tm.waitEvent(t, VolumeChanged)
	if ev.Volume != 100 || tm.Volume() != 100 {
		t.Errorf("expected clamped volume 100, event=%d manager=%d", ev.Volume, tm.Volume())
	}
}

func TestDiscoveryDeduplicates(t *testing.T) {
	tm := newTestManager(t, ipSettings(), nil, nil)
	tm.waitEvent(t, SpeakersChanged)

	tm.Discovered("10.0.0.5:8088")
	tm.Discovered("10.0.0.5:8088")
	tm.Discovered("not-an-address")
	if _, err := tm.AddSpeaker(context.Background(), "10.0.0.5:8088"); err != nil {
		t.Fatalf("AddSpeaker: %v", err)
	}

	infos := tm.waitSpeakers(t, 1)
	if infos[0].ID != "10.0.0.5:8088" || infos[0].Channel != pcm.ChannelNone {
		t.Errorf("unexpected speaker %+v", infos[0])
	}
	if devices := tm.store.Load().IPDevices; len(devices) != 1 {
		t.Errorf("expected one persisted speaker, got %v", devices)
	}
}

func TestAddSpeakerPlaceholder(t *testing.T) {
	tm := newTestManager(t, ipSettings("192.168.1.2:8088"), nil, nil)
	ctx := context.Background()

	id, err := tm.AddSpeaker(ctx, "")
	if err != nil {
		t.Fatalf("AddSpeaker: %v", err)
	}
	if id != "192.168.1.3:8088" {
		t.Errorf("expected first free placeholder, got %s", id)
	}

	if _, err := tm.AddSpeaker(ctx, "300.1.1.1:80"); !errors.Is(err, speaker.ErrEndpointUnreachable) {
		t.Errorf("expected invalid endpoint error, got %v", err)
	}
}

func TestAddSpeakerInUSBModeOnlyRemembers(t *testing.T) {
	s := settings.Default()
	lister := &fakeLister{}
	tm := newTestManager(t, s, lister, &tunnel{})
	tm.waitEvent(t, SpeakersChanged)

	if _, err := tm.AddSpeaker(context.Background(), "10.0.0.9:8088"); err != nil {
		t.Fatalf("AddSpeaker: %v", err)
	}
	if n := len(tm.speakers(t)); n != 0 {
		t.Errorf("expected no USB sessions, got %d", n)
	}
	if !tm.store.Load().HasIPDevice("10.0.0.9:8088") {
		t.Error("expected the speaker to be remembered for IP mode")
	}
}

func TestRemoveSpeaker(t *testing.T) {
	tm := newTestManager(t, ipSettings("10.0.0.1:8088", "10.0.0.2:8088"), nil, nil)
	tm.waitSpeakers(t, 2)
	ctx := context.Background()

	if err := tm.RemoveSpeaker(ctx, "10.0.0.1:8088"); err != nil {
		t.Fatalf("RemoveSpeaker: %v", err)
	}
	infos := tm.speakers(t)
	if len(infos) != 1 || infos[0].ID != "10.0.0.2:8088" {
		t.Errorf("unexpected speakers after remove %+v", infos)
	}
	if devices := tm.store.Load().IPDevices; len(devices) != 1 || devices[0].ID != "10.0.0.2:8088" {
		t.Errorf("unexpected persisted speakers %+v", devices)
	}

	if err := tm.RemoveSpeaker(ctx, "10.0.0.1:8088"); !errors.Is(err, ErrUnknownSpeaker) {
		t.Errorf("expected ErrUnknownSpeaker, got %v", err)
	}
}

func TestSetChannelPersistsAndRefusesWhileConnected(t *testing.T) {
	r, _ := startReceiver(t)
	addr := r.Addr().String()
	tm := newTestManager(t, ipSettings(addr), nil, nil)
	tm.waitSpeakers(t, 1)
	ctx := context.Background()

	if err := tm.SetChannel(ctx, addr, pcm.ChannelLeft); err != nil {
		t.Fatalf("SetChannel: %v", err)
	}
	saved := tm.store.Load()
	if ch, _ := saved.Channel(false, addr); ch != pcm.ChannelLeft {
		t.Errorf("expected persisted left channel, got %s", ch)
	}

	if err := tm.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h, ok := r.Handshake(); !ok || h.Mode != protocol.ModeMono {
		t.Errorf("expected a mono stream, got %+v", h)
	}
	if err := tm.SetChannel(ctx, addr, pcm.ChannelRight); !errors.Is(err, speaker.ErrBusy) {
		t.Errorf("expected ErrBusy while connected, got %v", err)
	}
}

func TestRefreshPreservesConnectedSessions(t *testing.T) {
	r, _ := startReceiver(t)
	lister := &fakeLister{}
	lister.set(
		bringup.Device{Serial: "A", State: "device", Name: "Phone A"},
		bringup.Device{Serial: "B", State: "offline"},
	)

	s := settings.Default()
	s.ADBDevices = []settings.Device{{ID: "A", Channel: pcm.ChannelStereo}}
	tm := newTestManager(t, s, lister, &tunnel{port: r.Port()})
	ctx := context.Background()

	infos := tm.waitSpeakers(t, 1)
	if infos[0].ID != "A" || infos[0].Channel != pcm.ChannelStereo || infos[0].Display != "Phone A [A]" {
		t.Fatalf("unexpected speaker %+v", infos[0])
	}

	if err := tm.Connect(ctx, "A"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tm.waitConnected(t, 1)

	lister.set(
		bringup.Device{Serial: "A", State: "device", Name: "Phone A"},
		bringup.Device{Serial: "C", State: "device", Name: "Phone C"},
	)
	if err := tm.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	infos = tm.speakers(t)
	if len(infos) != 2 || infos[0].ID != "A" || infos[0].Status != speaker.StatusConnected {
		t.Fatalf("expected A kept connected plus C, got %+v", infos)
	}
	if r.Stats().Streams != 1 {
		t.Errorf("refresh should not reconnect, receiver saw %d streams", r.Stats().Streams)
	}

	lister.set(bringup.Device{Serial: "C", State: "device", Name: "Phone C"})
	if err := tm.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	infos = tm.speakers(t)
	if len(infos) != 1 || infos[0].ID != "C" {
		t.Fatalf("expected only C, got %+v", infos)
	}
	eventually(t, "vanished speaker disposed", func() bool { return !r.Playing() })
	tm.waitConnected(t, 0)

	expectNoDisconnect(t, tm.events, 4*testDelay)
}

// expectNoDisconnect drains events for d and fails on a Disconnected event
func expectNoDisconnect(t *testing.T, events <-chan Event, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == Disconnected {
				t.Fatalf("unexpected disconnect notification %+v", ev)
			}
		case <-timeout:
			return
		}
	}
}

func TestSetModeWithoutADB(t *testing.T) {
	tm := newTestManager(t, ipSettings(), nil, nil)

	if err := tm.SetMode(context.Background(), true); !errors.Is(err, ErrUSBUnavailable) {
		t.Fatalf("expected ErrUSBUnavailable, got %v", err)
	}
}

func TestUSBModeFallsBackWithoutADB(t *testing.T) {
	s := settings.Default()
	s.IPDevices = []settings.Device{{ID: "10.0.0.1:8088"}}
	tm := newTestManager(t, s, nil, nil)

	tm.waitSpeakers(t, 1)
	st, err := tm.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.USB {
		t.Error("expected fallback to IP mode")
	}
	if tm.store.Load().USB {
		t.Error("expected the fallback to be persisted")
	}
}

func TestSetModeRemembersListPerMode(t *testing.T) {
	lister := &fakeLister{}
	lister.set(bringup.Device{Serial: "A", State: "device", Name: "Phone"})
	tm := newTestManager(t, ipSettings("10.0.0.1:8088"), lister, &tunnel{})
	tm.waitSpeakers(t, 1)
	ctx := context.Background()

	if err := tm.SetMode(ctx, true); err != nil {
		t.Fatalf("SetMode(usb): %v", err)
	}
	infos := tm.speakers(t)
	if len(infos) != 1 || infos[0].ID != "A" || !infos[0].USB {
		t.Fatalf("expected the USB device, got %+v", infos)
	}

	if err := tm.SetMode(ctx, false); err != nil {
		t.Fatalf("SetMode(ip): %v", err)
	}
	infos = tm.speakers(t)
	if len(infos) != 1 || infos[0].ID != "10.0.0.1:8088" {
		t.Fatalf("expected the IP speaker back, got %+v", infos)
	}
	if adb := tm.store.Load().ADBDevices; len(adb) != 1 || adb[0].ID != "A" {
		t.Errorf("expected USB list remembered, got %+v", adb)
	}
}

func TestSetDeviceDisconnectsSessions(t *testing.T) {
	r, _ := startReceiver(t)
	addr := r.Addr().String()
	tm := newTestManager(t, ipSettings(addr), nil, nil)
	tm.waitSpeakers(t, 1)
	ctx := context.Background()

	if err := tm.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tm.waitConnected(t, 1)

	if err := tm.SetDevice(ctx, "", 44100); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	if tm.speakers(t)[0].Status != speaker.StatusUnConnected {
		t.Error("expected the session to be disconnected")
	}
	tm.waitConnected(t, 0)
	if got := tm.store.Load().SampleRate; got != 44100 {
		t.Errorf("expected persisted rate 44100, got %d", got)
	}

	if err := tm.Connect(ctx, addr); err != nil {
		t.Fatalf("sessions must stay usable after a device change: %v", err)
	}
	tm.waitConnected(t, 1)
	if err := tm.Disconnect(ctx, addr); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	tm.waitConnected(t, 0)

	if err := tm.SetDevice(ctx, "", 12345); !errors.Is(err, ErrUnsupportedRate) {
		t.Errorf("expected ErrUnsupportedRate, got %v", err)
	}
	if err := tm.SetDevice(ctx, "tone", 48000); !errors.Is(err, capture.ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice without an opener, got %v", err)
	}
}

func TestUnexpectedDisconnectNotifiesAndReconnects(t *testing.T) {
	r, _ := startReceiver(t)
	addr := r.Addr().String()
	tm := newTestManager(t, ipSettings(addr), nil, nil)
	tm.waitSpeakers(t, 1)
	ctx := context.Background()

	if err := tm.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tm.waitConnected(t, 1)

	// another host taking over sends Stop, which ends our stream
	if err := protocol.SendControl(ctx, &net.Dialer{}, addr, protocol.CommandStop, nil, time.Second); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	ev := tm.waitEvent(t, Disconnected)
	if ev.Speaker == nil || ev.Speaker.ID != addr {
		t.Fatalf("unexpected disconnect event %+v", ev)
	}
	tm.waitConnected(t, 0)

	if err := tm.Reconnect(ctx, addr); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	tm.waitConnected(t, 1)
	if r.Stats().Streams != 2 {
		t.Errorf("expected a second stream, got %d", r.Stats().Streams)
	}
}

func TestDisconnectIsQuiet(t *testing.T) {
	r, _ := startReceiver(t)
	addr := r.Addr().String()
	tm := newTestManager(t, ipSettings(addr), nil, nil)
	tm.waitSpeakers(t, 1)
	ctx := context.Background()

	if err := tm.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tm.Disconnect(ctx, addr); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	tm.waitConnected(t, 0)

	ev := tm.waitEvent(t, ConnectedCount)
	for ev.Count != 0 {
		ev = tm.waitEvent(t, ConnectedCount)
	}
	expectNoDisconnect(t, tm.events, 4*testDelay)

	if err := tm.Connect(ctx, "10.9.9.9:1"); !errors.Is(err, ErrUnknownSpeaker) {
		t.Errorf("expected ErrUnknownSpeaker, got %v", err)
	}
}

func TestCloseEndsEverything(t *testing.T) {
	tm := newTestManager(t, ipSettings(), nil, nil)
	events, cancel := tm.Subscribe()
	defer cancel()

	if err := tm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for range events {
	}
	if _, err := tm.Speakers(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestConnectRemovedSession(t *testing.T) {
	r, _ := startReceiver(t)
	addr := r.Addr().String()
	tm := newTestManager(t, ipSettings(addr), nil, nil)
	tm.waitSpeakers(t, 1)
	ctx := context.Background()

	s, err := tm.lookup(ctx, addr)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if err := tm.RemoveSpeaker(ctx, addr); err != nil {
		t.Fatalf("RemoveSpeaker: %v", err)
	}

	if err := tm.connect(ctx, s); !errors.Is(err, ErrUnknownSpeaker) {
		t.Fatalf("expected ErrUnknownSpeaker, got %v", err)
	}
	if s.Status() != speaker.StatusUnConnected {
		t.Errorf("removed session came back as %s", s.Status())
	}
	time.Sleep(testDelay)
	if r.Playing() {
		t.Error("receiver is streaming to a removed session")
	}
}

func TestRemoveSpeakerRefusals(t *testing.T) {
	r, _ := startReceiver(t)
	addr := r.Addr().String()
	ctx := context.Background()

	t.Run("connected", func(t *testing.T) {
		tm := newTestManager(t, ipSettings(addr), nil, nil)
		tm.waitSpeakers(t, 1)
		if err := tm.Connect(ctx, addr); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := tm.RemoveSpeaker(ctx, addr); !errors.Is(err, speaker.ErrBusy) {
			t.Fatalf("expected ErrBusy, got %v", err)
		}
		if len(tm.speakers(t)) != 1 || !tm.store.Load().HasIPDevice(addr) {
			t.Error("connected speaker must be kept")
		}
		if err := tm.Disconnect(ctx, addr); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
	})

	t.Run("usb", func(t *testing.T) {
		lister := &fakeLister{}
		lister.set(bringup.Device{Serial: "A", State: "device"})
		tm := newTestManager(t, settings.Default(), lister, &tunnel{port: r.Port()})
		tm.waitSpeakers(t, 1)
		if err := tm.RemoveSpeaker(ctx, "A"); !errors.Is(err, ErrReadOnly) {
			t.Fatalf("expected ErrReadOnly, got %v", err)
		}
		if len(tm.speakers(t)) != 1 {
			t.Error("usb speaker must be kept")
		}
	})
}

func TestRenameSpeaker(t *testing.T) {
	tm := newTestManager(t, ipSettings("10.0.0.1:8088", "10.0.0.2:8088"), nil, nil)
	tm.waitSpeakers(t, 2)
	ctx := context.Background()

	if err := tm.SetChannel(ctx, "10.0.0.1:8088", pcm.ChannelLeft); err != nil {
		t.Fatalf("SetChannel: %v", err)
	}
	if err := tm.RenameSpeaker(ctx, "10.0.0.1:8088", " 10.0.0.7:9000 "); err != nil {
		t.Fatalf("RenameSpeaker: %v", err)
	}

	infos := tm.speakers(t)
	if len(infos) != 2 || infos[0].ID != "10.0.0.7:9000" || infos[0].Channel != pcm.ChannelLeft {
		t.Fatalf("expected renamed speaker first with its channel, got %+v", infos)
	}
	devices := tm.store.Load().IPDevices
	if len(devices) != 2 || devices[0].ID != "10.0.0.7:9000" || devices[0].Channel != pcm.ChannelLeft {
		t.Errorf("rename not persisted: %+v", devices)
	}

	tests := []struct {
		name  string
		id    string
		newID string
		want  error
	}{
		{"unknown", "10.0.0.1:8088", "10.0.0.8:8088", ErrUnknownSpeaker},
		{"invalid address", "10.0.0.2:8088", "phone.local", speaker.ErrEndpointUnreachable},
		{"duplicate", "10.0.0.2:8088", "10.0.0.7:9000", ErrDuplicate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tm.RenameSpeaker(ctx, tt.id, tt.newID); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if err := tm.RenameSpeaker(ctx, "10.0.0.2:8088", "10.0.0.2:8088"); err != nil {
		t.Errorf("renaming to the same address: %v", err)
	}
}

func TestRenameSpeakerRefusesConnected(t *testing.T) {
	r, _ := startReceiver(t)
	addr := r.Addr().String()
	tm := newTestManager(t, ipSettings(addr), nil, nil)
	tm.waitSpeakers(t, 1)
	ctx := context.Background()

	if err := tm.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tm.RenameSpeaker(ctx, addr, "10.0.0.5:8088"); !errors.Is(err, speaker.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := tm.Disconnect(ctx, addr); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := tm.RenameSpeaker(ctx, addr, "10.0.0.5:8088"); err != nil {
		t.Fatalf("RenameSpeaker after disconnect: %v", err)
	}
	if infos := tm.speakers(t); infos[0].ID != "10.0.0.5:8088" {
		t.Errorf("expected renamed speaker, got %+v", infos)
	}
}

// systemDevice is a silent capture device that reports system volume
type systemDevice struct {
	mu     sync.Mutex
	notify func(int)
}

func (d *systemDevice) Start(onData func([]byte)) error { return nil }
func (d *systemDevice) Stop() error                     { return nil }
func (d *systemDevice) Close() error                    { return nil }

func (d *systemDevice) OnVolumeChanged(fn func(int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notify = fn
}

func (d *systemDevice) set(volume int) bool {
	d.mu.Lock()
	fn := d.notify
	d.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(volume)
	return true
}

type systemOpener struct {
	dev *systemDevice
}

func (o *systemOpener) List() ([]capture.Info, error) {
	return []capture.Info{{ID: capture.DefaultID, Name: "System", Default: true}}, nil
}

func (o *systemOpener) Open(id string, sampleRate int) (capture.Device, error) {
	if id != capture.DefaultID {
		return nil, capture.ErrUnknownDevice
	}
	return o.dev, nil
}

func TestFollowSystemVolume(t *testing.T) {
	r, log := startReceiver(t)
	addr := r.Addr().String()
	dev := &systemDevice{}

	s := ipSettings(addr)
	s.AudioID = capture.DefaultID
	tm := startTestManager(t, s, Config{
		Source: audio.NewSource(audio.Config{
			Opener:      &systemOpener{dev: dev},
			VolumeDelay: 10 * time.Millisecond,
		}),
	})
	tm.waitSpeakers(t, 1)
	ctx := context.Background()

	if err := tm.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tm.waitConnected(t, 1)
	log.reset()

	if !dev.set(30) {
		t.Fatal("persisted device did not register a volume handler")
	}
	dev.set(35)
	eventually(t, "volume followed", func() bool { return tm.Volume() == 35 })
	eventually(t, "volume sent", func() bool {
		volumes, _ := log.snapshot()
		return len(volumes) > 0 && volumes[len(volumes)-1] == 35
	})

	if err := tm.SetVolumeFollowSystem(ctx, false); err != nil {
		t.Fatalf("SetVolumeFollowSystem: %v", err)
	}
	dev.set(80)
	time.Sleep(4 * testDelay)
	if tm.Volume() != 35 {
		t.Errorf("volume moved to %d while not following", tm.Volume())
	}
	if tm.store.Load().VolumeFollowSystem {
		t.Error("follow setting not persisted")
	}
}
