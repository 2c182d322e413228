// ABOUTME: Tests for the speaker session state machine
// ABOUTME: Drives sessions against a scripted loopback receiver with injectable write faults
package speaker

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/picapico/audioshare/internal/audio"
	pcm "github.com/picapico/audioshare/pkg/audio"
	"github.com/picapico/audioshare/pkg/protocol"
)

// scriptedReceiver accepts streams and control requests on a loopback port
type scriptedReceiver struct {
	ln    net.Listener
	noAck bool

	mu         sync.Mutex
	handshakes []protocol.Handshake
	controls   []protocol.Command
	volumes    []uint32
	streams    []net.Conn
	open       int

	frames     chan []byte
	heartbeats atomic.Int32
}

func newScriptedReceiver(t *testing.T) *scriptedReceiver {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := &scriptedReceiver{ln: ln, frames: make(chan []byte, 64)}
	t.Cleanup(func() { ln.Close() })
	go r.accept()
	return r
}

func (r *scriptedReceiver) addr() string { return r.ln.Addr().String() }

func (r *scriptedReceiver) accept() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		go r.serve(conn)
	}
}

func (r *scriptedReceiver) serve(conn net.Conn) {
	cmd, err := protocol.ReadCommand(conn)
	if err != nil {
		conn.Close()
		return
	}

	if cmd != protocol.CommandAudioData {
		defer conn.Close()
		var volume uint32
		if cmd == protocol.CommandVolume {
			if volume, err = protocol.ReadUint32(conn); err != nil {
				return
			}
		}
		r.mu.Lock()
		r.controls = append(r.controls, cmd)
		if cmd == protocol.CommandVolume {
			r.volumes = append(r.volumes, volume)
		}
		r.mu.Unlock()
		protocol.WriteAck(conn)
		return
	}

	h, err := protocol.ReadHandshakeParams(conn)
	if err != nil {
		conn.Close()
		return
	}
	r.mu.Lock()
	r.handshakes = append(r.handshakes, h)
	r.streams = append(r.streams, conn)
	r.open++
	r.mu.Unlock()

	defer func() {
		conn.Close()
		r.mu.Lock()
		r.open--
		r.mu.Unlock()
	}()

	if r.noAck {
		return
	}
	if err := protocol.WriteAck(conn); err != nil {
		return
	}
	for {
		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		if payload == nil {
			r.heartbeats.Add(1)
			continue
		}
		select {
		case r.frames <- payload:
		default:
		}
	}
}

func (r *scriptedReceiver) handshakeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handshakes)
}

func (r *scriptedReceiver) openStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func (r *scriptedReceiver) closeStreams() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.streams {
		c.Close()
	}
}

func (r *scriptedReceiver) volumeLog() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.volumes...)
}

// faultDialer wraps connections so frame writes can fail or block on demand
type faultDialer struct {
	net.Dialer
	fail  atomic.Int32
	dials atomic.Int32
	block chan struct{}
}

func (d *faultDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials.Add(1)
	c, err := d.Dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &faultConn{Conn: c, d: d}, nil
}

func (d *faultDialer) takeFailure() bool {
	for {
		n := d.fail.Load()
		if n <= 0 {
			return false
		}
		if d.fail.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

type faultConn struct {
	net.Conn
	d *faultDialer
}

func (c *faultConn) Write(b []byte) (int, error) {
	if !bytes.HasPrefix(b, []byte(protocol.Magic)) {
		if c.d.block != nil {
			<-c.d.block
		}
		if c.d.takeFailure() {
			return 0, errors.New("injected write failure")
		}
	}
	return c.Conn.Write(b)
}

type stubProvisioner struct {
	err     error
	port    int
	ensured []string
	wait    bool
}

func (p *stubProvisioner) EnsureReady(ctx context.Context, id string) error {
	p.ensured = append(p.ensured, id)
	if p.wait {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.err
}

func (p *stubProvisioner) CreateTunnel(ctx context.Context, id, remote string) (int, error) {
	if remote != protocol.RemoteSocket {
		return 0, errors.New("unexpected remote socket " + remote)
	}
	return p.port, p.err
}

type harness struct {
	session  *Session
	source   *audio.Source
	dialer   *faultDialer
	statuses chan Status
	notified chan struct{}
}

func newHarness(t *testing.T, id string, ch pcm.Channel, prov Provisioner, usb bool) *harness {
	t.Helper()
	h := &harness{
		source:   audio.NewSource(audio.Config{}),
		dialer:   &faultDialer{},
		statuses: make(chan Status, 64),
		notified: make(chan struct{}, 8),
	}
	t.Cleanup(func() { h.source.Close() })

	h.session = New(Config{
		ID:               id,
		Name:             "Phone",
		USB:              usb,
		Channel:          ch,
		Source:           h.source,
		Provisioner:      prov,
		Dialer:           h.dialer,
		HandshakeTimeout: time.Second,
		ControlTimeout:   200 * time.Millisecond,
		OnStatus:         func(_ *Session, st Status) { h.statuses <- st },
		OnDisconnected:   func(*Session) { h.notified <- struct{}{} },
	})
	t.Cleanup(h.session.Dispose)
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectFrame(t *testing.T, r *scriptedReceiver, want []byte) {
	t.Helper()
	select {
	case got := <-r.frames:
		if !bytes.Equal(got, want) {
			t.Fatalf("expected frame %v, got %v", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"10.0.0.5:8088", "10.0.0.5:8088", false},
		{"10.0.0.5", "10.0.0.5:80", false},
		{" 192.168.1.20:9000 ", "192.168.1.20:9000", false},
		{"[fe80::1]:9000", "[fe80::1]:9000", false},
		{"[::1]", "[::1]:80", false},
		{"999.0.0.1:80", "", true},
		{"phone.local:80", "", true},
		{"10.0.0.5:0", "", true},
		{"10.0.0.5:70000", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEndpoint(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrEndpointUnreachable) {
					t.Fatalf("expected ErrEndpointUnreachable, got %v (%q)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEndpoint: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDisplay(t *testing.T) {
	if got := Display("R58M", "Pixel", true); got != "Pixel [R58M]" {
		t.Errorf("usb display %q", got)
	}
	if got := Display("10.0.0.5:8088", "", false); got != "10.0.0.5:8088" {
		t.Errorf("ip display %q", got)
	}
}

func TestModeFor(t *testing.T) {
	if ModeFor(pcm.ChannelStereo) != protocol.ModeStereo {
		t.Error("stereo should use mode 12")
	}
	if ModeFor(pcm.ChannelLeft) != protocol.ModeMono || ModeFor(pcm.ChannelRight) != protocol.ModeMono {
		t.Error("single channels should use mode 4")
	}
}

func TestConnectHandshakeAndStream(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelLeft, nil, false)

	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h.session.Status() != StatusConnected {
		t.Fatalf("expected connected, got %s", h.session.Status())
	}
	if h.session.Endpoint() != r.addr() {
		t.Errorf("expected endpoint %s, got %s", r.addr(), h.session.Endpoint())
	}
	if h.source.Subscribers() != 1 {
		t.Errorf("expected one subscription, got %d", h.source.Subscribers())
	}

	r.mu.Lock()
	hs := r.handshakes[0]
	preempted := len(r.controls) == 1 && r.controls[0] == protocol.CommandStop
	r.mu.Unlock()
	if hs.SampleRate != 48000 || hs.Mode != protocol.ModeMono {
		t.Errorf("unexpected handshake %+v", hs)
	}
	if !preempted {
		t.Error("expected a preemptive stop before the stream")
	}

	h.session.offer([]byte{0x01, 0x02})
	expectFrame(t, r, []byte{0x01, 0x02})
}

func TestConnectChannelDisabled(t *testing.T) {
	h := newHarness(t, "10.0.0.5:8088", pcm.ChannelNone, nil, false)
	if err := h.session.Connect(context.Background()); !errors.Is(err, ErrChannelDisabled) {
		t.Fatalf("expected ErrChannelDisabled, got %v", err)
	}
	if h.dialer.dials.Load() != 0 {
		t.Error("disabled channel must not dial")
	}
}

func TestConnectDeviceNotReady(t *testing.T) {
	prov := &stubProvisioner{err: errors.New("adb: no device")}
	h := newHarness(t, "R58M", pcm.ChannelStereo, prov, true)

	err := h.session.Connect(context.Background())
	if !errors.Is(err, ErrDeviceNotReady) {
		t.Fatalf("expected ErrDeviceNotReady, got %v", err)
	}
	if h.dialer.dials.Load() != 0 {
		t.Error("no socket should be opened when bring-up fails")
	}
	if h.session.Status() != StatusUnConnected || h.session.Endpoint() != "" {
		t.Error("expected unconnected with no endpoint")
	}
	select {
	case <-h.notified:
		t.Error("failed connect must not notify")
	default:
	}
}

func TestConnectUSBUsesTunnel(t *testing.T) {
	r := newScriptedReceiver(t)
	_, portStr, _ := net.SplitHostPort(r.addr())
	port, _ := strconv.Atoi(portStr)
	prov := &stubProvisioner{port: port}
	h := newHarness(t, "R58M", pcm.ChannelStereo, prov, true)

	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(prov.ensured) != 1 || prov.ensured[0] != "R58M" {
		t.Errorf("expected bring-up for serial, got %v", prov.ensured)
	}
	if h.session.Endpoint() != "127.0.0.1:"+portStr {
		t.Errorf("unexpected endpoint %s", h.session.Endpoint())
	}
	r.mu.Lock()
	mode := r.handshakes[0].Mode
	r.mu.Unlock()
	if mode != protocol.ModeStereo {
		t.Errorf("expected stereo mode, got %d", mode)
	}
}

func TestConnectUnreachable(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	h := newHarness(t, addr, pcm.ChannelRight, nil, false)
	if err := h.session.Connect(context.Background()); !errors.Is(err, ErrEndpointUnreachable) {
		t.Fatalf("expected ErrEndpointUnreachable, got %v", err)
	}
	if h.session.Status() != StatusUnConnected {
		t.Error("expected unconnected")
	}
}

func TestConnectNoAck(t *testing.T) {
	r := newScriptedReceiver(t)
	r.noAck = true
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)

	if err := h.session.Connect(context.Background()); !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected ErrProtocolMismatch, got %v", err)
	}
	if h.source.Subscribers() != 0 {
		t.Error("subscription leaked after failed handshake")
	}
}

func TestConnectSuperseded(t *testing.T) {
	prov := &stubProvisioner{wait: true}
	h := newHarness(t, "10.0.0.9:8088", pcm.ChannelStereo, prov, false)

	result := make(chan error, 1)
	go func() { result <- h.session.Connect(context.Background()) }()

	eventually(t, "connecting", func() bool { return h.session.Status() == StatusConnecting })
	h.session.Disconnect()

	select {
	case err := <-result:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected ErrSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return after disconnect")
	}
	if h.session.Status() != StatusUnConnected {
		t.Error("expected unconnected")
	}
}

func TestSingleFlightDropsFrames(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	release := make(chan struct{})
	h.dialer.block = release

	h.session.offer([]byte{1, 1, 1, 1})
	h.session.offer([]byte{2, 2, 2, 2})
	h.session.offer([]byte{3, 3, 3, 3})

	if dropped := h.session.Info().FramesDropped; dropped != 2 {
		t.Errorf("expected 2 dropped frames, got %d", dropped)
	}

	close(release)
	h.session.waitWrites()
	h.dialer.block = nil

	expectFrame(t, r, []byte{1, 1, 1, 1})
	select {
	case extra := <-r.frames:
		t.Errorf("dropped frame was delivered: %v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWriteFailureRetriesOnce(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.dialer.fail.Store(1)
	h.session.offer([]byte{9, 9, 9, 9})
	h.session.waitWrites()

	expectFrame(t, r, []byte{9, 9, 9, 9})
	if n := r.handshakeCount(); n != 2 {
		t.Errorf("expected exactly one reconnection (2 handshakes), got %d", n)
	}
	if h.session.Status() != StatusConnected {
		t.Errorf("expected connected after retry, got %s", h.session.Status())
	}
	if h.session.Endpoint() != r.addr() {
		t.Errorf("endpoint not preserved across retry: %q", h.session.Endpoint())
	}
	select {
	case <-h.notified:
		t.Error("successful retry must not notify")
	default:
	}

	// the retried flag is cleared, so a later failure gets its own retry
	h.dialer.fail.Store(1)
	h.session.offer([]byte{7, 7, 7, 7})
	h.session.waitWrites()
	expectFrame(t, r, []byte{7, 7, 7, 7})
	if n := r.handshakeCount(); n != 3 {
		t.Errorf("expected 3 handshakes, got %d", n)
	}
}

func TestTwoConsecutiveFailuresDisconnect(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.dialer.fail.Store(2)
	h.session.offer([]byte{9, 9, 9, 9})
	h.session.waitWrites()

	select {
	case <-h.notified:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a disconnect notification")
	}
	if h.session.Status() != StatusUnConnected {
		t.Errorf("expected unconnected, got %s", h.session.Status())
	}
	if n := r.handshakeCount(); n != 2 {
		t.Errorf("expected no third attempt (2 handshakes), got %d", n)
	}
	if h.session.Endpoint() != "" {
		t.Error("endpoint should be cleared")
	}
	if h.source.Subscribers() != 0 {
		t.Error("subscription leaked")
	}
}

func TestPeerCloseNotifiesWithoutRetry(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r.closeStreams()

	select {
	case <-h.notified:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a notification on peer close")
	}
	eventually(t, "unconnected", func() bool { return h.session.Status() == StatusUnConnected })
	if n := r.handshakeCount(); n != 1 {
		t.Errorf("peer close must not retry, saw %d handshakes", n)
	}
}

func TestDisconnectIsQuietAndIdempotent(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.session.Disconnect()
	h.session.Disconnect()

	if h.session.Status() != StatusUnConnected || h.session.Endpoint() != "" {
		t.Error("expected unconnected with cleared endpoint")
	}
	eventually(t, "receiver to see the close", func() bool { return r.openStreams() == 0 })
	select {
	case <-h.notified:
		t.Error("user disconnect must not notify")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisposeSuppressesNotification(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.session.Dispose()
	r.closeStreams()

	select {
	case <-h.notified:
		t.Error("disposed session must not notify")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectAfterDisposeFails(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.session.Dispose()
	if err := h.session.Connect(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
	if h.session.Status() != StatusUnConnected {
		t.Errorf("expected unconnected, got %s", h.session.Status())
	}
	if h.source.Subscribers() != 0 {
		t.Errorf("disposed session holds %d subscriptions", h.source.Subscribers())
	}
	if n := r.handshakeCount(); n != 1 {
		t.Errorf("expected no new handshake after dispose, got %d", n)
	}
	eventually(t, "stream closed", func() bool { return r.openStreams() == 0 })
}

func TestConnectCyclesLeakNothing(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelLeft, nil, false)

	for i := 0; i < 5; i++ {
		if err := h.session.Connect(context.Background()); err != nil {
			t.Fatalf("cycle %d: Connect: %v", i, err)
		}
		if h.source.Subscribers() != 1 {
			t.Fatalf("cycle %d: expected 1 subscriber, got %d", i, h.source.Subscribers())
		}
		if i%2 == 0 {
			h.session.Disconnect()
		}
	}
	h.session.Disconnect()

	if h.source.Subscribers() != 0 {
		t.Errorf("subscriptions leaked: %d", h.source.Subscribers())
	}
	eventually(t, "all streams closed", func() bool { return r.openStreams() == 0 })
}

func TestHeartbeatWhenIdle(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)
	h.session.heartbeatIdle = 50 * time.Millisecond
	h.session.heartbeatCheck = 10 * time.Millisecond

	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	eventually(t, "heartbeat", func() bool { return r.heartbeats.Load() > 0 })
}

func TestHeartbeatFailureRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		connected bool
	}{
		{"retry succeeds", 1, true},
		{"retry fails", 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newScriptedReceiver(t)
			h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)
			h.session.heartbeatIdle = 50 * time.Millisecond
			h.session.heartbeatCheck = 10 * time.Millisecond
			h.dialer.fail.Store(tt.failures)

			if err := h.session.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			eventually(t, "reconnection", func() bool { return r.handshakeCount() == 2 })

			if tt.connected {
				eventually(t, "heartbeat after retry", func() bool { return r.heartbeats.Load() > 0 })
				if h.session.Status() != StatusConnected {
					t.Errorf("expected connected, got %s", h.session.Status())
				}
				select {
				case <-h.notified:
					t.Error("successful retry must not notify")
				case <-time.After(50 * time.Millisecond):
				}
				return
			}

			select {
			case <-h.notified:
			case <-time.After(2 * time.Second):
				t.Fatal("expected a disconnect notification")
			}
			eventually(t, "unconnected", func() bool { return h.session.Status() == StatusUnConnected })
			time.Sleep(100 * time.Millisecond)
			if n := r.handshakeCount(); n != 2 {
				t.Errorf("expected a single retry (2 handshakes), got %d", n)
			}
			if h.source.Subscribers() != 0 {
				t.Error("subscription leaked")
			}
		})
	}
}

func TestSetChannelBusyWhileConnected(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)

	if err := h.session.SetChannel(pcm.ChannelLeft); err != nil {
		t.Fatalf("SetChannel while unconnected: %v", err)
	}
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.session.SetChannel(pcm.ChannelRight); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if h.session.Channel() != pcm.ChannelLeft {
		t.Errorf("channel changed while connected")
	}
}

func TestControlRequests(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)

	if err := h.session.SetVolume(context.Background(), 42); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := h.session.SyncTime(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := h.session.Stop(context.Background()); err != nil {
		t.Errorf("stop while unconnected: %v", err)
	}

	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.session.SetVolume(context.Background(), 42); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if err := h.session.SyncTime(context.Background()); err != nil {
		t.Fatalf("SyncTime: %v", err)
	}

	if v := r.volumeLog(); len(v) != 1 || v[0] != 42 {
		t.Errorf("expected volume 42, got %v", v)
	}
}

func TestStatusTransitions(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)

	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.session.Disconnect()

	want := []Status{StatusConnecting, StatusConnected, StatusUnConnected}
	for _, w := range want {
		select {
		case got := <-h.statuses:
			if got != w {
				t.Fatalf("expected %s, got %s", w, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s transition", w)
		}
	}
}

func TestSourceResetEndsStream(t *testing.T) {
	r := newScriptedReceiver(t)
	h := newHarness(t, r.addr(), pcm.ChannelStereo, nil, false)
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := h.source.SetDevice("", 48000); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	eventually(t, "unconnected", func() bool { return h.session.Status() == StatusUnConnected })
	eventually(t, "stream closed", func() bool { return r.openStreams() == 0 })
}
