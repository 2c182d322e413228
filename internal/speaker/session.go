// ABOUTME: Per-speaker connection state machine
// ABOUTME: Resolves the endpoint, handshakes, streams frames single-flight and retries once
package speaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/picapico/audioshare/internal/audio"
	"github.com/picapico/audioshare/internal/metrics"
	pcm "github.com/picapico/audioshare/pkg/audio"
	"github.com/picapico/audioshare/pkg/protocol"
	"go.uber.org/zap"
)

const (
	// DefaultHeartbeatIdle is how long a stream may stay silent before a heartbeat
	DefaultHeartbeatIdle = 5 * time.Second

	// DefaultHeartbeatCheck is how often idleness is checked
	DefaultHeartbeatCheck = 1 * time.Second
)

// Source is the part of the capture engine a session needs
type Source interface {
	Subscribe(ch pcm.Channel, fn func([]byte)) *audio.Subscription
	Unsubscribe(sub *audio.Subscription)
	SampleRate() int
}

// Config configures a Session
type Config struct {
	ID      string
	Name    string
	USB     bool
	Channel pcm.Channel

	Source      Source
	Provisioner Provisioner
	Dialer      protocol.Dialer
	Logger      *zap.Logger
	Metrics     *metrics.Metrics

	HandshakeTimeout time.Duration
	ControlTimeout   time.Duration
	HeartbeatIdle    time.Duration
	HeartbeatCheck   time.Duration

	// OnStatus is called after every status transition, outside session locks
	OnStatus func(s *Session, status Status)
	// OnDisconnected is called when a connected stream ends without the user asking
	OnDisconnected func(s *Session)
}

// teardown describes why a connection is being closed
type teardown struct {
	notify           bool
	preserveEndpoint bool
	cause            string
}

// transition carries callbacks to fire once the session lock is released
type transition struct {
	changed bool
	status  Status
	notify  bool
}

// Session owns one speaker's data connection
type Session struct {
	id       string
	name     string
	usb      bool
	instance string

	source      Source
	provisioner Provisioner
	dialer      protocol.Dialer
	logger      *zap.Logger
	metrics     *metrics.Metrics

	handshakeTimeout time.Duration
	controlTimeout   time.Duration
	heartbeatIdle    time.Duration
	heartbeatCheck   time.Duration

	onStatus       func(*Session, Status)
	onDisconnected func(*Session)

	mu       sync.Mutex
	status   Status
	channel  pcm.Channel
	endpoint string
	conn     net.Conn
	sub      *audio.Subscription
	stop     chan struct{}
	cancel   context.CancelFunc
	gen      uint64
	retried  bool
	disposed bool

	busy          atomic.Bool
	lastWrite     atomic.Int64
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
	writes        sync.WaitGroup
}

// New creates an UnConnected session
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = protocol.DefaultHandshakeTimeout
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = protocol.DefaultControlTimeout
	}
	if cfg.HeartbeatIdle <= 0 {
		cfg.HeartbeatIdle = DefaultHeartbeatIdle
	}
	if cfg.HeartbeatCheck <= 0 {
		cfg.HeartbeatCheck = DefaultHeartbeatCheck
	}

	instance := uuid.New().String()
	return &Session{
		id:               cfg.ID,
		name:             cfg.Name,
		usb:              cfg.USB,
		instance:         instance,
		channel:          cfg.Channel,
		source:           cfg.Source,
		provisioner:      cfg.Provisioner,
		dialer:           cfg.Dialer,
		metrics:          cfg.Metrics,
		handshakeTimeout: cfg.HandshakeTimeout,
		controlTimeout:   cfg.ControlTimeout,
		heartbeatIdle:    cfg.HeartbeatIdle,
		heartbeatCheck:   cfg.HeartbeatCheck,
		onStatus:         cfg.OnStatus,
		onDisconnected:   cfg.OnDisconnected,
		logger: logger.With(
			zap.String("component", "speaker"),
			zap.String("speaker", cfg.ID),
			zap.String("instance", instance),
		),
	}
}

// ID returns the speaker identity (ADB serial or host:port)
func (s *Session) ID() string { return s.id }

// USB reports whether the speaker is reached through an ADB tunnel
func (s *Session) USB() bool { return s.usb }

// Display returns the presentation name
func (s *Session) Display() string { return Display(s.id, s.name, s.usb) }

// Status returns the current connection state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Channel returns the selected channel
func (s *Session) Channel() pcm.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Endpoint returns the resolved address, empty while UnConnected
func (s *Session) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:            s.id,
		Name:          s.name,
		Display:       Display(s.id, s.name, s.usb),
		USB:           s.usb,
		Channel:       s.channel,
		Status:        s.status,
		Endpoint:      s.endpoint,
		FramesSent:    s.framesSent.Load(),
		FramesDropped: s.framesDropped.Load(),
	}
}

// SetChannel changes the selected channel. Only allowed while UnConnected.
func (s *Session) SetChannel(ch pcm.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusUnConnected {
		return ErrBusy
	}
	s.channel = ch
	return nil
}

// Connect opens the stream. It is a no-op while a connect is already in
// progress. Any failure leaves the session UnConnected. A disposed session
// returns ErrDisposed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.status == StatusConnecting {
		s.mu.Unlock()
		return nil
	}
	if !s.channel.Enabled() {
		s.mu.Unlock()
		return ErrChannelDisabled
	}
	down := s.disconnectLocked(teardown{cause: "reconnect"})
	s.gen++
	gen := s.gen
	channel := s.channel
	attemptCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.status = StatusConnecting
	s.mu.Unlock()
	defer cancel()

	s.emit(down)
	s.emit(transition{changed: true, status: StatusConnecting})

	s.metrics.RecordConnectAttempt()
	start := time.Now()
	s.logger.Info("Connecting", zap.Bool("usb", s.usb), zap.Stringer("channel", channel))

	endpoint, err := s.resolve(attemptCtx)
	if err != nil {
		return s.abort(gen, "resolve", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.endpoint = endpoint
	s.mu.Unlock()

	if err := s.establish(attemptCtx, gen, endpoint, channel); err != nil {
		return s.abort(gen, "handshake", err)
	}

	s.metrics.RecordConnectSuccess(time.Since(start).Seconds())
	s.logger.Info("Connected", zap.String("endpoint", endpoint), zap.Duration("took", time.Since(start)))
	return nil
}

// resolve turns the speaker id into a dialable address, bringing the device up first
func (s *Session) resolve(ctx context.Context) (string, error) {
	if s.usb {
		if s.provisioner == nil {
			return "", fmt.Errorf("%w: no provisioner for usb device", ErrDeviceNotReady)
		}
		if err := s.provisioner.EnsureReady(ctx, s.id); err != nil {
			return "", fmt.Errorf("%w: %w", ErrDeviceNotReady, err)
		}
		port, err := s.provisioner.CreateTunnel(ctx, s.id, protocol.RemoteSocket)
		if err != nil {
			return "", fmt.Errorf("%w: create tunnel: %w", ErrDeviceNotReady, err)
		}
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
	}

	endpoint, err := ParseEndpoint(s.id)
	if err != nil {
		return "", err
	}
	if s.provisioner != nil {
		if err := s.provisioner.EnsureReady(ctx, endpoint); err != nil {
			return "", fmt.Errorf("%w: %w", ErrEndpointUnreachable, err)
		}
	}
	return endpoint, nil
}

// establish preempts any stale stream, dials, handshakes and installs the
// connection if gen is still current.
func (s *Session) establish(ctx context.Context, gen uint64, endpoint string, channel pcm.Channel) error {
	if err := protocol.SendControl(ctx, s.dialer, endpoint, protocol.CommandStop, nil, s.controlTimeout); err != nil {
		s.logger.Debug("Preemptive stop failed", zap.Error(err))
	}

	h := protocol.Handshake{
		SampleRate: uint32(s.source.SampleRate()),
		Mode:       ModeFor(channel),
	}
	conn, err := protocol.DialStream(ctx, s.dialer, endpoint, h, s.handshakeTimeout)
	if err != nil {
		if errors.Is(err, protocol.ErrNoAck) {
			return fmt.Errorf("%w: %w", ErrProtocolMismatch, err)
		}
		return fmt.Errorf("%w: %w", ErrEndpointUnreachable, err)
	}

	s.mu.Lock()
	if s.gen != gen || s.disposed {
		s.mu.Unlock()
		conn.Close()
		return ErrSuperseded
	}
	stop := make(chan struct{})
	s.conn = conn
	s.stop = stop
	s.lastWrite.Store(time.Now().UnixNano())
	s.status = StatusConnected
	s.sub = s.source.Subscribe(channel, s.offer)
	sub := s.sub
	s.mu.Unlock()

	go s.readLoop(gen, conn)
	go s.heartbeatLoop(gen, stop)
	if sub != nil {
		go s.watchSubscription(gen, sub, stop)
	}

	s.emit(transition{changed: true, status: StatusConnected})
	return nil
}

// abort returns a failed attempt to UnConnected unless it was superseded
func (s *Session) abort(gen uint64, stage string, err error) error {
	s.mu.Lock()
	if s.gen != gen || errors.Is(err, ErrSuperseded) {
		s.mu.Unlock()
		return ErrSuperseded
	}
	tr := s.disconnectLocked(teardown{cause: stage})
	s.mu.Unlock()

	s.metrics.RecordConnectFailure(stage)
	s.logger.Warn("Connect failed", zap.String("stage", stage), zap.Error(err))
	s.emit(tr)
	return err
}

// Disconnect closes the stream without notifying. Safe to call repeatedly.
func (s *Session) Disconnect() {
	s.mu.Lock()
	tr := s.disconnectLocked(teardown{cause: "user"})
	s.mu.Unlock()
	s.emit(tr)
}

// Dispose disconnects for good. Notifications are suppressed and later
// Connect calls fail with ErrDisposed.
func (s *Session) Dispose() {
	s.mu.Lock()
	s.disposed = true
	tr := s.disconnectLocked(teardown{cause: "dispose"})
	s.mu.Unlock()
	s.emit(tr)
}

// waitWrites blocks until in-flight frame writes have returned
func (s *Session) waitWrites() {
	s.writes.Wait()
}

// disconnectLocked tears the connection down and supersedes any attempt in
// flight. Must hold s.mu.
func (s *Session) disconnectLocked(t teardown) transition {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.status == StatusUnConnected {
		return transition{}
	}

	wasConnected := s.status == StatusConnected
	notify := t.notify && (wasConnected || s.retried) && !s.disposed

	if s.sub != nil {
		s.source.Unsubscribe(s.sub)
		s.sub = nil
	}
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Close error", zap.Error(err))
		}
		s.conn = nil
	}
	if !t.preserveEndpoint {
		s.endpoint = ""
		s.retried = false
	}
	s.status = StatusUnConnected

	if wasConnected {
		s.metrics.RecordDisconnect(t.cause)
		s.logger.Info("Disconnected", zap.String("cause", t.cause))
	}
	return transition{changed: true, status: StatusUnConnected, notify: notify}
}

func (s *Session) emit(tr transition) {
	if !tr.changed {
		return
	}
	if s.onStatus != nil {
		s.onStatus(s, tr.status)
	}
	if tr.notify && s.onDisconnected != nil {
		s.onDisconnected(s)
	}
}

// offer is the capture callback. A buffer arriving while a write is in
// flight is dropped.
func (s *Session) offer(data []byte) {
	if !s.busy.CompareAndSwap(false, true) {
		s.framesDropped.Add(1)
		s.metrics.RecordFrameDropped(s.id)
		return
	}

	s.mu.Lock()
	conn, gen, connected := s.conn, s.gen, s.status == StatusConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		s.busy.Store(false)
		return
	}

	frame := protocol.EncodeFrame(data)
	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		defer s.busy.Store(false)
		s.write(gen, conn, frame)
	}()
}

// write sends one frame, falling back to a single in-place retry. Caller holds the busy guard.
func (s *Session) write(gen uint64, conn net.Conn, frame []byte) {
	if _, err := conn.Write(frame); err != nil {
		s.writeFailed(gen, frame, err)
		return
	}
	s.wrote(frame)
}

func (s *Session) wrote(frame []byte) {
	s.lastWrite.Store(time.Now().UnixNano())
	if len(frame) == len(protocol.HeartbeatFrame) {
		s.metrics.RecordHeartbeat()
		return
	}
	s.framesSent.Add(1)
	s.metrics.RecordFrameSent(s.id, len(frame))
}

// writeFailed reconnects to the preserved endpoint and rewrites frame. A
// failure while already retrying gives up and notifies.
func (s *Session) writeFailed(gen uint64, frame []byte, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.status != StatusConnected {
		s.mu.Unlock()
		return
	}
	if s.retried {
		tr := s.disconnectLocked(teardown{notify: true, cause: "write-failure"})
		s.mu.Unlock()
		s.metrics.RecordWriteFailure()
		s.logger.Warn("Write failed after retry", zap.Error(cause))
		s.emit(tr)
		return
	}

	s.retried = true
	down := s.disconnectLocked(teardown{preserveEndpoint: true, cause: "write-retry"})
	retryGen := s.gen
	endpoint, channel := s.endpoint, s.channel
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.status = StatusConnecting
	s.mu.Unlock()
	defer cancel()

	s.metrics.RecordWriteRetry()
	s.logger.Warn("Write failed, retrying", zap.String("endpoint", endpoint), zap.Error(cause))
	s.emit(down)
	s.emit(transition{changed: true, status: StatusConnecting})

	if err := s.establish(ctx, retryGen, endpoint, channel); err != nil {
		s.giveUp(retryGen, fmt.Errorf("%w: %w", ErrWriteFailure, err))
		return
	}

	s.mu.Lock()
	conn := s.conn
	current := s.gen == retryGen
	s.mu.Unlock()
	if !current || conn == nil {
		return
	}

	if _, err := conn.Write(frame); err != nil {
		s.giveUp(retryGen, fmt.Errorf("%w: %w", ErrWriteFailure, err))
		return
	}
	s.wrote(frame)

	s.mu.Lock()
	if s.gen == retryGen {
		s.retried = false
	}
	s.mu.Unlock()
	s.logger.Info("Retry succeeded", zap.String("endpoint", endpoint))
}

// giveUp ends a failed retry with a notification
func (s *Session) giveUp(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen || errors.Is(err, ErrSuperseded) {
		s.mu.Unlock()
		return
	}
	tr := s.disconnectLocked(teardown{notify: true, cause: "write-failure"})
	s.mu.Unlock()

	s.metrics.RecordWriteFailure()
	s.logger.Warn("Retry failed", zap.Error(err))
	s.emit(tr)
}

// readLoop discards receiver keepalives and detects a peer-initiated close
func (s *Session) readLoop(gen uint64, conn net.Conn) {
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				return
			}
			tr := s.disconnectLocked(teardown{notify: true, cause: "peer-closed"})
			s.mu.Unlock()

			s.logger.Info("Receiver closed the stream", zap.Error(err))
			s.emit(tr)
			return
		}
	}
}

// watchSubscription ends the stream when the capture source drops the subscription
func (s *Session) watchSubscription(gen uint64, sub *audio.Subscription, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-sub.Done():
	}

	s.mu.Lock()
	if s.gen != gen || s.sub != sub {
		s.mu.Unlock()
		return
	}
	s.sub = nil
	tr := s.disconnectLocked(teardown{notify: true, cause: "source-reset"})
	s.mu.Unlock()

	s.logger.Info("Capture source reset, stream closed")
	s.emit(tr)
}

// heartbeatLoop writes a zero-length frame after a quiet period
func (s *Session) heartbeatLoop(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeatCheck)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		idle := time.Since(time.Unix(0, s.lastWrite.Load()))
		if idle <= s.heartbeatIdle {
			continue
		}
		if !s.busy.CompareAndSwap(false, true) {
			continue
		}

		s.mu.Lock()
		conn, current := s.conn, s.gen == gen && s.status == StatusConnected
		s.mu.Unlock()
		if !current || conn == nil {
			s.busy.Store(false)
			return
		}

		s.write(gen, conn, protocol.HeartbeatFrame)
		s.busy.Store(false)
	}
}

// SetVolume sends a Volume control request. Requires Connected.
func (s *Session) SetVolume(ctx context.Context, volume int) error {
	return s.control(ctx, protocol.CommandVolume, protocol.VolumePayload(volume), true)
}

// SyncTime sends a SyncTime control request. Requires Connected.
func (s *Session) SyncTime(ctx context.Context) error {
	return s.control(ctx, protocol.CommandSyncTime, nil, true)
}

// Stop asks the receiver to end whatever it is playing. For IP speakers it
// may be sent while UnConnected.
func (s *Session) Stop(ctx context.Context) error {
	return s.control(ctx, protocol.CommandStop, nil, false)
}

func (s *Session) control(ctx context.Context, cmd protocol.Command, payload []byte, requireConnected bool) error {
	s.mu.Lock()
	status, endpoint := s.status, s.endpoint
	s.mu.Unlock()

	if requireConnected && status != StatusConnected {
		return ErrNotConnected
	}
	if endpoint == "" {
		if s.usb {
			return ErrNotConnected
		}
		ep, err := ParseEndpoint(s.id)
		if err != nil {
			return err
		}
		endpoint = ep
	}

	err := protocol.SendControl(ctx, s.dialer, endpoint, cmd, payload, s.controlTimeout)
	s.metrics.RecordControl(cmd.String(), err)
	if err != nil {
		s.logger.Debug("Control request failed", zap.Stringer("command", cmd), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrEndpointUnreachable, err)
	}
	return nil
}
