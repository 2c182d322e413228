// ABOUTME: TCP server playing one acknowledged PCM stream at a time
// ABOUTME: Handles heartbeats, keepalives and Volume/SyncTime/Stop control requests
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/picapico/audioshare/pkg/audio/output"
	"github.com/picapico/audioshare/pkg/protocol"
	"go.uber.org/zap"
)

const (
	// DefaultAddr is the listen address used when none is configured
	DefaultAddr = ":8088"

	// DefaultKeepaliveInterval matches the announcement period
	DefaultKeepaliveInterval = 10 * time.Second

	// headerTimeout bounds how long a new connection may take to identify itself
	headerTimeout = 5 * time.Second

	// stopWait bounds how long a Stop request waits for the stream to end
	stopWait = 500 * time.Millisecond
)

// ErrClosed is returned by Serve after Close
var ErrClosed = errors.New("receiver: closed")

// Config configures a Receiver
type Config struct {
	Addr              string
	Output            output.Output
	Logger            *zap.Logger
	KeepaliveInterval time.Duration

	// OnControl is called after each control request is applied. value is
	// the volume for Volume requests and zero otherwise.
	OnControl func(cmd protocol.Command, value int)
	// OnStream is called when a stream starts (true) or ends (false)
	OnStream func(h protocol.Handshake, playing bool)
}

// Stats counts receiver activity
type Stats struct {
	Streams    uint64 `json:"streams"`
	Rejected   uint64 `json:"rejected"`
	Frames     uint64 `json:"frames"`
	Bytes      uint64 `json:"bytes"`
	Dropped    uint64 `json:"dropped"`
	Heartbeats uint64 `json:"heartbeats"`
	Controls   uint64 `json:"controls"`
}

// stream is the one connection currently playing
type stream struct {
	conn      net.Conn
	handshake protocol.Handshake
	done      chan struct{}
	writeMu   sync.Mutex
}

// Receiver accepts streams and control requests
type Receiver struct {
	cfg    Config
	out    output.Output
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	current  *stream
	closed   bool
	conns    sync.WaitGroup

	volume   atomic.Int32
	lastSync atomic.Int64

	streams    atomic.Uint64
	rejected   atomic.Uint64
	frames     atomic.Uint64
	bytes      atomic.Uint64
	dropped    atomic.Uint64
	heartbeats atomic.Uint64
	controls   atomic.Uint64
}

// New creates a receiver. A nil Output discards audio.
func New(cfg Config) *Receiver {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.Output == nil {
		cfg.Output = &output.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Receiver{
		cfg: cfg,
		out: cfg.Output,
		logger: logger.With(
			zap.String("component", "receiver"),
			zap.String("instance", uuid.New().String()),
		),
	}
	r.volume.Store(100)
	return r
}

// Listen binds the TCP listener
func (r *Receiver) Listen() error {
	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.Addr, err)
	}
	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()
	r.logger.Info("Listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, nil before Listen
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Port returns the bound TCP port, 0 before Listen
func (r *Receiver) Port() int {
	if tcp, ok := r.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Listen is called first if needed.
func (r *Receiver) Serve(ctx context.Context) error {
	r.mu.Lock()
	ln := r.listener
	r.mu.Unlock()
	if ln == nil {
		if err := r.Listen(); err != nil {
			return err
		}
		r.mu.Lock()
		ln = r.listener
		r.mu.Unlock()
	}

	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}

		r.conns.Add(1)
		go func() {
			defer r.conns.Done()
			r.handle(conn)
		}()
	}
}

// handle identifies a connection by its header and dispatches it
func (r *Receiver) handle(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(headerTimeout))
	cmd, err := protocol.ReadCommand(conn)
	if err != nil {
		r.logger.Debug("Dropping connection", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}

	if cmd == protocol.CommandAudioData {
		h, err := protocol.ReadHandshakeParams(conn)
		if err != nil {
			r.logger.Debug("Bad handshake", zap.Error(err))
			conn.Close()
			return
		}
		r.play(conn, h)
		return
	}

	defer conn.Close()
	r.control(conn, cmd)
}

// control applies one request and acknowledges it
func (r *Receiver) control(conn net.Conn, cmd protocol.Command) {
	value := 0
	switch cmd {
	case protocol.CommandVolume:
		v, err := protocol.ReadUint32(conn)
		if err != nil {
			r.logger.Debug("Read volume failed", zap.Error(err))
			return
		}
		value = protocol.ClampVolume(int(v))
		r.volume.Store(int32(value))
		r.out.SetVolume(value)
		r.logger.Info("Volume", zap.Int("volume", value))
	case protocol.CommandSyncTime:
		r.lastSync.Store(time.Now().UnixNano())
	case protocol.CommandStop:
		r.stopCurrent()
	default:
		r.logger.Debug("Ignoring command", zap.Stringer("command", cmd))
		return
	}

	r.controls.Add(1)
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := protocol.WriteAck(conn); err != nil {
		r.logger.Debug("Control ack failed", zap.Error(err))
	}
	if r.cfg.OnControl != nil {
		r.cfg.OnControl(cmd, value)
	}
}

// play runs a stream to completion. A second stream while one is playing
// is closed without an ack.
func (r *Receiver) play(conn net.Conn, h protocol.Handshake) {
	st := &stream{conn: conn, handshake: h, done: make(chan struct{})}

	r.mu.Lock()
	if r.current != nil || r.closed {
		r.mu.Unlock()
		r.rejected.Add(1)
		r.logger.Warn("Rejecting stream, already playing", zap.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}
	r.current = st
	r.mu.Unlock()

	defer func() {
		conn.Close()
		r.mu.Lock()
		if r.current == st {
			r.current = nil
		}
		r.mu.Unlock()
		close(st.done)
		if r.cfg.OnStream != nil {
			r.cfg.OnStream(h, false)
		}
		r.logger.Info("Stream ended")
	}()

	if err := r.out.Open(int(h.SampleRate), h.Mode.Channels()); err != nil {
		r.logger.Error("Failed to open output", zap.Error(err))
		return
	}

	conn.SetDeadline(time.Time{})
	if err := protocol.WriteAck(conn); err != nil {
		r.logger.Debug("Stream ack failed", zap.Error(err))
		return
	}
	r.streams.Add(1)
	r.logger.Info("Stream started",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.Uint32("sample_rate", h.SampleRate),
		zap.Int("channels", h.Mode.Channels()))
	if r.cfg.OnStream != nil {
		r.cfg.OnStream(h, true)
	}

	frames := make(chan []byte, 1)
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for data := range frames {
			if err := r.out.Write(data); err != nil {
				r.logger.Debug("Output write failed", zap.Error(err))
			}
		}
	}()

	keepaliveDone := make(chan struct{})
	go r.keepalive(st, keepaliveDone)

	for {
		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			break
		}
		if payload == nil {
			r.heartbeats.Add(1)
			continue
		}
		r.frames.Add(1)
		r.bytes.Add(uint64(len(payload)))
		select {
		case frames <- payload:
		default:
			r.dropped.Add(1)
		}
	}

	close(keepaliveDone)
	close(frames)
	writer.Wait()
}

// keepalive writes one byte on the stream every interval
func (r *Receiver) keepalive(st *stream, done <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			st.writeMu.Lock()
			st.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, err := st.conn.Write([]byte{0})
			st.writeMu.Unlock()
			if err != nil {
				r.logger.Debug("Keepalive failed", zap.Error(err))
				return
			}
		}
	}
}

// stopCurrent closes the playing stream and waits briefly for it to end
func (r *Receiver) stopCurrent() {
	r.mu.Lock()
	st := r.current
	r.mu.Unlock()
	if st == nil {
		return
	}

	r.logger.Info("Stop requested")
	st.conn.Close()
	select {
	case <-st.done:
	case <-time.After(stopWait):
	}
}

// Playing reports whether a stream is active
func (r *Receiver) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Handshake returns the parameters of the playing stream
func (r *Receiver) Handshake() (protocol.Handshake, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return protocol.Handshake{}, false
	}
	return r.current.handshake, true
}

// Volume returns the last volume received
func (r *Receiver) Volume() int { return int(r.volume.Load()) }

// LastSync returns when the last SyncTime request arrived
func (r *Receiver) LastSync() time.Time {
	ns := r.lastSync.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats returns activity counters
func (r *Receiver) Stats() Stats {
	return Stats{
		Streams:    r.streams.Load(),
		Rejected:   r.rejected.Load(),
		Frames:     r.frames.Load(),
		Bytes:      r.bytes.Load(),
		Dropped:    r.dropped.Load(),
		Heartbeats: r.heartbeats.Load(),
		Controls:   r.controls.Load(),
	}
}

// Close stops accepting, ends the playing stream and waits for handlers
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ln := r.listener
	st := r.current
	r.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	if st != nil {
		st.conn.Close()
	}
	r.conns.Wait()
	if cerr := r.out.Close(); err == nil {
		err = cerr
	}
	return err
}
