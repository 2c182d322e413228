// ABOUTME: UDP broadcast discovery of IP-mode speakers
// ABOUTME: Listener registers announcing receivers, Announcer broadcasts from the receiver side
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/picapico/audioshare/internal/metrics"
	"github.com/picapico/audioshare/pkg/protocol"
	"go.uber.org/zap"
)

const (
	// PortRangeStart is the first port a listener tries to bind
	PortRangeStart = 58261
	// PortRangeEnd is one past the last port in the range
	PortRangeEnd = 58271

	// MaxAnnouncementSize is the largest datagram accepted as an announcement
	MaxAnnouncementSize = 26

	// DefaultAnnounceInterval is how often an idle receiver announces itself
	DefaultAnnounceInterval = 10 * time.Second

	// BroadcastAddress is the limited broadcast address announcements are sent to
	BroadcastAddress = "255.255.255.255"
)

var (
	ErrNoFreePort       = errors.New("discovery: no free port in range")
	ErrBadAnnouncement  = errors.New("discovery: malformed announcement")
	errAnnouncementSize = fmt.Errorf("%w: too large", ErrBadAnnouncement)
)

// ParseAnnouncement validates a datagram of the form "<magic>@<port>" and
// returns the port. 0 < port < 65535.
func ParseAnnouncement(payload []byte) (int, error) {
	if len(payload) > MaxAnnouncementSize {
		return 0, errAnnouncementSize
	}
	parts := strings.Split(string(payload), "@")
	if len(parts) != 2 || parts[0] != protocol.Magic {
		return 0, ErrBadAnnouncement
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port >= 65535 {
		return 0, fmt.Errorf("%w: bad port %q", ErrBadAnnouncement, parts[1])
	}
	return port, nil
}

// FormatAnnouncement builds the datagram a receiver listening on port broadcasts
func FormatAnnouncement(port int) []byte {
	return []byte(protocol.Magic + "@" + strconv.Itoa(port))
}

// ListenerConfig configures a Listener
type ListenerConfig struct {
	// First and Last bound the port range, inclusive of First, exclusive of Last
	First, Last int

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// OnSpeaker receives "<senderIP>:<port>" for each valid announcement
	OnSpeaker func(id string)
}

// Listener receives speaker announcements on the first free port of the range
type Listener struct {
	conn      net.PacketConn
	port      int
	logger    *zap.Logger
	metrics   *metrics.Metrics
	onSpeaker func(string)
}

// Listen binds the first available UDP port in the configured range with
// broadcast reception enabled.
func Listen(ctx context.Context, cfg ListenerConfig) (*Listener, error) {
	if cfg.First == 0 {
		cfg.First, cfg.Last = PortRangeStart, PortRangeEnd
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "discovery"))

	lc := net.ListenConfig{Control: enableBroadcast}
	for port := cfg.First; port < cfg.Last; port++ {
		conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", port))
		if err != nil {
			logger.Debug("Discovery port busy", zap.Int("port", port), zap.Error(err))
			continue
		}
		logger.Info("Listening for speaker announcements", zap.Int("port", port))
		return &Listener{
			conn:      conn,
			port:      port,
			logger:    logger,
			metrics:   cfg.Metrics,
			onSpeaker: cfg.OnSpeaker,
		}, nil
	}
	return nil, fmt.Errorf("%w [%d, %d)", ErrNoFreePort, cfg.First, cfg.Last)
}

// Port returns the bound port
func (l *Listener) Port() int { return l.port }

// Run reads announcements until ctx is cancelled or the listener is closed
func (l *Listener) Run(ctx context.Context) error {
	buf := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return nil
		}
		l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("discovery read: %w", err)
		}
		l.handle(buf[:n], addr)
	}
}

func (l *Listener) handle(payload []byte, addr net.Addr) {
	port, err := ParseAnnouncement(payload)
	if err != nil {
		l.metrics.RecordDiscoveryNoise()
		l.logger.Debug("Ignoring datagram", zap.Stringer("from", addr), zap.Int("size", len(payload)))
		return
	}

	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}
	id := net.JoinHostPort(udp.IP.String(), strconv.Itoa(port))

	l.metrics.RecordAnnouncement()
	l.logger.Debug("Speaker announced", zap.String("speaker", id))
	if l.onSpeaker != nil {
		l.onSpeaker(id)
	}
}

// Close releases the socket
func (l *Listener) Close() error {
	return l.conn.Close()
}

// AnnouncerConfig configures an Announcer
type AnnouncerConfig struct {
	// Port is the receiver's stream port carried in the announcement
	Port int
	// Target is the address datagrams go to, BroadcastAddress by default
	Target string
	// First and Last bound the destination port range
	First, Last int
	Interval    time.Duration
	Logger      *zap.Logger
}

// Announcer broadcasts a receiver's presence across the discovery port range
type Announcer struct {
	cfg    AnnouncerConfig
	logger *zap.Logger
}

// NewAnnouncer creates an announcer
func NewAnnouncer(cfg AnnouncerConfig) *Announcer {
	if cfg.Target == "" {
		cfg.Target = BroadcastAddress
	}
	if cfg.First == 0 {
		cfg.First, cfg.Last = PortRangeStart, PortRangeEnd
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAnnounceInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Announcer{cfg: cfg, logger: logger.With(zap.String("component", "announcer"))}
}

// Announce sends one announcement to every port in the range
func (a *Announcer) Announce(ctx context.Context) error {
	lc := net.ListenConfig{Control: enableBroadcast}
	conn, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return fmt.Errorf("announce socket: %w", err)
	}
	defer conn.Close()

	msg := FormatAnnouncement(a.cfg.Port)
	ip := net.ParseIP(a.cfg.Target)
	if ip == nil {
		return fmt.Errorf("announce: invalid target %q", a.cfg.Target)
	}
	for port := a.cfg.First; port < a.cfg.Last; port++ {
		if _, err := conn.WriteTo(msg, &net.UDPAddr{IP: ip, Port: port}); err != nil {
			return fmt.Errorf("announce to %d: %w", port, err)
		}
	}
	a.logger.Debug("Announced", zap.Int("port", a.cfg.Port))
	return nil
}

// Run announces immediately and then every interval while idle reports true.
// A nil idle always announces.
func (a *Announcer) Run(ctx context.Context, idle func() bool) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if idle == nil || idle() {
			if err := a.Announce(ctx); err != nil {
				a.logger.Warn("Announcement failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
