// ABOUTME: Speaker model shared by sessions, the manager and presentation clients
// ABOUTME: Connection status, endpoint parsing, channel modes and session errors
package speaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	pcm "github.com/picapico/audioshare/pkg/audio"
	"github.com/picapico/audioshare/pkg/protocol"
)

// Status is a session's connection state
type Status int

const (
	StatusUnConnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusUnConnected:
		return "unconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrEndpointUnreachable = errors.New("speaker: endpoint unreachable")
	ErrDeviceNotReady      = errors.New("speaker: device not ready")
	ErrProtocolMismatch    = errors.New("speaker: protocol mismatch")
	ErrWriteFailure        = errors.New("speaker: write failure")
	ErrChannelDisabled     = errors.New("speaker: channel disabled")
	ErrNotConnected        = errors.New("speaker: not connected")
	ErrSuperseded          = errors.New("speaker: attempt superseded")
	ErrBusy                = errors.New("speaker: session busy")
	ErrDisposed            = errors.New("speaker: session disposed")
)

// DefaultPort is used for IP speakers whose id carries no port
const DefaultPort = 80

// Provisioner prepares a remote device before a stream is opened
type Provisioner interface {
	// EnsureReady verifies the endpoint can accept a stream
	EnsureReady(ctx context.Context, endpointID string) error
	// CreateTunnel forwards a local TCP port to remoteSocket on the device
	CreateTunnel(ctx context.Context, endpointID, remoteSocket string) (int, error)
}

var endpointPattern = regexp.MustCompile(`^(\d{1,3}(?:\.\d{1,3}){3}|\[[0-9A-Fa-f:.%a-zA-Z]+\])(?::(\d{1,5}))?$`)

// ParseEndpoint turns an IP speaker id ("10.0.0.5:8088", "[fe80::1]:9000",
// "10.0.0.5") into a dialable host:port. The port defaults to 80.
func ParseEndpoint(id string) (string, error) {
	m := endpointPattern.FindStringSubmatch(strings.TrimSpace(id))
	if m == nil {
		return "", fmt.Errorf("%w: invalid address %q", ErrEndpointUnreachable, id)
	}

	host := strings.TrimSuffix(strings.TrimPrefix(m[1], "["), "]")
	if net.ParseIP(strings.SplitN(host, "%", 2)[0]) == nil {
		return "", fmt.Errorf("%w: invalid address %q", ErrEndpointUnreachable, id)
	}

	port := DefaultPort
	if m[2] != "" {
		p, err := strconv.Atoi(m[2])
		if err != nil || p <= 0 || p > 65535 {
			return "", fmt.Errorf("%w: invalid port in %q", ErrEndpointUnreachable, id)
		}
		port = p
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// ModeFor returns the handshake channel mode for ch
func ModeFor(ch pcm.Channel) protocol.ChannelMode {
	if ch.Stereo() {
		return protocol.ModeStereo
	}
	return protocol.ModeMono
}

// Display formats a speaker for presentation: "<name> [<serial>]" for USB
// devices, the address for IP speakers.
func Display(id, name string, usb bool) string {
	if usb {
		return fmt.Sprintf("%s [%s]", name, id)
	}
	return id
}

// Info is a point-in-time view of a session
type Info struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Display       string      `json:"display"`
	USB           bool        `json:"usb"`
	Channel       pcm.Channel `json:"channel"`
	Status        Status      `json:"status"`
	Endpoint      string      `json:"endpoint,omitempty"`
	FramesSent    uint64      `json:"frames_sent"`
	FramesDropped uint64      `json:"frames_dropped"`
}
