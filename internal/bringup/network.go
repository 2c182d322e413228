// ABOUTME: Bring-up for IP speakers
// ABOUTME: Optionally readies the app over adb Wi-Fi, then a short TCP connect decides reachability
package bringup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/picapico/audioshare/pkg/protocol"
	"go.uber.org/zap"
)

// DefaultReachTimeout bounds the reachability check
const DefaultReachTimeout = time.Second

var (
	ErrUnreachable       = errors.New("bringup: endpoint unreachable")
	ErrTunnelUnsupported = errors.New("bringup: tunnels require a usb device")
)

// Network verifies IP speakers by opening and closing a TCP connection.
// With ADB set, the receiver app is first installed and launched over adb
// Wi-Fi when the phone allows it; that step never fails the bring-up.
type Network struct {
	Timeout time.Duration
	Dialer  protocol.Dialer
	ADB     *ADB
	Logger  *zap.Logger
}

// EnsureReady dials endpoint ("host:port")
func (n *Network) EnsureReady(ctx context.Context, endpoint string) error {
	if n.ADB != nil {
		n.prepareWireless(ctx, endpoint)
	}

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = DefaultReachTimeout
	}
	var d protocol.Dialer = &net.Dialer{}
	if n.Dialer != nil {
		d = n.Dialer
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return conn.Close()
}

func (n *Network) prepareWireless(ctx context.Context, endpoint string) {
	logger := n.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return
	}
	if err := n.ADB.PrepareWireless(ctx, host); err != nil {
		logger.Debug("adb Wi-Fi bring-up skipped", zap.String("host", host), zap.Error(err))
		return
	}
	logger.Info("Receiver readied over adb Wi-Fi", zap.String("host", host))
}

// CreateTunnel is not available for network speakers
func (n *Network) CreateTunnel(ctx context.Context, endpoint, remote string) (int, error) {
	return 0, ErrTunnelUnsupported
}
