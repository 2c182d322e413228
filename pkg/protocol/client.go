// ABOUTME: TCP client helpers for the audioshare protocol
// ABOUTME: Opens acknowledged data streams and performs short-lived control requests
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	// DefaultHandshakeTimeout bounds dialing plus waiting for the stream ack
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultControlTimeout bounds each phase of a control request
	DefaultControlTimeout = 1 * time.Second
)

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialStream connects to addr, sends the handshake and waits for the receiver's
// single ack byte. The returned connection has no deadlines set.
func DialStream(ctx context.Context, d Dialer, addr string, h Handshake, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	conn.SetDeadline(time.Now().Add(timeout))
	if err := WriteHandshake(conn, h); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ReadAck(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	return conn, nil
}

// SendControl performs one control exchange on its own connection: connect,
// write magic + command + payload, wait briefly for one ack byte, close.
// A missing ack is tolerated; receivers may close without acknowledging.
func SendControl(ctx context.Context, d Dialer, addr string, cmd Command, payload []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultControlTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(EncodeRequest(cmd, payload)); err != nil {
		return fmt.Errorf("send %s to %s: %w", cmd, addr, err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	if err := ReadAck(conn); err != nil && !errors.Is(err, ErrNoAck) {
		return err
	}
	return nil
}
