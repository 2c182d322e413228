// ABOUTME: audioshare wire protocol package
// ABOUTME: Defines the TCP framing shared by the host and receivers
// Package protocol implements the audioshare wire protocol.
//
// Every connection begins with the magic header followed by one command
// byte. An AudioData connection carries a handshake (sample rate and channel
// mode, little-endian uint32 each), waits for a one-byte ack, then streams
// length-prefixed PCM frames. A zero-length frame is a heartbeat. Volume,
// SyncTime and Stop travel on their own short-lived connections.
//
// Example:
//
//	conn, err := protocol.DialStream(ctx, &net.Dialer{}, "127.0.0.1:5000",
//	    protocol.Handshake{SampleRate: 48000, Mode: protocol.ModeStereo}, 0)
//	err = protocol.WriteFrame(conn, pcm)
package protocol
