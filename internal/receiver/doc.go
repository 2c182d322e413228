// ABOUTME: Reference speaker-side receiver
// ABOUTME: Package documentation for the receiver package
// Package receiver implements the speaker end of the audioshare protocol.
//
// A Receiver accepts one acknowledged PCM stream at a time and plays it
// through an output.Output. Control requests (Volume, SyncTime, Stop) arrive
// on their own short-lived connections. While a stream is playing the
// receiver writes a one-byte keepalive on it every KeepaliveInterval.
//
// It backs the "audioshare receive" command and serves as the conformant
// peer in host-side tests.
package receiver
