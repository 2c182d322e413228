// ABOUTME: audioshare wire protocol definitions
// ABOUTME: Magic header, command bytes, handshake, length-prefixed frames and control requests
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic opens every connection to a receiver, data or control.
const Magic = "picapico-audio-share"

// RemoteSocket is the abstract socket the receiver app listens on for USB tunnels.
const RemoteSocket = "localabstract:" + Magic

// Command identifies what a connection carries after the magic header
type Command byte

const (
	CommandNone      Command = 0
	CommandAudioData Command = 1
	CommandVolume    Command = 2
	CommandSyncTime  Command = 3
	CommandStop      Command = 4
)

func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandAudioData:
		return "audio-data"
	case CommandVolume:
		return "volume"
	case CommandSyncTime:
		return "sync-time"
	case CommandStop:
		return "stop"
	default:
		return fmt.Sprintf("command(%d)", byte(c))
	}
}

// ChannelMode is the channel layout announced in the handshake
type ChannelMode uint32

const (
	// ModeMono is sent for single-channel (left or right) streams
	ModeMono ChannelMode = 4
	// ModeStereo is sent for interleaved stereo streams
	ModeStereo ChannelMode = 12
)

// Channels returns the number of interleaved channels in a frame for this mode
func (m ChannelMode) Channels() int {
	if m == ModeStereo {
		return 2
	}
	return 1
}

// Ack is the single byte a receiver writes to accept a stream or request.
const Ack byte = 0

// HeartbeatFrame is a zero-length frame: the length prefix alone.
var HeartbeatFrame = []byte{0, 0, 0, 0}

// MaxFrameSize bounds the payload length a reader will accept.
const MaxFrameSize = 1 << 20

var (
	ErrBadMagic      = errors.New("protocol: bad magic header")
	ErrNoAck         = errors.New("protocol: receiver did not acknowledge")
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
)

// Handshake is the parameter block following an AudioData command
type Handshake struct {
	SampleRate uint32
	Mode       ChannelMode
}

// EncodeHandshake returns the full handshake: magic, command, sample rate, mode.
func EncodeHandshake(h Handshake) []byte {
	buf := make([]byte, 0, len(Magic)+1+8)
	buf = append(buf, Magic...)
	buf = append(buf, byte(CommandAudioData))
	buf = binary.LittleEndian.AppendUint32(buf, h.SampleRate)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.Mode))
	return buf
}

// WriteHandshake writes the handshake in a single write call
func WriteHandshake(w io.Writer, h Handshake) error {
	if _, err := w.Write(EncodeHandshake(h)); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}

// EncodeFrame prefixes payload with its 4-byte little-endian length.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// WriteFrame writes one length-prefixed audio frame
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(EncodeFrame(payload)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteHeartbeat writes a zero-length frame
func WriteHeartbeat(w io.Writer) error {
	if _, err := w.Write(HeartbeatFrame); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. A heartbeat yields a nil payload and no error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, nil
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// EncodeRequest builds a control request: magic, command, optional payload.
func EncodeRequest(cmd Command, payload []byte) []byte {
	buf := make([]byte, 0, len(Magic)+1+len(payload))
	buf = append(buf, Magic...)
	buf = append(buf, byte(cmd))
	return append(buf, payload...)
}

// VolumePayload encodes a volume level, clamped to 0-100.
func VolumePayload(volume int) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(ClampVolume(volume)))
}

// ClampVolume limits v to the 0-100 range
func ClampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ReadCommand reads and validates the magic header, then returns the command byte.
func ReadCommand(r io.Reader) (Command, error) {
	hdr := make([]byte, len(Magic)+1)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return CommandNone, err
	}
	if !bytes.EqualFold(hdr[:len(Magic)], []byte(Magic)) {
		return CommandNone, ErrBadMagic
	}
	return Command(hdr[len(Magic)]), nil
}

// ReadHandshakeParams reads the sample rate and mode following an AudioData command
func ReadHandshakeParams(r io.Reader) (Handshake, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Handshake{}, fmt.Errorf("read handshake: %w", err)
	}
	return Handshake{
		SampleRate: binary.LittleEndian.Uint32(buf[0:4]),
		Mode:       ChannelMode(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// ReadUint32 reads one little-endian 32-bit value (the volume payload)
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadAck blocks for exactly one acknowledgement byte
func ReadAck(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrNoAck
		}
		return fmt.Errorf("%w: %v", ErrNoAck, err)
	}
	return nil
}

// WriteAck writes a single acknowledgement byte
func WriteAck(w io.Writer) error {
	_, err := w.Write([]byte{Ack})
	return err
}
