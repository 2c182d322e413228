// ABOUTME: Speaker channel selection
// ABOUTME: Maps a speaker's selected channel to its wire mode and text form
package audio

import (
	"fmt"
	"strings"
)

// Channel selects which part of the stereo mix a speaker plays.
// ChannelNone disables the speaker.
type Channel int

const (
	ChannelNone Channel = iota
	ChannelLeft
	ChannelRight
	ChannelStereo
)

// Channels lists the channels that produce audio
var Channels = []Channel{ChannelLeft, ChannelRight, ChannelStereo}

func (c Channel) String() string {
	switch c {
	case ChannelNone:
		return "none"
	case ChannelLeft:
		return "left"
	case ChannelRight:
		return "right"
	case ChannelStereo:
		return "stereo"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Enabled reports whether the channel produces audio
func (c Channel) Enabled() bool {
	return c == ChannelLeft || c == ChannelRight || c == ChannelStereo
}

// Stereo reports whether frames for this channel carry both sides
func (c Channel) Stereo() bool {
	return c == ChannelStereo
}

// ParseChannel accepts the text form produced by String
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ChannelNone, nil
	case "left", "l":
		return ChannelLeft, nil
	case "right", "r":
		return ChannelRight, nil
	case "stereo", "both", "lr":
		return ChannelStereo, nil
	default:
		return ChannelNone, fmt.Errorf("unknown channel %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (c Channel) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Channel) UnmarshalText(text []byte) error {
	ch, err := ParseChannel(string(text))
	if err != nil {
		return err
	}
	*c = ch
	return nil
}
