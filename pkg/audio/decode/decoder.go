// ABOUTME: Decoder interface definition
// ABOUTME: Common interface for looping file decoders
package decode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/picapico/audioshare/pkg/audio"
)

// Decoder produces interleaved PCM samples in the 24-bit range
type Decoder interface {
	// Read fills samples with interleaved audio and returns the count written
	Read(samples []int32) (int, error)

	// Format describes the decoded stream
	Format() audio.Format

	// Close releases decoder resources
	Close() error
}

// Open picks a decoder for path by extension. Looping decoders rewind at
// end of file instead of returning io.EOF.
func Open(path string, loop bool) (Decoder, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio file not found: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		return NewMP3(path, loop)
	case ".flac":
		return NewFLAC(path, loop)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .mp3, .flac)", ext)
	}
}
