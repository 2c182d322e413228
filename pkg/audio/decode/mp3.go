// ABOUTME: MP3 file decoder
// ABOUTME: Decodes MP3 files to int32 samples using go-mp3
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
	"github.com/picapico/audioshare/pkg/audio"
)

// MP3Decoder reads an MP3 file. go-mp3 always produces 16-bit stereo.
type MP3Decoder struct {
	file    *os.File
	decoder *mp3.Decoder
	loop    bool
	buf     []byte
}

// NewMP3 opens path for decoding
func NewMP3(path string, loop bool) (*MP3Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	return &MP3Decoder{file: f, decoder: decoder, loop: loop}, nil
}

// Read decodes up to len(samples) interleaved samples
func (d *MP3Decoder) Read(samples []int32) (int, error) {
	need := len(samples) * 2
	if cap(d.buf) < need {
		d.buf = make([]byte, need)
	}
	buf := d.buf[:need]

	n, err := io.ReadFull(d.decoder, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("mp3 decode error: %w", err)
	}

	count := n / 2
	for i := 0; i < count; i++ {
		samples[i] = audio.SampleFromInt16(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	}

	if err != nil {
		if !d.loop {
			if count == 0 {
				return 0, io.EOF
			}
			return count, nil
		}
		if rerr := d.rewind(); rerr != nil {
			return count, rerr
		}
	}

	return count, nil
}

func (d *MP3Decoder) rewind() error {
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	decoder, err := mp3.NewDecoder(d.file)
	if err != nil {
		return fmt.Errorf("failed to create new decoder: %w", err)
	}
	d.decoder = decoder
	return nil
}

// Format reports the decoded stream format
func (d *MP3Decoder) Format() audio.Format {
	return audio.Format{SampleRate: d.decoder.SampleRate(), Channels: 2, BitDepth: 16}
}

// Close releases the file
func (d *MP3Decoder) Close() error {
	return d.file.Close()
}
