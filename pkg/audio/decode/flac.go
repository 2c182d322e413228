// ABOUTME: FLAC file decoder
// ABOUTME: Decodes FLAC files to int32 samples using mewkiz/flac
package decode

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mewkiz/flac"
	"github.com/picapico/audioshare/pkg/audio"
)

// FLACDecoder reads a FLAC file frame by frame
type FLACDecoder struct {
	file     *os.File
	stream   *flac.Stream
	loop     bool
	format   audio.Format
	pending  []int32
	consumed int
}

// NewFLAC opens path for decoding
func NewFLAC(path string, loop bool) (*FLACDecoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	return &FLACDecoder{
		file:   f,
		stream: stream,
		loop:   loop,
		format: audio.Format{
			SampleRate: int(info.SampleRate),
			Channels:   int(info.NChannels),
			BitDepth:   int(info.BitsPerSample),
		},
	}, nil
}

// Read decodes up to len(samples) interleaved samples
func (d *FLACDecoder) Read(samples []int32) (int, error) {
	written := 0
	for written < len(samples) {
		if d.consumed >= len(d.pending) {
			if err := d.nextFrame(); err != nil {
				if errors.Is(err, io.EOF) && written > 0 {
					return written, nil
				}
				return written, err
			}
			continue
		}
		n := copy(samples[written:], d.pending[d.consumed:])
		d.consumed += n
		written += n
	}
	return written, nil
}

func (d *FLACDecoder) nextFrame() error {
	frame, err := d.stream.ParseNext()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("flac decode error: %w", err)
		}
		if !d.loop {
			return io.EOF
		}
		if _, err := d.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to start: %w", err)
		}
		stream, err := flac.New(d.file)
		if err != nil {
			return fmt.Errorf("failed to create new stream: %w", err)
		}
		d.stream = stream
		d.pending = d.pending[:0]
		d.consumed = 0
		return nil
	}

	channels := d.format.Channels
	block := int(frame.BlockSize)
	d.pending = d.pending[:0]
	for i := 0; i < block; i++ {
		for ch := 0; ch < channels; ch++ {
			d.pending = append(d.pending, scaleTo24(frame.Subframes[ch].Samples[i], d.format.BitDepth))
		}
	}
	d.consumed = 0
	return nil
}

// scaleTo24 moves a sample of the given bit depth into the 24-bit range
func scaleTo24(sample int32, bitDepth int) int32 {
	shift := 24 - bitDepth
	if shift >= 0 {
		return sample << shift
	}
	return sample >> -shift
}

// Format reports the decoded stream format
func (d *FLACDecoder) Format() audio.Format {
	return d.format
}

// Close releases the file
func (d *FLACDecoder) Close() error {
	return d.file.Close()
}
