// ABOUTME: File playback capture device
// ABOUTME: Streams a looping MP3 or FLAC file in real time as if it were the system mix
package capture

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/picapico/audioshare/pkg/audio"
	"github.com/picapico/audioshare/pkg/audio/decode"
	"github.com/picapico/audioshare/pkg/audio/resample"
	"go.uber.org/zap"
)

// File decodes a file, converts it to 16-bit stereo at the capture rate and
// paces it in real time
type File struct {
	paced
	path      string
	decoder   decode.Decoder
	format    audio.Format
	resampler *resample.Resampler
	logger    *zap.Logger

	in     []int32
	stereo []int32
	out    []int32
}

// NewFile opens path for looping playback at sampleRate
func NewFile(path string, sampleRate int, logger *zap.Logger) (*File, error) {
	dec, err := decode.Open(path, true)
	if err != nil {
		return nil, err
	}
	format := dec.Format()
	if format.Channels < 1 || format.SampleRate <= 0 {
		dec.Close()
		return nil, fmt.Errorf("unusable audio format in %s: %d channels at %dHz", path, format.Channels, format.SampleRate)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Loaded audio file",
		zap.String("path", path),
		zap.Int("sample_rate", format.SampleRate),
		zap.Int("channels", format.Channels),
		zap.Int("bit_depth", format.BitDepth))

	f := &File{
		path:      path,
		decoder:   dec,
		format:    format,
		resampler: resample.New(format.SampleRate, sampleRate, 2),
		logger:    logger,
	}
	f.paced = paced{period: DefaultPeriod, sampleRate: sampleRate}
	f.produce = f.next
	return f, nil
}

// next is only called from the pacing goroutine
func (f *File) next(frames int) []byte {
	srcFrames := int(math.Ceil(float64(frames) * float64(f.format.SampleRate) / float64(f.sampleRate)))
	want := srcFrames * f.format.Channels
	if cap(f.in) < want {
		f.in = make([]int32, want)
	}
	in := f.in[:want]

	n, err := f.decoder.Read(in)
	if err != nil && !errors.Is(err, io.EOF) {
		f.logger.Warn("File decode failed", zap.String("path", f.path), zap.Error(err))
	}
	if n == 0 {
		return nil
	}

	stereo := f.toStereo(in[:n])
	if f.resampler.Passthrough() {
		return audio.SamplesToPCM16(stereo)
	}

	need := f.resampler.OutputSamplesNeeded(len(stereo))
	if cap(f.out) < need {
		f.out = make([]int32, need)
	}
	written := f.resampler.Resample(stereo, f.out[:need])
	return audio.SamplesToPCM16(f.out[:written])
}

// toStereo duplicates mono and drops channels beyond the first two
func (f *File) toStereo(samples []int32) []int32 {
	ch := f.format.Channels
	if ch == 2 {
		return samples
	}
	frames := len(samples) / ch
	if cap(f.stereo) < frames*2 {
		f.stereo = make([]int32, frames*2)
	}
	out := f.stereo[:frames*2]
	for i := 0; i < frames; i++ {
		left := samples[i*ch]
		right := left
		if ch > 1 {
			right = samples[i*ch+1]
		}
		out[i*2] = left
		out[i*2+1] = right
	}
	return out
}

// Close stops playback and releases the file
func (f *File) Close() error {
	f.Stop()
	return f.decoder.Close()
}
