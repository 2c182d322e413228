// ABOUTME: Audio type definitions
// ABOUTME: Defines PCM formats and sample conversion helpers
package audio

import "encoding/binary"

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23

	// BytesPerStereoSample is one interleaved 16-bit left/right pair
	BytesPerStereoSample = 4

	// DefaultSampleRate is the capture rate used when none is configured
	DefaultSampleRate = 48000
)

// SupportedSampleRates lists the rates a capture device may be opened at
var SupportedSampleRates = []int{192000, 176400, 96000, 48000, 44100}

// IsSupportedSampleRate reports whether rate is one of SupportedSampleRates
func IsSupportedSampleRate(rate int) bool {
	for _, r := range SupportedSampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

// Format describes a PCM stream
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// BytesPerFrame returns the size of one interleaved frame across all channels
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	// Right-shift to convert 24-bit range to 16-bit range
	return int16(sample >> 8)
}

// SampleFromInt16 converts int16 sample to int32 (left-justified in 24-bit)
func SampleFromInt16(sample int16) int32 {
	return int32(sample) << 8
}

// PCM16ToSamples decodes 16-bit little-endian PCM into 24-bit range samples.
// A trailing odd byte is ignored.
func PCM16ToSamples(data []byte) []int32 {
	n := len(data) / 2
	samples := make([]int32, n)
	for i := 0; i < n; i++ {
		samples[i] = SampleFromInt16(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return samples
}

// SamplesToPCM16 encodes 24-bit range samples as 16-bit little-endian PCM
func SamplesToPCM16(samples []int32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(SampleToInt16(s)))
	}
	return out
}

// ApplyVolume scales samples by volume (0-100), clamping to the 24-bit range
func ApplyVolume(samples []int32, volume int) []int32 {
	if volume >= 100 {
		return samples
	}
	if volume < 0 {
		volume = 0
	}
	multiplier := float64(volume) / 100.0

	result := make([]int32, len(samples))
	for i, sample := range samples {
		scaled := int64(float64(sample) * multiplier)
		if scaled > Max24Bit {
			scaled = Max24Bit
		} else if scaled < Min24Bit {
			scaled = Min24Bit
		}
		result[i] = int32(scaled)
	}
	return result
}
