// ABOUTME: Streaming linear resampler for converting audio sample rates
// ABOUTME: Carries the last frame across calls so chunk boundaries interpolate cleanly
package resample

import "math"

// Resampler performs linear interpolation to convert between sample rates.
// It keeps state between calls and is not safe for concurrent use.
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int
	ratio      float64

	// position is the next output point, in input frames relative to the
	// start of the next chunk. -1 addresses the carried frame.
	position float64
	prev     []int32
	primed   bool
}

// New creates a new resampler
func New(inputRate, outputRate, channels int) *Resampler {
	if channels < 1 {
		channels = 1
	}
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
		ratio:      float64(inputRate) / float64(outputRate),
		prev:       make([]int32, channels),
	}
}

// Passthrough reports whether input and output rates match
func (r *Resampler) Passthrough() bool {
	return r.inputRate == r.outputRate
}

// Resample converts interleaved input at inputRate into output at outputRate.
// Returns the number of samples written to output. Input that does not fit
// in output is dropped; size output with OutputSamplesNeeded.
func (r *Resampler) Resample(input []int32, output []int32) int {
	ch := r.channels
	inputFrames := len(input) / ch
	if inputFrames == 0 {
		return 0
	}
	outputFrames := len(output) / ch

	frame := func(i, c int) int32 {
		if i < 0 {
			return r.prev[c]
		}
		return input[i*ch+c]
	}

	pos := r.position
	if !r.primed && pos < 0 {
		pos = 0
	}

	outIdx := 0
	for outIdx < outputFrames {
		idx := int(math.Floor(pos))
		if idx+1 >= inputFrames {
			break
		}
		frac := pos - float64(idx)

		for c := 0; c < ch; c++ {
			s1 := float64(frame(idx, c))
			s2 := float64(frame(idx+1, c))
			output[outIdx*ch+c] = int32(math.Round(s1*(1.0-frac) + s2*frac))
		}

		outIdx++
		pos += r.ratio
	}

	copy(r.prev, input[(inputFrames-1)*ch:inputFrames*ch])
	r.primed = true
	r.position = pos - float64(inputFrames)
	if r.position < -1 {
		r.position = -1
	}

	return outIdx * ch
}

// Reset clears the carried frame and interpolation position
func (r *Resampler) Reset() {
	r.position = 0
	r.primed = false
	for i := range r.prev {
		r.prev[i] = 0
	}
}

// OutputSamplesNeeded calculates how many output samples will be produced from input samples
func (r *Resampler) OutputSamplesNeeded(inputSamples int) int {
	inputFrames := inputSamples / r.channels
	outputFrames := int(math.Ceil(float64(inputFrames)/r.ratio)) + 1
	return outputFrames * r.channels
}

// InputSamplesNeeded calculates how many input samples are needed to produce output samples
func (r *Resampler) InputSamplesNeeded(outputSamples int) int {
	outputFrames := outputSamples / r.channels
	inputFrames := int(math.Ceil(float64(outputFrames) * r.ratio))
	return inputFrames * r.channels
}
