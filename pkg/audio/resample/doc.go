// ABOUTME: Audio resampling package using linear interpolation
// ABOUTME: Converts file sources to the capture sample rate
// Package resample provides audio sample rate conversion.
//
// Uses linear interpolation for converting between sample rates and keeps
// the last frame of each chunk so consecutive chunks join without gaps.
//
// Example:
//
//	r := resample.New(44100, 48000, 2)
//	out := make([]int32, r.OutputSamplesNeeded(len(in)))
//	n := r.Resample(in, out)
package resample
