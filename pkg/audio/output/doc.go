// ABOUTME: Audio output package for the reference receiver
// ABOUTME: Provides the Output interface and its playback backends
// Package output plays 16-bit little-endian PCM as it arrives from a stream.
//
// Backends: oto (default), malgo, PortAudio (build tag portaudio) and
// Discard, which only counts bytes and is what tests use.
//
// Example:
//
//	out := output.NewOto(logger)
//	err := out.Open(48000, 2)
//	err = out.Write(frame)
package output
