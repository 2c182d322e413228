// ABOUTME: Audio file decoding package
// ABOUTME: Provides looping MP3 and FLAC decoders for file-based capture
// Package decode reads audio files into int32 samples in the 24-bit range.
//
// Supports: MP3 (go-mp3), FLAC (mewkiz/flac)
//
// Example:
//
//	dec, err := decode.Open("music.flac", true)
//	n, err := dec.Read(samples)
package decode
