// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines channel selection, stereo demux and sample conversions
// Package audio provides the PCM types shared by capture, streaming and playback.
//
// Captured audio is interleaved 16-bit little-endian stereo. Speakers select
// a Channel, and Demux turns a captured buffer into the bytes that speaker
// receives:
//
//	left := audio.Demux(buf, audio.ChannelLeft)
//
// Decoders and resamplers work on int32 samples in the 24-bit range;
// PCM16ToSamples and SamplesToPCM16 convert between the two.
package audio
