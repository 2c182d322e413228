// ABOUTME: Stereo demultiplexer for interleaved 16-bit PCM
// ABOUTME: Splits a captured buffer into the per-channel byte streams speakers receive
package audio

// Demux extracts channel ch from interleaved 16-bit little-endian stereo PCM.
// Stereo returns data unchanged, Left and Right return the 2-byte half of
// every 4-byte sample. A trailing partial sample is ignored. ChannelNone
// yields nil.
func Demux(data []byte, ch Channel) []byte {
	switch ch {
	case ChannelStereo:
		return data
	case ChannelLeft:
		return extract(data, 0)
	case ChannelRight:
		return extract(data, 2)
	default:
		return nil
	}
}

func extract(data []byte, offset int) []byte {
	n := len(data) / BytesPerStereoSample
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		src := i*BytesPerStereoSample + offset
		out[i*2] = data[src]
		out[i*2+1] = data[src+1]
	}
	return out
}

// Split demultiplexes data once into both mono channels
func Split(data []byte) (left, right []byte) {
	return extract(data, 0), extract(data, 2)
}
