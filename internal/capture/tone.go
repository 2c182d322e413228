// ABOUTME: Test tone capture device
// ABOUTME: Generates a sine wave for exercising speakers without a sound card
package capture

import (
	"encoding/binary"
	"math"
)

// Tone generates a stereo sine wave at half amplitude
type Tone struct {
	paced
	frequency   float64
	sampleIndex uint64
}

// NewTone creates a tone generator; frequency 0 means 440Hz (A4)
func NewTone(sampleRate int, frequency float64) *Tone {
	if frequency <= 0 {
		frequency = 440.0
	}
	t := &Tone{frequency: frequency}
	t.paced = paced{period: DefaultPeriod, sampleRate: sampleRate}
	t.produce = t.generate
	return t
}

// generate is only called from the pacing goroutine
func (t *Tone) generate(frames int) []byte {
	buf := make([]byte, frames*4)
	rate := float64(t.sampleRate)

	for i := 0; i < frames; i++ {
		x := float64(t.sampleIndex+uint64(i)) / rate
		v := int16(math.Sin(2*math.Pi*t.frequency*x) * 32767.0 * 0.5)

		binary.LittleEndian.PutUint16(buf[i*4:], uint16(v))
		binary.LittleEndian.PutUint16(buf[i*4+2:], uint16(v))
	}
	t.sampleIndex += uint64(frames)

	return buf
}

// Close stops the generator
func (t *Tone) Close() error {
	return t.Stop()
}
