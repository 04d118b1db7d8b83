package audio

import (
	"encoding/binary"
	"math"
)

// StreamSampleRate is the fixed output rate for streaming transcription.
// The realtime endpoint expects 24kHz mono pcm16.
const StreamSampleRate = 24000

// Converter turns native-format capture blocks (interleaved float32 at the
// device's rate and channel count) into mono 16-bit little-endian PCM at a
// fixed target rate. It runs on the audio callback path, so Convert does
// bounded work and reuses its scratch buffers across calls.
type Converter struct {
	srcRate  int
	dstRate  int
	channels int
	ratio    float64

	// resampler state carried across blocks
	pos    float64 // fractional read position, relative to the current block
	last   float32 // tail sample of the previous block
	primed bool

	mono []float32 // scratch: downmixed input
	out  []byte    // scratch: encoded output
}

// NewConverter creates a Converter from the device's native rate and channel
// count to dstRate mono s16le.
func NewConverter(srcRate, channels, dstRate int) *Converter {
	return &Converter{
		srcRate:  srcRate,
		dstRate:  dstRate,
		channels: channels,
		ratio:    float64(dstRate) / float64(srcRate),
	}
}

// Convert processes one capture block and returns the encoded chunk, or nil
// when the block yields no output frames (empty or degenerate input). A nil
// return is expected, not an error; the caller simply skips the block.
// The returned slice is valid until the next call to Convert.
func (c *Converter) Convert(block []float32) []byte {
	if c.channels <= 0 || len(block) < c.channels {
		return nil
	}
	frames := len(block) / c.channels

	// Downmix to mono by averaging channels.
	if cap(c.mono) < frames {
		c.mono = make([]float32, 0, frames)
	}
	mono := c.mono[:0]
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < c.channels; ch++ {
			sum += block[i*c.channels+ch]
		}
		mono = append(mono, sum/float32(c.channels))
	}
	c.mono = mono

	if !c.primed {
		// No previous block to interpolate from; repeat the first sample.
		c.last = mono[0]
		c.pos = 0
		c.primed = true
	}

	// Guard one extra frame for rounding.
	maxOut := int(math.Ceil(float64(frames)*c.ratio)) + 1
	if cap(c.out) < maxOut*2 {
		c.out = make([]byte, 0, maxOut*2)
	}
	out := c.out[:0]

	// Linear interpolation between x[i-1] and x[i], where x[-1] is the
	// previous block's tail. pos advances by srcRate/dstRate input frames
	// per output frame and the remainder carries into the next block.
	step := float64(c.srcRate) / float64(c.dstRate)
	pos := c.pos
	for ; pos < float64(frames); pos += step {
		i := int(pos)
		frac := float32(pos - float64(i))
		var s0 float32
		if i == 0 {
			s0 = c.last
		} else {
			s0 = mono[i-1]
		}
		s1 := mono[i]
		s := s0 + (s1-s0)*frac
		out = binary.LittleEndian.AppendUint16(out, uint16(sampleToInt16(s)))
	}
	c.pos = pos - float64(frames)
	c.last = mono[frames-1]
	c.out = out

	if len(out) == 0 {
		return nil
	}
	return out
}

// sampleToInt16 clamps a float32 sample to [-1, 1] and scales it to int16.
func sampleToInt16(s float32) int16 {
	if s > 1.0 {
		s = 1.0
	} else if s < -1.0 {
		s = -1.0
	}
	return int16(s * 32767)
}
