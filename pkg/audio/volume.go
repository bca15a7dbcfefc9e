package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const pcmMaxAmplitude = 32768.0

// RMS estimates the loudness of one frame as the root mean square of its
// samples, normalized to [0, 1].
func RMS(f Frame) (float64, error) {
	if len(f.PCM) == 0 {
		return 0, fmt.Errorf("%w: empty frame", ErrFormat)
	}
	if len(f.PCM)%BytesPerSample != 0 {
		return 0, fmt.Errorf("%w: odd byte count %d", ErrFormat, len(f.PCM))
	}
	return Level(f.PCM), nil
}

// Level computes the normalized RMS of raw PCM, ignoring a trailing odd byte.
func Level(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		v := float64(s) / pcmMaxAmplitude
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
