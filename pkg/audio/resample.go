package audio

import "encoding/binary"

// Resample converts mono 16-bit PCM between sample rates by linear
// interpolation. It is meant for playback of synthesized speech, not for
// analysis.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < 2*BytesPerSample {
		return pcm
	}
	in := len(pcm) / BytesPerSample
	out := int(int64(in) * int64(to) / int64(from))
	res := make([]byte, out*BytesPerSample)

	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:])))
	}
	step := float64(from) / float64(to)
	for i := 0; i < out; i++ {
		pos := float64(i) * step
		j := int(pos)
		if j >= in-1 {
			j = in - 2
		}
		frac := pos - float64(j)
		if frac > 1 {
			frac = 1
		}
		v := sample(j)*(1-frac) + sample(j+1)*frac
		binary.LittleEndian.PutUint16(res[i*BytesPerSample:], uint16(int16(v)))
	}
	return res
}
