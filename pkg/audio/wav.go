package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	wav "github.com/youpy/go-wav"
)

// NewWavBuffer wraps mono 16-bit PCM in a RIFF/WAVE container.
func NewWavBuffer(pcm []byte, sampleRate int) ([]byte, error) {
	n := len(pcm) / BytesPerSample
	samples := make([]wav.Sample, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		samples[i] = wav.Sample{Values: [2]int{int(s), 0}}
	}

	buf := new(bytes.Buffer)
	w := wav.NewWriter(buf, uint32(n), 1, uint32(sampleRate), 16)
	if err := w.WriteSamples(samples); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	return buf.Bytes(), nil
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV extracts mono 16-bit PCM and its sample rate from a WAV file.
// Stereo input is down-mixed.
func DecodeWAV(data []byte) ([]byte, int, error) {
	r := wav.NewReader(bytes.NewReader(data))
	format, err := r.Format()
	if err != nil {
		return nil, 0, fmt.Errorf("audio: wav format: %w", err)
	}
	if format.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("%w: %d-bit wav", ErrFormat, format.BitsPerSample)
	}
	channels := int(format.NumChannels)
	if channels < 1 || channels > 2 {
		return nil, 0, fmt.Errorf("%w: %d channels", ErrFormat, channels)
	}

	out := new(bytes.Buffer)
	for {
		samples, err := r.ReadSamples()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("audio: read wav samples: %w", err)
		}
		for _, s := range samples {
			v := r.IntValue(s, 0)
			if channels == 2 {
				v = (v + r.IntValue(s, 1)) / 2
			}
			binary.Write(out, binary.LittleEndian, int16(v))
		}
	}
	return out.Bytes(), int(format.SampleRate), nil
}
