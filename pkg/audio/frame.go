// Package audio holds the PCM primitives shared by the capture side and the
// turn controller: fixed-duration frames, loudness estimation, WAV helpers
// and frame sources with bounded queues.
package audio

import (
	"errors"
	"time"
)

const (
	// DefaultSampleRate is the capture rate every frame source produces.
	DefaultSampleRate = 16000

	// DefaultFrameDuration is the length of one capture frame.
	DefaultFrameDuration = 20 * time.Millisecond

	// BytesPerSample is fixed: all PCM here is signed 16-bit little-endian mono.
	BytesPerSample = 2
)

// ErrFormat is returned for PCM that is not mono 16-bit little-endian at
// the expected rate.
var ErrFormat = errors.New("audio: malformed pcm frame")

// Frame is one fixed-duration block of mono PCM. Frames are treated as
// immutable once produced.
type Frame struct {
	PCM        []byte
	SampleRate int
	// Offset is the position of the first sample relative to the start of
	// the stream that produced the frame.
	Offset time.Duration
}

// Samples returns the number of whole samples in the frame.
func (f Frame) Samples() int {
	return len(f.PCM) / BytesPerSample
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// End returns the stream offset just past the last sample.
func (f Frame) End() time.Duration {
	return f.Offset + f.Duration()
}

// FrameBytes returns the byte size of one frame of the given duration.
func FrameBytes(sampleRate int, frameDuration time.Duration) int {
	samples := int(int64(sampleRate) * int64(frameDuration) / int64(time.Second))
	if samples < 1 {
		samples = 1
	}
	return samples * BytesPerSample
}

// Framer cuts an arbitrary byte stream into fixed-size frames, carrying any
// remainder over to the next Push.
type Framer struct {
	sampleRate int
	frameBytes int
	pending    []byte
	emitted    int64 // samples emitted so far
}

// NewFramer creates a Framer for the given rate and frame duration.
func NewFramer(sampleRate int, frameDuration time.Duration) *Framer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	return &Framer{
		sampleRate: sampleRate,
		frameBytes: FrameBytes(sampleRate, frameDuration),
	}
}

// Push appends chunk and returns every complete frame now available.
func (f *Framer) Push(chunk []byte) []Frame {
	f.pending = append(f.pending, chunk...)
	var out []Frame
	for len(f.pending) >= f.frameBytes {
		pcm := make([]byte, f.frameBytes)
		copy(pcm, f.pending[:f.frameBytes])
		f.pending = f.pending[f.frameBytes:]

		out = append(out, Frame{
			PCM:        pcm,
			SampleRate: f.sampleRate,
			Offset:     time.Duration(f.emitted) * time.Second / time.Duration(f.sampleRate),
		})
		f.emitted += int64(f.frameBytes / BytesPerSample)
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
	return out
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (f *Framer) Pending() int {
	return len(f.pending)
}

// Concat joins the PCM of frames in order.
func Concat(frames []Frame) []byte {
	n := 0
	for _, fr := range frames {
		n += len(fr.PCM)
	}
	out := make([]byte, 0, n)
	for _, fr := range frames {
		out = append(out, fr.PCM...)
	}
	return out
}
