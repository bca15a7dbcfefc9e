package orchestrator

import (
	"time"

	"github.com/lokutor-ai/lokutor-turn/pkg/audio"
)

// Utterance is one sealed span of user speech. Once handed to the pipeline
// nothing else holds a reference to its frames.
type Utterance struct {
	Frames     []audio.Frame
	SampleRate int
	Duration   time.Duration
}

// PCM returns the utterance audio as one contiguous buffer.
func (u Utterance) PCM() []byte {
	return audio.Concat(u.Frames)
}

// UtteranceBuffer accumulates the frames of the utterance being recorded.
// It is append-only while open and sealed exactly once; frames offered while
// closed are dropped. While closed it can keep a bounded pre-roll of recent
// frames that is prepended when the next utterance opens.
//
// Not safe for concurrent use; the TurnController serialises access.
type UtteranceBuffer struct {
	frames   []audio.Frame
	duration time.Duration
	open     bool

	preRoll         []audio.Frame
	preRollDuration time.Duration
	preRollLimit    time.Duration
}

// NewUtteranceBuffer creates a closed buffer keeping up to preRoll of
// lead-in audio.
func NewUtteranceBuffer(preRoll time.Duration) *UtteranceBuffer {
	return &UtteranceBuffer{preRollLimit: preRoll}
}

// Open starts a new utterance seeded with the current pre-roll.
func (b *UtteranceBuffer) Open() {
	b.frames = b.preRoll
	b.duration = b.preRollDuration
	b.preRoll = nil
	b.preRollDuration = 0
	b.open = true
}

// IsOpen reports whether an utterance is being recorded.
func (b *UtteranceBuffer) IsOpen() bool {
	return b.open
}

// Append adds a frame to the open utterance. It returns false, dropping the
// frame, when the buffer is not open.
func (b *UtteranceBuffer) Append(f audio.Frame) bool {
	if !b.open {
		return false
	}
	b.frames = append(b.frames, f)
	b.duration += f.Duration()
	return true
}

// Remember offers a frame to the pre-roll ring while no utterance is open.
func (b *UtteranceBuffer) Remember(f audio.Frame) {
	if b.open || b.preRollLimit <= 0 {
		return
	}
	b.preRoll = append(b.preRoll, f)
	b.preRollDuration += f.Duration()
	for len(b.preRoll) > 0 && b.preRollDuration > b.preRollLimit {
		b.preRollDuration -= b.preRoll[0].Duration()
		b.preRoll = b.preRoll[1:]
	}
}

// Duration returns the buffered duration of the open utterance.
func (b *UtteranceBuffer) Duration() time.Duration {
	return b.duration
}

// Seal closes the utterance and returns it. The buffer keeps no reference
// to the returned frames.
func (b *UtteranceBuffer) Seal(sampleRate int) Utterance {
	u := Utterance{
		Frames:     b.frames,
		SampleRate: sampleRate,
		Duration:   b.duration,
	}
	b.frames = nil
	b.duration = 0
	b.open = false
	return u
}

// Discard drops the open utterance and any pre-roll.
func (b *UtteranceBuffer) Discard() {
	b.frames = nil
	b.duration = 0
	b.open = false
	b.preRoll = nil
	b.preRollDuration = 0
}
