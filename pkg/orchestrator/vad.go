package orchestrator

import (
	"time"

	"github.com/lokutor-ai/lokutor-turn/pkg/audio"
)

// VAD is a loudness-based voice activity detector with hysteresis.
// Speech starts above the high threshold; once speaking, dropping below the
// low threshold opens a silence timer that only emits SpeechStop if the
// level stays under the low threshold for the whole silence duration.
// Time is measured on the frame stream clock, not the wall clock.
type VAD struct {
	high         float64
	low          float64
	silenceLimit time.Duration
	minConfirmed int

	isSpeaking        bool
	silenceOpen       bool
	silenceStart      time.Duration
	speechStart       time.Duration
	consecutiveFrames int
	lastLevel         float64
}

// NewVAD creates a detector. low should be below high; a low above high is
// clamped to high, which leaves no hysteresis band. config.Validate rejects
// such settings before they get here.
func NewVAD(high, low float64, silenceLimit time.Duration) *VAD {
	if low > high {
		low = high
	}
	return &VAD{
		high:         high,
		low:          low,
		silenceLimit: silenceLimit,
		minConfirmed: 1,
	}
}

// SetMinConfirmed sets the number of consecutive loud frames needed to
// confirm speech start.
func (v *VAD) SetMinConfirmed(count int) {
	if count < 1 {
		count = 1
	}
	v.minConfirmed = count
}

// Thresholds returns the high and low thresholds.
func (v *VAD) Thresholds() (high, low float64) {
	return v.high, v.low
}

// LastLevel returns the loudness of the last processed frame.
func (v *VAD) LastLevel() float64 {
	return v.lastLevel
}

// IsSpeaking returns true while speech is believed to be in progress.
func (v *VAD) IsSpeaking() bool {
	return v.isSpeaking
}

// Process estimates the loudness of frame and feeds it to the detector.
func (v *VAD) Process(frame audio.Frame) (*VADEvent, error) {
	level, err := audio.RMS(frame)
	if err != nil {
		return nil, err
	}
	return v.ProcessLevel(level, frame.Offset), nil
}

// ProcessLevel advances the detector by one loudness sample taken at stream
// offset at. It returns nil when no boundary was crossed.
func (v *VAD) ProcessLevel(level float64, at time.Duration) *VADEvent {
	v.lastLevel = level

	if !v.isSpeaking {
		if level > v.high {
			if v.consecutiveFrames == 0 {
				v.speechStart = at
			}
			v.consecutiveFrames++
			if v.consecutiveFrames >= v.minConfirmed {
				v.isSpeaking = true
				v.consecutiveFrames = 0
				v.silenceOpen = false
				return &VADEvent{Type: VADSpeechStart, Timestamp: at}
			}
			return nil
		}
		v.consecutiveFrames = 0
		return nil
	}

	if level >= v.low {
		// Back above the low threshold: a pause, not the end of speech.
		v.silenceOpen = false
		return nil
	}

	if !v.silenceOpen {
		v.silenceOpen = true
		v.silenceStart = at
	}
	if at-v.silenceStart >= v.silenceLimit {
		v.isSpeaking = false
		v.silenceOpen = false
		return &VADEvent{Type: VADSpeechStop, Timestamp: at, Voiced: v.silenceStart - v.speechStart}
	}
	return nil
}

func (v *VAD) Name() string {
	return "rms_hysteresis_vad"
}

func (v *VAD) Reset() {
	v.isSpeaking = false
	v.silenceOpen = false
	v.silenceStart = 0
	v.speechStart = 0
	v.consecutiveFrames = 0
}

// Clone returns a detector with the same settings and fresh state.
func (v *VAD) Clone() *VAD {
	return &VAD{
		high:         v.high,
		low:          v.low,
		silenceLimit: v.silenceLimit,
		minConfirmed: v.minConfirmed,
	}
}
