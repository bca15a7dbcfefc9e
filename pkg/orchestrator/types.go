package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// Transcriber converts one utterance of PCM to text. Short or silent input
// should come back as an empty string or an error marker rather than an
// error, so the fallback path can run.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, lang Language) (string, error)
	Name() string
}

// Answerer produces the reply text for one question. Calls are stateless.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
	Name() string
}

// Synthesizer turns reply text into playable audio. Empty audio means there
// is nothing to play.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error)
	Name() string
}

// Player plays assistant audio and returns once playback has finished.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// EventSink receives controller events for one session.
type EventSink interface {
	Send(ctx context.Context, ev Event) error
}

// TurnState is the position of a session in the conversation turn.
type TurnState string

const (
	StateIdle       TurnState = "idle"
	StateListening  TurnState = "listening"
	StateRecording  TurnState = "recording"
	StateProcessing TurnState = "processing"
	StateSpeaking   TurnState = "speaking"
)

func (s TurnState) String() string {
	return string(s)
}

type VADEventType string

const (
	VADSpeechStart VADEventType = "SPEECH_START"
	VADSpeechStop  VADEventType = "SPEECH_STOP"
)

// VADEvent marks a detected speech boundary. Timestamp is the stream offset
// of the frame that confirmed it.
type VADEvent struct {
	Type      VADEventType
	Timestamp time.Duration
	// Voiced is set on SpeechStop: the span from the first loud frame to the
	// start of the closing silence.
	Voiced time.Duration
}

type EventType string

const (
	StateChanged      EventType = "STATE_CHANGED"
	SpeechStarted     EventType = "SPEECH_STARTED"
	SpeechStopped     EventType = "SPEECH_STOPPED"
	UtteranceTooShort EventType = "UTTERANCE_TOO_SHORT"
	// ResultReady carries the PipelineResult of a successful turn.
	ResultReady EventType = "RESULT_READY"
	// PlaybackAudio carries the synthesized audio ([]byte) to play.
	PlaybackAudio EventType = "PLAYBACK_AUDIO"
	// ErrorEvent carries a *StageFailure.
	ErrorEvent EventType = "ERROR"
)

type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`

	// Set on PlaybackAudio: the turn the audio belongs to and a context
	// cancelled when that playback is abandoned or finished.
	gen     uint64
	playCtx context.Context
}

// PlaybackContext returns the context bounding a PlaybackAudio event's
// playback. It is never nil.
func (e Event) PlaybackContext() context.Context {
	if e.playCtx == nil {
		return context.Background()
	}
	return e.playCtx
}

type Voice string

const (
	VoiceF1 Voice = "F1"
	VoiceF2 Voice = "F2"
	VoiceF3 Voice = "F3"
	VoiceF4 Voice = "F4"
	VoiceF5 Voice = "F5"
	VoiceM1 Voice = "M1"
	VoiceM2 Voice = "M2"
	VoiceM3 Voice = "M3"
	VoiceM4 Voice = "M4"
	VoiceM5 Voice = "M5"
)

var validVoices = map[Voice]bool{
	VoiceF1: true, VoiceF2: true, VoiceF3: true, VoiceF4: true, VoiceF5: true,
	VoiceM1: true, VoiceM2: true, VoiceM3: true, VoiceM4: true, VoiceM5: true,
}

// ParseVoice validates a voice name (F1-F5 or M1-M5).
func ParseVoice(s string) (Voice, error) {
	v := Voice(s)
	if !validVoices[v] {
		return "", fmt.Errorf("invalid voice: %s (must be F1-F5 or M1-M5)", s)
	}
	return v, nil
}

type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
)

// Stage names one external call of the pipeline.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageAnswer     Stage = "answer"
	StageSynthesize Stage = "synthesize"
)

// StageTimings records how long each executed stage took.
type StageTimings struct {
	Transcribe time.Duration `json:"transcribe"`
	Answer     time.Duration `json:"answer"`
	Synthesize time.Duration `json:"synthesize"`
}

// Total is the sum of the stage timings.
func (t StageTimings) Total() time.Duration {
	return t.Transcribe + t.Answer + t.Synthesize
}

// PipelineResult is the outcome of one utterance. It is either a success
// (Failure == nil) or a failure naming the stage; it is never partially
// filled in.
type PipelineResult struct {
	Transcript string
	Answer     string
	Audio      []byte
	// Fallback is set when the transcript was empty or an error marker and
	// the answer came from the fallback prompt.
	Fallback bool
	Timings  StageTimings
	Failure  *StageFailure
}

// OK reports whether the pipeline succeeded.
func (r PipelineResult) OK() bool {
	return r.Failure == nil
}

type Config struct {
	SampleRate    int
	FrameDuration time.Duration

	// VAD
	HighThreshold      float64
	LowThreshold       float64
	SilenceDuration    time.Duration
	MinConfirmedFrames int

	// Turn control
	AutoMode      bool
	MinUtterance  time.Duration
	MaxUtterance  time.Duration
	PreRoll       time.Duration
	GuardInterval time.Duration
	// MaxPlayback ends Speaking if playback is never reported finished.
	MaxPlayback time.Duration

	// Pipeline
	TranscribeTimeout time.Duration
	AnswerTimeout     time.Duration
	SynthesizeTimeout time.Duration
	FallbackPrompt    string
	MaxAnswerChars    int
	Language          Language
	Voice             Voice
}

func DefaultConfig() Config {
	return Config{
		SampleRate:         16000,
		FrameDuration:      20 * time.Millisecond,
		HighThreshold:      0.02,
		LowThreshold:       0.01,
		SilenceDuration:    2 * time.Second,
		MinConfirmedFrames: 1,
		AutoMode:           true,
		MinUtterance:       300 * time.Millisecond,
		MaxUtterance:       10 * time.Second,
		PreRoll:            200 * time.Millisecond,
		GuardInterval:      500 * time.Millisecond,
		MaxPlayback:        60 * time.Second,
		TranscribeTimeout:  15 * time.Second,
		AnswerTimeout:      15 * time.Second,
		SynthesizeTimeout:  10 * time.Second,
		FallbackPrompt:     "The user's speech could not be understood. Politely ask them to repeat their question.",
		MaxAnswerChars:     150,
		Language:           LanguageEn,
		Voice:              VoiceF1,
	}
}
