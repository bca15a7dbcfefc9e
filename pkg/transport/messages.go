package transport

import (
	"encoding/base64"
	"errors"

	"github.com/lokutor-ai/lokutor-turn/pkg/orchestrator"
)

// Client message types.
const (
	MsgAudioChunk   = "audio_chunk"
	MsgControl      = "control"
	MsgPlaybackDone = "playback_done"
)

// Control actions.
const (
	ActionEnableAuto  = "enable_auto"
	ActionDisableAuto = "disable_auto"
	ActionStart       = "start"
	ActionStop        = "stop"
)

// ClientMessage is any JSON text frame sent by the client. Binary frames
// carry raw PCM and need no envelope.
type ClientMessage struct {
	Type string `json:"type"`
	// Payload is base64 PCM for audio_chunk.
	Payload string `json:"payload,omitempty"`
	// Action is set for control messages.
	Action string `json:"action,omitempty"`
}

// StateMessage reports a turn state change.
type StateMessage struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// SpeechMessage reports a detected speech boundary.
type SpeechMessage struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	AtMs  int64  `json:"at_ms"`
}

// TimingsMessage carries per-stage latency in milliseconds.
type TimingsMessage struct {
	TranscribeMs int64 `json:"transcribe_ms"`
	AnswerMs     int64 `json:"answer_ms"`
	SynthesizeMs int64 `json:"synthesize_ms"`
}

// ResultMessage carries a successful turn. Audio is base64 mono 16-bit PCM
// at SampleRate.
type ResultMessage struct {
	Type       string         `json:"type"`
	Transcript string         `json:"transcript"`
	Answer     string         `json:"answer"`
	Audio      string         `json:"audio,omitempty"`
	SampleRate int            `json:"sample_rate,omitempty"`
	Timings    TimingsMessage `json:"timings"`
	TotalMs    int64          `json:"total_ms"`
	Fallback   bool           `json:"fallback"`
}

// ErrorMessage reports a failed turn or a rejected client message.
type ErrorMessage struct {
	Type      string `json:"type"`
	Stage     string `json:"stage"`
	Reason    string `json:"reason"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// TooShortMessage reports a discarded utterance.
type TooShortMessage struct {
	Type       string `json:"type"`
	DurationMs int64  `json:"duration_ms"`
}

var errSkip = errors.New("event not sent to client")

func timingsMessage(t orchestrator.StageTimings) TimingsMessage {
	return TimingsMessage{
		TranscribeMs: t.Transcribe.Milliseconds(),
		AnswerMs:     t.Answer.Milliseconds(),
		SynthesizeMs: t.Synthesize.Milliseconds(),
	}
}

// resultMessage encodes a successful pipeline result. sampleRate is the
// rate of the synthesized audio.
func resultMessage(res orchestrator.PipelineResult, sampleRate int) ResultMessage {
	msg := ResultMessage{
		Type:       "result",
		Transcript: res.Transcript,
		Answer:     res.Answer,
		Timings:    timingsMessage(res.Timings),
		TotalMs:    res.Timings.Total().Milliseconds(),
		Fallback:   res.Fallback,
	}
	if len(res.Audio) > 0 {
		msg.Audio = base64.StdEncoding.EncodeToString(res.Audio)
		msg.SampleRate = sampleRate
	}
	return msg
}

func errorMessage(f *orchestrator.StageFailure) ErrorMessage {
	return ErrorMessage{
		Type:      "error",
		Stage:     string(f.Stage),
		Reason:    f.Reason,
		ElapsedMs: f.Elapsed.Milliseconds(),
	}
}

// encodeEvent maps a controller event to its wire message. PlaybackAudio
// is not sent: the audio already travelled in the result.
func encodeEvent(ev orchestrator.Event, sampleRate int) (interface{}, error) {
	switch ev.Type {
	case orchestrator.StateChanged:
		s, _ := ev.Data.(orchestrator.TurnState)
		return StateMessage{Type: "state", Value: s.String()}, nil

	case orchestrator.SpeechStarted, orchestrator.SpeechStopped:
		value := "start"
		if ev.Type == orchestrator.SpeechStopped {
			value = "stop"
		}
		msg := SpeechMessage{Type: "speech", Value: value}
		if v, ok := ev.Data.(*orchestrator.VADEvent); ok && v != nil {
			msg.AtMs = v.Timestamp.Milliseconds()
		}
		return msg, nil

	case orchestrator.ResultReady:
		res, ok := ev.Data.(orchestrator.PipelineResult)
		if !ok {
			return nil, errSkip
		}
		return resultMessage(res, sampleRate), nil

	case orchestrator.ErrorEvent:
		f, ok := ev.Data.(*orchestrator.StageFailure)
		if !ok || f == nil {
			return nil, errSkip
		}
		return errorMessage(f), nil

	case orchestrator.UtteranceTooShort:
		msg := TooShortMessage{Type: "too_short"}
		if d, ok := ev.Data.(interface{ Milliseconds() int64 }); ok {
			msg.DurationMs = d.Milliseconds()
		}
		return msg, nil
	}
	return nil, errSkip
}
