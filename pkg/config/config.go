// Package config provides the YAML configuration schema, defaults,
// environment overrides and validation for the voice turn service.
package config

import (
	"time"

	"github.com/lokutor-ai/lokutor-turn/pkg/orchestrator"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Turn      TurnConfig      `yaml:"turn"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the WebSocket server (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat is "text" (default) or "json".
	LogFormat string `yaml:"log_format"`

	// AllowedOrigins are host patterns accepted for WebSocket upgrades.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AudioConfig describes the capture stream.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	FrameMs    int `yaml:"frame_ms"`

	// QueueFrames bounds the capture queue; the oldest frame is dropped
	// when it is full.
	QueueFrames int `yaml:"queue_frames"`

	// PlaybackSampleRate is the rate of raw PCM returned by the synthesizer.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`
}

// VADConfig holds the detector thresholds. Levels are normalised RMS in
// [0, 1].
type VADConfig struct {
	HighThreshold      float64 `yaml:"high_threshold"`
	LowThreshold       float64 `yaml:"low_threshold"`
	SilenceMs          int     `yaml:"silence_ms"`
	MinConfirmedFrames int     `yaml:"min_confirmed_frames"`
}

// TurnConfig holds turn-taking limits.
type TurnConfig struct {
	AutoMode       bool `yaml:"auto_mode"`
	MinUtteranceMs int  `yaml:"min_utterance_ms"`
	MaxUtteranceMs int  `yaml:"max_utterance_ms"`
	PreRollMs      int  `yaml:"pre_roll_ms"`
	GuardMs        int  `yaml:"guard_ms"`
	MaxPlaybackMs  int  `yaml:"max_playback_ms"`
}

// PipelineConfig holds per-stage deadlines and reply shaping.
type PipelineConfig struct {
	TranscribeTimeoutMs int    `yaml:"transcribe_timeout_ms"`
	AnswerTimeoutMs     int    `yaml:"answer_timeout_ms"`
	SynthesizeTimeoutMs int    `yaml:"synthesize_timeout_ms"`
	FallbackPrompt      string `yaml:"fallback_prompt"`
	MaxAnswerChars      int    `yaml:"max_answer_chars"`
	Language            string `yaml:"language"`
	Voice               string `yaml:"voice"`
}

// ProvidersConfig selects the collaborator for each stage.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the implementation (e.g. "groq", "openai", "lokutor").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`
}

// AgentConfig holds assistant persona settings.
type AgentConfig struct {
	// SystemPrompt is sent with every question. Empty uses the built-in
	// prompt for the configured language.
	SystemPrompt string `yaml:"system_prompt"`

	// Greeting is spoken once when the local agent starts.
	Greeting string `yaml:"greeting"`

	// ShowLevels prints a microphone level meter in the local agent.
	ShowLevels bool `yaml:"show_levels"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	oc := orchestrator.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
			LogFormat:  "text",
		},
		Audio: AudioConfig{
			SampleRate:         oc.SampleRate,
			FrameMs:            int(oc.FrameDuration / time.Millisecond),
			QueueFrames:        50,
			PlaybackSampleRate: 44100,
		},
		VAD: VADConfig{
			HighThreshold:      oc.HighThreshold,
			LowThreshold:       oc.LowThreshold,
			SilenceMs:          ms(oc.SilenceDuration),
			MinConfirmedFrames: oc.MinConfirmedFrames,
		},
		Turn: TurnConfig{
			AutoMode:       oc.AutoMode,
			MinUtteranceMs: ms(oc.MinUtterance),
			MaxUtteranceMs: ms(oc.MaxUtterance),
			PreRollMs:      ms(oc.PreRoll),
			GuardMs:        ms(oc.GuardInterval),
			MaxPlaybackMs:  ms(oc.MaxPlayback),
		},
		Pipeline: PipelineConfig{
			TranscribeTimeoutMs: ms(oc.TranscribeTimeout),
			AnswerTimeoutMs:     ms(oc.AnswerTimeout),
			SynthesizeTimeoutMs: ms(oc.SynthesizeTimeout),
			FallbackPrompt:      oc.FallbackPrompt,
			MaxAnswerChars:      oc.MaxAnswerChars,
			Language:            string(oc.Language),
			Voice:               string(oc.Voice),
		},
		Providers: ProvidersConfig{
			STT: ProviderEntry{Name: "groq"},
			LLM: ProviderEntry{Name: "groq"},
			TTS: ProviderEntry{Name: "lokutor"},
		},
	}
}

// Orchestrator maps the configuration onto the turn controller and
// pipeline settings.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		SampleRate:         c.Audio.SampleRate,
		FrameDuration:      dur(c.Audio.FrameMs),
		HighThreshold:      c.VAD.HighThreshold,
		LowThreshold:       c.VAD.LowThreshold,
		SilenceDuration:    dur(c.VAD.SilenceMs),
		MinConfirmedFrames: c.VAD.MinConfirmedFrames,
		AutoMode:           c.Turn.AutoMode,
		MinUtterance:       dur(c.Turn.MinUtteranceMs),
		MaxUtterance:       dur(c.Turn.MaxUtteranceMs),
		PreRoll:            dur(c.Turn.PreRollMs),
		GuardInterval:      dur(c.Turn.GuardMs),
		MaxPlayback:        dur(c.Turn.MaxPlaybackMs),
		TranscribeTimeout:  dur(c.Pipeline.TranscribeTimeoutMs),
		AnswerTimeout:      dur(c.Pipeline.AnswerTimeoutMs),
		SynthesizeTimeout:  dur(c.Pipeline.SynthesizeTimeoutMs),
		FallbackPrompt:     c.Pipeline.FallbackPrompt,
		MaxAnswerChars:     c.Pipeline.MaxAnswerChars,
		Language:           orchestrator.Language(c.Pipeline.Language),
		Voice:              orchestrator.Voice(c.Pipeline.Voice),
	}
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}

func dur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
