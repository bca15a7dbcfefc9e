package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lokutor-ai/lokutor-turn/pkg/orchestrator"
)

// ValidProviderNames lists known provider names per provider kind.
var ValidProviderNames = map[string][]string{
	"stt": {"groq", "openai", "whisper"},
	"llm": {"groq", "openai"},
	"tts": {"lokutor"},
}

// Load reads the YAML configuration file at path over the defaults and
// returns a validated Config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. Unknown keys are rejected. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads KEY=value pairs from the given .env files (".env" when none
// are given) into the process environment. Missing files are not an error.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Debug("no env file found, using system environment", "path", p)
				continue
			}
			return fmt.Errorf("config: load env %q: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables on cfg. getenv is usually
// os.Getenv. Provider selections are applied before keys so that a key
// lands on the provider that will use it.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&cfg.Providers.STT.Name, "STT_PROVIDER")
	set(&cfg.Providers.LLM.Name, "LLM_PROVIDER")
	set(&cfg.Providers.TTS.Name, "TTS_PROVIDER")
	set(&cfg.Pipeline.Language, "AGENT_LANGUAGE")
	set(&cfg.Pipeline.Voice, "AGENT_VOICE")
	set(&cfg.Server.ListenAddr, "LISTEN_ADDR")

	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if cfg.Providers.STT.Name == "groq" {
		set(&cfg.Providers.STT.Model, "GROQ_STT_MODEL")
	}

	keys := map[string]string{
		"groq":    getenv("GROQ_API_KEY"),
		"openai":  getenv("OPENAI_API_KEY"),
		"whisper": getenv("WHISPER_API_KEY"),
		"lokutor": getenv("LOKUTOR_API_KEY"),
	}
	for _, e := range []*ProviderEntry{&cfg.Providers.STT, &cfg.Providers.LLM, &cfg.Providers.TTS} {
		if e.APIKey == "" {
			e.APIKey = strings.TrimSpace(keys[e.Name])
		}
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if f := cfg.Server.LogFormat; f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", f))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms must be positive, got %d", cfg.Audio.FrameMs))
	}
	if cfg.Audio.PlaybackSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback_sample_rate must be positive, got %d", cfg.Audio.PlaybackSampleRate))
	}

	if cfg.VAD.HighThreshold <= 0 || cfg.VAD.HighThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.high_threshold must be in (0, 1], got %g", cfg.VAD.HighThreshold))
	}
	if cfg.VAD.LowThreshold <= 0 || cfg.VAD.LowThreshold >= cfg.VAD.HighThreshold {
		errs = append(errs, fmt.Errorf("vad.low_threshold must be positive and below high_threshold, got %g", cfg.VAD.LowThreshold))
	}
	if cfg.VAD.SilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence_ms must be positive, got %d", cfg.VAD.SilenceMs))
	}

	if cfg.Turn.MinUtteranceMs < 0 {
		errs = append(errs, fmt.Errorf("turn.min_utterance_ms must not be negative, got %d", cfg.Turn.MinUtteranceMs))
	}
	if cfg.Turn.MaxUtteranceMs != 0 && cfg.Turn.MaxUtteranceMs <= cfg.Turn.MinUtteranceMs {
		errs = append(errs, fmt.Errorf("turn.max_utterance_ms (%d) must exceed min_utterance_ms (%d)", cfg.Turn.MaxUtteranceMs, cfg.Turn.MinUtteranceMs))
	}
	if cfg.Turn.GuardMs < 0 || cfg.Turn.PreRollMs < 0 || cfg.Turn.MaxPlaybackMs < 0 {
		errs = append(errs, errors.New("turn durations must not be negative"))
	}

	for name, v := range map[string]int{
		"transcribe_timeout_ms": cfg.Pipeline.TranscribeTimeoutMs,
		"answer_timeout_ms":     cfg.Pipeline.AnswerTimeoutMs,
		"synthesize_timeout_ms": cfg.Pipeline.SynthesizeTimeoutMs,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must be positive, got %d", name, v))
		}
	}
	if strings.TrimSpace(cfg.Pipeline.FallbackPrompt) == "" {
		errs = append(errs, errors.New("pipeline.fallback_prompt must not be empty"))
	}
	if cfg.Pipeline.Language == "" {
		errs = append(errs, errors.New("pipeline.language must not be empty"))
	}
	if _, err := orchestrator.ParseVoice(cfg.Pipeline.Voice); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.voice: %w", err))
	}

	errs = append(errs, validateProviderName("stt", cfg.Providers.STT.Name))
	errs = append(errs, validateProviderName("llm", cfg.Providers.LLM.Name))
	errs = append(errs, validateProviderName("tts", cfg.Providers.TTS.Name))
	if cfg.Providers.STT.Name == "whisper" && cfg.Providers.STT.BaseURL == "" {
		errs = append(errs, errors.New("providers.stt.base_url is required for the whisper provider"))
	}

	return errors.Join(errs...)
}

// RequireKeys reports providers that need an API key but have none.
// Validate does not check keys because they usually arrive through the
// environment after the file is loaded.
func RequireKeys(cfg *Config) error {
	var errs []error
	for kind, e := range map[string]ProviderEntry{
		"stt": cfg.Providers.STT,
		"llm": cfg.Providers.LLM,
		"tts": cfg.Providers.TTS,
	} {
		if e.APIKey == "" && e.Name != "whisper" {
			errs = append(errs, fmt.Errorf("providers.%s: %s needs an API key (set %s_API_KEY)", kind, e.Name, strings.ToUpper(e.Name)))
		}
	}
	return errors.Join(errs...)
}

func validateProviderName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("providers.%s.name must be set", kind)
	}
	if !slices.Contains(ValidProviderNames[kind], name) {
		return fmt.Errorf("providers.%s.name %q is unknown; valid values: %s", kind, name, strings.Join(ValidProviderNames[kind], ", "))
	}
	return nil
}
