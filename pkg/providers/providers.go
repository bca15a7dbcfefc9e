// Package providers builds the configured Transcriber, Answerer and
// Synthesizer and wires them into a Pipeline.
package providers

import (
	"fmt"
	"io"

	"github.com/lokutor-ai/lokutor-turn/pkg/config"
	"github.com/lokutor-ai/lokutor-turn/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-turn/pkg/providers/llm"
	"github.com/lokutor-ai/lokutor-turn/pkg/providers/stt"
	"github.com/lokutor-ai/lokutor-turn/pkg/providers/tts"
)

// SystemPrompts are the built-in prompts per language, used when the
// configuration does not set one.
var SystemPrompts = map[orchestrator.Language]string{
	orchestrator.LanguageEn: llm.DefaultSystemPrompt,
	orchestrator.LanguageEs: "Eres un asistente de voz útil y conciso. Responde en una o dos frases cortas, sin listas ni formato.",
	orchestrator.LanguageFr: "Tu es un assistant vocal utile et concis. Réponds en une ou deux phrases courtes, sans listes ni mise en forme.",
	orchestrator.LanguageDe: "Du bist ein hilfreicher, knapper Sprachassistent. Antworte in ein oder zwei kurzen Sätzen, ohne Listen oder Formatierung.",
}

// Set holds the built collaborators.
type Set struct {
	Transcriber orchestrator.Transcriber
	Answerer    orchestrator.Answerer
	Synthesizer orchestrator.Synthesizer

	closers []io.Closer
}

// Close releases provider connections.
func (s *Set) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build constructs the providers selected in cfg.
func Build(cfg *config.Config) (*Set, error) {
	set := &Set{}

	t, err := buildTranscriber(cfg)
	if err != nil {
		return nil, err
	}
	set.Transcriber = t

	a, err := buildAnswerer(cfg)
	if err != nil {
		return nil, err
	}
	set.Answerer = a

	switch cfg.Providers.TTS.Name {
	case "lokutor":
		lk := tts.NewLokutorTTS(cfg.Providers.TTS.APIKey)
		set.Synthesizer = lk
		set.closers = append(set.closers, lk)
	default:
		return nil, fmt.Errorf("providers: unknown tts provider %q", cfg.Providers.TTS.Name)
	}
	return set, nil
}

// NewPipeline builds the providers and the pipeline around them.
func NewPipeline(cfg *config.Config, logger orchestrator.Logger) (*orchestrator.Pipeline, *Set, error) {
	set, err := Build(cfg)
	if err != nil {
		return nil, nil, err
	}
	p, err := orchestrator.NewPipelineWithLogger(set.Transcriber, set.Answerer, set.Synthesizer, cfg.Orchestrator(), logger)
	if err != nil {
		set.Close()
		return nil, nil, err
	}
	return p, set, nil
}

func buildTranscriber(cfg *config.Config) (orchestrator.Transcriber, error) {
	e := cfg.Providers.STT
	var t interface {
		orchestrator.Transcriber
		SetSampleRate(int)
	}

	switch e.Name {
	case "groq":
		g := stt.NewGroqSTT(e.APIKey, e.Model)
		if e.BaseURL != "" {
			g.SetURL(e.BaseURL)
		}
		t = g
	case "whisper":
		t = stt.NewWhisperHTTP(e.BaseURL, e.APIKey, e.Model)
	case "openai":
		var opts []stt.OpenAIOption
		if e.BaseURL != "" {
			opts = append(opts, stt.WithBaseURL(e.BaseURL))
		}
		o, err := stt.NewOpenAISTT(e.APIKey, e.Model, opts...)
		if err != nil {
			return nil, err
		}
		t = o
	default:
		return nil, fmt.Errorf("providers: unknown stt provider %q", e.Name)
	}

	t.SetSampleRate(cfg.Audio.SampleRate)
	return t, nil
}

func buildAnswerer(cfg *config.Config) (orchestrator.Answerer, error) {
	e := cfg.Providers.LLM

	prompt := cfg.Agent.SystemPrompt
	if prompt == "" {
		prompt = SystemPrompts[orchestrator.Language(cfg.Pipeline.Language)]
	}
	if prompt == "" {
		prompt = llm.DefaultSystemPrompt
	}

	opts := []llm.Option{llm.WithSystemPrompt(prompt)}
	if e.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(e.BaseURL))
	}

	switch e.Name {
	case "groq":
		return llm.NewGroq(e.APIKey, e.Model, opts...)
	case "openai":
		return llm.NewOpenAI(e.APIKey, e.Model, opts...)
	default:
		return nil, fmt.Errorf("providers: unknown llm provider %q", e.Name)
	}
}
