package stt

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lokutor-ai/lokutor-turn/pkg/audio"
	"github.com/lokutor-ai/lokutor-turn/pkg/orchestrator"
)

// OpenAISTT transcribes through the OpenAI Audio API.
type OpenAISTT struct {
	client     oai.Client
	model      string
	sampleRate int
}

type openAIConfig struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
}

// OpenAIOption configures OpenAISTT.
type OpenAIOption func(*openAIConfig)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openAIConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries failed requests.
func WithMaxRetries(n int) OpenAIOption {
	return func(c *openAIConfig) {
		c.maxRetries = n
	}
}

// NewOpenAISTT creates a transcriber. model defaults to whisper-1.
func NewOpenAISTT(apiKey string, model string, opts ...OpenAIOption) (*OpenAISTT, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = "whisper-1"
	}

	cfg := &openAIConfig{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &OpenAISTT{
		client:     oai.NewClient(reqOpts...),
		model:      model,
		sampleRate: audio.DefaultSampleRate,
	}, nil
}

// SetSampleRate sets the rate of the PCM passed to Transcribe.
func (s *OpenAISTT) SetSampleRate(rate int) {
	s.sampleRate = rate
}

func (s *OpenAISTT) Name() string {
	return "openai_stt"
}

func (s *OpenAISTT) Transcribe(ctx context.Context, pcm []byte, lang orchestrator.Language) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	wavData, err := audio.NewWavBuffer(pcm, s.sampleRate)
	if err != nil {
		return "", fmt.Errorf("openai stt: encode wav: %w", err)
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wavData), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(s.model),
	}
	if lang != "" {
		params.Language = oai.String(string(lang))
	}

	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
