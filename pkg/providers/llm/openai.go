// Package llm holds Answerer implementations backed by chat-completion APIs.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

const (
	groqBaseURL = "https://api.groq.com/openai/v1/"

	// DefaultSystemPrompt keeps replies short enough to speak.
	DefaultSystemPrompt = "You are a helpful voice assistant. Answer in one or two short sentences of plain spoken English, without lists or markdown."
)

// Answerer answers one question per call through an OpenAI-compatible chat
// completion endpoint. No history is kept between calls.
type Answerer struct {
	client       oai.Client
	name         string
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64
}

type config struct {
	name         string
	baseURL      string
	systemPrompt string
	maxTokens    int
	temperature  float64
	timeout      time.Duration
	maxRetries   int
}

// Option is a functional option for Answerer.
type Option func(*config)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(c *config) {
		c.systemPrompt = prompt
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(c *config) {
		c.maxTokens = n
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *config) {
		c.temperature = t
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries failed requests.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithName sets the name reported by Name.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// NewOpenAI creates an Answerer for the OpenAI API. model defaults to
// gpt-4o-mini.
func NewOpenAI(apiKey string, model string, opts ...Option) (*Answerer, error) {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return newAnswerer(apiKey, model, append([]Option{WithName("openai-llm")}, opts...)...)
}

// NewGroq creates an Answerer for Groq's OpenAI-compatible API.
func NewGroq(apiKey string, model string, opts ...Option) (*Answerer, error) {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	base := []Option{WithName("groq-llm"), WithBaseURL(groqBaseURL)}
	return newAnswerer(apiKey, model, append(base, opts...)...)
}

func newAnswerer(apiKey, model string, opts ...Option) (*Answerer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: apiKey must not be empty")
	}

	cfg := &config{systemPrompt: DefaultSystemPrompt, maxRetries: -1}
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

	return &Answerer{
		client:       oai.NewClient(reqOpts...),
		name:         cfg.name,
		model:        model,
		systemPrompt: cfg.systemPrompt,
		maxTokens:    cfg.maxTokens,
		temperature:  cfg.temperature,
	}, nil
}

func (a *Answerer) Name() string {
	return a.name
}

// Answer returns the model's reply to question.
func (a *Answerer) Answer(ctx context.Context, question string) (string, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(question))
	if err != nil {
		return "", fmt.Errorf("%s: chat completion: %w", a.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: empty choices in response", a.name)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (a *Answerer) buildParams(question string) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion
	if a.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(a.systemPrompt))
	}
	messages = append(messages, oai.UserMessage(question))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(a.model),
		Messages: messages,
	}
	if a.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(a.maxTokens))
	}
	if a.temperature != 0 {
		params.Temperature = param.NewOpt(a.temperature)
	}
	return params
}
