// Package stt holds Transcriber implementations.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/lokutor-ai/lokutor-turn/pkg/audio"
	"github.com/lokutor-ai/lokutor-turn/pkg/orchestrator"
)

const groqTranscriptionsURL = "https://api.groq.com/openai/v1/audio/transcriptions"

// WhisperHTTP posts WAV-wrapped PCM to an OpenAI-compatible
// /audio/transcriptions endpoint (Groq, a self-hosted whisper server).
type WhisperHTTP struct {
	name       string
	apiKey     string
	url        string
	model      string
	sampleRate int
	client     *http.Client
}

// NewGroqSTT returns a transcriber for Groq's hosted Whisper.
func NewGroqSTT(apiKey string, model string) *WhisperHTTP {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	w := NewWhisperHTTP(groqTranscriptionsURL, apiKey, model)
	w.name = "groq-stt"
	return w
}

// NewWhisperHTTP returns a transcriber for any OpenAI-compatible endpoint.
// apiKey may be empty for unauthenticated local servers.
func NewWhisperHTTP(url, apiKey, model string) *WhisperHTTP {
	return &WhisperHTTP{
		name:       "whisper-http",
		apiKey:     apiKey,
		url:        url,
		model:      model,
		sampleRate: audio.DefaultSampleRate,
		client:     http.DefaultClient,
	}
}

// SetSampleRate sets the rate of the PCM passed to Transcribe.
func (s *WhisperHTTP) SetSampleRate(rate int) {
	s.sampleRate = rate
}

// SetURL overrides the transcription endpoint, e.g. for a proxy in front
// of Groq.
func (s *WhisperHTTP) SetURL(url string) {
	s.url = url
}

func (s *WhisperHTTP) Name() string {
	return s.name
}

// Transcribe returns the recognised text. Empty input yields an empty
// transcript without a request.
func (s *WhisperHTTP) Transcribe(ctx context.Context, pcm []byte, lang orchestrator.Language) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	wavData, err := audio.NewWavBuffer(pcm, s.sampleRate)
	if err != nil {
		return "", fmt.Errorf("%s: encode wav: %w", s.name, err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", s.model); err != nil {
		return "", err
	}
	if lang != "" {
		if err := writer.WriteField("language", string(lang)); err != nil {
			return "", err
		}
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return "", err
	}

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(wavData); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("%s error (status %d): %v", s.name, resp.StatusCode, errResp)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", s.name, err)
	}
	return strings.TrimSpace(result.Text), nil
}
