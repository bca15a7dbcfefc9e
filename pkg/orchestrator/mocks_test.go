package orchestrator

import (
	"context"
	"sync"
	"time"
)

type MockTranscriber struct {
	mu     sync.Mutex
	result string
	err    error
	delay  time.Duration
	calls  int
}

func (m *MockTranscriber) Transcribe(ctx context.Context, pcm []byte, lang Language) (string, error) {
	m.mu.Lock()
	m.calls++
	delay, result, err := m.delay, m.result, m.err
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return result, err
}

func (m *MockTranscriber) Name() string { return "MockSTT" }

func (m *MockTranscriber) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type MockAnswerer struct {
	mu        sync.Mutex
	result    string
	err       error
	delay     time.Duration
	questions []string
}

func (m *MockAnswerer) Answer(ctx context.Context, question string) (string, error) {
	m.mu.Lock()
	m.questions = append(m.questions, question)
	delay, result, err := m.delay, m.result, m.err
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return result, err
}

func (m *MockAnswerer) Name() string { return "MockLLM" }

func (m *MockAnswerer) Questions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.questions...)
}

type MockSynthesizer struct {
	mu     sync.Mutex
	result []byte
	err    error
	delay  time.Duration
	texts  []string
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error) {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	delay, result, err := m.delay, m.result, m.err
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return result, err
}

func (m *MockSynthesizer) Name() string { return "MockTTS" }

func (m *MockSynthesizer) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

// hangingTranscriber ignores its context entirely.
type hangingTranscriber struct {
	release chan struct{}
}

func (h *hangingTranscriber) Transcribe(ctx context.Context, pcm []byte, lang Language) (string, error) {
	<-h.release
	return "too late", nil
}

func (h *hangingTranscriber) Name() string { return "Hanging" }
