// Package tts holds Synthesizer implementations.
package tts

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-turn/pkg/orchestrator"
)

// LokutorSampleRate is the rate of the raw PCM Lokutor streams back.
const LokutorSampleRate = 44100

// synthesisRequest is the JSON frame that starts one synthesis.
type synthesisRequest struct {
	Text    string  `json:"text"`
	Voice   string  `json:"voice"`
	Lang    string  `json:"lang"`
	Speed   float64 `json:"speed"`
	Steps   int     `json:"steps"`
	Visemes bool    `json:"visemes"`
}

// LokutorTTS synthesizes over one long-lived WebSocket. Binary messages are
// PCM chunks; the text message "EOS" ends a synthesis and "ERR:..." fails
// it. Calls are serialised on the connection.
type LokutorTTS struct {
	apiKey string
	host   string
	scheme string
	speed  float64
	steps  int

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewLokutorTTS creates a synthesizer for the hosted Lokutor API.
func NewLokutorTTS(apiKey string) *LokutorTTS {
	return &LokutorTTS{
		apiKey: apiKey,
		host:   "api.lokutor.com",
		scheme: "wss",
		speed:  1.0,
		steps:  6,
	}
}

// SetQuality sets the speaking speed and diffusion steps.
func (t *LokutorTTS) SetQuality(speed float64, steps int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if speed > 0 {
		t.speed = speed
	}
	if steps > 0 {
		t.steps = steps
	}
}

// connLocked returns the shared connection, dialling on first use. Caller
// must hold mu.
func (t *LokutorTTS) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}

	u := url.URL{Scheme: t.scheme, Host: t.host, Path: "/ws", RawQuery: "api_key=" + url.QueryEscape(t.apiKey)}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	t.conn = conn
	return conn, nil
}

// dropLocked discards a broken connection. Caller must hold mu.
func (t *LokutorTTS) dropLocked(reason string) {
	if t.conn != nil {
		t.conn.Close(websocket.StatusAbnormalClosure, reason)
		t.conn = nil
	}
}

// Synthesize returns the full PCM for text. Empty text yields no audio.
func (t *LokutorTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var pcm []byte
	err := t.StreamSynthesize(ctx, text, voice, lang, func(chunk []byte) error {
		pcm = append(pcm, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pcm, nil
}

// StreamSynthesize calls onChunk for every PCM chunk as it arrives.
func (t *LokutorTTS) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.connLocked(ctx)
	if err != nil {
		return err
	}

	req := synthesisRequest{
		Text:  text,
		Voice: string(voice),
		Lang:  string(lang),
		Speed: t.speed,
		Steps: t.steps,
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.dropLocked("failed to write json")
		return fmt.Errorf("failed to send synthesis request: %w", err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			// A cancelled read leaves the stream mid-synthesis; the
			// connection cannot be reused.
			t.dropLocked("failed to read")
			return fmt.Errorf("failed to read from lokutor: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload); err != nil {
				t.dropLocked("consumer aborted")
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if strings.HasPrefix(msg, "ERR:") {
				return fmt.Errorf("lokutor error: %s", strings.TrimSpace(strings.TrimPrefix(msg, "ERR:")))
			}
		}
	}
}

func (t *LokutorTTS) Name() string {
	return "lokutor"
}

// Close closes the connection.
func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}
