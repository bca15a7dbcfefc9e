package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-turn/pkg/orchestrator"
)

type fakeRunner struct {
	calls atomic.Int32
	fail  bool

	mu   sync.Mutex
	last orchestrator.Utterance
}

func (f *fakeRunner) Run(ctx context.Context, u orchestrator.Utterance) orchestrator.PipelineResult {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = u
	f.mu.Unlock()
	if f.fail {
		return orchestrator.PipelineResult{Failure: &orchestrator.StageFailure{
			Stage:   orchestrator.StageAnswer,
			Reason:  "timeout",
			Elapsed: 15 * time.Second,
		}}
	}
	return orchestrator.PipelineResult{
		Transcript: "what time is it",
		Answer:     "It is noon.",
		Audio:      []byte{1, 2, 3, 4},
		Timings: orchestrator.StageTimings{
			Transcribe: 10 * time.Millisecond,
			Answer:     20 * time.Millisecond,
			Synthesize: 30 * time.Millisecond,
		},
	}
}

func (f *fakeRunner) GetProviders() map[string]string {
	return map[string]string{"stt": "fake-stt", "llm": "fake-llm", "tts": ""}
}

func testConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.SilenceDuration = 60 * time.Millisecond
	cfg.MinUtterance = 100 * time.Millisecond
	cfg.PreRoll = 0
	cfg.GuardInterval = 20 * time.Millisecond
	cfg.MaxPlayback = 0
	return cfg
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{}
	s := NewServer(runner, testConfig(), WithPlaybackSampleRate(44100))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, runner
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readUntil reads server messages until one of the given type (and value,
// if non-empty) arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ, value string) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		var msg map[string]interface{}
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("waiting for %s %s: %v", typ, value, err)
		}
		if msg["type"] != typ {
			continue
		}
		if value != "" && msg["value"] != value {
			continue
		}
		return msg
	}
}

func pcmFrame(loud bool) []byte {
	b := make([]byte, 640)
	if loud {
		for i := 0; i < len(b); i += 2 {
			b[i+1] = 0x20
		}
	}
	return b
}

func sendFrames(t *testing.T, conn *websocket.Conn, loud, quiet int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < loud+quiet; i++ {
		if err := conn.Write(ctx, websocket.MessageBinary, pcmFrame(i < loud)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
}

func TestServerFullTurn(t *testing.T) {
	_, ts, runner := newTestServer(t)
	conn := dial(t, ts)

	readUntil(t, conn, "state", "listening")
	sendFrames(t, conn, 10, 5)

	readUntil(t, conn, "speech", "start")
	readUntil(t, conn, "speech", "stop")

	res := readUntil(t, conn, "result", "")
	if res["transcript"] != "what time is it" || res["answer"] != "It is noon." {
		t.Errorf("Unexpected result: %v", res)
	}
	if res["audio"] != "AQIDBA==" {
		t.Errorf("Expected base64 audio, got %v", res["audio"])
	}
	if res["sample_rate"] != float64(44100) {
		t.Errorf("Expected sample_rate 44100, got %v", res["sample_rate"])
	}
	if res["total_ms"] != float64(60) {
		t.Errorf("Expected total_ms 60, got %v", res["total_ms"])
	}
	if res["fallback"] != false {
		t.Errorf("Expected fallback false, got %v", res["fallback"])
	}

	readUntil(t, conn, "state", "speaking")
	if err := wsjson.Write(context.Background(), conn, ClientMessage{Type: MsgPlaybackDone}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readUntil(t, conn, "state", "listening")

	if runner.calls.Load() != 1 {
		t.Errorf("Expected 1 pipeline run, got %d", runner.calls.Load())
	}
}

func TestServerAudioChunkMessage(t *testing.T) {
	_, ts, runner := newTestServer(t)
	conn := dial(t, ts)
	readUntil(t, conn, "state", "listening")

	ctx := context.Background()
	for i := 0; i < 15; i++ {
		msg := ClientMessage{Type: MsgAudioChunk, Payload: encodeB64(pcmFrame(i < 10))}
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	readUntil(t, conn, "result", "")
	if runner.calls.Load() != 1 {
		t.Errorf("Expected 1 pipeline run, got %d", runner.calls.Load())
	}
}

func TestServerControlMessages(t *testing.T) {
	_, ts, _ := newTestServer(t)
	conn := dial(t, ts)
	ctx := context.Background()
	readUntil(t, conn, "state", "listening")

	send := func(action string) {
		if err := wsjson.Write(ctx, conn, ClientMessage{Type: MsgControl, Action: action}); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	send(ActionDisableAuto)
	readUntil(t, conn, "state", "idle")

	send(ActionStart)
	readUntil(t, conn, "state", "recording")

	send("rewind")
	errMsg := readUntil(t, conn, "error", "")
	if errMsg["stage"] != "control" || !strings.Contains(errMsg["reason"].(string), "rewind") {
		t.Errorf("Unexpected error message: %v", errMsg)
	}
}

func TestServerRejectsUnknownMessage(t *testing.T) {
	_, ts, _ := newTestServer(t)
	conn := dial(t, ts)
	readUntil(t, conn, "state", "listening")

	if err := conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	errMsg := readUntil(t, conn, "error", "")
	if !strings.Contains(errMsg["reason"].(string), "dance") {
		t.Errorf("Unexpected error message: %v", errMsg)
	}
}

func TestServerStatus(t *testing.T) {
	s, ts, _ := newTestServer(t)
	conn := dial(t, ts)
	readUntil(t, conn, "state", "listening")

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if status.ActiveSessions != 1 {
		t.Errorf("Expected 1 active session, got %d", status.ActiveSessions)
	}
	if status.Providers["stt"] != "fake-stt" {
		t.Errorf("Unexpected providers: %v", status.Providers)
	}
	if !status.Configured["llm"] || status.Configured["tts"] {
		t.Errorf("Unexpected configured flags: %v", status.Configured)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(2 * time.Second)
	for s.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not unregistered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStatusMethodNotAllowed(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestServerCloseAll(t *testing.T) {
	s, ts, _ := newTestServer(t)
	conn := dial(t, ts)
	readUntil(t, conn, "state", "listening")

	s.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
	if ctx.Err() != nil {
		t.Fatal("connection stayed open after CloseAll")
	}
}

func getStatus(t *testing.T, ts *httptest.Server) Status {
	t.Helper()
	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return status
}

func TestServerStatusReportsLastTurnTimings(t *testing.T) {
	_, ts, _ := newTestServer(t)

	if pm := getStatus(t, ts).PerformanceMetrics; pm.TotalMs != 0 {
		t.Errorf("Expected zero timings before any turn, got %+v", pm)
	}

	conn := dial(t, ts)
	readUntil(t, conn, "state", "listening")
	sendFrames(t, conn, 10, 5)
	readUntil(t, conn, "result", "")

	pm := getStatus(t, ts).PerformanceMetrics
	if pm.TranscribeMs != 10 || pm.AnswerMs != 20 || pm.SynthesizeMs != 30 || pm.TotalMs != 60 {
		t.Errorf("Unexpected performance metrics: %+v", pm)
	}
}

func TestServerTestAudio(t *testing.T) {
	_, ts, runner := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/test-audio", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var res ResultMessage
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if res.Type != "result" || res.Answer != "It is noon." || res.SampleRate != 44100 {
		t.Errorf("Unexpected result: %+v", res)
	}

	runner.mu.Lock()
	u := runner.last
	runner.mu.Unlock()
	if u.Duration != time.Second || len(u.Frames) != 50 {
		t.Errorf("Expected one second of 20ms frames, got %v in %d frames", u.Duration, len(u.Frames))
	}
	for _, b := range u.PCM() {
		if b != 0 {
			t.Fatal("Expected silent audio")
		}
	}

	if pm := getStatus(t, ts).PerformanceMetrics; pm.TotalMs != 60 {
		t.Errorf("Expected test run timings in status, got %+v", pm)
	}
}

func TestServerTestAudioFailure(t *testing.T) {
	runner := &fakeRunner{fail: true}
	ts := httptest.NewServer(NewServer(runner, testConfig()).Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/test-audio", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", resp.StatusCode)
	}

	var msg ErrorMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Type != "error" || msg.Stage != "answer" || msg.Reason != "timeout" || msg.ElapsedMs != 15000 {
		t.Errorf("Unexpected error message: %+v", msg)
	}
}

func TestServerTestAudioMethodNotAllowed(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/test-audio")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}
