package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-turn/pkg/audio"
)

func testControllerConfig() Config {
	cfg := DefaultConfig()
	cfg.SilenceDuration = 60 * time.Millisecond
	cfg.MinUtterance = 200 * time.Millisecond
	cfg.GuardInterval = 50 * time.Millisecond
	cfg.PreRoll = 0
	cfg.MaxPlayback = 0
	return cfg
}

// stream produces consecutive 20ms frames on one clock.
type stream struct {
	n int
}

func (s *stream) next(loud bool) audio.Frame {
	pcm := make([]byte, 640)
	if loud {
		for i := 0; i < len(pcm); i += 2 {
			pcm[i+1] = 0x20 // 0x2000, a quarter of full scale
		}
	}
	f := audio.Frame{PCM: pcm, SampleRate: 16000, Offset: time.Duration(s.n) * 20 * time.Millisecond}
	s.n++
	return f
}

func (s *stream) feed(t *testing.T, c *TurnController, loud bool, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		if err := c.Write(s.next(loud)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
}

// eventRecorder drains a controller's events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func record(c *TurnController) *eventRecorder {
	r := &eventRecorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range c.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) first(t EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == t {
			return ev, true
		}
	}
	return Event{}, false
}

// waitEvent waits until the recorder has seen an event of type typ.
func (r *eventRecorder) waitEvent(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := r.first(typ); ok {
			return ev
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", typ)
	return Event{}
}

func waitForState(t *testing.T, c *TurnController, want TurnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, state is %s", want, c.State())
}

// blockingRunner holds every run until released.
type blockingRunner struct {
	release chan struct{}
	result  PipelineResult

	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
}

func newBlockingRunner(result PipelineResult) *blockingRunner {
	return &blockingRunner{release: make(chan struct{}), result: result}
}

func (b *blockingRunner) Run(ctx context.Context, u Utterance) PipelineResult {
	b.mu.Lock()
	b.calls++
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	select {
	case <-b.release:
		return b.result
	case <-ctx.Done():
		return PipelineResult{Failure: &StageFailure{Stage: StageTranscribe, Reason: "cancelled"}}
	}
}

func (b *blockingRunner) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func okResult(audioBytes []byte) PipelineResult {
	return PipelineResult{Transcript: "hi", Answer: "hello", Audio: audioBytes}
}

func TestControllerFullTurn(t *testing.T) {
	p := newTestPipeline(t,
		&MockTranscriber{result: "what is two plus two"},
		&MockAnswerer{result: "Four."},
		&MockSynthesizer{result: []byte{1, 2, 3, 4}},
		testControllerConfig())
	c := NewTurnController(context.Background(), "s1", p, testControllerConfig())
	defer c.Close()
	rec := record(c)

	if c.State() != StateListening {
		t.Fatalf("Expected Listening in auto mode, got %s", c.State())
	}

	var s stream
	s.feed(t, c, false, 3)
	s.feed(t, c, true, 10)
	if c.State() != StateRecording {
		t.Fatalf("Expected Recording after loud frames, got %s", c.State())
	}
	s.feed(t, c, false, 4)

	waitForState(t, c, StateSpeaking)
	ev := rec.waitEvent(t, PlaybackAudio)
	if b, _ := ev.Data.([]byte); len(b) != 4 {
		t.Errorf("Expected 4 bytes of audio, got %v", ev.Data)
	}
	if ev, ok := rec.first(ResultReady); !ok || ev.Data.(PipelineResult).Answer != "Four." {
		t.Errorf("Expected ResultReady with the answer, got %+v", ev)
	}

	c.PlaybackFinished()
	if c.State() != StateSpeaking || !c.Suppressed() {
		t.Error("Gate must hold through the guard interval")
	}
	waitForState(t, c, StateListening)
	if c.Suppressed() {
		t.Error("Gate should be open once Listening")
	}
}

func TestControllerFeedbackImmunity(t *testing.T) {
	cfg := testControllerConfig()
	p := newTestPipeline(t, &MockTranscriber{result: "hi"}, &MockAnswerer{result: "hello"},
		&MockSynthesizer{result: []byte{1, 2}}, cfg)
	c := NewTurnController(context.Background(), "s1", p, cfg)
	defer c.Close()
	rec := record(c)

	var s stream
	s.feed(t, c, true, 10)
	s.feed(t, c, false, 4)
	waitForState(t, c, StateSpeaking)
	starts := rec.count(SpeechStarted)

	// The assistant's own voice picked up by the microphone.
	s.feed(t, c, true, 50)
	c.PlaybackFinished()
	s.feed(t, c, true, 5)

	time.Sleep(10 * time.Millisecond)
	if got := rec.count(SpeechStarted); got != starts {
		t.Errorf("Frames during playback reached the detector: %d new SpeechStarted", got-starts)
	}
	if c.State() == StateRecording {
		t.Error("Playback echo must not start a recording")
	}
}

func TestControllerSingleFlight(t *testing.T) {
	r := newBlockingRunner(okResult(nil))
	c := NewTurnController(context.Background(), "s1", r, testControllerConfig())
	defer c.Close()
	record(c)

	var s stream
	s.feed(t, c, true, 10)
	s.feed(t, c, false, 4)
	waitForState(t, c, StateProcessing)

	// A second utterance while the first is in flight.
	s.feed(t, c, false, 5)
	s.feed(t, c, true, 10)
	s.feed(t, c, false, 5)

	if c.State() != StateProcessing {
		t.Errorf("Expected to stay Processing, got %s", c.State())
	}
	if err := c.StartRecording(); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("Expected ErrTurnInFlight, got %v", err)
	}

	close(r.release)
	waitForState(t, c, StateListening)
	if r.Calls() != 1 {
		t.Errorf("Expected exactly one pipeline run, got %d", r.Calls())
	}
}

func TestControllerShortUtteranceDiscarded(t *testing.T) {
	r := newBlockingRunner(okResult(nil))
	c := NewTurnController(context.Background(), "s1", r, testControllerConfig())
	defer c.Close()
	rec := record(c)

	var s stream
	s.feed(t, c, true, 2) // 40ms of speech
	s.feed(t, c, false, 4)

	if c.State() != StateListening {
		t.Errorf("Expected Listening after a too-short utterance, got %s", c.State())
	}
	time.Sleep(10 * time.Millisecond)
	if rec.count(UtteranceTooShort) != 1 {
		t.Error("Expected an UtteranceTooShort event")
	}
	if r.Calls() != 0 {
		t.Error("Pipeline must not run for a too-short utterance")
	}
}

func TestControllerEmptyAudioReturnsToListening(t *testing.T) {
	cfg := testControllerConfig()
	p := newTestPipeline(t, &MockTranscriber{result: "hi"}, &MockAnswerer{result: "hello"}, &MockSynthesizer{}, cfg)
	c := NewTurnController(context.Background(), "s1", p, cfg)
	defer c.Close()
	rec := record(c)

	var s stream
	s.feed(t, c, true, 10)
	s.feed(t, c, false, 4)

	waitForState(t, c, StateListening)
	time.Sleep(10 * time.Millisecond)
	if rec.count(ResultReady) != 1 {
		t.Error("Expected ResultReady for a successful run")
	}
	if rec.count(PlaybackAudio) != 0 {
		t.Error("Nothing should be played for empty audio")
	}
	if c.Suppressed() {
		t.Error("Gate should never have engaged")
	}
}

func TestControllerPipelineFailure(t *testing.T) {
	cfg := testControllerConfig()
	p := newTestPipeline(t, &MockTranscriber{err: errors.New("stt down")}, &MockAnswerer{}, &MockSynthesizer{}, cfg)
	c := NewTurnController(context.Background(), "s1", p, cfg)
	defer c.Close()
	rec := record(c)

	var s stream
	s.feed(t, c, true, 10)
	s.feed(t, c, false, 4)
	waitForState(t, c, StateListening)
	time.Sleep(10 * time.Millisecond)

	ev, ok := rec.first(ErrorEvent)
	if !ok {
		t.Fatal("Expected an error event")
	}
	f, _ := ev.Data.(*StageFailure)
	if f == nil || f.Stage != StageTranscribe || f.Reason != "stt down" {
		t.Errorf("Unexpected failure payload: %+v", ev.Data)
	}
}

func TestControllerDisableAutoDiscardsInFlight(t *testing.T) {
	r := newBlockingRunner(okResult([]byte{1}))
	c := NewTurnController(context.Background(), "s1", r, testControllerConfig())
	defer c.Close()
	rec := record(c)

	var s stream
	s.feed(t, c, true, 10)
	s.feed(t, c, false, 4)
	waitForState(t, c, StateProcessing)

	if err := c.DisableAuto(); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateIdle {
		t.Fatalf("Expected Idle, got %s", c.State())
	}
	close(r.release)
	time.Sleep(30 * time.Millisecond)

	if c.State() != StateIdle {
		t.Errorf("Stale result moved the session to %s", c.State())
	}
	if rec.count(ResultReady) != 0 || rec.count(PlaybackAudio) != 0 {
		t.Error("Stale result must be discarded")
	}

	// Idle ignores audio entirely.
	s.feed(t, c, true, 10)
	if c.State() != StateIdle {
		t.Errorf("Expected Idle to ignore frames, got %s", c.State())
	}
}

func TestControllerManualMode(t *testing.T) {
	cfg := testControllerConfig()
	cfg.AutoMode = false
	p := newTestPipeline(t, &MockTranscriber{result: "hi"}, &MockAnswerer{result: "hello"},
		&MockSynthesizer{result: []byte{7}}, cfg)
	c := NewTurnController(context.Background(), "s1", p, cfg)
	defer c.Close()
	rec := record(c)

	if c.State() != StateIdle {
		t.Fatalf("Expected Idle in manual mode, got %s", c.State())
	}

	if err := c.StartRecording(); err != nil {
		t.Fatal(err)
	}
	var s stream
	// Silence does not stop a manual recording.
	s.feed(t, c, true, 5)
	s.feed(t, c, false, 20)
	if c.State() != StateRecording {
		t.Fatalf("Expected Recording until stopped, got %s", c.State())
	}
	if err := c.StopRecording(); err != nil {
		t.Fatal(err)
	}

	waitForState(t, c, StateSpeaking)
	c.PlaybackFinished()
	waitForState(t, c, StateIdle)

	if rec.count(SpeechStarted) != 0 {
		t.Error("The detector should not drive manual recordings")
	}
}

func TestControllerEnableAuto(t *testing.T) {
	cfg := testControllerConfig()
	cfg.AutoMode = false
	c := NewTurnController(context.Background(), "s1", newBlockingRunner(okResult(nil)), cfg)
	defer c.Close()
	record(c)

	if err := c.EnableAuto(); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateListening || !c.Auto() {
		t.Errorf("Expected Listening in auto mode, got %s", c.State())
	}
}

func TestControllerMaxUtterance(t *testing.T) {
	cfg := testControllerConfig()
	cfg.MaxUtterance = 200 * time.Millisecond
	r := newBlockingRunner(okResult(nil))
	c := NewTurnController(context.Background(), "s1", r, cfg)
	defer c.Close()
	record(c)

	var s stream
	s.feed(t, c, true, 10)
	waitForState(t, c, StateProcessing)
	close(r.release)
}

func TestControllerFormatError(t *testing.T) {
	c := NewTurnController(context.Background(), "s1", newBlockingRunner(okResult(nil)), testControllerConfig())
	defer c.Close()
	record(c)

	err := c.Write(audio.Frame{PCM: []byte{1, 2, 3}, SampleRate: 16000})
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected FormatError, got %v", err)
	}
	err = c.Write(audio.Frame{PCM: make([]byte, 640), SampleRate: 8000})
	if !errors.As(err, &fe) {
		t.Errorf("Expected FormatError for a sample rate mismatch, got %v", err)
	}
	if c.State() != StateListening {
		t.Errorf("Malformed frames must not change state, got %s", c.State())
	}
}

func TestControllerMaxPlayback(t *testing.T) {
	cfg := testControllerConfig()
	cfg.MaxPlayback = 30 * time.Millisecond
	p := newTestPipeline(t, &MockTranscriber{result: "hi"}, &MockAnswerer{result: "hello"},
		&MockSynthesizer{result: []byte{1}}, cfg)
	c := NewTurnController(context.Background(), "s1", p, cfg)
	defer c.Close()
	record(c)

	var s stream
	s.feed(t, c, true, 10)
	s.feed(t, c, false, 4)
	waitForState(t, c, StateSpeaking)
	// Nobody reports playback finished.
	waitForState(t, c, StateListening)
}

func TestControllerAnnounce(t *testing.T) {
	c := NewTurnController(context.Background(), "s1", newBlockingRunner(okResult(nil)), testControllerConfig())
	defer c.Close()
	rec := record(c)

	if err := c.Announce([]byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateSpeaking || !c.Suppressed() {
		t.Fatal("Announce should engage the gate and speak")
	}
	c.PlaybackFinished()
	waitForState(t, c, StateListening)
	if rec.count(PlaybackAudio) != 1 {
		t.Error("Expected one PlaybackAudio event")
	}
}

func TestControllerClose(t *testing.T) {
	c := NewTurnController(context.Background(), "s1", newBlockingRunner(okResult(nil)), testControllerConfig())
	rec := record(c)
	c.Close()
	c.Close()

	select {
	case <-rec.done:
	case <-time.After(time.Second):
		t.Fatal("event channel was not closed")
	}
	var s stream
	if err := c.Write(s.next(true)); !errors.Is(err, ErrControllerClosed) {
		t.Errorf("Expected ErrControllerClosed, got %v", err)
	}
}

func TestControllerClickDiscardedWithDefaultTimings(t *testing.T) {
	cfg := DefaultConfig()
	r := newBlockingRunner(okResult(nil))
	c := NewTurnController(context.Background(), "s1", r, cfg)
	defer c.Close()
	rec := record(c)

	var s stream
	s.feed(t, c, false, 20)
	s.feed(t, c, true, 1) // a 20ms click
	s.feed(t, c, false, 110)

	if c.State() != StateListening {
		t.Fatalf("Expected Listening after a click, got %s", c.State())
	}
	ev := rec.waitEvent(t, UtteranceTooShort)
	if d, _ := ev.Data.(time.Duration); d != 20*time.Millisecond {
		t.Errorf("Expected a 20ms voiced span, got %v", ev.Data)
	}
	if r.Calls() != 0 {
		t.Errorf("Pipeline must not run for a click, got %d calls", r.Calls())
	}
}

func TestControllerSpeechKeptWithDefaultTimings(t *testing.T) {
	cfg := DefaultConfig()
	r := newBlockingRunner(okResult(nil))
	c := NewTurnController(context.Background(), "s1", r, cfg)
	defer c.Close()

	var s stream
	s.feed(t, c, false, 20)
	s.feed(t, c, true, 20) // 400ms of speech
	s.feed(t, c, false, 110)

	waitForState(t, c, StateProcessing)
	if r.Calls() != 1 {
		t.Errorf("Expected 1 pipeline run, got %d", r.Calls())
	}
	close(r.release)
}

func TestControllerDisableAutoCancelsPlayback(t *testing.T) {
	cfg := testControllerConfig()
	p := newTestPipeline(t, &MockTranscriber{result: "hi"}, &MockAnswerer{result: "hello"},
		&MockSynthesizer{result: []byte{1, 2}}, cfg)
	c := NewTurnController(context.Background(), "s1", p, cfg)
	defer c.Close()
	rec := record(c)

	var s stream
	s.feed(t, c, true, 10)
	s.feed(t, c, false, 4)
	waitForState(t, c, StateSpeaking)

	ev := rec.waitEvent(t, PlaybackAudio)
	playCtx := ev.PlaybackContext()
	if playCtx.Err() != nil {
		t.Fatal("Playback context cancelled while still speaking")
	}

	if err := c.DisableAuto(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-playCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("DisableAuto did not cancel the playback context")
	}

	// A late finish for the abandoned playback changes nothing.
	c.PlaybackEventFinished(ev)
	if c.State() != StateIdle {
		t.Errorf("Expected Idle, got %s", c.State())
	}
}

func TestControllerStalePlaybackFinishIgnored(t *testing.T) {
	cfg := testControllerConfig()
	c := NewTurnController(context.Background(), "s1", newBlockingRunner(okResult(nil)), cfg)
	defer c.Close()
	rec := record(c)

	if err := c.Announce([]byte{1}); err != nil {
		t.Fatal(err)
	}
	first := rec.waitEvent(t, PlaybackAudio)
	c.PlaybackEventFinished(first)
	waitForState(t, c, StateListening)

	if err := c.Announce([]byte{2}); err != nil {
		t.Fatal(err)
	}
	c.PlaybackEventFinished(first)
	time.Sleep(2 * cfg.GuardInterval)
	if c.State() != StateSpeaking {
		t.Errorf("A finish for an earlier playback ended the current one, state %s", c.State())
	}
}
