package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-turn/pkg/audio"
	"github.com/lokutor-ai/lokutor-turn/pkg/observe"
)

// TurnController owns the turn state of one session. It consumes capture
// frames, runs voice detection, seals utterances and hands them to the
// pipeline, and tells the owner when to play audio through Events.
//
// At most one pipeline run is in flight per controller. Results from a run
// that was superseded (by DisableAuto, Close or a reset) are discarded.
type TurnController struct {
	id      string
	runner  Runner
	config  Config
	logger  Logger
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	mu     sync.Mutex
	state  TurnState
	auto   bool
	closed bool
	vad    *VAD
	gate   *PlaybackGate
	buf    *UtteranceBuffer

	// gen identifies the current turn; bumping it orphans in-flight work.
	gen            uint64
	pipelineCancel context.CancelFunc
	inflight       chan struct{}
	playbackTimer  *time.Timer
	playCancel     context.CancelFunc
}

// ControllerOption configures a TurnController.
type ControllerOption func(*TurnController)

// WithLogger sets the controller logger.
func WithLogger(l Logger) ControllerOption {
	return func(c *TurnController) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observe.Metrics) ControllerOption {
	return func(c *TurnController) {
		c.metrics = m
	}
}

// NewTurnController creates a controller. With config.AutoMode it starts
// Listening, otherwise Idle.
func NewTurnController(ctx context.Context, id string, runner Runner, config Config, opts ...ControllerOption) *TurnController {
	cCtx, cancel := context.WithCancel(ctx)

	vad := NewVAD(config.HighThreshold, config.LowThreshold, config.SilenceDuration)
	vad.SetMinConfirmed(config.MinConfirmedFrames)

	c := &TurnController{
		id:     id,
		runner: runner,
		config: config,
		logger: &NoOpLogger{},
		ctx:    cCtx,
		cancel: cancel,
		events: make(chan Event, 256),
		state:  StateIdle,
		vad:    vad,
		gate:   NewPlaybackGate(config.GuardInterval),
		buf:    NewUtteranceBuffer(config.PreRoll),
	}
	for _, opt := range opts {
		opt(c)
	}

	if config.AutoMode {
		c.mu.Lock()
		c.auto = true
		c.setState(StateListening)
		c.mu.Unlock()
	}
	return c
}

// ID returns the session identifier.
func (c *TurnController) ID() string {
	return c.id
}

// Events returns the event channel. It is closed by Close.
func (c *TurnController) Events() <-chan Event {
	return c.events
}

// State returns the current turn state.
func (c *TurnController) State() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Auto reports whether voice detection drives recording.
func (c *TurnController) Auto() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auto
}

// Suppressed reports whether capture is currently gated by playback.
func (c *TurnController) Suppressed() bool {
	return c.gate.Suppressed()
}

// LastLevel returns the loudness of the last frame seen by the detector.
func (c *TurnController) LastLevel() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vad.LastLevel()
}

// EnableAuto turns on automatic mode. An Idle session starts Listening.
func (c *TurnController) EnableAuto() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerClosed
	}
	c.auto = true
	if c.state == StateIdle {
		c.vad.Reset()
		c.setState(StateListening)
	}
	c.logger.Info("auto mode enabled", "sessionID", c.id)
	return nil
}

// DisableAuto turns off automatic mode. Any open utterance is discarded,
// any in-flight run is abandoned and the session goes Idle.
func (c *TurnController) DisableAuto() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerClosed
	}
	c.auto = false
	if c.buf.IsOpen() {
		c.metrics.RecordUtterance(c.ctx, "discarded")
	}
	c.reset()
	c.setState(StateIdle)
	c.logger.Info("auto mode disabled", "sessionID", c.id)
	return nil
}

// StartRecording opens an utterance on request. It fails while a turn is
// being processed or played.
func (c *TurnController) StartRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerClosed
	}
	switch c.state {
	case StateIdle, StateListening:
		c.buf.Open()
		c.setState(StateRecording)
		return nil
	case StateRecording:
		return nil
	default:
		return ErrTurnInFlight
	}
}

// StopRecording seals the open utterance. It is a no-op unless Recording.
func (c *TurnController) StopRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerClosed
	}
	if c.state == StateRecording {
		c.closeUtterance("manual", 0)
	}
	return nil
}

// Write feeds one capture frame. A malformed frame returns a *FormatError
// and is dropped; the session continues.
func (c *TurnController) Write(frame audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerClosed
	}

	// Assistant audio is playing or just finished: nothing reaches the VAD.
	if c.state == StateSpeaking || c.gate.Suppressed() {
		c.metrics.RecordDroppedFrame(c.ctx, "gate")
		return nil
	}

	if frame.SampleRate != 0 && frame.SampleRate != c.config.SampleRate {
		c.metrics.RecordDroppedFrame(c.ctx, "format")
		return &FormatError{Offset: frame.Offset, Err: audio.ErrFormat}
	}
	level, err := audio.RMS(frame)
	if err != nil {
		c.metrics.RecordDroppedFrame(c.ctx, "format")
		return &FormatError{Offset: frame.Offset, Err: err}
	}

	switch c.state {
	case StateIdle:
		c.metrics.RecordDroppedFrame(c.ctx, "idle")

	case StateListening:
		ev := c.vad.ProcessLevel(level, frame.Offset)
		if ev != nil && ev.Type == VADSpeechStart {
			c.emit(SpeechStarted, ev)
			c.buf.Open()
			c.buf.Append(frame)
			c.setState(StateRecording)
			return nil
		}
		c.buf.Remember(frame)

	case StateRecording:
		c.buf.Append(frame)
		if c.auto {
			if ev := c.vad.ProcessLevel(level, frame.Offset); ev != nil && ev.Type == VADSpeechStop {
				c.emit(SpeechStopped, ev)
				c.closeUtterance("silence", ev.Voiced)
				return nil
			}
		}
		if c.config.MaxUtterance > 0 && c.buf.Duration() >= c.config.MaxUtterance {
			c.logger.Warn("utterance reached maximum length", "sessionID", c.id, "duration", c.buf.Duration())
			c.closeUtterance("max_length", 0)
		}

	case StateProcessing:
		// Keep the detector's view of the room current so a user still
		// talking when the turn ends does not trigger a fresh start
		// mid-sentence. Starts seen here are ignored.
		if c.auto {
			if ev := c.vad.ProcessLevel(level, frame.Offset); ev != nil && ev.Type == VADSpeechStart {
				c.logger.Debug("speech start ignored, turn in flight", "sessionID", c.id)
			}
		}
		c.metrics.RecordDroppedFrame(c.ctx, "processing")
	}
	return nil
}

// Announce plays audio outside a turn, such as a greeting. It is only
// accepted while Idle or Listening.
func (c *TurnController) Announce(audioBytes []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerClosed
	}
	if c.state != StateIdle && c.state != StateListening {
		return ErrTurnInFlight
	}
	if len(audioBytes) == 0 {
		return nil
	}
	c.buf.Discard()
	c.speak(audioBytes)
	return nil
}

// PlaybackFinished reports that the audio from the last PlaybackAudio event
// has stopped playing. The gate stays closed for the guard interval, after
// which the session returns to Listening (auto) or Idle (manual).
func (c *TurnController) PlaybackFinished() {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.finishPlayback(gen)
}

// PlaybackEventFinished is PlaybackFinished bound to one PlaybackAudio
// event. It does nothing if that playback was already superseded.
func (c *TurnController) PlaybackEventFinished(ev Event) {
	c.finishPlayback(ev.gen)
}

// Close tears the session down. In-flight work is abandoned and the event
// channel is closed.
func (c *TurnController) Close() {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.reset()
	c.state = StateIdle
	c.closed = true
	close(c.events)
	c.logger.Debug("turn controller closed", "sessionID", c.id)
}

// closeUtterance seals the buffer and, if long enough, starts a pipeline
// run. voiced is the detected speech span for a silence close; otherwise the
// buffered duration is measured. The pipeline always gets the full audio.
// Caller must hold mu.
func (c *TurnController) closeUtterance(reason string, voiced time.Duration) {
	u := c.buf.Seal(c.config.SampleRate)

	length := u.Duration
	if voiced > 0 {
		length = voiced
	}
	if length < c.config.MinUtterance {
		c.logger.Debug("utterance too short, discarding", "sessionID", c.id, "voiced", length, "reason", reason)
		c.metrics.RecordUtterance(c.ctx, "too_short")
		c.emit(UtteranceTooShort, length)
		c.vad.Reset()
		c.setState(c.restState())
		return
	}

	c.metrics.RecordUtterance(c.ctx, "processed")
	c.logger.Info("utterance sealed", "sessionID", c.id, "duration", u.Duration, "reason", reason)
	c.setState(StateProcessing)

	c.gen++
	gen := c.gen
	pCtx, pCancel := context.WithCancel(c.ctx)
	c.pipelineCancel = pCancel

	prev := c.inflight
	done := make(chan struct{})
	c.inflight = done

	go c.runPipeline(pCtx, pCancel, gen, u, prev, done)
}

func (c *TurnController) runPipeline(ctx context.Context, cancel context.CancelFunc, gen uint64, u Utterance, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer cancel()

	// A superseded run may still be unwinding; never overlap two runs.
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	res := c.runner.Run(ctx, u)
	c.complete(gen, res)
}

func (c *TurnController) complete(gen uint64, res PipelineResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.gen || c.state != StateProcessing {
		c.logger.Debug("discarding stale pipeline result", "sessionID", c.id, "gen", gen)
		return
	}
	c.pipelineCancel = nil

	if !res.OK() {
		c.emit(ErrorEvent, res.Failure)
		c.setState(c.restState())
		return
	}

	c.emit(ResultReady, res)
	if len(res.Audio) == 0 {
		c.setState(c.restState())
		return
	}
	c.speak(res.Audio)
}

// speak engages the gate and asks the owner to play audioBytes. Caller must
// hold mu.
func (c *TurnController) speak(audioBytes []byte) {
	c.gate.Engage()
	c.vad.Reset()
	c.setState(StateSpeaking)

	// Each playback is its own generation so a late finish from an earlier
	// one cannot end it.
	c.gen++
	c.stopPlayback()
	playCtx, playCancel := context.WithCancel(c.ctx)
	c.playCancel = playCancel
	c.send(Event{
		Type:      PlaybackAudio,
		SessionID: c.id,
		Data:      audioBytes,
		gen:       c.gen,
		playCtx:   playCtx,
	})

	if c.config.MaxPlayback > 0 {
		gen := c.gen
		c.stopPlaybackTimer()
		c.playbackTimer = time.AfterFunc(c.config.MaxPlayback, func() {
			c.logger.Warn("playback never reported finished, releasing", "sessionID", c.id)
			c.finishPlayback(gen)
		})
	}
}

func (c *TurnController) finishPlayback(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state != StateSpeaking || c.playCancel == nil {
		c.mu.Unlock()
		return
	}
	c.stopPlaybackTimer()
	c.stopPlayback()
	c.mu.Unlock()

	c.gate.Release(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || gen != c.gen || c.state != StateSpeaking {
			return
		}
		c.vad.Reset()
		c.setState(c.restState())
	})
}

// reset abandons everything in flight. Caller must hold mu.
func (c *TurnController) reset() {
	c.gen++
	if c.pipelineCancel != nil {
		c.pipelineCancel()
		c.pipelineCancel = nil
	}
	c.stopPlaybackTimer()
	c.stopPlayback()
	c.buf.Discard()
	c.gate.ReleaseNow()
	c.vad.Reset()
}

// stopPlayback cancels the context of the current playback, if any.
func (c *TurnController) stopPlayback() {
	if c.playCancel != nil {
		c.playCancel()
		c.playCancel = nil
	}
}

func (c *TurnController) stopPlaybackTimer() {
	if c.playbackTimer != nil {
		c.playbackTimer.Stop()
		c.playbackTimer = nil
	}
}

// restState is where a finished turn lands.
func (c *TurnController) restState() TurnState {
	if c.auto {
		return StateListening
	}
	return StateIdle
}

func (c *TurnController) setState(s TurnState) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.metrics.RecordTransition(c.ctx, from.String(), s.String())
	c.logger.Debug("turn state changed", "sessionID", c.id, "from", from, "to", s)
	c.emit(StateChanged, s)
}

// emit must be called with mu held.
func (c *TurnController) emit(eventType EventType, data interface{}) {
	c.send(Event{
		Type:      eventType,
		SessionID: c.id,
		Data:      data,
	})
}

// send must be called with mu held.
func (c *TurnController) send(event Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- event:
	case <-c.ctx.Done():
	}
}
