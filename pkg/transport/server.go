// Package transport exposes turn controllers to remote clients over
// WebSocket, one conversation per connection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/lokutor-turn/pkg/audio"
	"github.com/lokutor-ai/lokutor-turn/pkg/observe"
	"github.com/lokutor-ai/lokutor-turn/pkg/orchestrator"
)

const (
	defaultQueueFrames = 50
	readLimit          = 1 << 20
)

// providerNamer is implemented by *orchestrator.Pipeline.
type providerNamer interface {
	GetProviders() map[string]string
}

// Server accepts WebSocket sessions and reports their status.
type Server struct {
	runner       orchestrator.Runner
	config       orchestrator.Config
	logger       *slog.Logger
	metrics      *observe.Metrics
	origins      []string
	queueFrames  int
	playbackRate int

	mu          sync.Mutex
	sessions    map[string]*session
	lastTimings orchestrator.StageTimings
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the instruments shared by all sessions.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAllowedOrigins sets the host patterns accepted for cross-origin
// upgrades.
func WithAllowedOrigins(patterns []string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithQueueFrames bounds each session's capture queue.
func WithQueueFrames(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueFrames = n
		}
	}
}

// WithPlaybackSampleRate sets the rate reported for synthesized audio.
func WithPlaybackSampleRate(rate int) Option {
	return func(s *Server) { s.playbackRate = rate }
}

// NewServer creates a server running every session through runner with the
// given turn configuration.
func NewServer(runner orchestrator.Runner, cfg orchestrator.Config, opts ...Option) *Server {
	s := &Server{
		runner:      runner,
		config:      cfg,
		logger:      slog.Default(),
		queueFrames: defaultQueueFrames,
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes: /ws, /api/status, /api/test-audio,
// /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/test-audio", s.handleTestAudio)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ActiveSessions returns the number of connected sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseAll ends every session. Hijacked connections are not closed by
// http.Server.Shutdown, so callers invoke this during shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.cancel()
	}
}

// ServeWS upgrades the request and runs one conversation until the client
// disconnects.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := uuid.NewString()
	logger := s.logger.With("sessionID", id)

	source := audio.NewPushSource(s.config.SampleRate, s.config.FrameDuration, s.queueFrames)
	source.OnDrop(func() { s.metrics.RecordDroppedFrame(ctx, "queue") })

	ctrl := orchestrator.NewTurnController(ctx, id, s.runner, s.config,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(s.metrics),
	)
	sess := &session{
		id:         id,
		conn:       conn,
		ctrl:       ctrl,
		source:     source,
		logger:     logger,
		sampleRate: s.playbackRate,
		onResult:   s.recordTimings,
		playDone:   make(chan struct{}, 1),
		cancel:     cancel,
	}
	conv := orchestrator.NewConversation(ctrl, source, sess, sess, logger)

	s.register(ctx, sess)
	defer s.unregister(ctx, id)
	logger.Info("session opened", "remote", r.RemoteAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conv.Run(gctx) })
	g.Go(func() error { return sess.readLoop(gctx) })

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, orchestrator.ErrTransportClosed):
		logger.Info("session closed")
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		logger.Error("session failed", "error", err)
		conn.Close(websocket.StatusInternalError, "session failed")
	}
}

func (s *Server) register(ctx context.Context, sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.metrics.SessionOpened(ctx)
}

func (s *Server) unregister(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.metrics.SessionClosed(ctx)
}

func (s *Server) recordTimings(t orchestrator.StageTimings) {
	s.mu.Lock()
	s.lastTimings = t
	s.mu.Unlock()
}

// PerformanceMetrics are the stage timings of the last completed turn.
type PerformanceMetrics struct {
	TranscribeMs int64 `json:"transcription_ms"`
	AnswerMs     int64 `json:"response_ms"`
	SynthesizeMs int64 `json:"tts_ms"`
	TotalMs      int64 `json:"total_ms"`
}

// Status is the /api/status payload.
type Status struct {
	Providers          map[string]string  `json:"providers"`
	Configured         map[string]bool    `json:"configured"`
	ActiveSessions     int                `json:"active_sessions"`
	AutoMode           bool               `json:"auto_mode"`
	Language           string             `json:"language"`
	Voice              string             `json:"voice"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics"`
	Time               time.Time          `json:"time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := Status{
		Providers:      map[string]string{},
		Configured:     map[string]bool{"stt": false, "llm": false, "tts": false},
		ActiveSessions: s.ActiveSessions(),
		AutoMode:       s.config.AutoMode,
		Language:       string(s.config.Language),
		Voice:          string(s.config.Voice),
		Time:           time.Now().UTC(),
	}
	s.mu.Lock()
	last := s.lastTimings
	s.mu.Unlock()
	status.PerformanceMetrics = PerformanceMetrics{
		TranscribeMs: last.Transcribe.Milliseconds(),
		AnswerMs:     last.Answer.Milliseconds(),
		SynthesizeMs: last.Synthesize.Milliseconds(),
		TotalMs:      last.Total().Milliseconds(),
	}
	if pn, ok := s.runner.(providerNamer); ok {
		for k, v := range pn.GetProviders() {
			status.Providers[k] = v
			status.Configured[k] = v != ""
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("failed to write status", "error", err)
	}
}

// testAudioDuration is the length of the silent clip run by /api/test-audio.
const testAudioDuration = time.Second

// handleTestAudio runs the pipeline on one second of silence, which
// exercises the fallback path against the live collaborators.
func (s *Server) handleTestAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res := s.runner.Run(r.Context(), silentUtterance(s.config.SampleRate, s.config.FrameDuration, testAudioDuration))

	var (
		body   interface{}
		status = http.StatusOK
	)
	if res.OK() {
		s.recordTimings(res.Timings)
		body = resultMessage(res, s.playbackRate)
	} else {
		s.logger.Warn("test audio failed", "stage", res.Failure.Stage, "reason", res.Failure.Reason)
		body = errorMessage(res.Failure)
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to write test audio result", "error", err)
	}
}

// silentUtterance builds an utterance of d of zeroed frames.
func silentUtterance(sampleRate int, frameDuration, d time.Duration) orchestrator.Utterance {
	n := int(d / frameDuration)
	size := audio.FrameBytes(sampleRate, frameDuration)
	frames := make([]audio.Frame, n)
	for i := range frames {
		frames[i] = audio.Frame{
			PCM:        make([]byte, size),
			SampleRate: sampleRate,
			Offset:     time.Duration(i) * frameDuration,
		}
	}
	return orchestrator.Utterance{
		Frames:     frames,
		SampleRate: sampleRate,
		Duration:   time.Duration(n) * frameDuration,
	}
}
