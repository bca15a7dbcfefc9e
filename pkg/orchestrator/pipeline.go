package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lokutor-ai/lokutor-turn/pkg/observe"
)

// Runner turns one sealed utterance into a result. *Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, u Utterance) PipelineResult
}

// Pipeline runs transcribe -> answer -> synthesize for one utterance. Each
// stage has its own deadline and the first failure short-circuits the rest.
type Pipeline struct {
	stt     Transcriber
	ans     Answerer
	tts     Synthesizer
	config  Config
	logger  Logger
	metrics *observe.Metrics
	mu      sync.RWMutex
}

// NewPipeline creates a pipeline with a no-op logger.
func NewPipeline(stt Transcriber, ans Answerer, tts Synthesizer, config Config) (*Pipeline, error) {
	return NewPipelineWithLogger(stt, ans, tts, config, &NoOpLogger{})
}

// NewPipelineWithLogger creates a pipeline. All three providers are required.
func NewPipelineWithLogger(stt Transcriber, ans Answerer, tts Synthesizer, config Config, logger Logger) (*Pipeline, error) {
	if stt == nil || ans == nil || tts == nil {
		return nil, ErrNilProvider
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Pipeline{
		stt:    stt,
		ans:    ans,
		tts:    tts,
		config: config,
		logger: logger,
	}, nil
}

// SetMetrics attaches metric instruments. A nil value disables recording.
func (p *Pipeline) SetMetrics(m *observe.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// Run executes the three stages. On failure only Failure and the timings
// of the stages that ran are set.
func (p *Pipeline) Run(ctx context.Context, u Utterance) PipelineResult {
	cfg := p.GetConfig()
	metrics := p.getMetrics()

	ctx, span := observe.StartSpan(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.Int64("utterance.duration_ms", u.Duration.Milliseconds()))

	start := time.Now()
	var res PipelineResult

	fail := func(stage Stage, err error) PipelineResult {
		f := classify(ctx, stage, err)
		f.Elapsed = time.Since(start)
		p.logger.Warn("pipeline stage failed", "stage", stage, "reason", f.Reason, "elapsed", f.Elapsed)
		metrics.RecordPipeline(ctx, "failed", string(stage))
		span.SetStatus(codes.Error, f.Error())
		return PipelineResult{Timings: res.Timings, Failure: f}
	}

	// 1. Transcribe
	transcript, d, err := runStage(ctx, cfg.TranscribeTimeout, func(ctx context.Context) (string, error) {
		return p.stt.Transcribe(ctx, u.PCM(), cfg.Language)
	})
	res.Timings.Transcribe = d
	metrics.RecordStage(ctx, string(StageTranscribe), d, stageStatus(err))
	if err != nil {
		return fail(StageTranscribe, err)
	}
	res.Transcript = strings.TrimSpace(transcript)

	question := res.Transcript
	if question == "" || IsErrorMarker(question) {
		p.logger.Info("transcript unusable, asking for a repeat", "transcript", question)
		question = cfg.FallbackPrompt
		res.Fallback = true
	} else {
		p.logger.Info("transcription completed", "length", len(question), "elapsed", d)
	}

	// 2. Answer
	answer, d, err := runStage(ctx, cfg.AnswerTimeout, func(ctx context.Context) (string, error) {
		return p.ans.Answer(ctx, question)
	})
	res.Timings.Answer = d
	if err == nil {
		answer = strings.TrimSpace(answer)
		switch {
		case answer == "":
			err = errors.New("empty answer")
		case IsErrorMarker(answer):
			err = errors.New(answer)
		}
	}
	metrics.RecordStage(ctx, string(StageAnswer), d, stageStatus(err))
	if err != nil {
		return fail(StageAnswer, err)
	}
	res.Answer = TruncateAnswer(answer, cfg.MaxAnswerChars)
	p.logger.Info("answer generated", "length", len(res.Answer), "elapsed", d)

	// 3. Synthesize
	audioBytes, d, err := runStage(ctx, cfg.SynthesizeTimeout, func(ctx context.Context) ([]byte, error) {
		return p.tts.Synthesize(ctx, res.Answer, cfg.Voice, cfg.Language)
	})
	res.Timings.Synthesize = d
	metrics.RecordStage(ctx, string(StageSynthesize), d, stageStatus(err))
	if err != nil {
		return fail(StageSynthesize, err)
	}
	res.Audio = audioBytes

	status := "ok"
	if res.Fallback {
		status = "fallback"
	}
	metrics.RecordPipeline(ctx, status, "")
	p.logger.Info("pipeline completed", "total", res.Timings.Total(), "audioSize", len(res.Audio), "fallback", res.Fallback)
	return res
}

// Speak synthesizes text outside a turn, for greetings. It honours the
// synthesize timeout.
func (p *Pipeline) Speak(ctx context.Context, text string) ([]byte, error) {
	cfg := p.GetConfig()
	audioBytes, _, err := runStage(ctx, cfg.SynthesizeTimeout, func(ctx context.Context) ([]byte, error) {
		return p.tts.Synthesize(ctx, text, cfg.Voice, cfg.Language)
	})
	if err != nil {
		return nil, classify(ctx, StageSynthesize, err)
	}
	return audioBytes, nil
}

// UpdateConfig updates the pipeline configuration
func (p *Pipeline) UpdateConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config = cfg
}

// GetConfig returns the current configuration
func (p *Pipeline) GetConfig() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// GetProviders returns information about the current providers
func (p *Pipeline) GetProviders() map[string]string {
	return map[string]string{
		"stt": p.stt.Name(),
		"llm": p.ans.Name(),
		"tts": p.tts.Name(),
	}
}

func (p *Pipeline) getMetrics() *observe.Metrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

// runStage calls fn under its own deadline. If fn ignores its context the
// stage still returns at the deadline and the late result is discarded.
func runStage[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, time.Duration, error) {
	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		v, err := fn(sctx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.val, time.Since(start), o.err
	case <-sctx.Done():
		var zero T
		return zero, time.Since(start), sctx.Err()
	}
}

// classify maps a stage error to a StageFailure. A deadline hit while the
// parent context is still live is the stage's own timeout.
func classify(parent context.Context, stage Stage, err error) *StageFailure {
	f := &StageFailure{Stage: stage}
	switch {
	case parent.Err() != nil:
		f.Reason = "cancelled"
		f.Err = fmt.Errorf("%w: %s: %w", ErrStageFailed, stage, parent.Err())
	case errors.Is(err, context.DeadlineExceeded):
		f.Reason = "timeout"
		f.Err = fmt.Errorf("%w: %s", ErrStageTimeout, stage)
	default:
		f.Reason = err.Error()
		f.Err = fmt.Errorf("%w: %s: %w", ErrStageFailed, stage, err)
	}
	return f
}

func stageStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// IsErrorMarker reports whether a provider returned an in-band error string
// such as "[ERROR: ...]" or "[TRANSCRIPTION ERROR]" instead of content.
func IsErrorMarker(s string) bool {
	u := strings.ToUpper(strings.TrimSpace(s))
	return strings.HasPrefix(u, "[ERROR") || strings.HasPrefix(u, "[TRANSCRIPTION ERROR")
}

// TruncateAnswer shortens s to at most max runes, ending in "..." when cut.
// max <= 0 disables truncation.
func TruncateAnswer(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return strings.TrimRightFunc(string(r[:max-3]), func(c rune) bool { return c == ' ' }) + "..."
}
