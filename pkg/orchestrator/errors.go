package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTooShort is reported for utterances below the minimum duration.
	ErrTooShort = errors.New("utterance shorter than minimum duration")

	// ErrStageTimeout is wrapped by failures of a stage that exceeded its budget.
	ErrStageTimeout = errors.New("pipeline stage timed out")

	// ErrStageFailed is wrapped by failures of a stage whose collaborator returned an error.
	ErrStageFailed = errors.New("pipeline stage failed")

	// ErrTransportClosed ends a remote session.
	ErrTransportClosed = errors.New("session transport closed")

	// ErrNilProvider is returned when a required provider is nil
	ErrNilProvider = errors.New("required provider is nil")

	// ErrControllerClosed is returned by operations on a closed controller.
	ErrControllerClosed = errors.New("turn controller closed")
)

// FormatError reports a malformed capture frame. Only that frame is dropped.
type FormatError struct {
	Offset time.Duration
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed frame at %v: %v", e.Offset, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// StageFailure describes why a pipeline run stopped. Reason is "timeout",
// "cancelled" or the collaborator's error text.
type StageFailure struct {
	Stage  Stage
	Reason string
	// Elapsed is the time spent in the pipeline before it gave up.
	Elapsed time.Duration
	Err     error
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Stage, f.Reason)
}

func (f *StageFailure) Unwrap() error {
	return f.Err
}

// ErrTurnInFlight is returned when recording is requested while a turn is
// being processed or played back.
var ErrTurnInFlight = errors.New("a turn is already in flight")
