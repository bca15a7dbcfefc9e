package audio

import (
	"errors"
	"sync"
	"time"
)

// ErrSourceClosed is returned when writing to a closed source.
var ErrSourceClosed = errors.New("audio: source closed")

// Source produces a continuous sequence of capture frames. The channel is
// closed when the source stops.
type Source interface {
	Frames() <-chan Frame
	Close() error
}

// PushSource turns pushed byte chunks (device callbacks, network messages)
// into frames on a bounded queue. When the consumer falls behind, the oldest
// queued frame is dropped so capture never blocks and the queue never grows.
type PushSource struct {
	mu      sync.Mutex
	framer  *Framer
	frames  chan Frame
	closed  bool
	dropped uint64
	onDrop  func()
}

// NewPushSource creates a source emitting frames of frameDuration at
// sampleRate, holding at most queue frames.
func NewPushSource(sampleRate int, frameDuration time.Duration, queue int) *PushSource {
	if queue <= 0 {
		queue = 50
	}
	return &PushSource{
		framer: NewFramer(sampleRate, frameDuration),
		frames: make(chan Frame, queue),
	}
}

// OnDrop registers a callback invoked for every frame evicted from a full
// queue.
func (s *PushSource) OnDrop(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrop = fn
}

// Write implements io.Writer. It never blocks on the consumer.
func (s *PushSource) Write(chunk []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSourceClosed
	}

	for _, f := range s.framer.Push(chunk) {
		select {
		case s.frames <- f:
			continue
		default:
		}

		// Queue full: evict the oldest frame. We are the only sender, so
		// one receive always frees a slot.
		select {
		case <-s.frames:
			s.dropped++
			if s.onDrop != nil {
				s.onDrop()
			}
		default:
		}
		select {
		case s.frames <- f:
		default:
			s.dropped++
		}
	}
	return len(chunk), nil
}

// Frames returns the frame channel.
func (s *PushSource) Frames() <-chan Frame {
	return s.frames
}

// Dropped returns how many frames were evicted by backpressure.
func (s *PushSource) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the source and closes the frame channel. Safe to call twice.
func (s *PushSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return nil
}
