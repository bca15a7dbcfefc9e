package orchestrator

import (
	"sync"
	"time"
)

// PlaybackGate suppresses microphone input while assistant audio plays.
//
// Discipline: Engage before playback starts, Release after playback ends.
// Release keeps the gate closed for a trailing guard interval to absorb
// device buffering; ReleaseNow clears it immediately (teardown).
type PlaybackGate struct {
	mu         sync.Mutex
	suppressed bool
	guard      time.Duration
	timer      *time.Timer
	epoch      uint64
}

// NewPlaybackGate creates an open gate with the given guard interval.
func NewPlaybackGate(guard time.Duration) *PlaybackGate {
	return &PlaybackGate{guard: guard}
}

// Engage suppresses capture. A pending guard release is abandoned.
func (g *PlaybackGate) Engage() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopTimer()
	g.epoch++
	g.suppressed = true
}

// Suppressed reports whether capture must be ignored.
func (g *PlaybackGate) Suppressed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suppressed
}

// Release clears the gate once the guard interval has elapsed and then calls
// onReleased (if non-nil) from the timer goroutine. A later Engage or
// ReleaseNow cancels the pending release.
func (g *PlaybackGate) Release(onReleased func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.suppressed {
		if onReleased != nil {
			go onReleased()
		}
		return
	}

	g.stopTimer()
	g.epoch++
	epoch := g.epoch

	g.timer = time.AfterFunc(g.guard, func() {
		g.mu.Lock()
		if g.epoch != epoch {
			g.mu.Unlock()
			return
		}
		g.suppressed = false
		g.timer = nil
		g.mu.Unlock()

		if onReleased != nil {
			onReleased()
		}
	})
}

// ReleaseNow clears the gate immediately, cancelling any pending release.
func (g *PlaybackGate) ReleaseNow() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopTimer()
	g.epoch++
	g.suppressed = false
}

// stopTimer must be called with mu held.
func (g *PlaybackGate) stopTimer() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
