// Package device connects the local sound card to the turn controller:
// a malgo capture device feeding an audio.PushSource and a malgo playback
// device implementing orchestrator.Player.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/lokutor-ai/lokutor-turn/pkg/audio"
)

// Context owns the malgo audio context shared by both devices.
type Context struct {
	mctx *malgo.AllocatedContext
}

// NewContext initialises the platform audio backend.
func NewContext() (*Context, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}
	return &Context{mctx: mctx}, nil
}

// Close releases the backend. Close devices first.
func (c *Context) Close() error {
	if err := c.mctx.Uninit(); err != nil {
		return err
	}
	c.mctx.Free()
	return nil
}

// Microphone captures mono 16-bit PCM into a PushSource.
type Microphone struct {
	device *malgo.Device
	source *audio.PushSource
}

// OpenMicrophone starts capturing at sampleRate. Frames are cut to
// frameDuration-sized pieces by the returned source's framer.
func (c *Context) OpenMicrophone(source *audio.PushSource, sampleRate int) (*Microphone, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = 20
	cfg.Alsa.NoMMap = 1

	m := &Microphone{source: source}
	device, err := malgo.InitDevice(c.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, _ uint32) {
			// PushSource copies into its own frames and never blocks.
			_, _ = source.Write(pInput)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: init capture: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("device: start capture: %w", err)
	}
	m.device = device
	return m, nil
}

// Close stops capture and closes the source.
func (m *Microphone) Close() error {
	m.device.Uninit()
	return m.source.Close()
}

// Speaker plays assistant audio. Play blocks until the audio has been
// handed to the device in full, so PlaybackFinished can follow it directly.
type Speaker struct {
	device *malgo.Device
	rate   int

	mu   sync.Mutex
	buf  []byte
	done chan struct{}
}

// OpenSpeaker starts a playback device at sampleRate.
func (c *Context) OpenSpeaker(sampleRate int) (*Speaker, error) {
	s := newSpeaker(sampleRate)

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(c.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, _ uint32) {
			s.fill(pOutput)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: init playback: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("device: start playback: %w", err)
	}
	s.device = device
	return s, nil
}

func newSpeaker(sampleRate int) *Speaker {
	return &Speaker{rate: sampleRate}
}

// Play queues audio and waits until it has been consumed. WAV input is
// decoded; raw PCM is assumed to be at the speaker's rate. A cancelled ctx
// flushes the queue.
func (s *Speaker) Play(ctx context.Context, data []byte) error {
	pcm := data
	if audio.IsWAV(data) {
		decoded, rate, err := audio.DecodeWAV(data)
		if err != nil {
			return err
		}
		pcm = audio.Resample(decoded, rate, s.rate)
	}
	if len(pcm) == 0 {
		return nil
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.buf = append(s.buf, pcm...)
	if s.done != nil {
		close(s.done)
	}
	s.done = done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.Flush()
		return ctx.Err()
	}
}

// Flush discards queued audio.
func (s *Speaker) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}

// fill is the device callback: copy queued PCM into out and pad with
// silence.
func (s *Speaker) fill(out []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := copy(out, s.buf)
	s.buf = s.buf[n:]
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	if len(s.buf) == 0 && s.done != nil {
		close(s.done)
		s.done = nil
	}
}

// Close stops playback.
func (s *Speaker) Close() error {
	s.Flush()
	if s.device != nil {
		s.device.Uninit()
	}
	return nil
}
