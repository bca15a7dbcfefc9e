package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/lokutor-turn/pkg/audio"
)

// Speaker synthesizes text outside a turn. *Pipeline implements it.
type Speaker interface {
	Speak(ctx context.Context, text string) ([]byte, error)
}

// Conversation binds one TurnController to a frame source, an event sink
// and a player. It is the glue used by both the local agent and the
// WebSocket server.
type Conversation struct {
	ctrl   *TurnController
	source audio.Source
	sink   EventSink
	player Player
	logger Logger
}

// NewConversation creates a conversation. sink and player may be nil; with
// no player, playback is reported finished as soon as it is requested.
func NewConversation(ctrl *TurnController, source audio.Source, sink EventSink, player Player, logger Logger) *Conversation {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Conversation{
		ctrl:   ctrl,
		source: source,
		sink:   sink,
		player: player,
		logger: logger,
	}
}

// Controller returns the underlying turn controller.
func (c *Conversation) Controller() *TurnController {
	return c.ctrl
}

// Greet synthesizes text and plays it before the first turn.
func (c *Conversation) Greet(ctx context.Context, speaker Speaker, text string) error {
	if text == "" {
		return nil
	}
	audioBytes, err := speaker.Speak(ctx, text)
	if err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	return c.ctrl.Announce(audioBytes)
}

// Run pumps frames into the controller and dispatches its events until ctx
// is done or the source closes. The controller is closed on return. A
// closed source yields ErrTransportClosed.
func (c *Conversation) Run(ctx context.Context) error {
	defer c.ctrl.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.pump(gctx) })
	g.Go(func() error { return c.dispatch(gctx) })
	return g.Wait()
}

func (c *Conversation) pump(ctx context.Context) error {
	frames := c.source.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return ErrTransportClosed
			}
			if err := c.ctrl.Write(f); err != nil {
				var fe *FormatError
				if errors.As(err, &fe) {
					c.logger.Debug("dropping malformed frame", "sessionID", c.ctrl.ID(), "error", err)
					continue
				}
				return err
			}
		}
	}
}

func (c *Conversation) dispatch(ctx context.Context) error {
	events := c.ctrl.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if c.sink != nil {
				if err := c.sink.Send(ctx, ev); err != nil {
					return fmt.Errorf("%w: %v", ErrTransportClosed, err)
				}
			}
			if ev.Type == PlaybackAudio {
				go c.play(ctx, ev)
			}
		}
	}
}

// play runs outside the dispatch loop so events keep flowing while audio
// is playing. Playback stops when the controller abandons it.
func (c *Conversation) play(ctx context.Context, ev Event) {
	defer c.ctrl.PlaybackEventFinished(ev)
	if c.player == nil {
		return
	}

	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ev.PlaybackContext(), cancel)
	defer stop()

	audioBytes, _ := ev.Data.([]byte)
	if err := c.player.Play(playCtx, audioBytes); err != nil && playCtx.Err() == nil {
		c.logger.Warn("playback failed", "sessionID", c.ctrl.ID(), "error", err)
	}
}
