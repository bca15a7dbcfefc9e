package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-turn/pkg/audio"
	"github.com/lokutor-ai/lokutor-turn/pkg/orchestrator"
)

const writeTimeout = 5 * time.Second

// session is one connected client. It is the Conversation's EventSink and
// Player: playback is done by the client, which reports completion with a
// playback_done message.
type session struct {
	id     string
	conn   *websocket.Conn
	ctrl   *orchestrator.TurnController
	source *audio.PushSource
	logger orchestrator.Logger

	// sampleRate of the synthesized audio, reported with each result.
	sampleRate int
	// onResult is told the timings of every completed turn.
	onResult func(orchestrator.StageTimings)

	playDone chan struct{}
	cancel   context.CancelFunc
}

// Send implements orchestrator.EventSink.
func (s *session) Send(ctx context.Context, ev orchestrator.Event) error {
	msg, err := encodeEvent(ev, s.sampleRate)
	if errors.Is(err, errSkip) {
		return nil
	}
	if ev.Type == orchestrator.ResultReady {
		if res, ok := ev.Data.(orchestrator.PipelineResult); ok && s.onResult != nil {
			s.onResult(res.Timings)
		}
		// A playback_done sent before this result cannot belong to it.
		select {
		case <-s.playDone:
		default:
		}
	}
	return s.write(ctx, msg)
}

// Play implements orchestrator.Player by waiting for the client's
// playback_done.
func (s *session) Play(ctx context.Context, _ []byte) error {
	select {
	case <-s.playDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) write(ctx context.Context, msg interface{}) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, s.conn, msg)
}

// readLoop feeds client frames into the source and applies control
// messages until the connection closes.
func (s *session) readLoop(ctx context.Context) error {
	defer s.source.Close()
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return orchestrator.ErrTransportClosed
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", orchestrator.ErrTransportClosed, err)
		}

		switch typ {
		case websocket.MessageBinary:
			if _, err := s.source.Write(data); err != nil {
				return err
			}
		case websocket.MessageText:
			if err := s.handleText(ctx, data); err != nil {
				s.logger.Warn("rejected client message", "sessionID", s.id, "error", err)
				_ = s.write(ctx, ErrorMessage{Type: "error", Stage: "control", Reason: err.Error()})
			}
		}
	}
}

func (s *session) handleText(ctx context.Context, data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	switch msg.Type {
	case MsgAudioChunk:
		pcm, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			return fmt.Errorf("invalid audio payload: %w", err)
		}
		_, err = s.source.Write(pcm)
		return err

	case MsgControl:
		switch msg.Action {
		case ActionEnableAuto:
			return s.ctrl.EnableAuto()
		case ActionDisableAuto:
			return s.ctrl.DisableAuto()
		case ActionStart:
			return s.ctrl.StartRecording()
		case ActionStop:
			return s.ctrl.StopRecording()
		default:
			return fmt.Errorf("unknown control action %q", msg.Action)
		}

	case MsgPlaybackDone:
		select {
		case s.playDone <- struct{}{}:
		default:
		}
		return nil

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}
