package recognizer

import (
	"context"
	"errors"

	"github.com/coder/websocket"

	"github.com/MrWong99/speechlink/pkg/protocol"
)

// State is the recognition state of a session. It is mutated only by the
// response interpreter.
type State struct {
	// TurnCount is incremented once per turn.start.
	TurnCount int

	// TurnActive is true between turn.start and the matching turn.end.
	TurnActive bool

	// Hypothesis is the latest interim transcription.
	Hypothesis string

	// Phrase is the most recent successfully recognized phrase.
	Phrase string

	// Phrases holds every successfully recognized phrase in order.
	Phrases []string
}

// Apply advances the state with ev. format selects how final text is
// extracted from speech.phrase events. turnEnded reports whether ev closed the
// active turn. Any error is fatal for the session.
func (st *State) Apply(ev protocol.Event, format protocol.Format) (turnEnded bool, err error) {
	if !st.TurnActive && requiresTurn(ev) {
		return false, &protocol.UnexpectedEventError{Path: ev.Path(), Reason: "no active turn"}
	}

	switch e := ev.(type) {
	case protocol.TurnStart:
		st.TurnCount++
		st.TurnActive = true
	case protocol.SpeechStartDetected, protocol.SpeechEndDetected:
		// markers
	case protocol.SpeechHypothesis:
		st.Hypothesis = e.Text
	case protocol.SpeechPhrase:
		if !e.Succeeded() {
			return false, nil
		}
		text, err := e.FinalText(format)
		if err != nil {
			return false, err
		}
		st.Phrase = text
		st.Phrases = append(st.Phrases, text)
	case protocol.TurnEnd:
		st.TurnActive = false
		return true, nil
	default:
		return false, &protocol.UnexpectedEventError{Path: ev.Path()}
	}
	return false, nil
}

// requiresTurn reports whether ev is only valid inside a turn.
func requiresTurn(ev protocol.Event) bool {
	switch ev.(type) {
	case protocol.SpeechStartDetected, protocol.SpeechEndDetected,
		protocol.SpeechHypothesis, protocol.SpeechPhrase, protocol.TurnEnd:
		return true
	}
	return false
}

// interpreter consumes inbound messages and drives [State] until the requested
// number of turns has completed or the connection closes.
type interpreter struct {
	s     *session
	state State

	turnsDone int
	received  int

	// closed is set when the loop ended because the connection went away.
	closed bool
}

// run is the receive loop. A read failure that is not caused by ctx ends the
// loop normally with closed set. Decode and protocol errors close the
// connection and are returned.
func (in *interpreter) run(ctx context.Context) error {
	for in.turnsDone < in.s.req.Turns {
		typ, data, err := in.s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.closed = true
			in.s.log.Info("connection closed", "turns", in.turnsDone, "err", err)
			return nil
		}

		if err := in.handle(ctx, typ, data); err != nil {
			in.s.log.Warn("closing connection", "err", err)
			var ue *protocol.UnexpectedEventError
			if errors.As(err, &ue) {
				_ = in.s.close(websocket.StatusProtocolError, "unexpected event")
			} else {
				_ = in.s.close(websocket.StatusInvalidFramePayloadData, "decode error")
			}
			return err
		}
	}
	return nil
}

func (in *interpreter) handle(ctx context.Context, typ websocket.MessageType, data []byte) error {
	f, err := protocol.Decode(data, typ == websocket.MessageBinary)
	if err != nil {
		return err
	}
	in.received++
	in.s.telemetry.Record(f.Path, in.s.now())
	in.s.log.Debug("received", "path", f.Path, "bytes", len(data))

	ev, err := protocol.ParseEvent(f)
	if err != nil {
		return err
	}

	turnEnded, err := in.state.Apply(ev, in.s.req.Format)
	if err != nil {
		return err
	}

	if h, ok := ev.(protocol.SpeechHypothesis); ok {
		in.s.log.Debug("hypothesis", "text", h.Text)
		if in.s.req.OnHypothesis != nil {
			in.s.req.OnHypothesis(h.Text)
		}
	}

	if turnEnded {
		firstTurn := in.turnsDone == 0
		in.turnsDone++
		if err := in.s.sendTelemetry(ctx, firstTurn); err != nil {
			if !errors.Is(err, errConnClosed) {
				return err
			}
			in.s.log.Info("telemetry not delivered", "err", err)
		}
	}
	return nil
}
