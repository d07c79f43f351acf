package recognizer

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/speechlink/pkg/protocol"
)

// Telemetry records when each inbound message type was received, together
// with the timing of the connection handshake. The service expects a summary
// of it at the end of every turn.
//
// Telemetry is written only by the response interpreter and is not safe for
// concurrent use.
type Telemetry struct {
	connectionID string
	connStart    time.Time
	connEnd      time.Time

	entries []*ReceivedMessage
	index   map[string]*ReceivedMessage
}

// ReceivedMessage lists the receipt times of one inbound message path.
type ReceivedMessage struct {
	Path       string
	Timestamps []time.Time
}

// MarshalJSON renders the entry as a single-key object whose value is one
// timestamp, or a list when the path was received more than once.
func (e ReceivedMessage) MarshalJSON() ([]byte, error) {
	if len(e.Timestamps) == 1 {
		return json.Marshal(map[string]string{e.Path: protocol.Timestamp(e.Timestamps[0])})
	}
	list := make([]string, len(e.Timestamps))
	for i, ts := range e.Timestamps {
		list[i] = protocol.Timestamp(ts)
	}
	return json.Marshal(map[string][]string{e.Path: list})
}

// ConnectionMetric is the connection-establishment span reported with the
// first turn's telemetry.
type ConnectionMetric struct {
	Name  string `json:"Name"`
	ID    string `json:"Id"`
	Start string `json:"Start"`
	End   string `json:"End,omitempty"`
}

// TelemetryPayload is the JSON body of a telemetry message.
type TelemetryPayload struct {
	ReceivedMessages []ReceivedMessage  `json:"ReceivedMessages"`
	Metrics          []ConnectionMetric `json:"Metrics,omitempty"`
}

// NewTelemetry returns an empty recorder for the given connection.
func NewTelemetry(connectionID string) *Telemetry {
	return &Telemetry{
		connectionID: connectionID,
		index:        make(map[string]*ReceivedMessage),
	}
}

// ConnectionStarted marks the start of the connection handshake.
func (t *Telemetry) ConnectionStarted(ts time.Time) { t.connStart = ts }

// ConnectionEstablished marks the completion of the connection handshake.
func (t *Telemetry) ConnectionEstablished(ts time.Time) { t.connEnd = ts }

// Record notes that a message with path was received at ts. Repeated paths
// accumulate rather than overwrite.
func (t *Telemetry) Record(path string, ts time.Time) {
	if e, ok := t.index[path]; ok {
		e.Timestamps = append(e.Timestamps, ts)
		return
	}
	e := &ReceivedMessage{Path: path, Timestamps: []time.Time{ts}}
	t.entries = append(t.entries, e)
	t.index[path] = e
}

// Timestamps returns a copy of the receipt times recorded for path.
func (t *Telemetry) Timestamps(path string) []time.Time {
	e, ok := t.index[path]
	if !ok {
		return nil
	}
	out := make([]time.Time, len(e.Timestamps))
	copy(out, e.Timestamps)
	return out
}

// Paths returns the recorded paths in order of first receipt.
func (t *Telemetry) Paths() []string {
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Path
	}
	return out
}

// Payload assembles the telemetry message body. The connection metric is
// included only for the first turn of a session.
func (t *Telemetry) Payload(firstTurn bool) TelemetryPayload {
	p := TelemetryPayload{ReceivedMessages: make([]ReceivedMessage, 0, len(t.entries))}
	for _, e := range t.entries {
		p.ReceivedMessages = append(p.ReceivedMessages, ReceivedMessage{
			Path:       e.Path,
			Timestamps: append([]time.Time(nil), e.Timestamps...),
		})
	}
	if firstTurn {
		m := ConnectionMetric{
			Name:  "Connection",
			ID:    t.connectionID,
			Start: protocol.Timestamp(t.connStart),
		}
		if !t.connEnd.IsZero() {
			m.End = protocol.Timestamp(t.connEnd)
		}
		p.Metrics = []ConnectionMetric{m}
	}
	return p
}
