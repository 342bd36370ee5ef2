// Package wire fans each dialog's eventbus.Bus stream out over WebSocket
// connections (kernel spec §6.4 "Event sink"): one subscriber per
// connection, serialized as JSON with the wire event tag (kernel spec §6)
// as the "type" discriminant. Grounded on bitop-dev-agent's
// pkg/ai/providers/proxy (thin net/http handler wrapping a backend) and
// vanducng-goclaw's WSClient (github.com/coder/websocket: thread-safe
// write, explicit close code/reason).
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/dialogkernel/kernel/pkg/kernel/eventbus"
)

// wireEvent is the JSON envelope sent to every connected subscriber. The
// "type" field carries the same EventType tags the driver publishes
// (markdown_chunk_evt, func_call_requested_evt, teammate_call_start_evt,
// ... kernel spec §6).
type wireEvent struct {
	Type    eventbus.EventType `json:"type"`
	Dialog  string             `json:"dialogId"`
	Seq     int64              `json:"seq"`
	Payload any                `json:"payload"`
}

// Sink serves one HTTP endpoint that upgrades to a WebSocket and streams a
// single dialog's events. The dialog id is taken from the request path
// (kernel spec §6.4 leaves transport framing to the implementation; one
// connection per dialog id keeps the sink stateless across dialogs).
type Sink struct {
	bus *eventbus.Bus

	// PathPrefix is stripped from the request URL to obtain the dialog id,
	// e.g. "/dialogs/" for a request to "/dialogs/d1/course3".
	PathPrefix string

	// WriteTimeout bounds a single event write; zero means no timeout.
	WriteTimeout time.Duration
}

// New returns a Sink reading from bus.
func New(bus *eventbus.Bus, pathPrefix string) *Sink {
	return &Sink{bus: bus, PathPrefix: pathPrefix}
}

// ServeHTTP implements http.Handler. It accepts the WebSocket upgrade,
// subscribes to the dialog named by the request path, and pumps every
// event to the connection as JSON until the subscriber's stream ends, the
// connection errors, or the request context is cancelled.
func (s *Sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	dialogID := strings.TrimPrefix(r.URL.Path, s.PathPrefix)
	if dialogID == "" {
		http.Error(w, "wire: missing dialog id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.bus.Subscribe(dialogID)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "request context done")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
			if ev.Type == eventbus.EndOfStream {
				conn.Close(websocket.StatusNormalClosure, "end of stream")
				return
			}
		}
	}
}

func (s *Sink) writeEvent(ctx context.Context, conn *websocket.Conn, ev eventbus.Event) error {
	writeCtx := ctx
	if s.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, s.WriteTimeout)
		defer cancel()
	}
	data, err := json.Marshal(wireEvent{Type: ev.Type, Dialog: ev.DialogID, Seq: ev.Seq, Payload: ev.Payload})
	if err != nil {
		return err
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// DialAndDrain is a small test/debug client: it connects to a Sink's
// endpoint and returns every decoded event until the stream closes or ctx
// is cancelled. Production UI subscribers decode the same frames directly;
// this helper exists so package wire's own tests never depend on a browser
// WebSocket client.
func DialAndDrain(ctx context.Context, url string) ([]json.RawMessage, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer conn.CloseNow()

	var out []json.RawMessage
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return out, nil
			}
			return out, err
		}
		out = append(out, json.RawMessage(append([]byte(nil), data...)))
	}
}
