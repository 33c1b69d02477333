package server

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"make24/internal/engine"
	"make24/internal/events"
)

const (
	streamInterval     = time.Second
	streamWriteTimeout = 5 * time.Second
)

// StreamMessage is one frame on the challenge stream: either a snapshot of the
// countdown or an engine event.
type StreamMessage struct {
	Type     string           `json:"type"`
	Snapshot *engine.Snapshot `json:"snapshot,omitempty"`
	Event    *events.Event    `json:"event,omitempty"`
}

// stream pushes a snapshot on connect, every engine event as it happens, and
// a fresh snapshot every second.
func (h handlers) stream(w http.ResponseWriter, r *http.Request) {
	id, authErr := identityFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	sess, err := h.sessions.get(r.Context(), id)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Debug("websocket accept", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	evts, cancel := sess.hub.Subscribe(16)
	defer cancel()
	ctx := conn.CloseRead(r.Context())

	write := func(msg StreamMessage) error {
		wctx, done := context.WithTimeout(ctx, streamWriteTimeout)
		defer done()
		return wsjson.Write(wctx, conn, msg)
	}
	snapshot := func() StreamMessage {
		s := sess.engine.Snapshot()
		return StreamMessage{Type: "snapshot", Snapshot: &s}
	}

	if err := write(snapshot()); err != nil {
		return
	}
	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-evts:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			if err := write(StreamMessage{Type: "event", Event: &evt}); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(snapshot()); err != nil {
				return
			}
		}
	}
}

// originPatterns converts CORS origins to host patterns for the websocket
// origin check.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			out = append(out, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
