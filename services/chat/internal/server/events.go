package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"chatassist/internal/util"
	"chatassist/services/chat/internal/session"
)

const (
	eventBuffer       = 256
	eventWriteTimeout = 10 * time.Second
)

// frame is one websocket text message. The first frame of a connection is
// a snapshot; every later one carries a single event.
type frame struct {
	Type     string            `json:"type"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Event    *session.Event    `json:"event,omitempty"`
}

// handleEvents streams the session's events over a websocket until the
// client goes away, the session is closed or the client falls behind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, c caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctrl, ok := s.session(w, r, c)
	if !ok {
		return
	}
	logger := util.LoggerFromContext(r.Context()).With("user_id", c.user.ID)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer ws.CloseNow()

	// Reads are only needed to notice the client closing.
	ctx := ws.CloseRead(r.Context())

	events := make(chan session.Event, eventBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	unsubscribe := ctrl.Subscribe(func(e session.Event) {
		if overflowed {
			return
		}
		select {
		case events <- e:
		default:
			overflowed = true
			close(overflow)
		}
	})
	defer unsubscribe()

	snap := ctrl.Snapshot()
	if err := writeFrame(ctx, ws, frame{Type: "snapshot", Snapshot: &snap}); err != nil {
		logger.Debug("websocket write failed", "err", err)
		return
	}
	for {
		select {
		case e := <-events:
			if err := writeFrame(ctx, ws, frame{Type: "event", Event: &e}); err != nil {
				logger.Debug("websocket write failed", "err", err)
				return
			}
		case <-ctrl.Done():
			ws.Close(websocket.StatusNormalClosure, "session closed")
			return
		case <-overflow:
			logger.Warn("event subscriber fell behind")
			ws.Close(websocket.StatusTryAgainLater, "too slow")
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}
