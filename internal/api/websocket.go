package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleWebSocket streams the caller's engine events as JSON text frames.
// Browsers cannot set headers on a WebSocket handshake, so the user may also
// be given as the "user" query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.Header.Get(userHeader))
	if user == "" {
		user = strings.TrimSpace(r.URL.Query().Get("user"))
	}
	if user == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "missing "+userHeader+" header")
		return
	}

	// Subscribe before the handshake completes so that no event published
	// after the client sees the upgrade is missed.
	subID, ch := s.engine.Events().Subscribe(64)
	defer s.engine.Events().Unsubscribe(subID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept failed", "user", user, "error", err)
		return
	}
	defer conn.CloseNow()

	s.log.Info("websocket client subscribed", "subID", subID, "user", user)

	// The client never sends; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("websocket client disconnected", "subID", subID, "user", user)
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if ev.UserID != user {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.log.Info("websocket write failed", "subID", subID, "error", err)
				return
			}
		}
	}
}
