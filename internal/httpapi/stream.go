package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleEventStream upgrades to a websocket and forwards the org's domain
// events as JSON text frames until either side goes away. Client frames are
// ignored.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream not configured", getCorrelationID(r))
		return
	}
	orgID := chi.URLParam(r, "org")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOriginPatterns})
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "org_id", orgID, "error", err)
		return
	}
	events, cancel := s.deps.Events.Subscribe(orgID, s.cfg.StreamBuffer)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	s.logger.Info("event stream opened", "org_id", orgID)
	defer s.logger.Info("event stream closed", "org_id", orgID)
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				s.logger.Debug("event stream write failed", "org_id", orgID, "error", err)
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
