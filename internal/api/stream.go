package api

import (
	"encoding/json"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

const streamBuffer = 256

// streamLogs upgrades to a WebSocket and forwards every emitted record as a
// JSON text frame, optionally filtered by session_id. Client frames are read
// only to notice the close.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		writeError(w, http.StatusServiceUnavailable, "log stream unavailable")
		return
	}
	sessionID := sessionParam(r)
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close websocket", zap.Error(err))
		}
	}()

	records, unsubscribe := s.deps.Feed.Subscribe(streamBuffer)
	defer unsubscribe()

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	logger := s.logger.With(zap.String("request_id", requestID(r.Context())))
	logger.Debug("log stream opened", zap.String("session_id", sessionID))
	for {
		select {
		case <-clientGone:
			logger.Debug("log stream closed by client")
			return
		case <-s.streamCtx.Done():
			body := ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")
			if err := ws.WriteFrame(conn, ws.NewCloseFrame(body)); err != nil {
				logger.Debug("write close frame", zap.Error(err))
			}
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if sessionID != "" && rec.SessionID != sessionID {
				continue
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				logger.Error("encode record failed", zap.Error(err))
				continue
			}
			if err := wsutil.WriteServerText(conn, payload); err != nil {
				logger.Debug("log stream write failed", zap.Error(err))
				return
			}
		}
	}
}
