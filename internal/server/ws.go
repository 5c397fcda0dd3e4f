package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/protocol"
	"github.com/aromanstatue/MCP-Elevenlab-Scribe-ASR/internal/session"
)

// wsSink delivers envelopes to one WebSocket connection. gorilla/websocket
// allows a single concurrent writer, so every write goes through the mutex.
type wsSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (s *wsSink) Push(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// handleWebSocket implements the /ws/transcribe endpoint. Each connection
// carries exactly one transcription session; the connection closes once the
// session reaches a terminal state.
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.config.Server.MaxSessions > 0 && h.manager.ActiveSessionCount() >= h.config.Server.MaxSessions {
		h.logger.Warn("Rejecting connection, session limit reached",
			slog.Int("max_sessions", h.config.Server.MaxSessions),
		)
		http.Error(w, "Too many sessions", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	if h.config.Server.ReadLimit > 0 {
		conn.SetReadLimit(h.config.Server.ReadLimit)
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = h.manager.NewSessionID()
	}

	sink := &wsSink{
		conn:         conn,
		writeTimeout: h.config.Server.GetWriteTimeoutDuration(),
	}

	h.logger.Info("WebSocket connection established",
		slog.String("session_id", sessionID),
		slog.String("remote", r.RemoteAddr),
	)

	defer h.manager.SessionClosed(sessionID)

	var sess *session.Session
	var watchOnce sync.Once
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("WebSocket read failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			var derr *protocol.DecodeError
			if !errors.As(err, &derr) {
				derr = &protocol.DecodeError{
					Code:    protocol.CodeMalformedEnvelope,
					Message: err.Error(),
				}
			}
			h.manager.HandleMalformed(sessionID, derr, sink)
			if sess != nil {
				// Let the session push its ERROR before the connection goes.
				<-sess.Done()
			}
			return
		}

		sess = h.manager.HandleEnvelope(sessionID, env, sink)
		if sess == nil {
			// The session already ended; nothing further to route.
			return
		}

		// Once the session terminates, close the connection so the read
		// loop cannot feed a stale transport into a fresh session.
		watch := sess
		watchOnce.Do(func() {
			go func() {
				<-watch.Done()
				conn.Close()
			}()
		})
	}
}
