// Package proxy relays a DevTools websocket between an operator and the
// browser of an in-flight attempt.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sessionbroker/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Attempts looks up attempt records.
type Attempts interface {
	Get(id string) (models.Attempt, bool)
}

type Server struct {
	attempts    Attempts
	dialTimeout time.Duration
	logger      *zap.Logger
}

func NewServer(attempts Attempts, logger *zap.Logger) *Server {
	return &Server{
		attempts:    attempts,
		dialTimeout: 10 * time.Second,
		logger:      logger,
	}
}

// HandleDebugConnection upgrades the request and pipes frames both ways until
// either side closes. It answers 404 for unknown attempts and 409 when the
// attempt has no reachable browser.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, attemptID string) {
	attempt, ok := s.attempts.Get(attemptID)
	if !ok {
		writeError(w, http.StatusNotFound, "Attempt not found")
		return
	}

	if attempt.Status != models.StatusRunning || attempt.DebugURL == "" {
		writeError(w, http.StatusConflict, "Attempt has no debuggable browser")
		return
	}

	logger := s.logger.With(zap.String("request_id", attemptID))

	// Dial first so a dead browser is reported before the upgrade.
	ctx, cancel := context.WithTimeout(r.Context(), s.dialTimeout)
	defer cancel()

	chromeConn, _, err := websocket.DefaultDialer.DialContext(ctx, attempt.DebugURL, nil)
	if err != nil {
		logger.Warn("Failed to connect to browser", zap.Error(err))
		writeError(w, http.StatusBadGateway, "Browser is not reachable")
		return
	}
	defer chromeConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	logger.Info("Debug client attached", zap.String("state", attempt.State))

	errChan := make(chan error, 2)

	go func() {
		errChan <- s.proxyMessages(clientConn, chromeConn, "client->chrome", logger)
	}()

	go func() {
		errChan <- s.proxyMessages(chromeConn, clientConn, "chrome->client", logger)
	}()

	// Wait for either direction to close
	err = <-errChan
	if err != nil && err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		logger.Debug("Debug relay ended", zap.Error(err))
	}

	logger.Info("Debug client detached")
}

func (s *Server) proxyMessages(src, dst *websocket.Conn, direction string, logger *zap.Logger) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket error", zap.String("direction", direction), zap.Error(err))
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: msg})
}
