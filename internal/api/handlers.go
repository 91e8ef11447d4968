package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sessionbroker/internal/failure"
	"github.com/shehryarbajwa/sessionbroker/internal/session"
	"github.com/shehryarbajwa/sessionbroker/pkg/models"
)

const (
	msgInvalidCallback = "callback_address must be an absolute http(s) URL"
	msgRefresh         = "Session refresh is not supported - request a new session from POST /session"
	msgShuttingDown    = "Service is shutting down"
)

// Attempts is what the handlers need from the attempt manager.
type Attempts interface {
	Login(ctx context.Context, req models.SessionRequest) (*models.SessionResult, error)
	LoginAsync(req models.SessionRequest) (string, error)
	Get(id string) (models.Attempt, bool)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	attempts Attempts
	ips      *ClientIPResolver
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(attempts Attempts, ips *ClientIPResolver, logger *zap.Logger) *Handler {
	return &Handler{
		attempts: attempts,
		ips:      ips,
		logger:   logger,
	}
}

// CreateSession handles POST /session
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Complete() {
		writeFailure(w, failure.KindValidation)
		return
	}

	res, err := h.attempts.Login(r.Context(), models.SessionRequest{
		Identity:   req.User,
		Secret:     req.Pass,
		TenantCode: req.Code,
	})
	if errors.Is(err, session.ErrShuttingDown) {
		writeError(w, http.StatusServiceUnavailable, msgShuttingDown)
		return
	}
	if err != nil {
		writeFailure(w, failure.KindOf(err))
		return
	}

	writeJSON(w, http.StatusOK, models.NewSessionResponse(res))
}

// CreateSessionAsync handles POST /session-async
func (h *Handler) CreateSessionAsync(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAsyncSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Complete() {
		writeFailure(w, failure.KindValidation)
		return
	}
	if !validCallback(req.CallbackAddress) {
		writeError(w, http.StatusBadRequest, msgInvalidCallback)
		return
	}

	id, err := h.attempts.LoginAsync(models.SessionRequest{
		ID:          req.CorrelationID,
		Identity:    req.User,
		Secret:      req.Pass,
		TenantCode:  req.Code,
		CallbackURL: req.CallbackAddress,
	})
	switch {
	case errors.Is(err, session.ErrAttemptExists):
		writeError(w, http.StatusConflict, "An attempt with this correlation_id is already known")
		return
	case errors.Is(err, session.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, msgShuttingDown)
		return
	case err != nil:
		h.logger.Error("Failed to admit async attempt", zap.Error(err))
		writeFailure(w, failure.KindOf(err))
		return
	}

	writeJSON(w, http.StatusAccepted, models.AcceptedResponse{Success: true, RequestID: id})
}

// GetAttempt handles GET /attempts/{id}
func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	attempt, ok := h.attempts.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Attempt not found")
		return
	}

	writeJSON(w, http.StatusOK, attempt)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Refresh handles POST /refresh, which is not offered.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, msgRefresh)
}

func validCallback(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func writeFailure(w http.ResponseWriter, kind failure.Kind) {
	writeError(w, failure.HTTPStatus(kind), failure.Message(kind))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
