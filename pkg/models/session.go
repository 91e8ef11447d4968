package models

import (
	"encoding/json"
	"strings"
	"time"
)

// SessionRequest is one caller's ask for an authenticated upstream session.
type SessionRequest struct {
	ID          string
	Identity    string
	Secret      string
	TenantCode  string
	CallbackURL string
}

// SessionResult is the successful terminal result of an attempt
type SessionResult struct {
	Cookies   string
	ExpiresAt time.Time
}

// CreateSessionRequest is the payload for POST /session
type CreateSessionRequest struct {
	User string `json:"user"`
	Pass string `json:"pass"`
	Code string `json:"code"`
}

// UnmarshalJSON accepts identity/secret/tenant_code as aliases of user/pass/code.
func (r *CreateSessionRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		User       string `json:"user"`
		Pass       string `json:"pass"`
		Code       string `json:"code"`
		Identity   string `json:"identity"`
		Secret     string `json:"secret"`
		TenantCode string `json:"tenant_code"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.User = firstNonEmpty(raw.User, raw.Identity)
	r.Pass = firstNonEmpty(raw.Pass, raw.Secret)
	r.Code = firstNonEmpty(raw.Code, raw.TenantCode)
	return nil
}

// Complete reports whether every credential field is present.
func (r CreateSessionRequest) Complete() bool {
	return strings.TrimSpace(r.User) != "" && r.Pass != "" && strings.TrimSpace(r.Code) != ""
}

// CreateAsyncSessionRequest is the payload for POST /session-async
type CreateAsyncSessionRequest struct {
	CreateSessionRequest
	CorrelationID   string `json:"correlation_id"`
	CallbackAddress string `json:"callback_address"`
}

// UnmarshalJSON decodes the embedded credentials with their aliases and the
// async-only fields.
func (r *CreateAsyncSessionRequest) UnmarshalJSON(data []byte) error {
	if err := r.CreateSessionRequest.UnmarshalJSON(data); err != nil {
		return err
	}
	var raw struct {
		CorrelationID   string `json:"correlation_id"`
		CallbackAddress string `json:"callback_address"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.CorrelationID = raw.CorrelationID
	r.CallbackAddress = raw.CallbackAddress
	return nil
}

// SessionResponse is the 200 body of POST /session
type SessionResponse struct {
	Cookies []string `json:"cookies"`
	Expires string   `json:"expires"`
}

// AcceptedResponse is the 202 body of POST /session-async
type AcceptedResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// WebhookPayload is delivered to the callback address once an async attempt ends.
type WebhookPayload struct {
	RequestID string   `json:"request_id"`
	Success   bool     `json:"success"`
	Cookies   []string `json:"cookies,omitempty"`
	Expires   string   `json:"expires,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// NewSessionResponse renders a result in the wire shape shared by the sync
// response and the async webhook.
func NewSessionResponse(res *SessionResult) SessionResponse {
	return SessionResponse{
		Cookies: []string{res.Cookies},
		Expires: res.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
