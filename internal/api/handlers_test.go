package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sessionbroker/internal/failure"
	"github.com/shehryarbajwa/sessionbroker/internal/proxy"
	"github.com/shehryarbajwa/sessionbroker/internal/ratelimit"
	"github.com/shehryarbajwa/sessionbroker/internal/session"
	"github.com/shehryarbajwa/sessionbroker/pkg/models"
)

type fakeAttempts struct {
	mu       sync.Mutex
	err      error
	asyncErr error
	last     models.SessionRequest
	records  map[string]models.Attempt
}

func (f *fakeAttempts) Login(ctx context.Context, req models.SessionRequest) (*models.SessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.SessionResult{
		Cookies:   "session=abc; xsrf=def",
		ExpiresAt: time.Date(2026, 10, 19, 12, 25, 0, 0, time.UTC),
	}, nil
}

func (f *fakeAttempts) LoginAsync(req models.SessionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	if f.asyncErr != nil {
		return "", f.asyncErr
	}
	if req.ID == "" {
		return "generated-id", nil
	}
	return req.ID, nil
}

func (f *fakeAttempts) Get(id string) (models.Attempt, bool) {
	a, ok := f.records[id]
	return a, ok
}

func newTestRouter(attempts *fakeAttempts, burst int, trusted ...netip.Prefix) http.Handler {
	h := NewHandler(attempts, NewClientIPResolver(trusted), zap.NewNop())
	return h.SetupRoutes(proxy.NewServer(attempts, zap.NewNop()), ratelimit.NewLimiter(100, burst))
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateSessionSuccess(t *testing.T) {
	attempts := &fakeAttempts{}
	router := newTestRouter(attempts, 10)

	rec := do(t, router, "POST", "/session", `{"user":"alice","pass":"hunter2","code":"ACME"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"cookies":["session=abc; xsrf=def"],"expires":"2026-10-19T12:25:00Z"}`, rec.Body.String())

	assert.Equal(t, "alice", attempts.last.Identity)
	assert.Equal(t, "hunter2", attempts.last.Secret)
	assert.Equal(t, "ACME", attempts.last.TenantCode)
}

func TestCreateSessionAcceptsAliases(t *testing.T) {
	attempts := &fakeAttempts{}
	router := newTestRouter(attempts, 10)

	rec := do(t, router, "POST", "/session", `{"identity":"alice","secret":"hunter2","tenant_code":"ACME"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", attempts.last.Identity)
}

func TestCreateSessionValidation(t *testing.T) {
	router := newTestRouter(&fakeAttempts{}, 10)

	for _, body := range []string{
		`{"user":"alice","pass":"hunter2"}`,
		`{"user":"","pass":"hunter2","code":"ACME"}`,
		`{}`,
		`not json`,
	} {
		rec := do(t, router, "POST", "/session", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.JSONEq(t, `{"error":"Missing required fields: user, pass, code"}`, rec.Body.String(), body)
	}
}

func TestCreateSessionFailureMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{
			name:   "captcha timeout",
			err:    failure.Newf(failure.KindCaptchaTimeout, "budget spent"),
			status: http.StatusPreconditionRequired,
			msg:    "Captcha solver timed out",
		},
		{
			name:   "second factor",
			err:    failure.Newf(failure.KindTwoFactorRequired, "enabled"),
			status: http.StatusPreconditionRequired,
			msg:    failure.Message(failure.KindTwoFactorRequired),
		},
		{
			name:   "missing cookies",
			err:    &failure.Error{Kind: failure.KindMissingCookies, Missing: []string{"xsrf"}},
			status: http.StatusInternalServerError,
			msg:    "Authentication cookies not received - login may have failed",
		},
		{
			name:   "bad credentials",
			err:    failure.Newf(failure.KindCredential, "Invalid password"),
			status: http.StatusBadRequest,
			msg:    failure.Message(failure.KindCredential),
		},
		{
			name:   "unclassified",
			err:    context.DeadlineExceeded,
			status: http.StatusInternalServerError,
			msg:    failure.Message(failure.KindBrowser),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeAttempts{err: tt.err}, 10)

			rec := do(t, router, "POST", "/session", `{"user":"alice","pass":"hunter2","code":"ACME"}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.msg, decode(t, rec)["error"])
		})
	}
}

func TestCreateSessionDuringShutdown(t *testing.T) {
	rec := do(t, newTestRouter(&fakeAttempts{err: session.ErrShuttingDown}, 10), "POST", "/session",
		`{"user":"alice","pass":"hunter2","code":"ACME"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, msgShuttingDown, decode(t, rec)["error"])
}

func TestCreateSessionAsync(t *testing.T) {
	attempts := &fakeAttempts{}
	router := newTestRouter(attempts, 10)

	rec := do(t, router, "POST", "/session-async",
		`{"user":"alice","pass":"hunter2","code":"ACME","correlation_id":"corr-7","callback_address":"https://hooks.example.com/cb"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"success":true,"request_id":"corr-7"}`, rec.Body.String())
	assert.Equal(t, "https://hooks.example.com/cb", attempts.last.CallbackURL)

	rec = do(t, router, "POST", "/session-async",
		`{"user":"alice","pass":"hunter2","code":"ACME","callback_address":"http://10.0.0.5:9000/cb"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "generated-id", decode(t, rec)["request_id"])
}

func TestCreateSessionAsyncValidation(t *testing.T) {
	router := newTestRouter(&fakeAttempts{}, 10)

	rec := do(t, router, "POST", "/session-async", `{"user":"alice","pass":"hunter2","callback_address":"https://hooks.example.com/cb"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing required fields: user, pass, code", decode(t, rec)["error"])

	for _, cb := range []string{"", "hooks.example.com/cb", "ftp://hooks.example.com/cb", "/relative"} {
		body := `{"user":"alice","pass":"hunter2","code":"ACME","callback_address":"` + cb + `"}`
		rec := do(t, router, "POST", "/session-async", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, cb)
		assert.Equal(t, msgInvalidCallback, decode(t, rec)["error"], cb)
	}
}

func TestCreateSessionAsyncConflicts(t *testing.T) {
	body := `{"user":"alice","pass":"hunter2","code":"ACME","correlation_id":"dup","callback_address":"https://hooks.example.com/cb"}`

	rec := do(t, newTestRouter(&fakeAttempts{asyncErr: session.ErrAttemptExists}, 10), "POST", "/session-async", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, newTestRouter(&fakeAttempts{asyncErr: session.ErrShuttingDown}, 10), "POST", "/session-async", body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthIsNotRateLimited(t *testing.T) {
	router := newTestRouter(&fakeAttempts{}, 1)

	for i := 0; i < 5; i++ {
		rec := do(t, router, "GET", "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	}
}

func TestSessionIsRateLimitedPerClient(t *testing.T) {
	router := newTestRouter(&fakeAttempts{}, 1)
	body := `{"user":"alice","pass":"hunter2","code":"ACME"}`

	rec := do(t, router, "POST", "/session", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))

	rec = do(t, router, "POST", "/session", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"Rate limit exceeded"}`, rec.Body.String())

	req := httptest.NewRequest("POST", "/session", strings.NewReader(body))
	req.RemoteAddr = "198.51.100.20:40000"
	other := httptest.NewRecorder()
	router.ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestForwardedForFromUntrustedPeerDoesNotEvadeLimit(t *testing.T) {
	router := newTestRouter(&fakeAttempts{}, 1)

	var codes []int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/refresh", strings.NewReader(`{}`))
		req.RemoteAddr = "192.0.2.50:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{
		http.StatusNotImplemented,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	}, codes)
}

func TestForwardedForFromTrustedProxyIsPerClient(t *testing.T) {
	router := newTestRouter(&fakeAttempts{}, 1, netip.MustParsePrefix("10.0.0.0/8"))

	send := func(xff string) int {
		req := httptest.NewRequest("POST", "/refresh", strings.NewReader(`{}`))
		req.RemoteAddr = "10.0.0.1:40000"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNotImplemented, send("203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.1"))
	assert.Equal(t, http.StatusNotImplemented, send("203.0.113.2"))
}

func TestRefreshNotImplemented(t *testing.T) {
	rec := do(t, newTestRouter(&fakeAttempts{}, 10), "POST", "/refresh", `{}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "/session")
}

func TestGetAttempt(t *testing.T) {
	started := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	attempts := &fakeAttempts{records: map[string]models.Attempt{
		"a1": {
			ID:        "a1",
			Async:     true,
			State:     "ChallengeSolving",
			Status:    models.StatusRunning,
			StartedAt: started,
			DebugURL:  "ws://127.0.0.1:9222",
		},
	}}
	router := newTestRouter(attempts, 10)

	rec := do(t, router, "GET", "/attempts/a1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"a1","async":true,"state":"ChallengeSolving","status":"RUNNING","startedAt":"2026-10-19T12:00:00Z"}`, rec.Body.String())

	rec = do(t, router, "GET", "/attempts/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreflight(t *testing.T) {
	rec := do(t, newTestRouter(&fakeAttempts{}, 10), "OPTIONS", "/session", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestClientIP(t *testing.T) {
	untrusting := NewClientIPResolver(nil)
	trusting := NewClientIPResolver([]netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.1/32"),
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:54321"
	assert.Equal(t, "192.0.2.1", untrusting.ClientIP(req))
	assert.Equal(t, "192.0.2.1", trusting.ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "192.0.2.1", untrusting.ClientIP(req))
	assert.Equal(t, "198.51.100.2", trusting.ClientIP(req))

	req.Header.Set("X-Forwarded-For", "6.6.6.6, 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "192.0.2.1", untrusting.ClientIP(req))
	assert.Equal(t, "203.0.113.9", trusting.ClientIP(req), "spoofed leftmost hop is ignored")

	req.Header.Set("X-Forwarded-For", "10.0.0.7, 10.0.0.1")
	assert.Equal(t, "10.0.0.7", trusting.ClientIP(req))

	req.RemoteAddr = "203.0.113.77:1234"
	assert.Equal(t, "203.0.113.77", trusting.ClientIP(req))
}
