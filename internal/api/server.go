package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/sessionbroker/internal/proxy"
	"github.com/shehryarbajwa/sessionbroker/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	// Health is neither rate limited nor access logged
	r.HandleFunc(healthPath, h.Health).Methods("GET")

	// Attempt inspection (not rate limited)
	r.HandleFunc("/attempts/{id}", h.GetAttempt).Methods("GET")
	r.HandleFunc("/attempts/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		proxyServer.HandleDebugConnection(w, r, mux.Vars(r)["id"])
	}).Methods("GET")

	// Session endpoints (rate limited). Registered last: the catch-all
	// subrouter would otherwise shadow the routes above.
	sessions := r.PathPrefix("").Subrouter()
	sessions.Use(RateLimitMiddleware(rateLimiter, h.ips))
	sessions.HandleFunc("/session", h.CreateSession).Methods("POST", "OPTIONS")
	sessions.HandleFunc("/session-async", h.CreateSessionAsync).Methods("POST", "OPTIONS")
	sessions.HandleFunc("/refresh", h.Refresh).Methods("POST")

	r.Use(recoverMiddleware(h.logger))
	r.Use(accessLogMiddleware(h.logger, h.ips))
	r.Use(corsMiddleware)

	return r
}
