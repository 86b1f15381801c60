package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// vendorPrefix matches the app's path parameters ahead of each user action.
const vendorPrefix = "/v1/private/{country}/{lang}/{deviceId}/{appCode}/{appVersion}/{channel}/{deviceType}"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(BodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route(vendorPrefix+"/user", func(r chi.Router) {
		// Apps use both verbs depending on version.
		r.Get("/login", s.handleLogin)
		r.Post("/login", s.handleLogin)
		r.Get("/checkLogin", s.handleCheckLogin)
		r.Post("/checkLogin", s.handleCheckLogin)
		r.Get("/getAuthCode", s.handleGetAuthCode)
		r.Post("/getAuthCode", s.handleGetAuthCode)
		r.Post("/logout", s.handleLogout)
	})

	r.Post("/api/users/user.do", s.handleUserDo)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("unhandled vendor API call", "method", r.Method, "path", r.URL.Path)
		WriteNotFound(w, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
