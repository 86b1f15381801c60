package webadmin

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/bumper-core/internal/api"
	"github.com/nerrad567/bumper-core/internal/auth"
)

// buildRouter creates the admin router.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(api.RequestIDMiddleware)
	r.Use(api.LoggingMiddleware(s.logger))
	r.Use(api.RecoveryMiddleware(s.logger))
	r.Use(api.BodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.jwtSecret != "" {
			r.Use(s.bearerAuth)
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/bots", s.handleListBots)
			r.Delete("/bots/{did}", s.handleRemoveBot)
			r.Post("/bots/{did}/command", s.handleBotCommand)

			r.Get("/clients", s.handleListClients)
			r.Delete("/clients/{resource}", s.handleRemoveClient)

			r.Get("/users", s.handleListUsers)
			r.Get("/users/{userid}", s.handleGetUser)
			r.Delete("/users/{userid}/tokens", s.handleRevokeUserTokens)

			r.Post("/tokens/sweep", s.handleSweepTokens)
		})

		r.Get("/ws", s.hub.serveWS)
	})

	return r
}

// bearerAuth requires an admin JWT in the Authorization header or, since
// browsers cannot set headers on websocket upgrades, the token query
// parameter.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if header := r.Header.Get("Authorization"); header != "" {
			var ok bool
			token, ok = strings.CutPrefix(header, "Bearer ")
			if !ok {
				api.WriteUnauthorized(w, "authorization header must use the Bearer scheme")
				return
			}
		}
		if token == "" {
			api.WriteUnauthorized(w, "bearer token required")
			return
		}

		claims, err := auth.ParseAdminToken(token, s.jwtSecret)
		if err != nil {
			s.logger.Debug("admin token rejected", "error", err)
			api.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		s.logger.Debug("admin request authorised", "subject", claims.Subject, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           s.version,
		"websocket_clients": s.hub.ClientCount(),
		"helperbot":         s.helperBot != nil,
	})
}
