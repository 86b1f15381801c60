package webadmin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/bumper-core/internal/api"
	"github.com/nerrad567/bumper-core/internal/infrastructure/mqtt"
)

// commandRequest is the body of POST /api/bots/{did}/command.
type commandRequest struct {
	Command string          `json:"cmd"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// commandResponse relays the bot's answer. JSON payloads are embedded as-is.
type commandResponse struct {
	Command   string `json:"cmd"`
	DID       string `json:"did"`
	RequestID string `json:"request_id"`
	Payload   any    `json:"payload"`
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.registry.Bots(r.Context())
	if err != nil {
		s.logger.Error("listing bots", "error", err)
		api.WriteInternalError(w, "failed to list bots")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"bots": bots, "count": len(bots)})
}

func (s *Server) handleRemoveBot(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	if !s.botExists(w, r, did) {
		return
	}

	if err := s.registry.BotRemove(r.Context(), did); err != nil {
		s.logger.Error("removing bot", "did", did, "error", err)
		api.WriteInternalError(w, "failed to remove bot")
		return
	}
	s.logger.Info("bot removed", "did", did)
	w.WriteHeader(http.StatusNoContent)
}

// handleBotCommand sends a command to a bot through the helper bot and
// returns its answer.
func (s *Server) handleBotCommand(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		api.WriteBadRequest(w, "cmd is required")
		return
	}

	bot, err := s.registry.BotGet(r.Context(), did)
	if err != nil {
		s.logger.Error("loading bot", "did", did, "error", err)
		api.WriteInternalError(w, "failed to load bot")
		return
	}
	if bot == nil {
		api.WriteNotFound(w, "bot not found")
		return
	}

	if s.helperBot == nil {
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeUnavailable, ErrNoHelperBot.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	resp, err := s.helperBot.SendCommand(ctx, mqtt.Command{
		Name:     req.Command,
		DID:      bot.DID,
		Class:    bot.Dev,
		Resource: bot.Res,
		Payload:  req.Payload,
	})
	switch {
	case errors.Is(err, mqtt.ErrInvalidCommand):
		api.WriteBadRequest(w, "bot record lacks class or resource")
		return
	case errors.Is(err, mqtt.ErrTimeout):
		api.WriteError(w, http.StatusGatewayTimeout, "timeout", "bot did not answer in time")
		return
	case errors.Is(err, mqtt.ErrNotConnected):
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeUnavailable, "helper bot not connected")
		return
	case err != nil:
		s.logger.Error("sending bot command", "did", did, "cmd", req.Command, "error", err)
		api.WriteInternalError(w, "failed to send command")
		return
	}

	var payload any = string(resp.Payload)
	if json.Valid(resp.Payload) {
		payload = json.RawMessage(resp.Payload)
	}
	api.WriteJSON(w, http.StatusOK, commandResponse{
		Command:   resp.Command,
		DID:       resp.DID,
		RequestID: resp.RequestID,
		Payload:   payload,
	})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.registry.Clients(r.Context())
	if err != nil {
		s.logger.Error("listing clients", "error", err)
		api.WriteInternalError(w, "failed to list clients")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"clients": clients, "count": len(clients)})
}

func (s *Server) handleRemoveClient(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")

	client, err := s.registry.ClientGet(r.Context(), resource)
	if err != nil {
		s.logger.Error("loading client", "resource", resource, "error", err)
		api.WriteInternalError(w, "failed to load client")
		return
	}
	if client == nil {
		api.WriteNotFound(w, "client not found")
		return
	}

	if err := s.registry.ClientRemove(r.Context(), resource); err != nil {
		s.logger.Error("removing client", "resource", resource, "error", err)
		api.WriteInternalError(w, "failed to remove client")
		return
	}
	s.logger.Info("client removed", "resource", resource)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.registry.Users(r.Context())
	if err != nil {
		s.logger.Error("listing users", "error", err)
		api.WriteInternalError(w, "failed to list users")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

// handleGetUser returns the user with its live and expired tokens.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userid")

	user, err := s.registry.UserGet(r.Context(), userID)
	if err != nil {
		s.logger.Error("loading user", "user_id", userID, "error", err)
		api.WriteInternalError(w, "failed to load user")
		return
	}
	if user == nil {
		api.WriteNotFound(w, "user not found")
		return
	}

	tokens, err := s.registry.UserGetTokens(r.Context(), userID)
	if err != nil {
		s.logger.Error("loading user tokens", "user_id", userID, "error", err)
		api.WriteInternalError(w, "failed to load tokens")
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"user":   user,
		"tokens": tokens,
	})
}

func (s *Server) handleRevokeUserTokens(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userid")

	if err := s.registry.UserRevokeAllTokens(r.Context(), userID); err != nil {
		s.logger.Error("revoking user tokens", "user_id", userID, "error", err)
		api.WriteInternalError(w, "failed to revoke tokens")
		return
	}
	s.logger.Info("user tokens revoked", "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSweepTokens(w http.ResponseWriter, r *http.Request) {
	removed, err := s.registry.RevokeExpiredTokens(r.Context())
	if err != nil {
		s.logger.Error("sweeping tokens", "error", err)
		api.WriteInternalError(w, "failed to sweep tokens")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"revoked": removed})
}

// botExists writes a 404 or 500 and returns false unless did is registered.
func (s *Server) botExists(w http.ResponseWriter, r *http.Request, did string) bool {
	bot, err := s.registry.BotGet(r.Context(), did)
	if err != nil {
		s.logger.Error("loading bot", "did", did, "error", err)
		api.WriteInternalError(w, "failed to load bot")
		return false
	}
	if bot == nil {
		api.WriteNotFound(w, "bot not found")
		return false
	}
	return true
}
