package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// user.do actions.
const (
	todoLoginByItToken = "loginByItToken"
	todoGetDeviceList  = "GetDeviceList"
	todoLogout         = "logout"
)

// Error numbers reported in failed user.do responses.
const (
	errnoBadRequest = "0002"
	errnoAuth       = "0004"
	errnoInternal   = "9999"
)

// userDoCredentials authenticates a user.do call made after login.
type userDoCredentials struct {
	UserID string `json:"userid"`
	Token  string `json:"token"`
}

// userDoRequest is the JSON body of /api/users/user.do. Field matching is
// case-insensitive, so both userId and userid are accepted.
type userDoRequest struct {
	Todo     string             `json:"todo"`
	UserID   string             `json:"userid"`
	Token    string             `json:"token"`
	Realm    string             `json:"realm"`
	Resource string             `json:"resource"`
	Auth     *userDoCredentials `json:"auth"`
}

// credentials returns the auth block, falling back to the top-level fields.
func (req userDoRequest) credentials() userDoCredentials {
	if req.Auth != nil && req.Auth.UserID != "" {
		return *req.Auth
	}
	return userDoCredentials{UserID: req.UserID, Token: req.Token}
}

// deviceInfo is one entry of a GetDeviceList response.
type deviceInfo struct {
	DID      string `json:"did"`
	Name     string `json:"name"`
	Class    string `json:"class"`
	Resource string `json:"resource"`
	Nick     string `json:"nick"`
	Company  string `json:"company"`
	Status   int    `json:"status"`
}

// handleUserDo dispatches a user.do call on its todo field.
func (s *Server) handleUserDo(w http.ResponseWriter, r *http.Request) {
	var req userDoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			WriteBadRequest(w, "request body is required")
			return
		}
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	switch req.Todo {
	case todoLoginByItToken:
		s.loginByItToken(w, r, req)
	case todoGetDeviceList:
		s.getDeviceList(w, r, req)
	case todoLogout:
		s.userDoLogout(w, r, req)
	default:
		s.logger.Debug("unsupported user.do action", "todo", req.Todo)
		writeUserDoFail(w, errnoBadRequest, "unsupported todo")
	}
}

// loginByItToken exchanges a one-time authcode for the access token it was
// issued against.
func (s *Server) loginByItToken(w http.ResponseWriter, r *http.Request, req userDoRequest) {
	if req.UserID == "" || req.Token == "" {
		writeUserDoFail(w, errnoBadRequest, "userId and token are required")
		return
	}

	tok, err := s.registry.ConsumeAuthcode(r.Context(), req.UserID, req.Token)
	if err != nil {
		s.logger.Error("consuming authcode", "user_id", req.UserID, "error", err)
		writeUserDoFail(w, errnoInternal, "authcode check failed")
		return
	}
	if tok == nil {
		writeUserDoFail(w, errnoAuth, "auth error")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"result":   "ok",
		"todo":     "result",
		"userId":   tok.UserID,
		"resource": req.Resource,
		"token":    tok.Token,
	})
}

// getDeviceList lists the bots associated with the authenticated user.
func (s *Server) getDeviceList(w http.ResponseWriter, r *http.Request, req userDoRequest) {
	ctx := r.Context()
	cred := req.credentials()

	ok, err := s.registry.Authenticate(ctx, cred.UserID, cred.Token)
	if err != nil {
		s.logger.Error("authenticating user.do", "user_id", cred.UserID, "error", err)
		writeUserDoFail(w, errnoInternal, "authentication failed")
		return
	}
	if !ok {
		writeUserDoFail(w, errnoAuth, "auth error")
		return
	}

	user, err := s.registry.UserGet(ctx, cred.UserID)
	if err != nil {
		s.logger.Error("loading user", "user_id", cred.UserID, "error", err)
		writeUserDoFail(w, errnoInternal, "user lookup failed")
		return
	}

	devices := make([]deviceInfo, 0)
	if user != nil {
		for _, did := range user.Bots {
			bot, err := s.registry.BotGet(ctx, did)
			if err != nil {
				s.logger.Error("loading bot", "did", did, "error", err)
				writeUserDoFail(w, errnoInternal, "bot lookup failed")
				return
			}
			if bot == nil {
				continue
			}

			status := 0
			if bot.MQTTConnection || bot.XMPPConnection {
				status = 1
			}
			devices = append(devices, deviceInfo{
				DID:      bot.DID,
				Name:     bot.DID,
				Class:    bot.Dev,
				Resource: bot.Res,
				Nick:     bot.Nick,
				Company:  bot.Co,
				Status:   status,
			})
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"result":  "ok",
		"todo":    "result",
		"devices": devices,
	})
}

// userDoLogout revokes the presented token.
func (s *Server) userDoLogout(w http.ResponseWriter, r *http.Request, req userDoRequest) {
	cred := req.credentials()
	if cred.UserID == "" || cred.Token == "" {
		writeUserDoFail(w, errnoBadRequest, "userid and token are required")
		return
	}

	if err := s.registry.UserRevokeToken(r.Context(), cred.UserID, cred.Token); err != nil {
		s.logger.Error("revoking token", "user_id", cred.UserID, "error", err)
		writeUserDoFail(w, errnoInternal, "logout failed")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"result": "ok",
		"todo":   "result",
	})
}

func writeUserDoFail(w http.ResponseWriter, errno, msg string) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"result": "fail",
		"error":  msg,
		"errno":  errno,
	})
}
