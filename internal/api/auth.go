package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/bumper-core/internal/auth"
	"github.com/nerrad567/bumper-core/internal/registry"
)

// Vendor API result codes.
const (
	codeOK           = "0000"
	codeParamMissing = "0002"
	codeTokenInvalid = "0004"
	codeServerError  = "9999"
)

// msgOK is the message the vendor cloud sends with codeOK.
const msgOK = "操作成功"

// placeholderEmail is reported for every user; no addresses are stored.
const placeholderEmail = "null@null.com"

// vendorResponse is the envelope of every /v1/private response.
type vendorResponse struct {
	Code string `json:"code"`
	Data any    `json:"data,omitempty"`
	Msg  string `json:"msg"`
	Time int64  `json:"time"`
}

// loginData is returned by login and checkLogin.
type loginData struct {
	AccessToken string `json:"accessToken"`
	Country     string `json:"country"`
	Email       string `json:"email"`
	UID         string `json:"uid"`
	Username    string `json:"username"`
}

// authCodeData is returned by getAuthCode.
type authCodeData struct {
	AuthCode   string `json:"authCode"`
	EcovacsUID string `json:"ecovacsUid"`
}

func (s *Server) writeVendor(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, vendorResponse{
		Code: codeOK,
		Data: data,
		Msg:  msgOK,
		Time: registry.MilliTime(s.clock()),
	})
}

func (s *Server) writeVendorError(w http.ResponseWriter, code, msg string) {
	WriteJSON(w, http.StatusOK, vendorResponse{
		Code: code,
		Msg:  msg,
		Time: registry.MilliTime(s.clock()),
	})
}

// handleLogin issues an access token to the user owning the app's device id.
// The user is created, and the device bound to it, on first login. Every
// known bot is attached to the user.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceId")

	user, err := s.registry.UserByDeviceID(ctx, deviceID)
	if err != nil {
		s.logger.Error("looking up device owner", "device_id", deviceID, "error", err)
		s.writeVendorError(w, codeServerError, "lookup failed")
		return
	}

	var userID string
	if user != nil {
		userID = user.UserID
	} else {
		userID = auth.GenerateUserID()
		if err := s.registry.UserAdd(ctx, userID); err != nil {
			s.logger.Error("creating user", "user_id", userID, "error", err)
			s.writeVendorError(w, codeServerError, "user creation failed")
			return
		}
		if err := s.registry.UserAddDevice(ctx, userID, deviceID); err != nil {
			s.logger.Error("binding device", "user_id", userID, "device_id", deviceID, "error", err)
			s.writeVendorError(w, codeServerError, "user creation failed")
			return
		}
		s.logger.Info("user created", "user_id", userID, "device_id", deviceID)
	}

	if err := s.attachBots(r, userID); err != nil {
		s.logger.Warn("attaching bots to user", "user_id", userID, "error", err)
	}

	token, err := auth.GenerateToken()
	if err != nil {
		s.logger.Error("generating token", "error", err)
		s.writeVendorError(w, codeServerError, "token generation failed")
		return
	}
	if err := s.registry.UserAddToken(ctx, userID, token); err != nil {
		s.logger.Error("storing token", "user_id", userID, "error", err)
		s.writeVendorError(w, codeServerError, "token storage failed")
		return
	}

	s.writeVendor(w, loginData{
		AccessToken: token,
		Country:     chi.URLParam(r, "country"),
		Email:       placeholderEmail,
		UID:         userID,
		Username:    userID,
	})
}

// attachBots associates every registered bot with userID.
func (s *Server) attachBots(r *http.Request, userID string) error {
	bots, err := s.registry.Bots(r.Context())
	if err != nil {
		return err
	}
	for _, b := range bots {
		if err := s.registry.UserAddBot(r.Context(), userID, b.DID); err != nil {
			return err
		}
	}
	return nil
}

// handleCheckLogin confirms an access token is still live.
func (s *Server) handleCheckLogin(w http.ResponseWriter, r *http.Request) {
	userID, token := r.FormValue("uid"), r.FormValue("accessToken")
	if userID == "" || token == "" {
		s.writeVendorError(w, codeParamMissing, "uid and accessToken are required")
		return
	}

	ok, err := s.registry.CheckToken(r.Context(), userID, token)
	if err != nil {
		s.logger.Error("checking token", "user_id", userID, "error", err)
		s.writeVendorError(w, codeServerError, "token check failed")
		return
	}
	if !ok {
		s.writeVendorError(w, codeTokenInvalid, "token invalid")
		return
	}

	s.writeVendor(w, loginData{
		AccessToken: token,
		Country:     chi.URLParam(r, "country"),
		Email:       placeholderEmail,
		UID:         userID,
		Username:    userID,
	})
}

// handleGetAuthCode binds a new authcode to a live access token.
func (s *Server) handleGetAuthCode(w http.ResponseWriter, r *http.Request) {
	userID, token := r.FormValue("uid"), r.FormValue("accessToken")
	if userID == "" || token == "" {
		s.writeVendorError(w, codeParamMissing, "uid and accessToken are required")
		return
	}

	authcode := auth.GenerateAuthcode()
	err := s.registry.UserAddAuthcode(r.Context(), userID, token, authcode)
	if errors.Is(err, registry.ErrTokenNotFound) {
		s.writeVendorError(w, codeTokenInvalid, "token invalid")
		return
	}
	if err != nil {
		s.logger.Error("issuing authcode", "user_id", userID, "error", err)
		s.writeVendorError(w, codeServerError, "authcode issue failed")
		return
	}

	s.writeVendor(w, authCodeData{
		AuthCode:   authcode,
		EcovacsUID: userID,
	})
}

// handleLogout revokes the presented access token and its authcodes.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID, token := r.FormValue("uid"), r.FormValue("accessToken")
	if userID == "" || token == "" {
		s.writeVendorError(w, codeParamMissing, "uid and accessToken are required")
		return
	}

	if err := s.registry.UserRevokeToken(r.Context(), userID, token); err != nil {
		s.logger.Error("revoking token", "user_id", userID, "error", err)
		s.writeVendorError(w, codeServerError, "logout failed")
		return
	}
	s.writeVendor(w, nil)
}
