package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/vaultwarden/vwsso/pkg/logger"
	"github.com/vaultwarden/vwsso/pkg/sso/exchange"
	"github.com/vaultwarden/vwsso/pkg/sso/flow"
	"github.com/vaultwarden/vwsso/pkg/sso/link"
	"github.com/vaultwarden/vwsso/pkg/sso/session"
	"github.com/vaultwarden/vwsso/pkg/storage"
)

// tokenResponseBody is the token endpoint response. Both token fields
// are always present on success; the refresh token may wrap a provider
// access token internally but clients never see the difference.
type tokenResponseBody struct {
	AccessToken          string          `json:"access_token"`
	ExpiresIn            int64           `json:"expires_in"`
	TokenType            string          `json:"token_type"`
	RefreshToken         string          `json:"refresh_token"`
	Scope                string          `json:"scope"`
	MasterPasswordPolicy json.RawMessage `json:"MasterPasswordPolicy,omitempty"`
}

// tokenErrorBody is an RFC 6749 token endpoint error.
type tokenErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// authorizeHandler begins a login: it derives the client's post-login
// redirect, registers the attempt, and sends the browser to the provider.
func (s *Server) authorizeHandler(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	redirectURI := r.URL.Query().Get("redirect_uri")

	clientRedirect, err := s.controller.ClientRedirect(clientID, redirectURI)
	if err != nil {
		logger.Warnw("rejecting authorize request", "client_id", clientID, "error", err)
		http.Error(w, "unsupported client", http.StatusBadRequest)
		return
	}

	authURL, _, err := s.controller.Begin(r.Context(), clientRedirect)
	if err != nil {
		logger.Errorw("failed to begin login", "error", err)
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// callbackHandler receives the provider redirect and forwards the code
// to the client's own redirect target. The attempt is looked up but not
// consumed; consumption happens when the client redeems the code at the
// token endpoint.
func (s *Server) callbackHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	wireState := query.Get("state")

	state, err := flow.DecodeState(wireState)
	if err != nil {
		logger.Warnw("callback with undecodable state", "error", err)
		http.Error(w, "authentication failed", http.StatusBadRequest)
		return
	}

	attempt, err := s.attempts.Lookup(r.Context(), state)
	if err != nil {
		logger.Warnw("callback for unknown or expired state", "error", err)
		http.Error(w, "authentication failed", http.StatusBadRequest)
		return
	}

	params := url.Values{"state": {wireState}}
	if provErr := query.Get("error"); provErr != "" {
		logger.Warnw("provider returned an authorize error",
			"error", provErr,
			"error_description", query.Get("error_description"),
		)
		params.Set("error", provErr)
	} else {
		params.Set("code", query.Get("code"))
	}

	http.Redirect(w, r, attempt.ClientRedirect+"?"+params.Encode(), http.StatusFound)
}

// tokenHandler is the token endpoint the client ecosystem calls, for
// both the code redemption after the callback and later refreshes.
func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		s.handleCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshGrant(w, r)
	default:
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (s *Server) handleCodeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.PostFormValue("code")
	state, err := flow.DecodeState(r.PostFormValue("state"))
	if err != nil {
		logger.Warnw("token request with undecodable state", "error", err)
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "authentication failed")
		return
	}

	claims, err := s.exchange.Exchange(r.Context(), code, state)
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}

	user, err := s.linker.Link(r.Context(), claims)
	if err != nil {
		s.writeLinkError(w, err)
		return
	}

	device, err := s.loginDevice(r, user)
	if err != nil {
		logger.Errorw("failed to register device", "user_uuid", user.UUID, "error", err)
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	localSession, err := s.issuer.Issue(user, device, claims)
	if err != nil {
		logger.Errorw("failed to issue session", "user_uuid", user.UUID, "error", err)
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	logger.Infow("login complete", "user_uuid", user.UUID, "device_uuid", device.UUID)
	s.writeSession(w, localSession)
}

func (s *Server) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	localSession, err := s.sessions.Refresh(r.Context(), refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrUnrenewable):
			writeTokenError(w, http.StatusBadRequest, "invalid_grant",
				"session can no longer be renewed, log in again")
		case errors.Is(err, session.ErrSessionRevoked):
			writeTokenError(w, http.StatusBadRequest, "invalid_grant",
				"session has been superseded, log in again")
		default:
			logger.Warnw("session refresh failed", "error", err)
			writeTokenError(w, http.StatusBadRequest, "invalid_grant", "authentication failed")
		}
		return
	}

	s.writeSession(w, localSession)
}

// loginDevice loads or registers the device named in the form and
// rotates its refresh random, invalidating earlier sessions on it.
func (s *Server) loginDevice(r *http.Request, user *storage.User) (*storage.Device, error) {
	deviceUUID := r.PostFormValue("deviceIdentifier")
	if deviceUUID == "" {
		return nil, errors.New("deviceIdentifier is required")
	}

	device, err := s.store.GetDevice(r.Context(), deviceUUID, user.UUID)
	if errors.Is(err, storage.ErrNotFound) {
		deviceType, _ := strconv.Atoi(r.PostFormValue("deviceType"))
		device = &storage.Device{
			UUID:     deviceUUID,
			UserUUID: user.UUID,
			Name:     r.PostFormValue("deviceName"),
			Type:     deviceType,
		}
	} else if err != nil {
		return nil, err
	}

	random, err := newRefreshRandom()
	if err != nil {
		return nil, err
	}
	device.RefreshRandom = random

	if err := s.store.SaveDevice(r.Context(), device); err != nil {
		return nil, err
	}
	return device, nil
}

// writeExchangeError maps exchange failures onto token endpoint errors.
// Validation specifics are logged only; the response stays generic so
// the endpoint cannot be used as an oracle against the validation logic.
func (s *Server) writeExchangeError(w http.ResponseWriter, err error) {
	var validationErr *exchange.ValidationError
	switch {
	case errors.Is(err, flow.ErrUnknownState):
		writeTokenError(w, http.StatusBadRequest, "invalid_grant",
			"login attempt expired or already used, start over")
	case errors.As(err, &validationErr):
		logger.Warnw("id token validation failed",
			"reason", string(validationErr.Reason),
			"error", validationErr.Err,
		)
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "authentication failed")
	default:
		logger.Warnw("token exchange failed", "error", err)
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "authentication failed")
	}
}

// writeLinkError surfaces linking failures as actionable messages.
func (s *Server) writeLinkError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, link.ErrUnverifiedEmail),
		errors.Is(err, link.ErrDomainNotAllowed),
		errors.Is(err, link.ErrAmbiguousMatch):
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", err.Error())
	default:
		logger.Errorw("account linking failed", "error", err)
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
	}
}

func (s *Server) writeSession(w http.ResponseWriter, localSession *session.LocalSession) {
	body := tokenResponseBody{
		AccessToken:  localSession.AccessToken,
		ExpiresIn:    localSession.ExpiresIn,
		TokenType:    localSession.TokenType,
		RefreshToken: localSession.RefreshToken,
		Scope:        localSession.Scope,
	}
	if s.masterPasswordPolicy != "" {
		body.MasterPasswordPolicy = json.RawMessage(s.masterPasswordPolicy)
	}
	writeJSON(w, http.StatusOK, body)
}

func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, tokenErrorBody{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}
