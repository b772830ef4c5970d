package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/code-runner/internal/service"
)

// TokenRequest is the body of POST /auth/token.
type TokenRequest struct {
	ClientID string `json:"clientId"`
	APIKey   string `json:"apiKey"`
}

// TokenResponse follows the OAuth2 token response field names.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type AuthHandler struct {
	auth   *service.AuthService
	logger *slog.Logger
}

func NewAuthHandler(auth *service.AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   auth,
		logger: logger,
	}
}

// HandleToken exchanges a client id and API key for a bearer token.
func (h *AuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	tok, err := h.auth.IssueToken(r.Context(), req.ClientID, req.APIKey)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   tok.ExpiresIn,
	})
}
