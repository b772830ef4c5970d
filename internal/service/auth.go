package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/auth"
)

// Client is an API client allowed to call the runner.
type Client struct {
	ID      string
	KeyHash string // bcrypt hash of the client's API key
}

// Token is an issued bearer token.
type Token struct {
	AccessToken string
	ExpiresIn   int64 // seconds
}

// AuthService exchanges client credentials for bearer tokens.
type AuthService struct {
	clients map[string]Client
	keys    *auth.KeyHasher
	tokens  *auth.TokenService
	logger  *slog.Logger
}

func NewAuthService(clients []Client, keys *auth.KeyHasher, tokens *auth.TokenService, logger *slog.Logger) *AuthService {
	byID := make(map[string]Client, len(clients))
	for _, c := range clients {
		byID[c.ID] = c
	}
	return &AuthService{
		clients: byID,
		keys:    keys,
		tokens:  tokens,
		logger:  logger,
	}
}

// IssueToken verifies apiKey against the client's stored hash.
//
// Unknown clients and wrong keys produce the same error so the endpoint
// cannot be used to enumerate client ids.
func (s *AuthService) IssueToken(_ context.Context, clientID, apiKey string) (*Token, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" || apiKey == "" {
		return nil, apperror.ValidationFailed("clientId", "clientId and apiKey are required")
	}

	client, ok := s.clients[clientID]
	if !ok {
		s.logger.Warn("token requested for unknown client", slog.String("client_id", clientID))
		return nil, apperror.Unauthorized("invalid client credentials")
	}

	if err := s.keys.Verify(client.KeyHash, apiKey); err != nil {
		if !errors.Is(err, auth.ErrInvalidKey) {
			s.logger.Error("verifying client key",
				slog.String("client_id", clientID),
				slog.String("error", err.Error()),
			)
		}
		return nil, apperror.Unauthorized("invalid client credentials")
	}

	signed, err := s.tokens.Generate(clientID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("token issued", slog.String("client_id", clientID))
	return &Token{
		AccessToken: signed,
		ExpiresIn:   int64(s.tokens.TTL().Seconds()),
	}, nil
}
