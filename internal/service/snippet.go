// Package service holds the business rules of the HTTP facade.
//
// Handlers parse HTTP and call services with plain values. Services validate,
// enforce limits and orchestrate the repositories and the channel controller.
// They return *apperror.AppError values and know nothing about status codes,
// so the same rules apply to any caller.
//
// Every dependency is an interface injected through the constructor, which is
// what lets the tests swap in in-memory fakes.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/model"
	"github.com/sakif/code-runner/internal/protocol"
	"github.com/sakif/code-runner/internal/repository"
)

const (
	MaxSnippetNameLength = 100
	MaxCodeLength        = 100000
	DefaultListLimit     = 20
	MaxListLimit         = 100
)

// SnippetService manages saved snippets.
type SnippetService struct {
	repo   repository.SnippetRepository
	logger *slog.Logger
}

func NewSnippetService(repo repository.SnippetRepository, logger *slog.Logger) *SnippetService {
	return &SnippetService{
		repo:   repo,
		logger: logger,
	}
}

// SnippetInput carries the user-editable fields of a snippet.
type SnippetInput struct {
	Name        string
	Language    protocol.Language
	Code        string
	Description string
}

// Create validates and saves a new snippet.
func (s *SnippetService) Create(ctx context.Context, in SnippetInput) (*model.Snippet, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperror.ValidationFailed("name", "snippet name is required")
	}
	if err := validateSnippet(in); err != nil {
		return nil, err
	}

	snippet := &model.Snippet{
		Name:        in.Name,
		Language:    in.Language,
		Code:        in.Code,
		Description: strings.TrimSpace(in.Description),
	}

	if err := s.repo.Create(ctx, snippet); err != nil {
		s.logger.Error("failed to create snippet",
			slog.String("name", in.Name),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("creating snippet: %w", err)
	}

	s.logger.Info("snippet created",
		slog.String("id", snippet.ID),
		slog.String("language", string(snippet.Language)),
	)
	return snippet, nil
}

// GetByID returns apperror.ErrNotFound if the snippet doesn't exist.
func (s *SnippetService) GetByID(ctx context.Context, id string) (*model.Snippet, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "snippet ID is required")
	}

	// NotFound is already an apperror; pass it through untouched.
	return s.repo.GetByID(ctx, id)
}

// List clamps limit to [1, MaxListLimit] and offset to >= 0.
func (s *SnippetService) List(ctx context.Context, limit, offset int) ([]model.Snippet, error) {
	opts := clampList(limit, offset)

	snippets, err := s.repo.List(ctx, opts)
	if err != nil {
		s.logger.Error("failed to list snippets", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing snippets: %w", err)
	}
	return snippets, nil
}

// Update fetches the snippet, applies the changes and saves it.
//
// An empty name or language keeps the current value. Code and description
// are always replaced, since clearing them is legitimate.
func (s *SnippetService) Update(ctx context.Context, id string, in SnippetInput) (*model.Snippet, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "snippet ID is required")
	}

	snippet, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name = strings.TrimSpace(in.Name); in.Name == "" {
		in.Name = snippet.Name
	}
	if in.Language == "" {
		in.Language = snippet.Language
	}
	if err := validateSnippet(in); err != nil {
		return nil, err
	}

	snippet.Name = in.Name
	snippet.Language = in.Language
	snippet.Code = in.Code
	snippet.Description = strings.TrimSpace(in.Description)

	if err := s.repo.Update(ctx, snippet); err != nil {
		s.logger.Error("failed to update snippet",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("updating snippet: %w", err)
	}

	s.logger.Info("snippet updated", slog.String("id", snippet.ID))
	return snippet, nil
}

func (s *SnippetService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperror.ValidationFailed("id", "snippet ID is required")
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("snippet deleted", slog.String("id", id))
	return nil
}

// validateSnippet expects a trimmed, non-empty name.
func validateSnippet(in SnippetInput) error {
	if len(in.Name) > MaxSnippetNameLength {
		return apperror.ValidationFailed("name",
			fmt.Sprintf("snippet name must be %d characters or less", MaxSnippetNameLength))
	}
	if !in.Language.Valid() {
		return apperror.ValidationFailed("language",
			fmt.Sprintf("language must be one of %s", languageList()))
	}
	if len(in.Code) > MaxCodeLength {
		return apperror.ValidationFailed("code",
			fmt.Sprintf("code must be %d characters or less", MaxCodeLength))
	}
	return nil
}

func languageList() string {
	langs := protocol.Languages()
	names := make([]string, len(langs))
	for i, l := range langs {
		names[i] = string(l)
	}
	return strings.Join(names, ", ")
}

func clampList(limit, offset int) repository.ListOptions {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return repository.ListOptions{Limit: limit, Offset: offset}
}
