// Package repository declares the storage interfaces the service layer
// depends on. Implementations live in subpackages (see repository/sqlite).
package repository

import (
	"context"

	"github.com/sakif/code-runner/internal/model"
)

// ListOptions controls pagination.
type ListOptions struct {
	Limit  int
	Offset int
}

type SnippetRepository interface {
	Create(ctx context.Context, snippet *model.Snippet) error
	GetByID(ctx context.Context, id string) (*model.Snippet, error)
	List(ctx context.Context, opts ListOptions) ([]model.Snippet, error)
	Update(ctx context.Context, snippet *model.Snippet) error
	Delete(ctx context.Context, id string) error
}

// ExecutionFilter narrows an execution listing. Empty fields match everything.
type ExecutionFilter struct {
	SnippetID string
	ClientID  string
}

// ExecutionRepository stores the execution history. Records are append-only.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *model.Execution) error
	GetByID(ctx context.Context, id string) (*model.Execution, error)
	List(ctx context.Context, filter ExecutionFilter, opts ListOptions) ([]model.Execution, error)
}
