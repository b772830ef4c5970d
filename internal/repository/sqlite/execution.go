package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/model"
	"github.com/sakif/code-runner/internal/repository"
)

var _ repository.ExecutionRepository = (*ExecutionStore)(nil)

const executionColumns = `id, snippet_id, client_id, language, code_hash, timeout_ms,
	status, stdout, stderr, exit_code, elapsed_ms, error_kind, error_message, created_at`

// ExecutionStore persists the execution history. Obtain one via DB.Executions.
type ExecutionStore struct {
	conn *sql.DB
}

// Create appends a record, assigning its ID and CreatedAt.
func (s *ExecutionStore) Create(ctx context.Context, exec *model.Execution) error {
	exec.ID = xid.New().String()
	exec.CreatedAt = time.Now()

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.SnippetID,
		exec.ClientID,
		exec.Language,
		exec.CodeHash,
		exec.TimeoutMs,
		exec.Status,
		exec.Stdout,
		exec.Stderr,
		exec.ExitCode,
		exec.ElapsedMs,
		exec.ErrorKind,
		exec.ErrorMessage,
		exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating execution: %w", err)
	}
	return nil
}

func (s *ExecutionStore) GetByID(ctx context.Context, id string) (*model.Execution, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`,
		id,
	)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("execution", id)
		}
		return nil, fmt.Errorf("sqlite: getting execution %s: %w", id, err)
	}
	return exec, nil
}

// List returns matching records newest first.
func (s *ExecutionStore) List(ctx context.Context, filter repository.ExecutionFilter, opts repository.ListOptions) ([]model.Execution, error) {
	limit, offset := clampPage(opts.Limit, opts.Offset)

	var (
		where []string
		args  []any
	)
	if filter.SnippetID != "" {
		where = append(where, "snippet_id = ?")
		args = append(args, filter.SnippetID)
	}
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions: %w", err)
	}
	defer rows.Close()

	execs := make([]model.Execution, 0, limit)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		execs = append(execs, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating executions: %w", err)
	}
	return execs, nil
}

func scanExecution(s scanner) (*model.Execution, error) {
	var e model.Execution
	err := s.Scan(
		&e.ID,
		&e.SnippetID,
		&e.ClientID,
		&e.Language,
		&e.CodeHash,
		&e.TimeoutMs,
		&e.Status,
		&e.Stdout,
		&e.Stderr,
		&e.ExitCode,
		&e.ElapsedMs,
		&e.ErrorKind,
		&e.ErrorMessage,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
