package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/model"
	"github.com/sakif/code-runner/internal/repository"
)

// Compile-time check that *DB satisfies the interface.
var _ repository.SnippetRepository = (*DB)(nil)

const snippetColumns = `id, name, language, code, description, created_at, updated_at`

// Create inserts a snippet. It fills in the ID and both timestamps on the
// caller's struct.
//
// xid ids are 20 URL-safe characters and sort by creation time, which keeps
// the primary key index append-mostly.
func (db *DB) Create(ctx context.Context, snippet *model.Snippet) error {
	snippet.ID = xid.New().String()

	now := time.Now()
	snippet.CreatedAt = now
	snippet.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO snippets (`+snippetColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snippet.ID,
		snippet.Name,
		snippet.Language,
		snippet.Code,
		snippet.Description,
		snippet.CreatedAt,
		snippet.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating snippet: %w", err)
	}

	return nil
}

// GetByID returns apperror.ErrNotFound when no snippet has the given id.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Snippet, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+snippetColumns+` FROM snippets WHERE id = ?`,
		id,
	)

	snippet, err := scanSnippet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("snippet", id)
		}
		return nil, fmt.Errorf("sqlite: getting snippet %s: %w", id, err)
	}

	return snippet, nil
}

// List returns snippets newest first.
//
// OFFSET pagination is fine at this scale; switch to a created_at cursor if
// the table grows large.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Snippet, error) {
	limit, offset := clampPage(opts.Limit, opts.Offset)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+snippetColumns+`
		 FROM snippets
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing snippets: %w", err)
	}
	defer rows.Close()

	snippets := make([]model.Snippet, 0, limit)
	for rows.Next() {
		s, err := scanSnippet(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning snippet row: %w", err)
		}
		snippets = append(snippets, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating snippets: %w", err)
	}

	return snippets, nil
}

// Update overwrites the mutable fields. id and created_at never change.
func (db *DB) Update(ctx context.Context, snippet *model.Snippet) error {
	snippet.UpdatedAt = time.Now()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE snippets
		 SET name = ?, language = ?, code = ?, description = ?, updated_at = ?
		 WHERE id = ?`,
		snippet.Name,
		snippet.Language,
		snippet.Code,
		snippet.Description,
		snippet.UpdatedAt,
		snippet.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating snippet %s: %w", snippet.ID, err)
	}

	return expectOneRow(result, "snippet", snippet.ID)
}

func (db *DB) Delete(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM snippets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting snippet %s: %w", id, err)
	}

	return expectOneRow(result, "snippet", id)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSnippet(s scanner) (*model.Snippet, error) {
	var snippet model.Snippet
	err := s.Scan(
		&snippet.ID,
		&snippet.Name,
		&snippet.Language,
		&snippet.Code,
		&snippet.Description,
		&snippet.CreatedAt,
		&snippet.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &snippet, nil
}

// expectOneRow turns a zero-row UPDATE or DELETE into a NotFound error.
func expectOneRow(result sql.Result, resource, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound(resource, id)
	}
	return nil
}
