package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/model"
	"github.com/sakif/code-runner/internal/protocol"
	"github.com/sakif/code-runner/internal/repository"
)

// newTestDB returns a fresh in-memory database that is closed when the test ends.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestSnippet(t *testing.T, db *DB, name string, lang protocol.Language, code string) *model.Snippet {
	t.Helper()
	snippet := &model.Snippet{Name: name, Language: lang, Code: code}
	require.NoError(t, db.Create(context.Background(), snippet))
	return snippet
}

func TestCreate(t *testing.T) {
	db := newTestDB(t)

	snippet := &model.Snippet{
		Name:     "Hello World",
		Language: protocol.LanguageLua,
		Code:     `print("hello")`,
	}
	require.NoError(t, db.Create(context.Background(), snippet))

	assert.NotEmpty(t, snippet.ID)
	assert.False(t, snippet.CreatedAt.IsZero())
	assert.False(t, snippet.UpdatedAt.IsZero())

	found, err := db.GetByID(context.Background(), snippet.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", found.Name)
	assert.Equal(t, protocol.LanguageLua, found.Language)
	assert.Equal(t, `print("hello")`, found.Code)
}

func TestGetByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetByID(context.Background(), "nonexistent-id")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	empty, err := db.List(ctx, repository.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	for range 5 {
		createTestSnippet(t, db, "snippet", protocol.LanguagePython, "pass")
	}

	tests := []struct {
		name string
		opts repository.ListOptions
		want int
	}{
		{name: "first page", opts: repository.ListOptions{Limit: 2}, want: 2},
		{name: "second page", opts: repository.ListOptions{Limit: 2, Offset: 2}, want: 2},
		{name: "last page", opts: repository.ListOptions{Limit: 2, Offset: 4}, want: 1},
		{name: "past the end", opts: repository.ListOptions{Limit: 2, Offset: 10}, want: 0},
		{name: "negative offset", opts: repository.ListOptions{Limit: 10, Offset: -3}, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.List(ctx, tt.opts)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestList_PagesDoNotOverlap(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for range 4 {
		createTestSnippet(t, db, "snippet", protocol.LanguagePython, "pass")
	}

	page1, err := db.List(ctx, repository.ListOptions{Limit: 2})
	require.NoError(t, err)
	page2, err := db.List(ctx, repository.ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, s := range append(page1, page2...) {
		assert.False(t, seen[s.ID], "snippet %s listed twice", s.ID)
		seen[s.ID] = true
	}
}

func TestList_DefaultLimit(t *testing.T) {
	db := newTestDB(t)

	for range 25 {
		createTestSnippet(t, db, "snippet", protocol.LanguagePython, "pass")
	}

	snippets, err := db.List(context.Background(), repository.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, snippets, 20)
}

func TestUpdate(t *testing.T) {
	db := newTestDB(t)
	original := createTestSnippet(t, db, "original", protocol.LanguagePython, "print(1)")

	original.Name = "updated"
	original.Language = protocol.LanguageJavaScript
	original.Code = "console.log(1)"
	require.NoError(t, db.Update(context.Background(), original))

	found, err := db.GetByID(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", found.Name)
	assert.Equal(t, protocol.LanguageJavaScript, found.Language)
	assert.Equal(t, "console.log(1)", found.Code)
	assert.False(t, found.UpdatedAt.Before(found.CreatedAt))
}

func TestUpdate_NotFound(t *testing.T) {
	db := newTestDB(t)

	err := db.Update(context.Background(), &model.Snippet{ID: "nonexistent", Name: "x"})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	snippet := createTestSnippet(t, db, "to delete", protocol.LanguageLua, "os.exit(0)")

	require.NoError(t, db.Delete(ctx, snippet.ID))

	_, err := db.GetByID(ctx, snippet.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	assert.ErrorIs(t, db.Delete(ctx, snippet.ID), apperror.ErrNotFound, "second delete")
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	createTestSnippet(t, db, "kept", protocol.LanguagePython, "pass")

	require.NoError(t, db.migrate())

	all, err := db.List(context.Background(), repository.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
