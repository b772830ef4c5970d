package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/code-runner/internal/auth"
	"github.com/sakif/code-runner/internal/protocol"
	"github.com/sakif/code-runner/internal/service"
)

// SnippetRequest is the body of POST and PUT /api/snippets.
type SnippetRequest struct {
	Name        string            `json:"name"`
	Language    protocol.Language `json:"language"`
	Code        string            `json:"code"`
	Description string            `json:"description"`
}

func (s SnippetRequest) input() service.SnippetInput {
	return service.SnippetInput{
		Name:        s.Name,
		Language:    s.Language,
		Code:        s.Code,
		Description: s.Description,
	}
}

// RunRequest is the optional body of POST /api/snippets/{id}/run.
type RunRequest struct {
	Stdin     string `json:"stdin,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// SnippetHandler serves the saved-snippet routes.
type SnippetHandler struct {
	snippets *service.SnippetService
	execs    *service.ExecutionService
	logger   *slog.Logger
}

func NewSnippetHandler(snippets *service.SnippetService, execs *service.ExecutionService, logger *slog.Logger) *SnippetHandler {
	return &SnippetHandler{
		snippets: snippets,
		execs:    execs,
		logger:   logger,
	}
}

// HandleList handles GET /api/snippets?limit=&offset=.
func (h *SnippetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	snippets, err := h.snippets.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snippets)
}

func (h *SnippetHandler) HandleGetByID(w http.ResponseWriter, r *http.Request) {
	snippet, err := h.snippets.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snippet)
}

func (h *SnippetHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req SnippetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	snippet, err := h.snippets.Create(r.Context(), req.input())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/api/snippets/"+snippet.ID)
	writeJSON(w, http.StatusCreated, snippet)
}

func (h *SnippetHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req SnippetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	snippet, err := h.snippets.Update(r.Context(), chi.URLParam(r, "id"), req.input())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snippet)
}

func (h *SnippetHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.snippets.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRun handles POST /api/snippets/{id}/run. The body is optional.
func (h *SnippetHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	clientID, _ := auth.ClientIDFromContext(r.Context())

	exec, err := h.execs.RunSnippet(r.Context(), chi.URLParam(r, "id"), req.Stdin, req.TimeoutMs, clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}
