package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/auth"
	"github.com/sakif/code-runner/internal/repository"
	"github.com/sakif/code-runner/internal/service"
)

// ExecutionHandler serves the execution history.
//
// An authenticated client only sees its own executions. Without auth
// configured every record is visible.
type ExecutionHandler struct {
	execs  *service.ExecutionService
	logger *slog.Logger
}

func NewExecutionHandler(execs *service.ExecutionService, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		execs:  execs,
		logger: logger,
	}
}

// HandleList handles GET /api/executions?snippetId=&limit=&offset=.
func (h *ExecutionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	filter := repository.ExecutionFilter{SnippetID: r.URL.Query().Get("snippetId")}
	if clientID, ok := auth.ClientIDFromContext(r.Context()); ok {
		filter.ClientID = clientID
	}

	execs, err := h.execs.List(r.Context(), filter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *ExecutionHandler) HandleGetByID(w http.ResponseWriter, r *http.Request) {
	exec, err := h.execs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if clientID, ok := auth.ClientIDFromContext(r.Context()); ok && exec.ClientID != clientID {
		writeError(w, apperror.Forbidden("execution belongs to another client"))
		return
	}
	writeJSON(w, http.StatusOK, exec)
}
