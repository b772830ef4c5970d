package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/code-runner/internal/auth"
	"github.com/sakif/code-runner/internal/protocol"
	"github.com/sakif/code-runner/internal/service"
)

// ExecuteRequest is the body of POST /api/execute.
type ExecuteRequest struct {
	Language  protocol.Language `json:"language"`
	Code      string            `json:"code"`
	Stdin     string            `json:"stdin,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
}

// ExecuteHandler runs ad-hoc code.
type ExecuteHandler struct {
	execs  *service.ExecutionService
	logger *slog.Logger
}

func NewExecuteHandler(execs *service.ExecutionService, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		execs:  execs,
		logger: logger,
	}
}

// HandleExecute handles POST /api/execute.
//
// A program that ran is 200 whatever its exit code; the caller inspects
// exitCode and stderr. Runner failures map to 4xx/5xx by kind.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	clientID, _ := auth.ClientIDFromContext(r.Context())

	exec, err := h.execs.Execute(r.Context(), service.ExecuteInput{
		Language:  req.Language,
		Code:      req.Code,
		Stdin:     req.Stdin,
		TimeoutMs: req.TimeoutMs,
		ClientID:  clientID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}
