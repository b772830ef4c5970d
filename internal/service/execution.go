package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/model"
	"github.com/sakif/code-runner/internal/protocol"
	"github.com/sakif/code-runner/internal/repository"
)

// Runner submits a request to the worker and waits for its outcome.
// *channel.Controller implements it.
type Runner interface {
	Submit(ctx context.Context, req protocol.ExecutionRequest) (*protocol.ExecutionResult, error)
	DefaultTimeout() time.Duration
}

// ExecuteInput is one run request as the facade receives it.
type ExecuteInput struct {
	Language  protocol.Language
	Code      string
	Stdin     string
	TimeoutMs int64
	SnippetID string
	ClientID  string
}

// ExecutionService runs code through the channel and records every attempt
// in the execution history.
type ExecutionService struct {
	runner   Runner
	history  repository.ExecutionRepository
	snippets repository.SnippetRepository
	logger   *slog.Logger
}

func NewExecutionService(
	runner Runner,
	history repository.ExecutionRepository,
	snippets repository.SnippetRepository,
	logger *slog.Logger,
) *ExecutionService {
	return &ExecutionService{
		runner:   runner,
		history:  history,
		snippets: snippets,
		logger:   logger,
	}
}

// Execute runs the code and returns the recorded execution.
//
// Language support is decided by the worker, so an unsupported language is
// submitted like any other and comes back as ErrUnsupportedLanguage. Every
// outcome carrying an execution kind is recorded before the error is returned.
// Validation failures are not recorded.
func (s *ExecutionService) Execute(ctx context.Context, in ExecuteInput) (*model.Execution, error) {
	if in.Language == "" {
		return nil, apperror.ValidationFailed("language", "language is required")
	}
	if len(in.Code) > MaxCodeLength {
		return nil, apperror.ValidationFailed("code",
			fmt.Sprintf("code must be %d characters or less", MaxCodeLength))
	}

	timeoutMs := in.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = s.runner.DefaultTimeout().Milliseconds()
	}

	req := protocol.ExecutionRequest{
		Language:  in.Language,
		Code:      in.Code,
		Stdin:     in.Stdin,
		TimeoutMs: timeoutMs,
	}

	exec := &model.Execution{
		SnippetID: in.SnippetID,
		ClientID:  in.ClientID,
		Language:  in.Language,
		CodeHash:  CodeHash(in.Code),
		TimeoutMs: timeoutMs,
	}

	res, err := s.runner.Submit(ctx, req)
	if err != nil {
		kind := apperror.KindOf(err)
		if kind == "" {
			return nil, err
		}

		exec.Status = model.ExecutionFailed
		exec.ErrorKind = kind
		exec.ErrorMessage = err.Error()
		s.record(ctx, exec)

		s.logger.Warn("execution failed",
			slog.String("language", string(in.Language)),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	exec.Status = model.ExecutionSucceeded
	exec.Stdout = res.Stdout
	exec.Stderr = res.Stderr
	exec.ExitCode = res.ExitCode
	exec.ElapsedMs = res.ElapsedMs
	s.record(ctx, exec)

	s.logger.Info("execution finished",
		slog.String("id", exec.ID),
		slog.String("language", string(in.Language)),
		slog.Int("exit_code", res.ExitCode),
		slog.Float64("elapsed_ms", res.ElapsedMs),
	)
	return exec, nil
}

// RunSnippet executes a saved snippet with the given stdin and timeout.
func (s *ExecutionService) RunSnippet(ctx context.Context, snippetID, stdin string, timeoutMs int64, clientID string) (*model.Execution, error) {
	snippetID = strings.TrimSpace(snippetID)
	if snippetID == "" {
		return nil, apperror.ValidationFailed("id", "snippet ID is required")
	}

	snippet, err := s.snippets.GetByID(ctx, snippetID)
	if err != nil {
		return nil, err
	}

	return s.Execute(ctx, ExecuteInput{
		Language:  snippet.Language,
		Code:      snippet.Code,
		Stdin:     stdin,
		TimeoutMs: timeoutMs,
		SnippetID: snippet.ID,
		ClientID:  clientID,
	})
}

func (s *ExecutionService) Get(ctx context.Context, id string) (*model.Execution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "execution ID is required")
	}
	return s.history.GetByID(ctx, id)
}

func (s *ExecutionService) List(ctx context.Context, filter repository.ExecutionFilter, limit, offset int) ([]model.Execution, error) {
	execs, err := s.history.List(ctx, filter, clampList(limit, offset))
	if err != nil {
		s.logger.Error("failed to list executions", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return execs, nil
}

// record stores exec. A history failure is logged, not returned: the caller
// still gets the outcome of a run that did happen.
//
// The write uses a context detached from ctx's cancellation, so a client
// disconnecting right after the run still leaves a record.
func (s *ExecutionService) record(ctx context.Context, exec *model.Execution) {
	if err := s.history.Create(context.WithoutCancel(ctx), exec); err != nil {
		s.logger.Error("failed to record execution",
			slog.String("code_hash", exec.CodeHash),
			slog.String("error", err.Error()),
		)
	}
}

// CodeHash fingerprints source code as "blake3:<hex>".
func CodeHash(code string) string {
	sum := blake3.Sum256([]byte(code))
	return "blake3:" + hex.EncodeToString(sum[:])
}
