package model

import (
	"time"

	"github.com/sakif/code-runner/internal/protocol"
)

// Execution statuses.
const (
	ExecutionSucceeded = "succeeded"
	ExecutionFailed    = "failed"
)

// Execution is one recorded run, successful or not.
//
// A run that reached the program records its output and exit code; note that
// a program exiting non-zero is still "succeeded" from the runner's point of
// view. A run the runner could not complete (timeout, unsupported language,
// channel failure) is "failed" and records the error kind and message instead.
//
// The source itself is not stored. CodeHash ("blake3:<hex>") identifies it.
type Execution struct {
	ID           string            `json:"id"`
	SnippetID    string            `json:"snippetId,omitempty"`
	ClientID     string            `json:"clientId,omitempty"`
	Language     protocol.Language `json:"language"`
	CodeHash     string            `json:"codeHash"`
	TimeoutMs    int64             `json:"timeoutMs"`
	Status       string            `json:"status"`
	Stdout       string            `json:"stdout"`
	Stderr       string            `json:"stderr"`
	ExitCode     int               `json:"exitCode"`
	ElapsedMs    float64           `json:"elapsedMs"`
	ErrorKind    string            `json:"errorKind,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Result returns the recorded output in wire form.
func (e *Execution) Result() *protocol.ExecutionResult {
	return &protocol.ExecutionResult{
		Stdout:    e.Stdout,
		Stderr:    e.Stderr,
		ExitCode:  e.ExitCode,
		ElapsedMs: e.ElapsedMs,
	}
}
