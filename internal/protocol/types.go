// Package protocol defines the messages exchanged between the channel controller
// and the execution dispatcher running inside the worker.
//
// Every message is an Envelope: a type tag, a correlation id and a JSON payload.
//
//	{"type":"execute","id":"...","payload":{"language":"python","code":"print(1)"}}
//	{"type":"result", "id":"...","payload":{"stdout":"1\n","stderr":"","exitCode":0,"elapsedMs":12.5}}
//	{"type":"error",  "id":"...","payload":{"kind":"ExecutionTimeout","message":"..."}}
//	{"type":"fault",  "id":"",   "payload":{"kind":"ChannelFault","message":"..."}}
//
// The id of a response always equals the id of the execute envelope it answers.
// It is the only field used for matching.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sakif/code-runner/internal/apperror"
)

// Language is one of the fixed set of languages the worker can run.
type Language string

const (
	LanguageJavaScript Language = "javascript"
	LanguagePython     Language = "python"
	LanguageLua        Language = "lua"
)

// DefaultTimeout applies when a request carries no timeoutMs.
const DefaultTimeout = 5 * time.Second

// Languages returns the supported languages in a stable order.
func Languages() []Language {
	return []Language{LanguageJavaScript, LanguagePython, LanguageLua}
}

// Valid reports whether l belongs to the supported set.
func (l Language) Valid() bool {
	switch l {
	case LanguageJavaScript, LanguagePython, LanguageLua:
		return true
	}
	return false
}

// Type is the discriminant of an Envelope.
type Type string

const (
	TypeExecute Type = "execute"
	TypeResult  Type = "result"
	TypeError   Type = "error"
	TypeFault   Type = "fault"
)

// ExecutionRequest is what a caller asks the worker to run.
type ExecutionRequest struct {
	Language  Language `json:"language"`
	Code      string   `json:"code"`
	Stdin     string   `json:"stdin,omitempty"`
	TimeoutMs int64    `json:"timeoutMs,omitempty"`
}

// Timeout returns TimeoutMs as a duration, or DefaultTimeout when unset.
func (r ExecutionRequest) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Normalize fills in the default timeout and rejects timeouts that are negative
// or above max. A zero max disables the upper bound.
func (r ExecutionRequest) Normalize(defaultTimeout, max time.Duration) (ExecutionRequest, error) {
	if r.TimeoutMs < 0 {
		return r, apperror.ValidationFailed("timeoutMs", "timeoutMs must be a positive duration")
	}
	if r.TimeoutMs == 0 {
		if defaultTimeout <= 0 {
			defaultTimeout = DefaultTimeout
		}
		r.TimeoutMs = defaultTimeout.Milliseconds()
	}
	if max > 0 && r.Timeout() > max {
		return r, apperror.ValidationFailed("timeoutMs",
			fmt.Sprintf("timeoutMs must be %d or less", max.Milliseconds()))
	}
	return r, nil
}

// ExecutionResult is produced by a language executor and relayed unmodified.
type ExecutionResult struct {
	Stdout    string  `json:"stdout"`
	Stderr    string  `json:"stderr"`
	ExitCode  int     `json:"exitCode"`
	ElapsedMs float64 `json:"elapsedMs"`
}

// Failure is the payload of error and fault envelopes.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Envelope is a single message on the channel.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// NewExecuteEnvelope wraps req for sending under id.
func NewExecuteEnvelope(id string, req ExecutionRequest) (*Envelope, error) {
	return newEnvelope(TypeExecute, id, req)
}

// NewResultEnvelope answers request id with a successful result.
func NewResultEnvelope(id string, res *ExecutionResult) (*Envelope, error) {
	return newEnvelope(TypeResult, id, res)
}

// NewErrorEnvelope answers request id with a failure.
func NewErrorEnvelope(id, kind, message string) *Envelope {
	env, _ := newEnvelope(TypeError, id, Failure{Kind: kind, Message: message})
	return env
}

// NewFaultEnvelope reports a channel-level fault that belongs to no request.
func NewFaultEnvelope(message string) *Envelope {
	env, _ := newEnvelope(TypeFault, "", Failure{Kind: apperror.KindChannelFault, Message: message})
	return env
}

// DecodeExecute returns the request carried by an execute envelope.
func (e *Envelope) DecodeExecute() (ExecutionRequest, error) {
	var req ExecutionRequest
	if e.Type != TypeExecute {
		return req, fmt.Errorf("protocol: envelope type %q is not %q", e.Type, TypeExecute)
	}
	if err := json.Unmarshal(e.Payload, &req); err != nil {
		return req, fmt.Errorf("protocol: decoding execute payload: %w", err)
	}
	return req, nil
}

// DecodeResult returns the result carried by a result envelope.
func (e *Envelope) DecodeResult() (*ExecutionResult, error) {
	if e.Type != TypeResult {
		return nil, fmt.Errorf("protocol: envelope type %q is not %q", e.Type, TypeResult)
	}
	var res ExecutionResult
	if err := json.Unmarshal(e.Payload, &res); err != nil {
		return nil, fmt.Errorf("protocol: decoding result payload: %w", err)
	}
	return &res, nil
}

// DecodeFailure returns the failure carried by an error or fault envelope.
func (e *Envelope) DecodeFailure() (Failure, error) {
	var f Failure
	if e.Type != TypeError && e.Type != TypeFault {
		return f, fmt.Errorf("protocol: envelope type %q carries no failure", e.Type)
	}
	if err := json.Unmarshal(e.Payload, &f); err != nil {
		return f, fmt.Errorf("protocol: decoding failure payload: %w", err)
	}
	return f, nil
}

func newEnvelope(t Type, id string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s payload: %w", t, err)
	}
	return &Envelope{Type: t, ID: id, Payload: raw}, nil
}
