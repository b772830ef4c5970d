// Package executor defines the contract between the dispatcher and the
// language-specific routines that actually run source code.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/sakif/code-runner/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_executor.go -package=mocks github.com/sakif/code-runner/internal/executor Executor

// Executor runs source code in one language and captures its output.
//
// A program that fails is still a result (non-zero ExitCode, message on
// Stderr). An error return means the executor itself could not run the code.
// Executors impose no timeout of their own but must stop promptly when ctx is
// cancelled.
type Executor interface {
	Execute(ctx context.Context, code, stdin string) (*protocol.ExecutionResult, error)
}

// Registry maps each supported language to its executor.
type Registry struct {
	mu        sync.RWMutex
	executors map[protocol.Language]Executor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[protocol.Language]Executor)}
}

// Register binds lang to exec, replacing any previous binding.
func (r *Registry) Register(lang protocol.Language, exec Executor) error {
	if !lang.Valid() {
		return fmt.Errorf("executor: cannot register unsupported language %q", lang)
	}
	if exec == nil {
		return fmt.Errorf("executor: nil executor for %q", lang)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[lang] = exec
	return nil
}

// Lookup returns the executor for lang.
func (r *Registry) Lookup(lang protocol.Language) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[lang]
	return exec, ok
}

// Languages returns the registered languages in protocol order.
func (r *Registry) Languages() []protocol.Language {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var langs []protocol.Language
	for _, l := range protocol.Languages() {
		if _, ok := r.executors[l]; ok {
			langs = append(langs, l)
		}
	}
	return langs
}
