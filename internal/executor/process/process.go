// Package process runs source code with interpreters installed on the host.
//
// Each run gets its own temp directory holding the source file, and the
// interpreter is started as a child process in that directory. This is a
// separate process, not a sandbox: the program has whatever access the worker
// user has.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sakif/code-runner/internal/executor"
	"github.com/sakif/code-runner/internal/protocol"
)

// Runtime describes how to invoke one interpreter.
type Runtime struct {
	Command   string   // interpreter binary, resolved through PATH
	Args      []string // arguments placed before the source file
	Extension string   // source file extension, without the dot
}

// DefaultRuntimes returns the interpreters used when none are configured.
func DefaultRuntimes() map[protocol.Language]Runtime {
	return map[protocol.Language]Runtime{
		protocol.LanguageJavaScript: {Command: "node", Extension: "js"},
		protocol.LanguagePython:     {Command: "python3", Extension: "py"},
		protocol.LanguageLua:        {Command: "lua", Extension: "lua"},
	}
}

// Executor runs one language through its Runtime.
type Executor struct {
	runtime     Runtime
	outputLimit int
	logger      *slog.Logger
}

var _ executor.Executor = (*Executor)(nil)

// New returns an Executor for rt. A non-positive outputLimit uses executor.DefaultOutputLimit.
func New(rt Runtime, outputLimit int, logger *slog.Logger) *Executor {
	if outputLimit <= 0 {
		outputLimit = executor.DefaultOutputLimit
	}
	return &Executor{
		runtime:     rt,
		outputLimit: outputLimit,
		logger:      logger,
	}
}

// Register adds an Executor for every runtime in rts to reg.
func Register(reg *executor.Registry, rts map[protocol.Language]Runtime, outputLimit int, logger *slog.Logger) error {
	for lang, rt := range rts {
		if err := reg.Register(lang, New(rt, outputLimit, logger.With(slog.String("language", string(lang))))); err != nil {
			return err
		}
	}
	return nil
}

// Execute writes code to a temp file and runs the interpreter on it, feeding
// stdin once. Cancelling ctx kills the interpreter.
func (e *Executor) Execute(ctx context.Context, code, stdin string) (*protocol.ExecutionResult, error) {
	dir, err := os.MkdirTemp("", "run-")
	if err != nil {
		return nil, fmt.Errorf("process: preparing run dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("failed to remove run dir", slog.String("dir", dir), slog.String("error", err.Error()))
		}
	}()

	source := filepath.Join(dir, "main."+e.runtime.Extension)
	if err := os.WriteFile(source, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("process: writing source: %w", err)
	}

	args := append(append([]string{}, e.runtime.Args...), source)
	cmd := exec.CommandContext(ctx, e.runtime.Command, args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(stdin)
	cmd.WaitDelay = time.Second

	stdout := executor.NewOutputBuffer(e.outputLimit)
	stderr := executor.NewOutputBuffer(e.outputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Debug("starting interpreter", slog.String("command", e.runtime.Command))

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("process: run cancelled: %w", ctxErr)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("process: running %s: %w", e.runtime.Command, err)
		}
		exitCode = exitErr.ExitCode()
		if exitCode < 0 {
			// killed by a signal
			exitCode = 1
		}
	}

	return &protocol.ExecutionResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		ElapsedMs: float64(elapsed.Microseconds()) / 1000,
	}, nil
}
