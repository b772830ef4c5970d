package process

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-runner/internal/executor"
	"github.com/sakif/code-runner/internal/protocol"
)

// The shell stands in for a real interpreter so the tests only need /bin/sh.
func newShellExecutor(limit int) *Executor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Runtime{Command: "sh", Extension: "sh"}, limit, logger)
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		stdin    string
		wantOut  string
		wantErr  string
		wantCode int
	}{
		{name: "stdout", code: "echo 5", wantOut: "5\n"},
		{name: "stdin is delivered", code: "read line; echo \"got $line\"", stdin: "hello\n", wantOut: "got hello\n"},
		{name: "stderr and exit code", code: "echo oops >&2; exit 3", wantErr: "oops\n", wantCode: 3},
		{name: "empty program", code: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newShellExecutor(0).Execute(context.Background(), tt.code, tt.stdin)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOut, res.Stdout)
			assert.Equal(t, tt.wantErr, res.Stderr)
			assert.Equal(t, tt.wantCode, res.ExitCode)
			assert.GreaterOrEqual(t, res.ElapsedMs, float64(0))
		})
	}
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newShellExecutor(0).Execute(ctx, "sleep 10", "")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation kills the interpreter")
}

func TestExecuteTruncatesOutput(t *testing.T) {
	res, err := newShellExecutor(16).Execute(context.Background(), "i=0; while [ $i -lt 100 ]; do echo line; i=$((i+1)); done", "")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.Stdout, "line\nline\nline\nl"))
	assert.Contains(t, res.Stdout, "output truncated")
}

func TestExecuteMissingInterpreter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := New(Runtime{Command: "definitely-not-an-interpreter", Extension: "x"}, 0, logger)

	_, err := exec.Execute(context.Background(), "", "")
	assert.Error(t, err, "a missing interpreter is an executor failure, not a result")
}

func TestRegister(t *testing.T) {
	reg := executor.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, Register(reg, DefaultRuntimes(), 0, logger))
	assert.Equal(t, protocol.Languages(), reg.Languages())
}
