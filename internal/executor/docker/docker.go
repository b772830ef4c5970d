// Package docker runs source code inside pre-warmed Docker containers.
//
// Every language gets its own image and its own pool. A run takes one
// container from the pool, execs the interpreter in it with the code as an
// argument and stdin attached, and removes the container afterwards, so no
// state leaks between runs.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/code-runner/internal/executor"
	"github.com/sakif/code-runner/internal/protocol"
)

// Backend owns the Docker client and one pool per configured language.
type Backend struct {
	cli       client.APIClient
	config    Config
	logger    *slog.Logger
	executors map[protocol.Language]*Executor
}

// Executor implements executor.Executor for one language.
type Executor struct {
	cli    client.APIClient
	image  Image
	pool   *Pool
	limit  int
	logger *slog.Logger
}

var _ executor.Executor = (*Executor)(nil)

// New connects to the Docker daemon, pulls every configured image and starts
// the pools.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: creating client: %w", err)
	}

	b, err := NewWithClient(ctx, cli, cfg, logger)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return b, nil
}

// NewWithClient is New with an existing client.
func NewWithClient(ctx context.Context, cli client.APIClient, cfg Config, logger *slog.Logger) (*Backend, error) {
	limit := cfg.OutputLimit
	if limit <= 0 {
		limit = executor.DefaultOutputLimit
	}

	b := &Backend{
		cli:       cli,
		config:    cfg,
		logger:    logger,
		executors: make(map[protocol.Language]*Executor),
	}

	for lang, img := range cfg.Images {
		if !lang.Valid() {
			return nil, fmt.Errorf("docker: unsupported language %q in config", lang)
		}
		if len(img.Command) == 0 {
			return nil, fmt.Errorf("docker: no command configured for %s", lang)
		}
		if err := b.pull(ctx, img.Image); err != nil {
			return nil, err
		}

		langLogger := logger.With(slog.String("language", string(lang)))
		b.executors[lang] = &Executor{
			cli:    cli,
			image:  img,
			pool:   NewPool(cli, img.Image, cfg, langLogger),
			limit:  limit,
			logger: langLogger,
		}
	}

	for _, e := range b.executors {
		e.pool.Start()
	}
	return b, nil
}

func (b *Backend) pull(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	b.logger.Info("ensuring docker image is available", slog.String("image", ref))
	reader, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker: pulling %s: %w", ref, err)
	}
	defer reader.Close()

	// the pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("docker: pulling %s: %w", ref, err)
	}
	return nil
}

// Register adds the backend's executors to reg.
func (b *Backend) Register(reg *executor.Registry) error {
	for lang, e := range b.executors {
		if err := reg.Register(lang, e); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every pool and closes the Docker client.
func (b *Backend) Close() error {
	for _, e := range b.executors {
		e.pool.Stop()
	}
	return b.cli.Close()
}

// Execute runs code in a fresh container. The container is removed when the
// run finishes or ctx is cancelled, which also kills the interpreter.
// ElapsedMs covers the exec itself, from attach until the output closes.
func (e *Executor) Execute(ctx context.Context, code, stdin string) (*protocol.ExecutionResult, error) {
	containerID, err := e.pool.GetContainer(ctx)
	if err != nil {
		return nil, fmt.Errorf("docker: getting container from pool: %w", err)
	}
	defer e.remove(containerID)

	cmd := append(append([]string{}, e.image.Command...), code)
	execResp, err := e.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		WorkingDir:   "/tmp",
	})
	if err != nil {
		return nil, fmt.Errorf("docker: creating exec: %w", err)
	}

	attachResp, err := e.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker: attaching to exec: %w", err)
	}
	defer attachResp.Close()

	// attaching starts the exec
	start := time.Now()

	go func() {
		if stdin != "" {
			_, _ = io.Copy(attachResp.Conn, strings.NewReader(stdin))
		}
		_ = attachResp.CloseWrite()
	}()

	stdout := executor.NewOutputBuffer(e.limit)
	stderr := executor.NewOutputBuffer(e.limit)

	done := make(chan error, 1)
	go func() {
		// demultiplex stdout from stderr
		_, err := stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("docker: reading exec output: %w", err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("docker: run cancelled: %w", ctx.Err())
	}
	elapsed := time.Since(start)

	inspectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inspect, err := e.cli.ContainerExecInspect(inspectCtx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("docker: inspecting exec: %w", err)
	}

	return &protocol.ExecutionResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  inspect.ExitCode,
		ElapsedMs: float64(elapsed.Microseconds()) / 1000,
	}, nil
}

func (e *Executor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Error("failed to remove container", slog.String("id", id), slog.String("error", err.Error()))
	}
}
