// Package worker assembles the execution side of the channel from config:
// the language executors for the configured backend and the dispatcher that
// serves them. The worker binary and the in-process transport both use it.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sakif/code-runner/internal/config"
	"github.com/sakif/code-runner/internal/dispatcher"
	"github.com/sakif/code-runner/internal/executor"
	"github.com/sakif/code-runner/internal/executor/docker"
	"github.com/sakif/code-runner/internal/executor/process"
	"github.com/sakif/code-runner/internal/logging"
	"github.com/sakif/code-runner/internal/protocol"
)

// Executors builds a registry holding an executor per configured language.
// The returned release func frees backend resources (docker pools) and is
// never nil.
func Executors(ctx context.Context, cfg config.ExecutorConfig, logger *slog.Logger) (*executor.Registry, func() error, error) {
	reg := executor.NewRegistry()
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendProcess, "":
		logger = logging.WithComponent(logger, "executor.process")
		if err := process.Register(reg, processRuntimes(cfg), cfg.OutputLimit, logger); err != nil {
			return nil, nil, fmt.Errorf("worker: registering process executors: %w", err)
		}
		return reg, noop, nil

	case config.BackendDocker:
		backend, err := docker.New(ctx, dockerConfig(cfg), logging.WithComponent(logger, "executor.docker"))
		if err != nil {
			return nil, nil, fmt.Errorf("worker: starting docker backend: %w", err)
		}
		if err := backend.Register(reg); err != nil {
			backend.Close()
			return nil, nil, fmt.Errorf("worker: registering docker executors: %w", err)
		}
		return reg, backend.Close, nil
	}

	return nil, nil, fmt.Errorf("worker: unknown executor backend %q", cfg.Backend)
}

// NewDispatcher builds the executors and a dispatcher over them.
func NewDispatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dispatcher.Dispatcher, func() error, error) {
	reg, release, err := Executors(ctx, cfg.Executor, logger)
	if err != nil {
		return nil, nil, err
	}

	d := dispatcher.New(reg, logging.WithComponent(logger, "dispatcher"))
	d.SetDefaultTimeout(cfg.Channel.DefaultTimeout)

	logger.Info("executors ready",
		slog.String("backend", cfg.Executor.Backend),
		slog.Any("languages", reg.Languages()),
	)
	return d, release, nil
}

// processRuntimes falls back to process.DefaultRuntimes when none are configured.
func processRuntimes(cfg config.ExecutorConfig) map[protocol.Language]process.Runtime {
	if len(cfg.Runtimes) == 0 {
		return process.DefaultRuntimes()
	}
	rts := make(map[protocol.Language]process.Runtime, len(cfg.Runtimes))
	for lang, rt := range cfg.Runtimes {
		rts[lang] = process.Runtime{
			Command:   rt.Command,
			Args:      rt.Args,
			Extension: rt.Extension,
		}
	}
	return rts
}

// dockerConfig fills unset fields from docker.DefaultConfig.
func dockerConfig(cfg config.ExecutorConfig) docker.Config {
	out := docker.DefaultConfig()
	out.OutputLimit = cfg.OutputLimit

	d := cfg.Docker
	if len(d.Images) > 0 {
		out.Images = make(map[protocol.Language]docker.Image, len(d.Images))
		for lang, img := range d.Images {
			out.Images[lang] = docker.Image{Image: img.Image, Command: img.Command}
		}
	}
	if d.MemoryLimit > 0 {
		out.MemoryLimit = d.MemoryLimit
	}
	if d.CPULimit > 0 {
		out.CPULimit = d.CPULimit
	}
	if d.PoolSize > 0 {
		out.PoolSize = d.PoolSize
	}
	return out
}
