// Command server runs the HTTP facade in front of the code-runner channel.
//
// Usage:
//
//	server [--config runner.yaml]   serve HTTP until SIGINT/SIGTERM
//	server hash-key <api-key>       print the bcrypt hash for a client key
//
// With the default "process" transport the server launches the worker binary
// (channel.worker_path) on the first request and talks to it over its stdin
// and stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/code-runner/internal/auth"
	"github.com/sakif/code-runner/internal/channel"
	"github.com/sakif/code-runner/internal/config"
	"github.com/sakif/code-runner/internal/logging"
	"github.com/sakif/code-runner/internal/server"
	"github.com/sakif/code-runner/internal/worker"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "hash-key" {
		return runHashKey(args[1:], stdout, stderr)
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, stdout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if err := serve(cfg, *configPath, logger); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func serve(cfg *config.Config, configPath string, logger *slog.Logger) error {
	dbDir := filepath.Dir(cfg.Server.DBPath)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return fmt.Errorf("creating database directory %s: %w", dbDir, err)
	}

	spawner, release, err := newSpawner(cfg, configPath, logger)
	if err != nil {
		return err
	}
	defer release()

	ctrl := channel.New(spawner, logging.WithComponent(logger, "channel"),
		channel.WithDefaultTimeout(cfg.Channel.DefaultTimeout),
		channel.WithMaxTimeout(cfg.Channel.MaxTimeout),
		channel.WithTimeoutMargin(cfg.Channel.TimeoutMargin),
	)

	srv, err := server.New(cfg, ctrl, logger)
	if err != nil {
		if terr := ctrl.Terminate(); terr != nil {
			logger.Error("failed to terminate channel", slog.String("error", terr.Error()))
		}
		return err
	}
	return srv.Start()
}

// newSpawner picks the transport. The in-process transport builds the
// executors here; the process transport leaves that to the worker, which is
// handed the same config file.
func newSpawner(cfg *config.Config, configPath string, logger *slog.Logger) (channel.Spawner, func() error, error) {
	switch cfg.Channel.Transport {
	case config.TransportInProcess:
		logger.Warn("in-process transport: submitted code is not isolated from the server process")
		d, release, err := worker.NewDispatcher(context.Background(), cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return &channel.InProcessSpawner{
			Dispatcher: d,
			Logger:     logging.WithComponent(logger, "channel.inprocess"),
		}, release, nil

	default:
		var args []string
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		args = append(args, cfg.Channel.WorkerArgs...)
		return &channel.ProcessSpawner{
			Path:        cfg.Channel.WorkerPath,
			Args:        args,
			Logger:      logging.WithComponent(logger, "channel.process"),
			GracePeriod: cfg.Channel.GracePeriod,
		}, func() error { return nil }, nil
	}
}

func runHashKey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: server hash-key <api-key>")
		return 2
	}

	hash, err := auth.NewKeyHasher().Hash(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, hash)
	return 0
}
