// Command worker is the execution side of the channel. It reads execute
// envelopes from stdin, runs them and writes result, error and fault
// envelopes to stdout, one JSON object per line.
//
// stdout carries the protocol and nothing else. Logs go to stderr as JSON,
// where the controller picks them up and re-logs them.
//
// The worker exits when stdin is closed or on SIGTERM/SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sakif/code-runner/internal/config"
	"github.com/sakif/code-runner/internal/logging"
	"github.com/sakif/code-runner/internal/worker"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger, err := logging.New(cfg.Log.Level, "json", stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger = logging.WithComponent(logger, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	d, release, err := worker.NewDispatcher(ctx, cfg, logger)
	if err != nil {
		logger.Error("starting executors", slog.String("error", err.Error()))
		return 1
	}
	defer release()

	err = d.Serve(ctx, stdin, stdout)
	switch {
	case err == nil:
		logger.Info("channel closed, exiting")
	case errors.Is(err, context.Canceled):
		logger.Info("signal received, exiting")
	default:
		logger.Error("serving channel", slog.String("error", err.Error()))
		return 1
	}
	return 0
}
