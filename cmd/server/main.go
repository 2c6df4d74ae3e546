package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/HMasataka/tlsserve/pkg/server"
	"github.com/jessevdk/go-flags"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts Options
	parser := newParser(&opts)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return 0
		}
		return 2
	}

	cfg, err := buildConfig(parser, &opts)
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	logger, err := newLogger(os.Stdout, cfg.Log)
	if err != nil {
		slog.Error("invalid log configuration", slog.String("error", err.Error()))
		return 1
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := server.New(cfg)
	if err != nil {
		slog.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}

	if err := s.ListenAndServe(ctx); err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
		return 1
	}

	return 0
}
