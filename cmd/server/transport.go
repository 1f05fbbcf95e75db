package main

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/pysandbox/config"
	"github.com/isdmx/pysandbox/executor"
	"github.com/isdmx/pysandbox/httpapi"
	"github.com/isdmx/pysandbox/mcpserver"
	"github.com/isdmx/pysandbox/natsserver"
)

// transport is one way of exposing the executor
type transport interface {
	Start() error
	Shutdown(ctx context.Context) error
}

func newTransport(cfg *config.Config, logger *zap.Logger, exec *executor.Executor, shutdowner fx.Shutdowner) (transport, error) {
	switch cfg.Server.Transport {
	case "stdio", "http":
		s, err := mcpserver.New(cfg, logger, exec)
		if err != nil {
			return nil, err
		}
		serve := s.ServeHTTP
		if cfg.Server.Transport == "stdio" {
			serve = s.ServeStdio
		}
		return &blockingTransport{logger: logger, shutdowner: shutdowner, serve: serve, shutdown: s.Shutdown}, nil
	case "rest":
		s := httpapi.New(cfg, logger, exec)
		return &blockingTransport{logger: logger, shutdowner: shutdowner, serve: s.Serve, shutdown: s.Shutdown}, nil
	case "nats":
		return natsserver.New(cfg, logger, exec), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}
}

// blockingTransport runs a serve loop in the background and stops the
// application when it returns.
type blockingTransport struct {
	logger     *zap.Logger
	shutdowner fx.Shutdowner
	serve      func() error
	shutdown   func(context.Context) error
}

func (t *blockingTransport) Start() error {
	go func() {
		if err := t.serve(); err != nil {
			t.logger.Error("transport stopped", zap.Error(err))
			_ = t.shutdowner.Shutdown(fx.ExitCode(1))
			return
		}
		_ = t.shutdowner.Shutdown()
	}()
	return nil
}

func (t *blockingTransport) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}
