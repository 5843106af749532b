package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"conductor/internal/adapter/bus"
	"conductor/internal/adapter/store"
	"conductor/internal/domain"
	"conductor/internal/infra/config"
	"conductor/internal/infra/logger"
	"conductor/internal/infra/tracer"
	"conductor/internal/usecase/orchestrator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config
	cfgPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. State store
	stateStore, err := newStateStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer stateStore.Close()

	// 4. Message bus
	msgBus := bus.NewInMemory(cfg.Router.DefaultTimeout, log)
	defer msgBus.Close()

	// 5. Orchestrator
	orch := orchestrator.New(cfg, msgBus, stateStore, log)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	defer orch.Stop()

	log.Info("conductor running", "store", cfg.Store.Driver)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func newStateStore(cfg config.StoreConfig) (domain.StateStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Path)
	default:
		return store.NewMemory(), nil
	}
}
