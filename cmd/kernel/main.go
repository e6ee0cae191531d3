// Command kernel runs the knowledge-graph memory service: the durable
// ingestion pipeline, the graph store, background workers, the proactive
// engine, and the HTTP transport for agents.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/config"
	"github.com/knowledge-graph-memory/internal/kernel"
	"github.com/knowledge-graph-memory/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration (optional)")
	listenAddr := flag.String("listen", "", "HTTP listen address override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	k, err := kernel.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create kernel", zap.Error(err))
	}
	if err := k.Start(); err != nil {
		logger.Fatal("Failed to start kernel", zap.Error(err))
	}

	srvCfg := server.DefaultConfig()
	srvCfg.ListenAddr = cfg.ListenAddr
	srv := server.New(k, srvCfg, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := k.Stop(); err != nil {
		logger.Warn("Kernel shutdown incomplete", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}
