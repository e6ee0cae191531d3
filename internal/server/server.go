// Package server is the HTTP transport adapter. Every route is a thin
// wrapper over a kernel operation; the service's contract lives at the
// operation level, not here.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/kernel"
)

// Config holds the HTTP server configuration.
type Config struct {
	ListenAddr        string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	AllowedOrigins    []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

// Server serves the agent-facing API.
type Server struct {
	kernel *kernel.Kernel
	config Config
	logger *zap.Logger
	http   *http.Server
}

// New creates the HTTP server.
func New(k *kernel.Kernel, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{kernel: k, config: cfg, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/interactions", s.handleReportInteraction).Methods(http.MethodPost)
	v1.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	v1.HandleFunc("/query/nl", s.handleQueryNL).Methods(http.MethodPost)
	v1.HandleFunc("/context", s.handleGetContext).Methods(http.MethodPost)
	v1.HandleFunc("/probes", s.handleGetProbes).Methods(http.MethodGet)
	v1.HandleFunc("/probes/{id}/feedback", s.handleProbeFeedback).Methods(http.MethodPost)
	v1.HandleFunc("/starters", s.handleGetStarters).Methods(http.MethodGet)
	v1.HandleFunc("/corrections", s.handleUserCorrection).Methods(http.MethodPost)
	v1.HandleFunc("/provenance/{edge_id}", s.handleProvenance).Methods(http.MethodGet)
	v1.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/entities/search", s.handleEntitySearch).Methods(http.MethodGet)
	v1.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	v1.HandleFunc("/subscribe", s.handleSubscribe).Methods(http.MethodGet)

	chain := handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(
		handlers.CORS(
			handlers.AllowedOrigins(cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(r))

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      chain,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP transport listening", zap.String("addr", s.config.ListenAddr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
