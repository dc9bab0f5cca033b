// ABOUTME: Gateway orchestrator wiring store, provider, sessions, analysis, and retrieval
// ABOUTME: Owns the HTTP server lifecycle including graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/threadline-ai/threadline/internal/analysis"
	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/broadcast"
	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/metrics"
	"github.com/threadline-ai/threadline/internal/provider"
	"github.com/threadline-ai/threadline/internal/retrieval"
	"github.com/threadline-ai/threadline/internal/session"
	"github.com/threadline-ai/threadline/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Gateway orchestrates the threadline server components: the store, the AI
// provider, the broadcast registry, the session manager, the analysis
// scheduler, and the retrieval engine, all behind one HTTP server.
type Gateway struct {
	config     *config.Config
	store      store.Store
	provider   provider.Provider
	groups     *broadcast.Registry
	sessions   *session.Manager
	analyzer   *analysis.Analyzer
	scheduler  *analysis.Scheduler
	engine     *retrieval.Engine
	verifier   *auth.JWTVerifier
	metrics    *metrics.Metrics
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds a gateway from config. The store is opened here; Close releases it.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	p := provider.NewOpenAIProvider(provider.Config{
		APIKey:         cfg.Provider.APIKey,
		BaseURL:        cfg.Provider.BaseURL,
		Model:          cfg.Provider.Model,
		EmbeddingModel: cfg.Provider.EmbeddingModel,
		EmbeddingDim:   cfg.Provider.EmbeddingDim,
		Temperature:    cfg.Provider.Temperature,
		MaxTokens:      cfg.Provider.MaxTokens,
	}, logger)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
	} else {
		m = metrics.NewNop()
	}

	genOpts := provider.Options{
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
	}

	groups := broadcast.NewRegistry(logger)
	analyzer := analysis.NewAnalyzer(st, p, m, genOpts, logger)

	g := &Gateway{
		config:    cfg,
		store:     st,
		provider:  p,
		groups:    groups,
		sessions:  session.NewManager(st, p, groups, m, genOpts, logger),
		analyzer:  analyzer,
		scheduler: analysis.NewScheduler(analyzer, cfg.Analysis.MaxRetries, cfg.Analysis.RetryBackoff, logger),
		engine:    retrieval.NewEngine(st, p, m, genOpts, logger),
		verifier:  verifier,
		metrics:   m,
		logger:    logger,
	}
	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: g.router(),
	}
	return g, nil
}

// router builds the HTTP route table.
func (g *Gateway) router() http.Handler {
	r := mux.NewRouter()
	authed := auth.Middleware(g.verifier)

	r.Handle("/ws/conversations/{id}", authed(http.HandlerFunc(g.sessions.HandleConnection))).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(mux.MiddlewareFunc(authed))
	api.HandleFunc("/conversations", g.handleCreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations", g.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", g.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/end", g.handleEndConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/query", g.handleQueryConversation).Methods(http.MethodPost)
	api.HandleFunc("/search", g.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/rag", g.handleRAG).Methods(http.MethodPost)

	r.HandleFunc("/healthz", g.handleHealth).Methods(http.MethodGet)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Run serves HTTP until ctx is cancelled or the server fails, then shuts
// down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown on a fresh context since the run context is
// already canceled by the time we get here.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, waits for in-flight analysis, closes the
// broadcast registry, and releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down")

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("HTTP shutdown: %w", err)
	}

	g.scheduler.Close()
	g.groups.Close()

	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	g.logger.Info("shutdown complete")
	return firstErr
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}
