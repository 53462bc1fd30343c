// Package server provides the public entry point for initializing the
// Keystone orchestrator.
//
// This package exists in pkg/ (not internal/) so the studio monorepo
// can import it and mount the orchestrator behind its own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keystone-studio/keystone/orchestrator/internal/api"
	"github.com/keystone-studio/keystone/orchestrator/internal/api/handlers"
	"github.com/keystone-studio/keystone/orchestrator/internal/config"
	"github.com/keystone-studio/keystone/orchestrator/internal/features/design"
	"github.com/keystone-studio/keystone/orchestrator/internal/features/pillars"
	"github.com/keystone-studio/keystone/orchestrator/internal/modelmanager"
	"github.com/keystone-studio/keystone/orchestrator/internal/orchestrator"
	"github.com/keystone-studio/keystone/orchestrator/internal/pipeline"
	"github.com/keystone-studio/keystone/orchestrator/internal/provider"
	"github.com/keystone-studio/keystone/orchestrator/internal/registry"
	"github.com/keystone-studio/keystone/orchestrator/internal/runlog"
	"github.com/keystone-studio/keystone/orchestrator/internal/store"
	"github.com/keystone-studio/keystone/orchestrator/internal/telemetry"
)

// Server holds the initialized orchestrator.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the run store (in-memory unless DATABASE_URL is set).
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to stop the
	// health monitor and flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration and
// returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the orchestrator with an explicit
// configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	runStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	manager, err := newModelManager(cfg)
	if err != nil {
		return nil, err
	}
	monitor := modelmanager.NewMonitor(manager, 0)
	monitor.Start(ctx)

	runs := runlog.New(runStore)
	defaultTimeout := time.Duration(cfg.DefaultTimeoutMs) * time.Millisecond

	agents, err := design.Agents()
	if err != nil {
		return nil, fmt.Errorf("build design aspects: %w", err)
	}
	pipe := pipeline.New(design.OperationID, manager, runs, agents, design.Synthesizer{}, cfg.DefaultModel, defaultTimeout)

	// Agentic operations register too: the registry is the single
	// source of truth for resolution and the operations listing.
	reg := registry.New()
	reg.MustRegister(
		pillars.Validate{},
		pillars.Suggest{},
		pipe.Registration(design.Version),
	)
	log.Info().Int("operations", len(reg.Registrations())).Msg("Handler registry populated")

	orch := orchestrator.New(reg, manager, runs, cfg.DefaultModel, defaultTimeout)

	h := handlers.New(runStore, reg, manager, monitor, orch, pipe)
	router := api.NewRouter(cfg, h)

	shutdown := func(ctx context.Context) error {
		monitor.Stop()
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        runStore,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL != "" {
		st, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		log.Info().Msg("PostgreSQL run store initialized")
		return st, nil
	}
	log.Info().Msg("In-memory run store initialized")
	return store.NewMemoryStore(), nil
}

// newModelManager registers every provider with credentials. A backend
// with no credentials is simply absent; at least one must register.
func newModelManager(cfg *config.Config) (*modelmanager.Manager, error) {
	manager := modelmanager.New(cfg.Aliases)
	p := cfg.Providers

	if p.OpenAIKey != "" {
		prov, err := provider.NewOpenAI(p.OpenAIEndpoint, p.OpenAIKey)
		if err != nil {
			return nil, fmt.Errorf("init openai provider: %w", err)
		}
		manager.Register(prov)
	}
	if p.GeminiKey != "" {
		prov, err := provider.NewGemini(p.GeminiEndpoint, p.GeminiKey)
		if err != nil {
			return nil, fmt.Errorf("init gemini provider: %w", err)
		}
		manager.Register(prov)
	}
	if p.AnthropicKey != "" {
		prov, err := provider.NewAnthropic(p.AnthropicEndpoint, p.AnthropicKey)
		if err != nil {
			return nil, fmt.Errorf("init anthropic provider: %w", err)
		}
		manager.Register(prov)
	}
	if p.OllamaEndpoint != "" {
		prov, err := provider.NewOllama(p.OllamaEndpoint)
		if err != nil {
			return nil, fmt.Errorf("init ollama provider: %w", err)
		}
		manager.Register(prov)
	}

	registered := manager.Providers()
	if len(registered) == 0 {
		return nil, fmt.Errorf("no model providers configured: set at least one of OPENAI_API_KEY, GEMINI_API_KEY, ANTHROPIC_API_KEY, OLLAMA_BASE_URL")
	}
	for _, prov := range registered {
		log.Info().
			Str("provider", prov.Name()).
			Str("type", string(prov.Type())).
			Strs("capabilities", prov.Capabilities()).
			Msg("Provider registered")
	}
	return manager, nil
}
