package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/maintenance"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/memory/embeddings"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/summarizer"
	"github.com/haasonsaas/relay/internal/trace"
	"github.com/haasonsaas/relay/pkg/models"
)

func runServe(ctx context.Context, cfg *config.Config, console bool) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	var metrics *observability.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	var tracer *trace.Tracer
	if cfg.Trace.Enabled {
		var err error
		tracer, err = trace.NewFile(cfg.Trace.Path)
		if err != nil {
			return err
		}
		defer tracer.Close()
	}

	b := bus.New(cfg.Bus.Capacity)

	sessionOpts := sessions.Options{
		Timeout:     cfg.Session.SessionTimeout,
		MaxHistory:  cfg.Session.MaxHistoryMessages,
		MaxSessions: cfg.Session.MaxSessions,
	}
	var sessionStore sessions.Store
	if cfg.Session.StoragePath != "" {
		fs, err := sessions.NewFileStore(cfg.Session.StoragePath, sessionOpts)
		if err != nil {
			return err
		}
		sessionStore = fs
	} else {
		sessionStore = sessions.NewMemoryStore(sessionOpts)
	}

	var memStore *memory.Store
	if cfg.Memory.Enabled {
		var embedder embeddings.Provider
		if e := cfg.Memory.Embeddings; e.APIKey != "" || e.BaseURL != "" {
			embedder = embeddings.NewOpenAI(embeddings.OpenAIConfig{
				APIKey:  e.APIKey,
				BaseURL: e.BaseURL,
				Model:   e.Model,
			})
		}
		var err error
		memStore, err = memory.NewStore(memory.Options{
			Path:           cfg.Memory.StoragePath,
			SearchLimit:    cfg.Memory.SearchLimit,
			MaxSearchLimit: cfg.Memory.MaxSearchLimit,
			RetentionDays:  cfg.Memory.ShortTermRetentionDays,
		}, embedder, logger)
		if err != nil {
			return err
		}
		defer memStore.Close()
		if err := memStore.Initialize(ctx); err != nil {
			return err
		}
	}

	gw := llm.NewGateway(llm.Options{
		Fallback:        true,
		DefaultProvider: cfg.DefaultProviderName(),
		Logger:          logger,
		Metrics:         metrics,
	})
	for name, p := range cfg.Providers {
		adapter, err := buildAdapter(name, p)
		if err != nil {
			return err
		}
		gw.RegisterProvider(name, adapter, p.Models, p.Priority, p.Descriptors)
		logger.Info("provider registered", "name", name, "kind", p.Kind, "models", len(p.Models))
	}

	var router *llm.Router
	if cfg.Routing.Enabled {
		router = llm.NewRouter(cfg.Routing, gw)
	}

	var summ *summarizer.Summarizer
	if memStore != nil && cfg.Memory.AutoSummarize {
		summ = summarizer.New(gw, memStore, logger, summarizer.Options{
			IdleTimeout: cfg.Memory.IdleTimeout,
		})
		defer summ.Stop()
	}

	registry := agent.NewRegistry(logger, metrics)

	deps := agent.Deps{
		Sessions:   sessionStore,
		Gateway:    gw,
		Registry:   registry,
		Summarizer: summ,
		Bus:        b,
		Tracer:     tracer,
		Metrics:    metrics,
		Logger:     logger,
	}
	if memStore != nil {
		deps.Memory = memStore
	}
	if router != nil {
		deps.Router = router
	}
	executor := agent.NewExecutor(cfg, deps)

	chanGateway := gateway.New(b, executor, cfg.Channels, logger, metrics)
	if console {
		if err := chanGateway.Register(newConsoleChannel(b, logger)); err != nil {
			return err
		}
	}

	var janitor *maintenance.Scheduler
	if memStore != nil {
		janitor = maintenance.New(memStore, logger, maintenance.Options{})
		if err := janitor.Start(); err != nil {
			return err
		}
	}

	logger.Info("relay started", "version", version, "providers", len(cfg.Providers))

	// The gateway loop runs until the context is cancelled; closing the bus
	// lets it drain in-flight turns.
	errCh := make(chan error, 1)
	go func() { errCh <- chanGateway.Start(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("gateway: %w", err)
		}
	}

	logger.Info("shutting down")
	b.Close()
	<-errCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chanGateway.Stop(shutdownCtx)
	if janitor != nil {
		janitor.Stop()
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("bye")
	return nil
}

func buildAdapter(name string, p config.ProviderConfig) (providers.Adapter, error) {
	defaultModel := firstConcreteModel(p.Models, p.Descriptors)
	switch p.Kind {
	case "anthropic":
		return providers.NewAnthropic(providers.AnthropicConfig{
			Name:         name,
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			DefaultModel: defaultModel,
			Descriptors:  p.Descriptors,
		})
	default:
		return providers.NewOpenAI(providers.OpenAIConfig{
			Name:         name,
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			DefaultModel: defaultModel,
			Descriptors:  p.Descriptors,
		})
	}
}

// firstConcreteModel picks the provider's default: the first configured model
// that is not the "*" wildcard, falling back to the first descriptor.
func firstConcreteModel(ids []string, descriptors []models.ModelDescriptor) string {
	for _, m := range ids {
		if m != "*" {
			return m
		}
	}
	if len(descriptors) > 0 {
		return descriptors[0].ID
	}
	return ""
}
