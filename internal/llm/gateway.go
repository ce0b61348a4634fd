// Package llm provides the provider gateway with model pinning and fallback,
// and the per-turn model router.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

// ProviderEntry is one registered backend.
type ProviderEntry struct {
	Name        string
	Adapter     providers.Adapter
	Models      []string // registered ids; "*" accepts any
	Priority    int
	Descriptors map[string]models.ModelDescriptor
}

// descriptor returns the best descriptor for a model id.
func (e *ProviderEntry) descriptor(id string) models.ModelDescriptor {
	if d, ok := e.Descriptors[id]; ok {
		return d
	}
	return e.Adapter.Capabilities(id)
}

// serves reports whether the entry lists id (or the wildcard).
func (e *ProviderEntry) serves(id string) bool {
	for _, m := range e.Models {
		if m == id || m == "*" {
			return true
		}
	}
	return false
}

// Gateway routes chat requests to registered providers and falls back on
// failure: first to the failing provider's other models, then to remaining
// providers in ascending priority. A (provider, model) pair is tried at
// most once per call.
type Gateway struct {
	mu              sync.RWMutex
	entries         map[string]*ProviderEntry
	defaultProvider string

	fallback bool
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Options configures a Gateway.
type Options struct {
	// Fallback enables retries on alternate models and providers.
	Fallback bool

	// DefaultProvider is used when no provider serves the requested model.
	DefaultProvider string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewGateway creates an empty gateway.
func NewGateway(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		entries:         map[string]*ProviderEntry{},
		defaultProvider: opts.DefaultProvider,
		fallback:        opts.Fallback,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}
}

// RegisterProvider inserts or replaces a provider entry.
func (g *Gateway) RegisterProvider(name string, adapter providers.Adapter, modelIDs []string, priority int, descriptors []models.ModelDescriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()

	byID := make(map[string]models.ModelDescriptor, len(descriptors))
	for _, d := range descriptors {
		if d.Provider == "" {
			d.Provider = name
		}
		byID[d.ID] = d
	}
	g.entries[name] = &ProviderEntry{
		Name:        name,
		Adapter:     adapter,
		Models:      modelIDs,
		Priority:    priority,
		Descriptors: byID,
	}
	if g.defaultProvider == "" {
		g.defaultProvider = name
	}
}

// Providers returns the registered entries in ascending priority.
func (g *Gateway) Providers() []*ProviderEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*ProviderEntry, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Descriptor resolves a (possibly provider-pinned) model id to its
// descriptor, or false when no provider serves it.
func (g *Gateway) Descriptor(modelID string) (models.ModelDescriptor, bool) {
	entry, id := g.resolve(modelID)
	if entry == nil {
		return models.ModelDescriptor{}, false
	}
	return entry.descriptor(id), true
}

// AllDescriptors returns the descriptors of every registered model, ordered
// by provider priority then model id.
func (g *Gateway) AllDescriptors() []models.ModelDescriptor {
	var out []models.ModelDescriptor
	for _, e := range g.Providers() {
		ids := make([]string, 0, len(e.Models))
		seen := map[string]bool{}
		for _, id := range e.Models {
			if id == "*" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			out = append(out, e.descriptor(id))
		}
	}
	return out
}

// resolve parses "provider/model" pinning and picks the serving entry.
func (g *Gateway) resolve(modelID string) (*ProviderEntry, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if provider, id, ok := strings.Cut(modelID, "/"); ok {
		if entry, exists := g.entries[provider]; exists {
			return entry, id
		}
	}
	if modelID != "" {
		var best *ProviderEntry
		for _, e := range g.entries {
			if !e.serves(modelID) {
				continue
			}
			if best == nil || e.Priority < best.Priority ||
				(e.Priority == best.Priority && e.Name < best.Name) {
				best = e
			}
		}
		if best != nil {
			return best, modelID
		}
	}
	entry := g.entries[g.defaultProvider]
	if entry == nil {
		return nil, ""
	}
	id := modelID
	if id == "" {
		id = entry.Adapter.DefaultModel()
	}
	return entry, id
}

// attempt is one tried (provider, model) pair.
type attempt struct {
	provider string
	model    string
	reason   string
}

// FallbackError aggregates every failed attempt of one chat call.
type FallbackError struct {
	Attempts []attempt
}

func (e *FallbackError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s/%s: %s", a.provider, a.model, a.reason)
	}
	return "llm: all providers failed: " + strings.Join(parts, "; ")
}

// Chat runs one completion with pinning and fallback.
func (g *Gateway) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	entry, modelID := g.resolve(req.Model)
	if entry == nil {
		return nil, fmt.Errorf("llm: no provider registered for model %q", req.Model)
	}

	tried := map[string]bool{}
	var failed FallbackError

	try := func(e *ProviderEntry, id string) (*providers.ChatResponse, bool) {
		key := e.Name + "/" + id
		if tried[key] {
			return nil, false
		}
		tried[key] = true

		attemptReq := *req
		attemptReq.Model = id
		start := time.Now()
		resp, err := e.Adapter.Chat(ctx, &attemptReq)
		if g.metrics != nil {
			g.metrics.LLMRequestDuration.WithLabelValues(e.Name, id).Observe(time.Since(start).Seconds())
			status := "ok"
			if err != nil {
				status = "error"
			}
			g.metrics.LLMRequestCounter.WithLabelValues(e.Name, id, status).Inc()
		}
		if err != nil {
			reason := err.Error()
			if pe, ok := providers.AsProviderError(err); ok {
				reason = string(pe.Kind)
			}
			failed.Attempts = append(failed.Attempts, attempt{provider: e.Name, model: id, reason: reason})
			g.logger.Warn("llm: attempt failed", "provider", e.Name, "model", id, "error", err)
			return nil, false
		}
		d := e.descriptor(id)
		resp.UsedProvider = e.Name
		resp.UsedModel = id
		resp.Level = d.Level
		return resp, true
	}

	if resp, ok := try(entry, modelID); ok {
		return resp, nil
	}
	if !g.fallback {
		return nil, &failed
	}
	if g.metrics != nil {
		g.metrics.FallbackCounter.WithLabelValues(entry.Name).Inc()
	}

	// Same provider, alternate models: registered ids plus whatever the
	// backend reports.
	alternates := append([]string{}, entry.Models...)
	if listed, err := entry.Adapter.ListModels(ctx); err == nil {
		alternates = append(alternates, listed...)
	} else {
		g.logger.Debug("llm: list models failed", "provider", entry.Name, "error", err)
	}
	for _, id := range alternates {
		if id == "*" || id == modelID {
			continue
		}
		if resp, ok := try(entry, id); ok {
			return resp, nil
		}
	}

	// Remaining providers in ascending priority.
	for _, e := range g.Providers() {
		if e.Name == entry.Name {
			continue
		}
		candidates := []string{}
		for _, id := range e.Models {
			if id == "*" {
				continue
			}
			candidates = append(candidates, id)
		}
		if len(candidates) == 0 {
			candidates = append(candidates, e.Adapter.DefaultModel())
		}
		for _, id := range candidates {
			if resp, ok := try(e, id); ok {
				return resp, nil
			}
		}
	}
	return nil, &failed
}
