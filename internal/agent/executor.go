package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/summarizer"
	"github.com/haasonsaas/relay/internal/trace"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	memoryBlockOpen  = "<relevant-memories>"
	memoryBlockClose = "</relevant-memories>"
	memorySnippetLen = 200

	// maxResponseLength caps assistant text per model call; channels choke
	// on unbounded replies.
	maxResponseLength = 10000

	loopStopReply      = "检测到循环，已停止工具调用 (loop detected, tool calls stopped)."
	unfinishedReply    = "I reached the step limit before finishing. Please narrow the request and try again."
	internalErrorReply = "Something went wrong while processing your message, please try again."
)

// ChatClient is the completion backend the executor talks to.
type ChatClient interface {
	Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
}

// ModelSelector picks a model for a turn. *llm.Router implements it.
type ModelSelector interface {
	Select(messages []models.ChatMessage, media []models.Media) (models.ModelDescriptor, bool)
}

// MemoryBackend is the slice of the memory store the executor needs.
type MemoryBackend interface {
	Store(ctx context.Context, entry *models.MemoryEntry) error
	Search(ctx context.Context, query string, opts models.SearchOptions) ([]models.MemoryResult, error)
}

// Deps wires the executor's collaborators. Memory, Router, Registry,
// Summarizer, Tracer, and Metrics are optional.
type Deps struct {
	Sessions   sessions.Store
	Memory     MemoryBackend
	Gateway    ChatClient
	Router     ModelSelector
	Registry   *Registry
	Summarizer *summarizer.Summarizer
	Bus        *bus.Bus
	Tracer     *trace.Tracer
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Executor drives the LLM tool loop for one inbound message at a time and
// produces one reply per message. The channel gateway invokes it through the
// Processor contract; per-turn state (loop detector, model choice) never
// leaks between turns.
type Executor struct {
	agentCfg config.AgentConfig
	memCfg   config.MemoryConfig
	loopCfg  config.LoopConfig
	maxMedia int

	sessions   sessions.Store
	memory     MemoryBackend
	gateway    ChatClient
	router     ModelSelector
	registry   *Registry
	summarizer *summarizer.Summarizer
	bus        *bus.Bus
	tracer     *trace.Tracer
	metrics    *observability.Metrics
	logger     *slog.Logger
	history    *HistoryManager

	background sync.WaitGroup
}

// NewExecutor creates an executor from configuration and dependencies.
func NewExecutor(cfg *config.Config, deps Deps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	agentCfg := cfg.Agent
	if agentCfg.MaxIterations <= 0 {
		agentCfg.MaxIterations = 20
	}
	maxMedia := cfg.Channels.MaxMediaCount
	if maxMedia <= 0 {
		maxMedia = 10
	}
	return &Executor{
		agentCfg:   agentCfg,
		memCfg:     cfg.Memory,
		loopCfg:    cfg.Loop,
		maxMedia:   maxMedia,
		sessions:   deps.Sessions,
		memory:     deps.Memory,
		gateway:    deps.Gateway,
		router:     deps.Router,
		registry:   deps.Registry,
		summarizer: deps.Summarizer,
		bus:        deps.Bus,
		tracer:     deps.Tracer,
		metrics:    deps.Metrics,
		logger:     logger,
		history:    NewHistoryManager(cfg.Agent),
	}
}

// Process handles one inbound message end to end and returns the reply.
// Failures never escape: the worst case is a generic redacted error reply.
func (e *Executor) Process(ctx context.Context, in *models.InboundMessage) *models.OutboundMessage {
	ctx, traceID := trace.StartTurn(ctx)
	if e.metrics != nil {
		e.metrics.MessageCounter.WithLabelValues(in.Channel, "inbound").Inc()
	}
	log := e.logger.With("channel", in.Channel, "chat", in.ChatID, "trace", traceID)

	key := models.SessionKey(in.Channel, in.ChatID)
	session, err := e.sessions.GetOrCreate(ctx, key, false)
	if err != nil {
		log.Error("session load failed", "error", err)
		return e.errorReply(in, err)
	}
	e.gaugeSessions(ctx, in.Channel)

	out, err := e.runTurn(ctx, log, key, session, in)
	if err != nil {
		log.Error("turn failed", "error", err)
		return e.errorReply(in, err)
	}
	if e.metrics != nil {
		e.metrics.MessageCounter.WithLabelValues(in.Channel, "outbound").Inc()
	}
	return out
}

// gaugeSessions refreshes the per-channel session gauge.
func (e *Executor) gaugeSessions(ctx context.Context, channel string) {
	if e.metrics == nil {
		return
	}
	all, err := e.sessions.List(ctx)
	if err != nil {
		return
	}
	count := 0
	for _, s := range all {
		if s.Channel == channel {
			count++
		}
	}
	e.metrics.ActiveSessions.WithLabelValues(channel).Set(float64(count))
}

func (e *Executor) runTurn(ctx context.Context, log *slog.Logger, key string, session *models.Session, in *models.InboundMessage) (*models.OutboundMessage, error) {
	userMsg := buildUserMessage(in, e.maxMedia)

	history, err := e.sessions.GetHistory(ctx, key, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	messages := make([]models.ChatMessage, 0, len(history)+3)
	if e.agentCfg.SystemPrompt != "" {
		messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: e.agentCfg.SystemPrompt})
	}
	if block := e.retrieveMemories(ctx, in.Content); block != "" {
		messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: block})
	}
	messages = append(messages, history...)
	messages = append(messages, userMsg)

	if err := e.sessions.AppendMessage(ctx, key, userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	var (
		detector    = NewLoopDetector(e.loopCfg)
		descriptor  models.ModelDescriptor
		routed      bool
		pinnedModel string
		finalText   string
		loopStopped bool
		finished    bool
		tools       []models.ToolDefinition
	)
	if e.registry != nil {
		tools = e.registry.Definitions()
	}

	for iter := 0; iter < e.agentCfg.MaxIterations && !finished; iter++ {
		// The model is chosen once per turn and reused across iterations so
		// a multi-step turn stays on one model.
		if iter == 0 && e.router != nil {
			if d, ok := e.router.Select(messages, in.Media); ok {
				descriptor, routed = d, true
				pinnedModel = llm.PinnedID(d)
			}
		}

		working := e.history.Truncate(messages)
		if routed && !descriptor.Capabilities.Vision {
			working = downgradeVision(working)
		}

		req := &providers.ChatRequest{
			Model:    pinnedModel,
			Messages: working,
			Config:   e.generationConfig(descriptor, routed),
		}
		if len(tools) > 0 {
			req.Tools = tools
		}

		resp, err := trace.Call(ctx, e.tracer, "llm", "chat", map[string]any{
			"model":    pinnedModel,
			"messages": len(working),
		}, func(ctx context.Context) (*providers.ChatResponse, error) {
			return e.gateway.Chat(ctx, req)
		})
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		content := resp.Content
		if len(content) > maxResponseLength {
			log.Warn("assistant reply clamped", "length", len(content))
			content = truncateUTF8(content, maxResponseLength) + truncatedMarker
		}

		assistant := models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistant)
		if err := e.sessions.AppendMessage(ctx, key, assistant); err != nil {
			log.Warn("persist assistant message failed", "error", err)
		}

		if len(resp.ToolCalls) == 0 {
			finalText = content
			finished = true
			break
		}

		for _, call := range resp.ToolCalls {
			detector.RecordCall(call.Name, call.Arguments)
			if det := detector.DetectLoop(); det != nil {
				if det.Severity == SeverityCritical {
					log.Warn("loop detected, terminating turn", "detection", det.String())
					if e.metrics != nil {
						e.metrics.LoopTerminations.Inc()
					}
					finalText = loopStopReply
					loopStopped = true
					finished = true
					break
				}
				log.Warn("possible loop", "detection", det.String())
			}

			result := e.executeTool(ctx, in, call)
			toolMsg := models.ChatMessage{
				Role:       models.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			}
			messages = append(messages, toolMsg)
			if err := e.sessions.AppendMessage(ctx, key, toolMsg); err != nil {
				log.Warn("persist tool message failed", "error", err)
			}
		}
		messages = e.history.CompressToolResults(messages)
	}

	if !finished {
		finalText = unfinishedReply
	}

	e.afterTurn(key, in, userMsg.Text(), finalText)

	out := &models.OutboundMessage{
		Channel: in.Channel,
		ChatID:  in.ChatID,
		Content: finalText,
	}
	if loopStopped {
		out.Metadata = map[string]any{"loop_detected": true}
	}
	return out, nil
}

func (e *Executor) executeTool(ctx context.Context, in *models.InboundMessage, call models.ToolCall) string {
	if e.registry == nil {
		return fmt.Sprintf("错误: unknown tool %q", call.Name)
	}
	tc := &ToolContext{Channel: in.Channel, ChatID: in.ChatID}
	if e.bus != nil {
		tc.SendToBus = func(ctx context.Context, msg *models.OutboundMessage) error {
			return e.bus.PublishOutbound(ctx, msg)
		}
	}
	result, _ := trace.Call(ctx, e.tracer, "tool", call.Name, call.Arguments,
		func(ctx context.Context) (string, error) {
			return e.registry.Execute(ctx, call, tc), nil
		})
	return result
}

func (e *Executor) generationConfig(descriptor models.ModelDescriptor, routed bool) models.GenerationConfig {
	base := models.GenerationConfig{
		MaxTokens:        e.agentCfg.MaxTokens,
		Temperature:      e.agentCfg.Temperature,
		TopP:             e.agentCfg.TopP,
		TopK:             e.agentCfg.TopK,
		FrequencyPenalty: e.agentCfg.FrequencyPenalty,
	}
	if routed {
		return base.Merge(descriptor.Defaults)
	}
	return base
}

// retrieveMemories searches long-term memory for the query and renders the
// hits as a tagged block. Any failure means no block; the turn goes on.
func (e *Executor) retrieveMemories(ctx context.Context, query string) string {
	if e.memory == nil || strings.TrimSpace(query) == "" {
		return ""
	}
	limit := e.memCfg.SearchLimit
	if limit <= 0 {
		limit = 5
	}
	results, err := e.memory.Search(ctx, query, models.SearchOptions{Limit: limit})
	if err != nil {
		e.logger.Warn("memory search failed", "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(memoryBlockOpen)
	b.WriteString("\n")
	for _, r := range results {
		snippet := r.Entry.Content
		if len(snippet) > memorySnippetLen {
			snippet = truncateUTF8(snippet, memorySnippetLen) + "…"
		}
		fmt.Fprintf(&b, "[%s] %s\n", r.Entry.Type, snippet)
	}
	b.WriteString(memoryBlockClose)
	return b.String()
}

// afterTurn does the fire-and-forget bookkeeping: conversation memory,
// summarization, and idle tracking. Never blocks the reply.
func (e *Executor) afterTurn(key string, in *models.InboundMessage, userText, reply string) {
	if e.memory != nil && userText != "" && reply != "" {
		entry := &models.MemoryEntry{
			SessionID: key,
			Type:      models.MemoryConversation,
			Content:   fmt.Sprintf("User: %s\nAssistant: %s", userText, reply),
			Metadata:  models.MemoryMetadata{Channel: in.Channel},
		}
		e.background.Add(1)
		go func() {
			defer e.background.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.memory.Store(ctx, entry); err != nil {
				e.logger.Warn("memory store failed", "session", key, "error", err)
			}
		}()
	}

	if e.summarizer == nil {
		return
	}
	e.summarizer.RecordActivity(key)
	e.summarizer.StartIdleCheck(key, func() []models.ChatMessage {
		msgs, err := e.sessions.GetHistory(context.Background(), key, 0)
		if err != nil {
			return nil
		}
		return msgs
	})

	if !e.memCfg.AutoSummarize {
		return
	}
	session, err := e.sessions.GetOrCreate(context.Background(), key, false)
	if err != nil {
		return
	}
	pending := len(session.Messages) - session.LastConsolidated
	if pending < e.memCfg.SummarizeThreshold {
		return
	}
	total := len(session.Messages)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		summary, err := e.summarizer.Summarize(ctx, session.Messages)
		if err != nil {
			e.logger.Warn("summarize failed", "session", key, "error", err)
			return
		}
		if err := e.summarizer.StoreSummary(ctx, key, summary); err != nil {
			e.logger.Warn("store summary failed", "session", key, "error", err)
			return
		}
		if err := e.sessions.SetLastConsolidated(ctx, key, total); err != nil {
			e.logger.Warn("mark consolidated failed", "session", key, "error", err)
		}
	}()
}

func (e *Executor) errorReply(in *models.InboundMessage, err error) *models.OutboundMessage {
	content := internalErrorReply
	if err != nil {
		content = fmt.Sprintf("%s (%s)", internalErrorReply, observability.RedactUserFacing(err.Error()))
	}
	return &models.OutboundMessage{Channel: in.Channel, ChatID: in.ChatID, Content: content}
}

// buildUserMessage converts an inbound channel message into a chat turn,
// attaching at most maxMedia image attachments as content parts.
func buildUserMessage(in *models.InboundMessage, maxMedia int) models.ChatMessage {
	var images []models.ContentPart
	for _, m := range in.Media {
		if len(images) >= maxMedia {
			break
		}
		if m.Type != "image" && !strings.HasPrefix(m.MimeType, "image/") {
			continue
		}
		url := m.URL
		if url == "" && len(m.Data) > 0 {
			mime := m.MimeType
			if mime == "" {
				mime = "image/png"
			}
			url = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
		}
		if url == "" {
			continue
		}
		images = append(images, models.ContentPart{Type: models.PartImage, ImageURL: url, MimeType: m.MimeType})
	}

	if len(images) == 0 {
		return models.ChatMessage{Role: models.RoleUser, Content: in.Content}
	}
	parts := make([]models.ContentPart, 0, len(images)+1)
	if in.Content != "" {
		parts = append(parts, models.ContentPart{Type: models.PartText, Text: in.Content})
	}
	parts = append(parts, images...)
	return models.ChatMessage{Role: models.RoleUser, Parts: parts}
}

// downgradeVision replaces image parts with a text placeholder for models
// that cannot see them.
func downgradeVision(messages []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(messages))
	copy(out, messages)
	for i := range out {
		if !out[i].HasImage() {
			continue
		}
		parts := make([]models.ContentPart, 0, len(out[i].Parts))
		for _, p := range out[i].Parts {
			if p.Type == models.PartImage {
				parts = append(parts, models.ContentPart{Type: models.PartText, Text: "[image]"})
				continue
			}
			parts = append(parts, p)
		}
		out[i].Parts = parts
	}
	return out
}
