// Package gateway connects chat channels to the agent runtime. It consumes
// inbound messages from the bus, runs them through the executor, and delivers
// replies back to channels, supervising channel health along the way.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Channel is one chat surface (CLI, Telegram, Discord, ...). Implementations
// publish the messages they receive to the bus and deliver replies via Send.
type Channel interface {
	Name() string
	IsRunning() bool
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg *models.OutboundMessage) error
}

// SenderFilter is optionally implemented by channels that restrict who may
// talk to the assistant. An empty list admits everyone.
type SenderFilter interface {
	AllowedSenders() []string
}

// Processor turns one inbound message into at most one reply. *agent.Executor
// implements it.
type Processor interface {
	Process(ctx context.Context, msg *models.InboundMessage) *models.OutboundMessage
}

type channelState struct {
	channel Channel

	mu           sync.Mutex
	failures     int
	reconnecting bool
	unavailable  bool
}

// Gateway routes messages between registered channels and the executor.
// Messages for the same session are processed in order; distinct sessions
// run concurrently.
type Gateway struct {
	bus       *bus.Bus
	processor Processor
	cfg       config.ChannelsConfig
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu       sync.Mutex
	channels map[string]*channelState
	lastChat map[string]string
	sessions map[string]*sync.Mutex

	wg   sync.WaitGroup
	done chan struct{}
}

// New creates a gateway. metrics may be nil.
func New(b *bus.Bus, processor Processor, cfg config.ChannelsConfig, logger *slog.Logger, metrics *observability.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = 3
	}
	return &Gateway{
		bus:       b,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		channels:  map[string]*channelState{},
		lastChat:  map[string]string{},
		sessions:  map[string]*sync.Mutex{},
		done:      make(chan struct{}),
	}
}

// Register adds a channel before Start. Duplicate names are an error.
func (g *Gateway) Register(ch Channel) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	name := ch.Name()
	if name == "" {
		return fmt.Errorf("gateway: channel with empty name")
	}
	if _, exists := g.channels[name]; exists {
		return fmt.Errorf("gateway: channel %s already registered", name)
	}
	g.channels[name] = &channelState{channel: ch}
	return nil
}

// Start brings up every registered channel and begins consuming the bus,
// both queues: inbound messages are dispatched to the executor, outbound
// messages (tool notifications, replies published directly to the bus) are
// delivered to channels. It returns once the inbound queue closes or ctx
// ends; in-flight turns are drained first.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	states := make([]*channelState, 0, len(g.channels))
	for _, st := range g.channels {
		states = append(states, st)
	}
	g.mu.Unlock()

	for _, st := range states {
		if err := st.channel.Start(ctx); err != nil {
			return fmt.Errorf("gateway: start channel %s: %w", st.channel.Name(), err)
		}
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-g.bus.Outbound():
				if !ok {
					return
				}
				g.gaugeQueues()
				g.deliver(ctx, msg)
			}
		}
	}()

	defer g.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-g.bus.Inbound():
			if !ok {
				return nil
			}
			g.gaugeQueues()
			g.dispatch(ctx, msg)
		}
	}
}

func (g *Gateway) gaugeQueues() {
	if g.metrics == nil {
		return
	}
	g.metrics.QueueDepth.WithLabelValues("inbound").Set(float64(g.bus.InboundDepth()))
	g.metrics.QueueDepth.WithLabelValues("outbound").Set(float64(g.bus.OutboundDepth()))
}

// Stop shuts down all channels. Call after the bus is closed.
func (g *Gateway) Stop(ctx context.Context) {
	g.wg.Wait()
	g.mu.Lock()
	states := make([]*channelState, 0, len(g.channels))
	for _, st := range g.channels {
		states = append(states, st)
	}
	g.mu.Unlock()
	for _, st := range states {
		if err := st.channel.Stop(ctx); err != nil {
			g.logger.Warn("channel stop failed", "channel", st.channel.Name(), "error", err)
		}
	}
}

// dispatch runs one inbound message through the executor on its session's
// lane and delivers the reply.
func (g *Gateway) dispatch(ctx context.Context, msg *models.InboundMessage) {
	if !g.senderAllowed(msg) {
		g.logger.Debug("sender not allowed, dropping", "channel", msg.Channel, "sender", msg.SenderID)
		return
	}
	g.mu.Lock()
	g.lastChat[msg.Channel] = msg.ChatID
	key := models.SessionKey(msg.Channel, msg.ChatID)
	lane, ok := g.sessions[key]
	if !ok {
		lane = &sync.Mutex{}
		g.sessions[key] = lane
	}
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		lane.Lock()
		defer lane.Unlock()
		out := g.processor.Process(ctx, msg)
		if out == nil {
			return
		}
		g.deliver(ctx, out)
	}()
}

// senderAllowed checks the config allow-list and, when the channel exposes
// one, its own. Empty lists admit everyone.
func (g *Gateway) senderAllowed(msg *models.InboundMessage) bool {
	if allowed := g.cfg.AllowedSenders[msg.Channel]; len(allowed) > 0 {
		if !contains(allowed, msg.SenderID) {
			return false
		}
	}
	g.mu.Lock()
	st := g.channels[msg.Channel]
	g.mu.Unlock()
	if st != nil {
		if f, ok := st.channel.(SenderFilter); ok {
			if allowed := f.AllowedSenders(); len(allowed) > 0 && !contains(allowed, msg.SenderID) {
				return false
			}
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// deliver sends a reply to its channel, or broadcasts when no channel is
// named.
func (g *Gateway) deliver(ctx context.Context, msg *models.OutboundMessage) {
	if msg.Channel == "" || msg.Channel == "*" {
		g.Broadcast(ctx, msg)
		return
	}
	g.mu.Lock()
	st := g.channels[msg.Channel]
	g.mu.Unlock()
	if st == nil {
		g.logger.Warn("reply for unknown channel dropped", "channel", msg.Channel)
		return
	}
	resolved, ok := g.resolveChat(msg)
	if !ok {
		g.logger.Warn("no chat to address, dropping reply", "channel", msg.Channel)
		return
	}
	g.send(ctx, st, resolved)
}

// Broadcast delivers one message to every running channel in parallel. A
// failing channel never affects the others.
func (g *Gateway) Broadcast(ctx context.Context, msg *models.OutboundMessage) {
	g.mu.Lock()
	states := make([]*channelState, 0, len(g.channels))
	for _, st := range g.channels {
		states = append(states, st)
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range states {
		if !st.channel.IsRunning() {
			continue
		}
		copied := *msg
		copied.Channel = st.channel.Name()
		resolved, ok := g.resolveChat(&copied)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(st *channelState, m *models.OutboundMessage) {
			defer wg.Done()
			g.send(ctx, st, m)
		}(st, resolved)
	}
	wg.Wait()
}

// resolveChat substitutes the default chat id with the channel's most recent
// inbound chat. Returns false when nothing has been observed yet.
func (g *Gateway) resolveChat(msg *models.OutboundMessage) (*models.OutboundMessage, bool) {
	if msg.ChatID != models.DefaultChatID && msg.ChatID != "" {
		return msg, true
	}
	g.mu.Lock()
	last := g.lastChat[msg.Channel]
	g.mu.Unlock()
	if last == "" {
		return nil, false
	}
	copied := *msg
	copied.ChatID = last
	return &copied, true
}

// send delivers one message and applies the reconnect policy: consecutive
// failures up to the limit trigger an async restart; a channel that keeps
// failing is marked unavailable and skipped.
func (g *Gateway) send(ctx context.Context, st *channelState, msg *models.OutboundMessage) {
	st.mu.Lock()
	if st.unavailable || st.reconnecting {
		st.mu.Unlock()
		g.logger.Debug("channel unavailable, skipping", "channel", st.channel.Name())
		return
	}
	st.mu.Unlock()

	err := st.channel.Send(ctx, msg)
	if g.metrics != nil {
		g.metrics.MessageCounter.WithLabelValues(st.channel.Name(), "delivered").Inc()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if err == nil {
		st.failures = 0
		return
	}
	st.failures++
	g.logger.Warn("channel send failed", "channel", st.channel.Name(),
		"failures", st.failures, "error", err)
	if st.failures >= g.cfg.MaxReconnect && !st.reconnecting {
		st.reconnecting = true
		go g.restart(ctx, st)
	}
}

// restart cycles a failing channel. Failure to come back marks it
// unavailable.
func (g *Gateway) restart(ctx context.Context, st *channelState) {
	name := st.channel.Name()
	g.logger.Info("restarting channel", "channel", name)
	if err := st.channel.Stop(ctx); err != nil {
		g.logger.Warn("channel stop during restart failed", "channel", name, "error", err)
	}
	err := st.channel.Start(ctx)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.reconnecting = false
	if err != nil {
		st.unavailable = true
		g.logger.Error("channel restart failed, marking unavailable", "channel", name, "error", err)
		return
	}
	st.failures = 0
	g.logger.Info("channel restarted", "channel", name)
}
