package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/pkg/models"
)

// consoleChannel is a minimal interactive channel on stdin/stdout, mostly
// for local runs and smoke tests.
type consoleChannel struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func newConsoleChannel(b *bus.Bus, logger *slog.Logger) *consoleChannel {
	return &consoleChannel{bus: b, logger: logger}
}

func (c *consoleChannel) Name() string { return "console" }

func (c *consoleChannel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *consoleChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	readCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	go c.readLoop(readCtx)
	return nil
}

func (c *consoleChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.cancel()
	c.running = false
	return nil
}

func (c *consoleChannel) Send(ctx context.Context, msg *models.OutboundMessage) error {
	_, err := fmt.Fprintf(os.Stdout, "\n%s\n> ", msg.Content)
	return err
}

func (c *consoleChannel) readLoop(ctx context.Context) {
	fmt.Print("> ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		err := c.bus.PublishInbound(ctx, &models.InboundMessage{
			Channel:   c.Name(),
			ChatID:    models.DefaultChatID,
			SenderID:  "console",
			Content:   line,
			Timestamp: time.Now(),
		})
		if err != nil {
			c.logger.Warn("console publish failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("console read failed", "error", err)
	}
}
