// Package bus provides the in-process message bus connecting channels to the
// agent runtime. It is a pair of bounded FIFO queues with at-least-once
// delivery within a single process.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrBusClosed is returned by publish operations after Close.
var ErrBusClosed = errors.New("bus: closed")

// DefaultCapacity bounds each queue when no capacity is configured.
const DefaultCapacity = 256

// Bus carries inbound messages from channels to the executor and outbound
// replies back to the channel gateway. Publishers block while a queue is
// full; consumers block while it is empty. Close unblocks everyone: blocked
// publishers fail with ErrBusClosed and consumers drain the queues until
// they close.
type Bus struct {
	inbound  chan *models.InboundMessage
	outbound chan *models.OutboundMessage

	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	publishers sync.WaitGroup
}

// New creates a bus with the given queue capacity. Capacity <= 0 falls back
// to DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		inbound:  make(chan *models.InboundMessage, capacity),
		outbound: make(chan *models.OutboundMessage, capacity),
		done:     make(chan struct{}),
	}
}

// enter registers a publisher. The returned release must be called when the
// publish attempt finishes; Close waits for all active publishers before
// closing the queues.
func (b *Bus) enter() (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.publishers.Add(1)
	return b.publishers.Done, nil
}

// PublishInbound enqueues a message from a channel. It blocks while the
// queue is full and returns ErrBusClosed after Close or ctx.Err() on
// cancellation. Publication order is preserved per producer.
func (b *Bus) PublishInbound(ctx context.Context, msg *models.InboundMessage) error {
	if msg == nil {
		return errors.New("bus: message is nil")
	}
	release, err := b.enter()
	if err != nil {
		return err
	}
	defer release()

	select {
	case b.inbound <- msg:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishOutbound enqueues a reply for the channel gateway.
func (b *Bus) PublishOutbound(ctx context.Context, msg *models.OutboundMessage) error {
	if msg == nil {
		return errors.New("bus: message is nil")
	}
	release, err := b.enter()
	if err != nil {
		return err
	}
	defer release()

	select {
	case b.outbound <- msg:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound returns the receive side of the inbound queue. The channel is
// closed once the bus shuts down and active publishers have finished;
// pending messages remain readable.
func (b *Bus) Inbound() <-chan *models.InboundMessage {
	return b.inbound
}

// Outbound returns the receive side of the outbound queue.
func (b *Bus) Outbound() <-chan *models.OutboundMessage {
	return b.outbound
}

// InboundDepth reports how many inbound messages are queued.
func (b *Bus) InboundDepth() int {
	return len(b.inbound)
}

// OutboundDepth reports how many outbound messages are queued.
func (b *Bus) OutboundDepth() int {
	return len(b.outbound)
}

// Close shuts the bus down and is idempotent. It waits for in-flight
// publishers before closing the queues so consumers see every accepted
// message followed by channel close.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.publishers.Wait()
	close(b.inbound)
	close(b.outbound)
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
