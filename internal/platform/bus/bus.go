// Package bus fans room-addressed frames out to every server instance.
package bus

import (
	"context"
	"fmt"
	"sync"
)

// Handler receives a frame published to room. Handlers are invoked
// sequentially in publish order.
type Handler func(room string, payload []byte)

// Bus publishes frames to rooms and forwards them to a local handler.
type Bus interface {
	Publish(ctx context.Context, room string, payload []byte) error
	Start(ctx context.Context, handler Handler) error
	Close() error
}

// LocalBus delivers frames in-process. It is used when no Redis URL is
// configured and there is a single server instance.
type LocalBus struct {
	mu      sync.Mutex
	handler Handler
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Publish hands the frame straight to the handler on the caller's goroutine.
func (b *LocalBus) Publish(_ context.Context, room string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler == nil {
		return fmt.Errorf("bus not started")
	}
	b.handler(room, payload)
	return nil
}

func (b *LocalBus) Start(_ context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler required")
	}
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() error { return nil }
