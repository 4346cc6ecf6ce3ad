package gateway

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/hannamed/ma-api/internal/platform/bus"
)

// emitter publishes the events of one turn to a doctor's room. Publish
// failures are logged; a turn never fails because a listener is gone.
type emitter struct {
	bus    bus.Bus
	room   string
	logger zerolog.Logger
}

func (e *emitter) emit(ctx context.Context, event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to encode event")
		return
	}
	if err := e.bus.Publish(ctx, e.room, frame); err != nil {
		e.logger.Warn().Err(err).Str("event", event).Msg("failed to publish event")
	}
}

func (e *emitter) thinking(ctx context.Context, status bool) {
	e.emit(ctx, EventThinking, thinkingData{Status: status})
}

func (e *emitter) fail(ctx context.Context, message string) {
	e.emit(ctx, EventError, errorData{Message: message})
}
