package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hannamed/ma-api/internal/agent"
	"github.com/hannamed/ma-api/internal/agent/tools"
	"github.com/hannamed/ma-api/internal/domain/chat"
	"github.com/hannamed/ma-api/internal/domain/doctor"
	"github.com/hannamed/ma-api/internal/platform/auth"
	"github.com/hannamed/ma-api/internal/platform/bus"
	"github.com/hannamed/ma-api/internal/platform/telemetry"
	"github.com/hannamed/ma-api/internal/platform/websocket"
)

// ChatService runs streamed turns on behalf of a doctor.
type ChatService interface {
	Send(ctx context.Context, doctorID int64, content string, cb agent.Callbacks) (*chat.Message, error)
	Regenerate(ctx context.Context, doctorID int64, cb agent.Callbacks) (*chat.Message, error)
	EditLastMessage(ctx context.Context, doctorID int64, content string, cb agent.Callbacks) (*chat.Message, error)
}

type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type Options struct {
	Origins     []string
	TurnTimeout time.Duration
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
}

// Gateway owns the /ws endpoint.
type Gateway struct {
	hub         *websocket.Hub
	bus         bus.Bus
	verifier    TokenVerifier
	doctors     doctor.Directory
	chat        ChatService
	registry    Registry
	upgrader    *gorillawebsocket.Upgrader
	turnTimeout time.Duration
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	turns       sync.WaitGroup
}

func New(hub *websocket.Hub, b bus.Bus, verifier TokenVerifier, doctors doctor.Directory, svc ChatService, registry Registry, opts Options) *Gateway {
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 5 * time.Minute
	}
	return &Gateway{
		hub:         hub,
		bus:         b,
		verifier:    verifier,
		doctors:     doctors,
		chat:        svc,
		registry:    registry,
		upgrader:    websocket.NewUpgrader(opts.Origins),
		turnTimeout: opts.TurnTimeout,
		logger:      opts.Logger.With().Str("component", "gateway").Logger(),
		metrics:     opts.Metrics,
	}
}

// Start subscribes the local hub to the bus. Frames published by any
// instance reach the connections held by this one.
func (g *Gateway) Start(ctx context.Context) error {
	return g.bus.Start(ctx, g.hub.Broadcast)
}

func (g *Gateway) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", g.HandleConnect)
}

// Wait blocks until every in-flight turn has finished.
func (g *Gateway) Wait() {
	g.turns.Wait()
}

// HandleConnect upgrades the request, authenticates the doctor and serves
// the connection until the peer leaves. A failed authentication closes the
// upgraded socket with a policy-violation frame before any event is sent.
func (g *Gateway) HandleConnect(c echo.Context) error {
	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	doc, err := g.authenticate(c.Request())
	if err != nil {
		g.logger.Warn().Err(err).Str("remote_ip", c.RealIP()).Msg("websocket handshake rejected")
		_ = websocket.ClosePolicyViolation(ws, "unauthorized")
		return nil
	}

	log := g.logger.With().Int64("doctor_id", doc.ID).Logger()
	g.registry.Add(doc.ID)
	g.metrics.ConnectionOpened()
	defer func() {
		g.registry.Remove(doc.ID)
		g.metrics.ConnectionClosed()
	}()
	log.Info().Msg("doctor connected")

	client := websocket.NewClient(RoomFor(doc.ID))
	g.hub.Serve(client, ws, func(frame []byte) {
		g.dispatch(doc.ID, frame)
	})

	log.Info().Msg("doctor disconnected")
	return nil
}

func (g *Gateway) authenticate(r *http.Request) (*doctor.Doctor, error) {
	claims, err := g.verifier.Verify(auth.BearerToken(r))
	if err != nil {
		return nil, err
	}
	doc, err := g.doctors.GetByID(r.Context(), claims.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("doctor %d: %w", claims.DoctorID, err)
	}
	return doc, nil
}

type inbound struct {
	event   string
	content string
}

// dispatch decodes one frame and starts its turn. Malformed frames and
// unknown events are dropped. Concurrent turns of one doctor are rejected
// by the chat service.
func (g *Gateway) dispatch(doctorID int64, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return
	}

	in := inbound{event: env.Event}
	switch env.Event {
	case EventSendMessage, EventEditLastMessage:
		var data contentData
		if len(env.Data) == 0 || json.Unmarshal(env.Data, &data) != nil {
			return
		}
		in.content = data.Content
	case EventRegenerateMessage:
	default:
		return
	}

	g.turns.Add(1)
	go func() {
		defer g.turns.Done()
		g.runTurn(doctorID, in)
	}()
}

// runTurn emits ai_thinking, the progress events and a terminal
// ai_response_complete or error, then always closes with ai_thinking false.
// A turn rejected as busy emits the busy error alone. The turn outlives the
// connection that started it.
func (g *Gateway) runTurn(doctorID int64, in inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), g.turnTimeout)
	defer cancel()

	em := g.emitter(doctorID)
	begun := time.Now()
	started := false
	cb := agent.Callbacks{
		OnStart: func() {
			started = true
			em.thinking(ctx, true)
		},
		OnToolCall: func(name string) {
			em.emit(ctx, EventToolCall, toolCallData{Tool: name, Message: tools.Describe(name)})
		},
		OnChunk: func(chunk string) {
			em.emit(ctx, EventStreaming, streamingData{Chunk: chunk})
		},
	}

	msg, err := g.invoke(ctx, doctorID, in, cb)
	if errors.Is(err, chat.ErrTurnInFlight) && !started {
		g.metrics.TurnFinished("busy", 0)
		em.fail(ctx, BusyMessage)
		return
	}
	if !started {
		em.thinking(ctx, true)
	}
	if err != nil {
		g.logger.Error().Err(err).Int64("doctor_id", doctorID).Str("event", in.event).Msg("turn failed")
		g.metrics.TurnFinished("error", time.Since(begun))
		em.fail(ctx, ErrorMessage)
	} else {
		g.metrics.TurnFinished("ok", time.Since(begun))
		em.emit(ctx, EventResponseComplete, completeData{Message: msg})
	}
	em.thinking(ctx, false)
}

func (g *Gateway) invoke(ctx context.Context, doctorID int64, in inbound, cb agent.Callbacks) (*chat.Message, error) {
	switch in.event {
	case EventSendMessage:
		return g.chat.Send(ctx, doctorID, in.content, cb)
	case EventRegenerateMessage:
		return g.chat.Regenerate(ctx, doctorID, cb)
	case EventEditLastMessage:
		return g.chat.EditLastMessage(ctx, doctorID, in.content, cb)
	}
	return nil, fmt.Errorf("unsupported event %q", in.event)
}

func (g *Gateway) emitter(doctorID int64) *emitter {
	return &emitter{
		bus:    g.bus,
		room:   RoomFor(doctorID),
		logger: g.logger.With().Int64("doctor_id", doctorID).Logger(),
	}
}
