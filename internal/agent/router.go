// Package agent drives one chat turn: it composes the conversation, lets
// the model call patient directory tools, and streams the answer back.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hannamed/ma-api/internal/agent/tools"
	"github.com/hannamed/ma-api/internal/platform/telemetry"
)

// FallbackResponse replaces an empty model answer.
const FallbackResponse = "I'm sorry, I couldn't generate a response. Please try rephrasing your question."

// MaxHistory is the number of prior messages replayed to the model.
const MaxHistory = 10

const roundSeparator = "\n\n"

type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// Message is one prior conversation message, oldest first.
type Message struct {
	Role    Role
	Content string
}

// Callbacks receive progress while a turn runs. All are optional.
// OnStart is invoked by the caller that admits the turn, never by the
// router itself.
type Callbacks struct {
	OnStart    func()
	OnToolCall func(name string)
	OnChunk    func(chunk string)
}

// Start reports that the turn was admitted.
func (cb Callbacks) Start() {
	if cb.OnStart != nil {
		cb.OnStart()
	}
}

func (cb Callbacks) toolCall(name string) {
	if cb.OnToolCall != nil {
		cb.OnToolCall(name)
	}
}

func (cb Callbacks) chunk(text string) {
	if cb.OnChunk != nil {
		cb.OnChunk(text)
	}
}

// Request is the input of one turn.
type Request struct {
	Doctor  tools.DoctorContext
	History []Message
	Input   string
}

type Options struct {
	MaxRounds   int
	Temperature float64
	Location    *time.Location
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
}

// Router runs the tool-calling loop against a chat model.
type Router struct {
	model       llms.Model
	registry    *tools.Registry
	maxRounds   int
	temperature float64
	loc         *time.Location
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
}

func NewRouter(model llms.Model, registry *tools.Registry, opts Options) *Router {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 6
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Router{
		model:       model,
		registry:    registry,
		maxRounds:   opts.MaxRounds,
		temperature: opts.Temperature,
		loc:         opts.Location,
		now:         time.Now,
		logger:      opts.Logger.With().Str("component", "router").Logger(),
		metrics:     opts.Metrics,
		tracer:      telemetry.Tracer(),
	}
}

// Run executes one turn and returns the final answer text. Text chunks are
// forwarded to cb.OnChunk as they arrive and cb.OnToolCall fires once per
// distinct tool name. Every tool call the model issues is executed. Model
// errors are returned; an empty answer becomes FallbackResponse.
func (r *Router) Run(ctx context.Context, req Request, cb Callbacks) (answer string, err error) {
	ctx, span := r.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.Int64("doctor.id", req.Doctor.DoctorID),
		attribute.Int("history.length", len(req.History)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "turn failed")
		}
		span.End()
	}()

	messages, err := r.compose(req)
	if err != nil {
		return "", err
	}

	// Text from a tool-calling round is kept in the answer. The first text of
	// a later round starts a new paragraph so the rounds do not run together.
	var (
		buf      strings.Builder
		streamed bool
		separate bool
	)
	emit := func(text string) {
		if separate {
			separate = false
			buf.WriteString(roundSeparator)
			cb.chunk(roundSeparator)
		}
		streamed = true
		buf.WriteString(text)
		cb.chunk(text)
	}
	stream := func(_ context.Context, chunk []byte) error {
		if len(chunk) == 0 || isToolCallDelta(chunk) {
			return nil
		}
		emit(string(chunk))
		return nil
	}

	opts := []llms.CallOption{
		llms.WithTools(r.registry.Definitions()),
		llms.WithTemperature(r.temperature),
		llms.WithStreamingFunc(stream),
	}

	announced := make(map[string]bool)
	for round := 1; round <= r.maxRounds; round++ {
		streamed = false
		separate = strings.TrimSpace(buf.String()) != ""
		roundCtx, roundSpan := r.tracer.Start(ctx, "agent.model_round", trace.WithAttributes(attribute.Int("round", round)))
		resp, err := r.model.GenerateContent(roundCtx, messages, opts...)
		roundSpan.End()
		if err != nil {
			return "", fmt.Errorf("model round %d: %w", round, err)
		}
		if len(resp.Choices) == 0 {
			break
		}
		choice := resp.Choices[0]

		if len(choice.ToolCalls) == 0 {
			if !streamed && strings.TrimSpace(choice.Content) != "" {
				emit(choice.Content)
			}
			break
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			assistant.Parts = append(assistant.Parts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, tc)
		}
		messages = append(messages, assistant)

		for _, tc := range choice.ToolCalls {
			if tc.FunctionCall == nil {
				continue
			}
			name := tc.FunctionCall.Name
			if !announced[name] {
				announced[name] = true
				cb.toolCall(name)
			}

			toolCtx, toolSpan := r.tracer.Start(ctx, "agent.tool", trace.WithAttributes(attribute.String("tool.name", name)))
			result := r.registry.Call(toolCtx, req.Doctor, name, tc.FunctionCall.Arguments)
			toolSpan.End()
			r.metrics.ToolCalled(name)
			r.logger.Debug().
				Int64("doctor_id", req.Doctor.DoctorID).
				Str("tool", name).
				Int("round", round).
				Int("result_bytes", len(result)).
				Msg("tool executed")

			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: tc.ID,
					Name:       name,
					Content:    result,
				}},
			})
		}

		if round == r.maxRounds {
			r.logger.Warn().Int64("doctor_id", req.Doctor.DoctorID).Int("rounds", round).Msg("tool round limit reached")
		}
	}

	answer = strings.TrimSpace(buf.String())
	if answer == "" {
		return FallbackResponse, nil
	}
	return answer, nil
}

func (r *Router) compose(req Request) ([]llms.MessageContent, error) {
	hospitals := make([]string, len(req.Doctor.Hospitals))
	for i, h := range req.Doctor.Hospitals {
		hospitals[i] = string(h)
	}
	system, err := RenderSystemPrompt(req.Doctor.Name, req.Doctor.Specialty, hospitals, r.now().In(r.loc))
	if err != nil {
		return nil, err
	}

	history := req.History
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}

	messages := make([]llms.MessageContent, 0, len(history)+2)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := llms.ChatMessageTypeHuman
		if m.Role == RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, m.Content))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Input))
	return messages, nil
}

// isToolCallDelta reports whether a streamed chunk is a serialized tool-call
// fragment rather than answer text. Some providers stream both through the
// same callback.
func isToolCallDelta(chunk []byte) bool {
	trimmed := strings.TrimSpace(string(chunk))
	if !strings.HasPrefix(trimmed, "[{") {
		return false
	}
	var calls []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &calls); err != nil || len(calls) == 0 {
		return false
	}
	_, ok := calls[0]["function"]
	return ok
}
