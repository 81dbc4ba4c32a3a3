package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentrun/internal/observability"
	"github.com/harun/agentrun/internal/tracing"
	"github.com/harun/agentrun/pkg/protocol"
	"github.com/harun/agentrun/pkg/runctx"
	"github.com/harun/agentrun/pkg/toolexecutor"
)

// TurnRequest describes one model call.
type TurnRequest struct {
	Stage        string
	SystemPrompt string
	// Transcript names the tracked transcript sent as history. Empty means main.
	Transcript string
	UserPrompt string
	Tools      []toolexecutor.ToolSpec
	ToolChoice ToolChoice
	Effort     ComputeEffort
	MaxTokens  int
}

// ModelTurn is what one model call produced.
type ModelTurn struct {
	FinalText     string
	ReasoningText string
	ToolCalls     []runctx.ToolCall
}

// TurnConfig wires a TurnExecutor.
type TurnConfig struct {
	Provider LLMProvider
	Model    string
	// Catalog resolves the tool type announced with each call.
	Catalog toolexecutor.Catalog
	// SuppressTextAfterToolCall stops streaming content once a tool call
	// starts in the same turn. The text is still returned.
	SuppressTextAfterToolCall bool
	RetryBackoff              time.Duration
}

// TurnExecutor streams model calls and turns provider chunks into deltas.
type TurnExecutor struct {
	cfg    TurnConfig
	logger zerolog.Logger
}

// NewTurnExecutor creates a turn executor.
func NewTurnExecutor(cfg TurnConfig) *TurnExecutor {
	return &TurnExecutor{
		cfg:    cfg,
		logger: log.With().Str("component", "model-turn").Logger(),
	}
}

// Execute runs one model call under the run's model budget. The call counts
// once however many attempts it takes. Attempts are retried only while
// nothing has been emitted; a timeout after the first emission is fatal.
func (te *TurnExecutor) Execute(ctx context.Context, rc *runctx.RunContext, req TurnRequest, emit toolexecutor.Emit) (turn ModelTurn, err error) {
	if err := rc.CheckDeadline(); err != nil {
		return turn, err
	}
	if err := rc.BeginModelCall(); err != nil {
		return turn, err
	}

	provider := te.cfg.Provider.Provider()
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "agentrun/agent", "agent.model_turn",
		attribute.String("run.id", rc.RunID()),
		attribute.String("model.provider", provider),
		attribute.String("model.name", te.cfg.Model),
		attribute.String("stage", req.Stage),
	)
	defer func() {
		tracing.EndSpan(span, err)
		observability.RecordModelCall(provider, req.Stage, time.Since(start), err)
	}()

	logger := te.logger.With().
		Str("run_id", rc.RunID()).
		Str("stage", req.Stage).
		Int("model_call", rc.ModelCalls()).
		Logger()

	transcript := req.Transcript
	if transcript == "" {
		transcript = runctx.TranscriptMain
	}
	llmReq := LLMRequest{
		Model:         te.cfg.Model,
		SystemPrompt:  req.SystemPrompt,
		Messages:      rc.Transcript(transcript),
		UserPrompt:    req.UserPrompt,
		Tools:         req.Tools,
		ToolChoice:    req.ToolChoice,
		ComputeEffort: req.Effort,
		MaxTokens:     req.MaxTokens,
		Stage:         req.Stage,
	}

	budget := rc.Budget().Model
	attempts := budget.Attempts()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		stream := te.newStream(rc.ActiveTaskID(), emit)

		var (
			callCtx context.Context
			cancel  context.CancelFunc
		)
		if timeout := budget.Timeout(); timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		} else {
			callCtx, cancel = context.WithCancel(ctx)
		}
		streamErr := te.cfg.Provider.Stream(callCtx, llmReq, stream.onDelta)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if streamErr == nil {
			if err := stream.finish(); err != nil {
				return turn, err
			}
			logger.Debug().
				Int("attempt", attempt).
				Int("tool_calls", len(stream.calls)).
				Dur("duration", time.Since(start)).
				Msg("Model turn finished")
			return stream.turn(), nil
		}

		switch {
		case stream.emitErr != nil:
			return turn, stream.emitErr
		case ctx.Err() != nil:
			return turn, ctx.Err()
		case stream.emitted && timedOut:
			return turn, fmt.Errorf("%w after %s", ErrStreamTimeout, budget.Timeout())
		case stream.emitted:
			return turn, &ModelError{Provider: provider, Stage: req.Stage, Attempts: attempt, Err: streamErr}
		case !timedOut && !IsRetryableError(streamErr):
			return turn, &ModelError{Provider: provider, Stage: req.Stage, Attempts: attempt, Err: streamErr}
		}

		lastErr = streamErr
		if timedOut {
			lastErr = ErrStreamTimeout
		}
		if attempt == attempts {
			break
		}

		logger.Warn().Err(streamErr).Int("attempt", attempt).Msg("Retrying model call")
		if te.cfg.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return turn, ctx.Err()
			case <-time.After(te.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
	}

	if errors.Is(lastErr, ErrStreamTimeout) {
		return turn, fmt.Errorf("%w: %d attempt(s) of %s each", ErrStreamTimeout, attempts, budget.Timeout())
	}
	return turn, &ModelError{Provider: provider, Stage: req.Stage, Attempts: attempts, Err: lastErr}
}

func (te *TurnExecutor) toolType(name string) protocol.ToolType {
	if te.cfg.Catalog != nil {
		if spec, ok := te.cfg.Catalog.Lookup(name); ok && spec.Type != "" {
			return spec.Type
		}
	}
	return protocol.ToolTypeFunction
}

func (te *TurnExecutor) newStream(taskID string, emit toolexecutor.Emit) *turnStream {
	return &turnStream{
		te:     te,
		taskID: taskID,
		emit:   emit,
		byID:   make(map[string]*streamedCall),
	}
}

type streamedCall struct {
	id        string
	name      string
	args      strings.Builder
	announced bool
}

// turnStream accumulates one attempt. Text blocks get a fresh id whenever
// the stream switches between reasoning, content and tool calls.
type turnStream struct {
	te     *TurnExecutor
	taskID string
	emit   toolexecutor.Emit

	reasoning strings.Builder
	content   strings.Builder

	reasoningID string
	contentID   string
	last        protocol.DeltaKind

	calls       []*streamedCall
	byID        map[string]*streamedCall
	toolStarted bool

	emitted bool
	emitErr error
}

func (s *turnStream) send(d protocol.Delta) error {
	if err := s.emit(d); err != nil {
		s.emitErr = err
		return err
	}
	s.emitted = true
	s.last = d.Kind()
	return nil
}

func (s *turnStream) onDelta(d StreamDelta) error {
	if d.Reasoning != "" {
		s.reasoning.WriteString(d.Reasoning)
		if s.reasoningID == "" || s.last != protocol.KindReasoning {
			s.reasoningID = "reasoning_" + uuid.NewString()
		}
		if err := s.send(protocol.Reasoning{ID: s.reasoningID, TaskID: s.taskID, Text: d.Reasoning}); err != nil {
			return err
		}
	}

	if d.Content != "" {
		s.content.WriteString(d.Content)
		if !(s.toolStarted && s.te.cfg.SuppressTextAfterToolCall) {
			if s.contentID == "" || s.last != protocol.KindContent {
				s.contentID = "content_" + uuid.NewString()
			}
			if err := s.send(protocol.Content{ID: s.contentID, TaskID: s.taskID, Text: d.Content}); err != nil {
				return err
			}
		}
	}

	if len(d.ToolCalls) == 0 {
		return nil
	}

	var chunks []protocol.ToolCallChunk
	for _, tc := range d.ToolCalls {
		if tc.ID == "" {
			continue
		}
		call, ok := s.byID[tc.ID]
		if !ok {
			call = &streamedCall{id: tc.ID}
			s.byID[tc.ID] = call
			s.calls = append(s.calls, call)
		}
		if call.name == "" {
			call.name = tc.Name
		}
		call.args.WriteString(tc.ArgsChunk)

		switch {
		case call.announced:
			if tc.ArgsChunk == "" {
				continue
			}
			chunks = append(chunks, s.chunk(call, tc.ArgsChunk))
		case call.name != "":
			// Arguments that arrived before the name go out with the first chunk.
			call.announced = true
			chunks = append(chunks, s.chunk(call, call.args.String()))
		}
	}
	if len(chunks) == 0 {
		return nil
	}
	s.toolStarted = true
	return s.send(protocol.ToolCalls{Calls: chunks})
}

func (s *turnStream) chunk(call *streamedCall, args string) protocol.ToolCallChunk {
	return protocol.ToolCallChunk{
		ToolID:    call.id,
		ToolName:  call.name,
		ToolType:  s.te.toolType(call.name),
		ArgsChunk: args,
		TaskID:    s.taskID,
	}
}

// finish closes every announced tool block. Results arrive later.
func (s *turnStream) finish() error {
	for _, call := range s.calls {
		if !call.announced {
			s.te.logger.Warn().Str("tool_id", call.id).Msg("Dropping tool call without a name")
			continue
		}
		if err := s.send(protocol.ToolEnd{ToolID: call.id}); err != nil {
			return err
		}
	}
	return nil
}

func (s *turnStream) turn() ModelTurn {
	turn := ModelTurn{
		FinalText:     s.content.String(),
		ReasoningText: s.reasoning.String(),
	}
	for _, call := range s.calls {
		if !call.announced {
			continue
		}
		turn.ToolCalls = append(turn.ToolCalls, runctx.ToolCall{
			ID:        call.id,
			Name:      call.name,
			Arguments: call.args.String(),
		})
	}
	return turn
}
