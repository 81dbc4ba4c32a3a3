package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentrun/internal/observability"
	"github.com/harun/agentrun/internal/tracing"
	"github.com/harun/agentrun/pkg/commandqueue"
	"github.com/harun/agentrun/pkg/planner"
	"github.com/harun/agentrun/pkg/protocol"
	"github.com/harun/agentrun/pkg/runctx"
)

// Result codes of failed tool calls.
const (
	CodeInvalidArguments      = "invalid_arguments"
	CodeUnknownTool           = "unknown_tool"
	CodeToolFailed            = "tool_failed"
	CodeToolTimeout           = "tool_timeout"
	CodeFrontendSubmitTimeout = "frontend_submit_timeout"
	CodePlanRejected          = "plan_rejected"
)

// Emit forwards a delta to the run's assembler. An error is fatal to the run.
type Emit func(protocol.Delta) error

// FailureResult is the result of a call that did not succeed.
type FailureResult struct {
	Tool  string `json:"tool"`
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// Outcome is what happened to one dispatched call.
type Outcome struct {
	Call     runctx.ToolCall
	ToolType protocol.ToolType
	Result   json.RawMessage
	OK       bool
	Code     string
	Attempts int
	// PlanChanged is set when a plan tool mutated the run's plan.
	PlanChanged bool
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Pool     *commandqueue.CommandQueue
	Executor *ToolExecutor
	Catalog  Catalog
	Frontend *FrontendCoordinator
	Resolver ArgumentResolver
	// Lane is the pool lane backend calls run on.
	Lane string
	// FrontendTimeout bounds frontend waits. Zero uses the coordinator default.
	FrontendTimeout time.Duration
	// RetryBackoff is the pause between backend attempts.
	RetryBackoff time.Duration
}

// Dispatcher executes planned tool calls for a run.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher. Missing collaborators get defaults,
// except Pool and Executor which backend calls need.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Resolver == nil {
		cfg.Resolver = JSONResolver{}
	}
	if cfg.Frontend == nil {
		cfg.Frontend = NewFrontendCoordinator(cfg.FrontendTimeout)
	}
	if cfg.Catalog == nil {
		catalog := NewCatalog()
		if cfg.Executor != nil {
			catalog.AddExecutor(cfg.Executor)
		}
		cfg.Catalog = catalog
	}
	if cfg.Lane == "" {
		cfg.Lane = commandqueue.DefaultLane
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: log.With().Str("component", "tool-dispatcher").Logger(),
	}
}

// Frontend returns the coordinator frontend submissions go to.
func (d *Dispatcher) Frontend() *FrontendCoordinator { return d.cfg.Frontend }

// Catalog returns the catalog tool types are resolved from.
func (d *Dispatcher) Catalog() Catalog { return d.cfg.Catalog }

// Dispatch runs calls in order. Tool failures become results; the error
// return is reserved for what ends the run: budget, cancellation and
// emission failures.
func (d *Dispatcher) Dispatch(ctx context.Context, rc *runctx.RunContext, calls []runctx.ToolCall, emit Emit) ([]Outcome, error) {
	return d.dispatch(ctx, rc, calls, nil, emit)
}

// DispatchOffered is Dispatch restricted to the tools a turn offered the
// model. Any other name is answered as an unknown tool, plan tools included.
func (d *Dispatcher) DispatchOffered(ctx context.Context, rc *runctx.RunContext, calls []runctx.ToolCall, offered []ToolSpec, emit Emit) ([]Outcome, error) {
	allowed := make(map[string]ToolSpec, len(offered))
	for _, spec := range offered {
		allowed[spec.Name] = spec
	}
	return d.dispatch(ctx, rc, calls, allowed, emit)
}

// dispatch looks tools up in allowed, or in the whole catalog when allowed is nil.
func (d *Dispatcher) dispatch(ctx context.Context, rc *runctx.RunContext, calls []runctx.ToolCall, allowed map[string]ToolSpec, emit Emit) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(calls))
	for _, call := range calls {
		out, err := d.dispatchOne(ctx, rc, call, allowed, emit)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, rc *runctx.RunContext, call runctx.ToolCall, allowed map[string]ToolSpec, emit Emit) (out Outcome, err error) {
	start := time.Now()

	if err := rc.CheckDeadline(); err != nil {
		return out, err
	}
	if err := rc.BeginToolCall(); err != nil {
		return out, err
	}

	spec, known := d.cfg.Catalog.Lookup(call.Name)
	offered := true
	if allowed != nil {
		_, offered = allowed[call.Name]
	}
	toolType := spec.Type
	if toolType == "" {
		toolType = protocol.ToolTypeFunction
	}
	taskID := rc.ActiveTaskID()

	if call.ID == "" {
		id, _ := gonanoid.New()
		call.ID = "call_" + id
		if err := d.announce(call, toolType, taskID, emit); err != nil {
			return out, err
		}
	}
	out = Outcome{Call: call, ToolType: toolType}

	ctx, span := tracing.StartSpan(ctx, "agentrun/toolexecutor", "tool.dispatch",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.id", call.ID),
		attribute.String("tool.type", string(toolType)),
		attribute.String("run.id", rc.RunID()),
	)
	defer func() { tracing.EndSpan(span, err) }()

	logger := d.logger.With().
		Str("run_id", rc.RunID()).
		Str("tool", call.Name).
		Str("tool_id", call.ID).
		Logger()

	var (
		result interface{}
		code   string
		msg    string
	)

	switch {
	case !known:
		code, msg = CodeUnknownTool, fmt.Sprintf("%s: %s", ErrToolNotFound, call.Name)
	case !offered:
		code, msg = CodeUnknownTool, fmt.Sprintf("%s: %s", ErrToolNotOffered, call.Name)
	default:
		args, rerr := d.cfg.Resolver.Resolve(ctx, call, spec)
		if rerr != nil {
			code, msg = CodeInvalidArguments, rerr.Error()
			break
		}

		switch toolType {
		case protocol.ToolTypeAction:
			out.Attempts = 1
			result = map[string]interface{}{"ok": true, "acknowledged": true}

		case protocol.ToolTypeFrontend:
			out.Attempts = 1
			payload, ferr := d.cfg.Frontend.Await(ctx, rc.RunID(), call.ID, d.cfg.FrontendTimeout)
			switch {
			case ferr == nil:
				if err := emit(protocol.Submit{ToolID: call.ID, Payload: payload}); err != nil {
					return out, err
				}
				result = payload
			case ctx.Err() != nil:
				return out, ctx.Err()
			case errors.Is(ferr, ErrFrontendSubmitTimeout):
				code, msg = CodeFrontendSubmitTimeout, ferr.Error()
			default:
				code, msg = CodeToolFailed, ferr.Error()
			}

		default:
			val, attempts, berr := d.invokeBackend(ctx, rc, call, args, logger)
			out.Attempts = attempts
			switch {
			case berr == nil:
				result = val
			case ctx.Err() != nil:
				return out, ctx.Err()
			case errors.Is(berr, ErrInvalidArguments):
				code, msg = CodeInvalidArguments, berr.Error()
			case errors.Is(berr, ErrToolNotFound):
				code, msg = CodeUnknownTool, berr.Error()
			case errors.Is(berr, context.DeadlineExceeded):
				code, msg = CodeToolTimeout, fmt.Sprintf("tool %s timed out after %d attempts", call.Name, attempts)
			default:
				code, msg = CodeToolFailed, berr.Error()
			}
		}
	}

	var raw json.RawMessage
	if code == "" {
		raw, err = json.Marshal(result)
		if err != nil {
			code, msg = CodeToolFailed, fmt.Sprintf("encode result: %v", err)
			err = nil
		}
	}
	if code != "" {
		raw, _ = json.Marshal(FailureResult{Tool: call.Name, OK: false, Code: code, Error: msg})
		logger.Warn().Str("code", code).Str("error", msg).Msg("Tool call failed")
	}

	out.OK = code == ""
	out.Code = code

	if out.OK && planner.IsPlanTool(call.Name) {
		raw, out.PlanChanged = d.applyPlan(rc, call.Name, raw, logger)
		if !out.PlanChanged {
			out.OK = false
			out.Code = CodePlanRejected
		}
	}
	out.Result = raw

	if err := emit(protocol.ToolResult{ToolID: call.ID, ToolName: call.Name, Result: raw, TaskID: taskID}); err != nil {
		return out, err
	}

	rc.AppendToolExchange(call, string(raw))
	rc.RecordTool(runctx.ToolRecord{
		Call:     call,
		ToolType: string(toolType),
		TaskID:   taskID,
		Result:   raw,
		OK:       out.OK,
		Code:     out.Code,
		Attempts: out.Attempts,
		Duration: time.Since(start),
	})
	observability.RecordToolCall(call.Name, string(toolType), time.Since(start), out.OK)

	if out.PlanChanged {
		plan := rc.Plan()
		if err := emit(protocol.PlanUpdate{PlanID: plan.ID, Tasks: plan.Snapshot()}); err != nil {
			return out, err
		}
	}
	if out.OK && toolType == protocol.ToolTypeFunction {
		if sources := extractSources(raw); len(sources) > 0 {
			if err := emit(protocol.Sources{Sources: sources, TaskID: taskID}); err != nil {
				return out, err
			}
		}
	}

	logger.Debug().
		Bool("ok", out.OK).
		Int("attempts", out.Attempts).
		Dur("duration", time.Since(start)).
		Msg("Tool call dispatched")

	return out, nil
}

// announce emits the start and end of a call the model did not give an id,
// so the result has a block to land in.
func (d *Dispatcher) announce(call runctx.ToolCall, toolType protocol.ToolType, taskID string, emit Emit) error {
	chunk := protocol.ToolCallChunk{
		ToolID:    call.ID,
		ToolName:  call.Name,
		ToolType:  toolType,
		ArgsChunk: call.Arguments,
		TaskID:    taskID,
	}
	if err := emit(protocol.ToolCalls{Calls: []protocol.ToolCallChunk{chunk}}); err != nil {
		return err
	}
	return emit(protocol.ToolEnd{ToolID: call.ID})
}

// invokeBackend runs the call on the pool, one attempt per timeout window.
// A timed-out attempt has its context cancelled before the next one starts.
func (d *Dispatcher) invokeBackend(ctx context.Context, rc *runctx.RunContext, call runctx.ToolCall, args map[string]interface{}, logger zerolog.Logger) (interface{}, int, error) {
	if d.cfg.Pool == nil || d.cfg.Executor == nil {
		return nil, 0, fmt.Errorf("no backend configured for %s", call.Name)
	}

	budget := rc.Budget().Tool
	attempts := budget.Attempts()
	timeout := budget.Timeout()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var (
			attemptCtx context.Context
			cancel     context.CancelFunc
		)
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		} else {
			attemptCtx, cancel = context.WithCancel(ctx)
		}
		execCtx := ContextWithExecContext(attemptCtx, &ExecutionContext{
			RunID:   rc.RunID(),
			ChatID:  rc.ChatID(),
			AgentID: rc.AgentID(),
			TaskID:  rc.ActiveTaskID(),
			ToolID:  call.ID,
			Attempt: attempt,
		})

		future, err := d.cfg.Pool.Submit(execCtx, d.cfg.Lane, func(taskCtx context.Context) (interface{}, error) {
			return d.cfg.Executor.Invoke(taskCtx, call.Name, args)
		}, &commandqueue.TaskOptions{Name: call.Name})
		if err != nil {
			cancel()
			return nil, attempt, err
		}

		val, err := future.Wait(attemptCtx)
		cancel()
		if err == nil {
			return val, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		if errors.Is(err, ErrInvalidArguments) || errors.Is(err, ErrToolNotFound) {
			return nil, attempt, err
		}

		lastErr = err
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Str("reason", reason).
			Msg("Tool attempt failed")

		if attempt < attempts {
			observability.RecordToolRetry(call.Name, reason)
			if d.cfg.RetryBackoff > 0 {
				select {
				case <-time.After(d.cfg.RetryBackoff):
				case <-ctx.Done():
					return nil, attempt, ctx.Err()
				}
			}
		}
	}
	return nil, attempts, lastErr
}

// applyPlan mutates the run's plan from a plan tool result and rewrites the
// result with the stored tasks. A result that cannot be applied leaves the
// plan untouched and is rewritten as a failure.
func (d *Dispatcher) applyPlan(rc *runctx.RunContext, name string, raw json.RawMessage, logger zerolog.Logger) (json.RawMessage, bool) {
	plan := rc.Plan()

	var (
		rewritten interface{}
		err       error
	)
	switch name {
	case planner.ToolAddTasks:
		var tasks []planner.NewTask
		if tasks, err = planner.ParseAddTasks(raw); err == nil {
			var added []planner.Task
			if added, err = plan.AddTasks(tasks); err == nil {
				rewritten = map[string]interface{}{"ok": true, "tasks": added}
			}
		}
	case planner.ToolUpdateTask:
		var update planner.TaskUpdate
		if update, err = planner.ParseUpdateTask(raw); err == nil {
			// Only the task being executed may change status.
			if active := rc.ActiveTaskID(); update.Status != "" && update.TaskID != active {
				err = fmt.Errorf("%w: %s", ErrInactiveTask, update.TaskID)
				break
			}
			var task planner.Task
			if task, err = plan.UpdateTask(update); err == nil {
				rewritten = map[string]interface{}{"ok": true, "task": task}
			}
		}
	}

	if err == nil && rewritten != nil {
		if encoded, merr := json.Marshal(rewritten); merr == nil {
			return encoded, true
		}
	}
	if err == nil {
		err = fmt.Errorf("unsupported plan tool %s", name)
	}

	logger.Warn().Err(err).Msg("Plan tool result not applied")
	failure, _ := json.Marshal(FailureResult{Tool: name, OK: false, Code: CodePlanRejected, Error: err.Error()})
	return failure, false
}

func extractSources(raw json.RawMessage) []protocol.Source {
	var holder struct {
		Sources []protocol.Source `json:"sources"`
	}
	if err := json.Unmarshal(raw, &holder); err != nil {
		return nil
	}
	sources := holder.Sources[:0]
	for _, s := range holder.Sources {
		if s.URL != "" || s.Title != "" || s.ID != "" {
			sources = append(sources, s)
		}
	}
	return sources
}
