package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentrun/internal/observability"
	"github.com/harun/agentrun/internal/tracing"
	"github.com/harun/agentrun/pkg/planner"
	"github.com/harun/agentrun/pkg/protocol"
	"github.com/harun/agentrun/pkg/runctx"
	"github.com/harun/agentrun/pkg/toolexecutor"
)

// ErrRunNotFound is returned for operations on a run that is not active.
var ErrRunNotFound = errors.New("run not found")

// Defaults are the engine-wide values an AgentDefinition or RunRequest
// leaves unset. They can be swapped while the engine runs.
type Defaults struct {
	Budget                    runctx.Budget `mapstructure:"budget"`
	MaxSteps                  int           `mapstructure:"max_steps"`
	FreeRounds                int           `mapstructure:"free_rounds"`
	ForcedRounds              int           `mapstructure:"forced_rounds"`
	SuppressTextAfterToolCall bool          `mapstructure:"suppress_text_after_tool_call"`
	EmitSnapshots             bool          `mapstructure:"emit_snapshots"`
	ModelRetryBackoff         time.Duration `mapstructure:"model_retry_backoff"`
}

// DefaultDefaults returns the built-in engine defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		Budget:                    runctx.DefaultBudget(),
		MaxSteps:                  8,
		FreeRounds:                3,
		ForcedRounds:              2,
		SuppressTextAfterToolCall: true,
		ModelRetryBackoff:         500 * time.Millisecond,
	}
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Providers  *ProviderRegistry
	Dispatcher *toolexecutor.Dispatcher
	// Catalog resolves agent tool names. Defaults to the dispatcher's catalog.
	Catalog  toolexecutor.Catalog
	Defaults Defaults
	Clock    func() time.Time
}

type activeRun struct {
	agentID   string
	startedAt time.Time
	cancel    context.CancelFunc
}

// ActiveRun describes a run in progress.
type ActiveRun struct {
	RunID     string    `json:"runId"`
	AgentID   string    `json:"agentId"`
	StartedAt time.Time `json:"startedAt"`
}

// Engine runs agents and owns the lifecycle of their event streams.
type Engine struct {
	cfg EngineConfig

	mu       sync.RWMutex
	defaults Defaults
	runs     map[string]*activeRun

	logger zerolog.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Providers == nil {
		return nil, fmt.Errorf("engine needs a provider registry")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("engine needs a tool dispatcher")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = cfg.Dispatcher.Catalog()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		cfg:      cfg,
		defaults: withDefaultLimits(cfg.Defaults),
		runs:     make(map[string]*activeRun),
		logger:   log.With().Str("component", "engine").Logger(),
	}, nil
}

func withDefaultLimits(d Defaults) Defaults {
	builtin := DefaultDefaults()
	d.Budget = d.Budget.WithDefaults(builtin.Budget)
	if d.MaxSteps <= 0 {
		d.MaxSteps = builtin.MaxSteps
	}
	if d.FreeRounds <= 0 {
		d.FreeRounds = builtin.FreeRounds
	}
	if d.ForcedRounds <= 0 {
		d.ForcedRounds = builtin.ForcedRounds
	}
	return d
}

// Defaults returns the current engine defaults.
func (e *Engine) Defaults() Defaults {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaults
}

// SetDefaults replaces the engine defaults. Runs already started keep theirs.
func (e *Engine) SetDefaults(d Defaults) {
	e.mu.Lock()
	e.defaults = withDefaultLimits(d)
	e.mu.Unlock()
	e.logger.Info().Msg("Engine defaults updated")
}

// Run executes one agent run, publishing its events to sink. It returns
// once the run has terminated. Every run that began ends with exactly one
// of run.complete, run.cancel or run.error; the error return carries the
// cause of run.error and of failures before the run began.
func (e *Engine) Run(ctx context.Context, req RunRequest, sink protocol.Sink) (result *RunResult, err error) {
	def := req.Agent
	provider, defaultModel, err := e.prepare(def)
	if err != nil {
		return nil, err
	}

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.ChatID == "" {
		req.ChatID = uuid.NewString()
		req.NewChat = true
	}
	model := def.Model
	if model == "" {
		model = defaultModel
	}

	defaults := e.Defaults()
	budget := req.Budget.WithDefaults(defaults.Budget)

	runCtx, cancel, err := e.register(ctx, req.RunID, def.ID, budget)
	if err != nil {
		return nil, err
	}
	defer e.unregister(req.RunID, cancel)

	runCtx = tracing.NewRunContext(runCtx, req.RunID, def.ID, req.ChatID)
	if req.RequestID != "" {
		runCtx = tracing.WithRequestID(runCtx, req.RequestID)
	}
	runCtx, span := tracing.StartSpan(runCtx, "agentrun/agent", "agent.run",
		attribute.String("run.id", req.RunID),
		attribute.String("agent.id", def.ID),
		attribute.String("agent.mode", string(def.Mode)),
		attribute.String("model.provider", def.Provider),
	)
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(runCtx, e.logger)
	start := e.cfg.Clock()
	observability.RunStarted()
	observability.RecordRunAudit(runCtx, "run.start", def.ID, req.RunID, "started")

	seed := append([]runctx.Message(nil), req.Transcript...)
	if req.Query != "" {
		seed = append(seed, runctx.Message{Role: runctx.RoleUser, Content: req.Query})
	}
	rc := runctx.New(runctx.Config{
		RunID:   req.RunID,
		ChatID:  req.ChatID,
		AgentID: def.ID,
		Budget:  budget,
		Seed:    seed,
		Clock:   e.cfg.Clock,
	})

	asm := protocol.NewAssembler(sink, protocol.Options{
		EmitSnapshots: defaults.EmitSnapshots,
		Clock:         e.cfg.Clock,
		Logger:        &logger,
	})
	if err := asm.Begin(protocol.Request{
		RequestID: req.RequestID,
		RunID:     req.RunID,
		ChatID:    req.ChatID,
		AgentID:   def.ID,
		Query:     req.Query,
		NewChat:   req.NewChat,
		ChatName:  req.ChatName,
	}); err != nil {
		return nil, err
	}

	strategy := &Strategy{
		params: e.params(def, budget, defaults),
		def:    def,
		rc:     rc,
		turns: NewTurnExecutor(TurnConfig{
			Provider:                  provider,
			Model:                     model,
			Catalog:                   e.cfg.Catalog,
			SuppressTextAfterToolCall: defaults.SuppressTextAfterToolCall,
			RetryBackoff:              defaults.ModelRetryBackoff,
		}),
		dispatcher: e.cfg.Dispatcher,
		tools:      e.selectTools(def, logger),
		planTools:  e.planTools(def),
		emit:       asm.Consume,
		logger:     logger,
	}

	logger.Info().
		Str("mode", string(def.Mode)).
		Str("provider", def.Provider).
		Str("model", model).
		Msg("Run started")

	finalText, runErr := strategy.Run(runCtx)

	outcome := OutcomeCompleted
	finishReason := protocol.FinishStop
	var stalled *PlanStalledError

	switch {
	case runErr == nil:
		err = asm.Complete(protocol.FinishStop)

	case errors.As(runErr, &stalled):
		outcome, finishReason = OutcomeStalled, protocol.FinishPlanStalled
		finalText = stalled.UserMessage()
		logger.Warn().Err(runErr).Msg("Plan stalled")
		// A stalled task never finished; cancel it before run.complete would close it.
		if stalled.TaskID != "" && asm.ActiveTask() == stalled.TaskID {
			err = asm.Consume(protocol.TaskCancel{TaskID: stalled.TaskID})
		}
		if err == nil {
			err = asm.Consume(protocol.Content{ID: "content_" + uuid.NewString(), Text: finalText})
		}
		if err == nil {
			err = asm.Complete(protocol.FinishPlanStalled)
		}

	case errors.Is(runErr, context.Canceled) || errors.Is(runCtx.Err(), context.Canceled):
		outcome, finishReason = OutcomeCancelled, ""
		asm.Cancel("cancelled")
		logger.Info().Msg("Run cancelled")

	case errors.Is(runErr, context.DeadlineExceeded) && runCtx.Err() != nil:
		outcome, finishReason = OutcomeFailed, ""
		err = &runctx.BudgetExceededError{
			Kind:  runctx.BudgetRunTimeout,
			Used:  rc.Governor().Elapsed().Milliseconds(),
			Limit: budget.RunTimeoutMs,
		}
		logger.Error().Err(err).Msg("Run overran its deadline")

	default:
		outcome, finishReason = OutcomeFailed, ""
		err = runErr
		logger.Error().Err(runErr).Str("code", protocol.ErrorCode(runErr)).Msg("Run failed")
	}

	if err != nil {
		asm.Fail(err)
		outcome, finishReason = OutcomeFailed, ""
	}

	duration := e.cfg.Clock().Sub(start)
	observability.RunFinished(string(def.Mode), outcome, duration)
	observability.RecordRunAudit(runCtx, "run.finish", def.ID, req.RunID, outcome)

	logger.Info().
		Str("outcome", outcome).
		Int("model_calls", rc.ModelCalls()).
		Int("tool_calls", rc.ToolCalls()).
		Dur("duration", duration).
		Msg("Run finished")

	return &RunResult{
		RunID:        req.RunID,
		Outcome:      outcome,
		FinishReason: finishReason,
		FinalText:    finalText,
		ModelCalls:   rc.ModelCalls(),
		ToolCalls:    rc.ToolCalls(),
		Tools:        rc.ToolRecords(),
		Tasks:        rc.Plan().Snapshot(),
		Transcript:   rc.Transcript(runctx.TranscriptMain),
		LastSeq:      asm.Seq(),
	}, err
}

// Check reports whether a run of req could start. Failures here are the
// ones Run returns without emitting any event.
func (e *Engine) Check(req RunRequest) error {
	_, _, err := e.prepare(req.Agent)
	return err
}

func (e *Engine) prepare(def AgentDefinition) (LLMProvider, string, error) {
	if err := def.Validate(); err != nil {
		return nil, "", err
	}
	provider, defaultModel, err := e.cfg.Providers.Get(def.Provider)
	if err != nil {
		return nil, "", err
	}
	if def.Mode == ModePlanExecute {
		for _, name := range []string{planner.ToolAddTasks, planner.ToolUpdateTask} {
			if _, ok := e.cfg.Catalog.Lookup(name); !ok {
				return nil, "", fmt.Errorf("agent %s: plan tool %s is not registered", def.ID, name)
			}
		}
	}
	return provider, defaultModel, nil
}

// params resolves the strategy knobs of def.
func (e *Engine) params(def AgentDefinition, budget runctx.Budget, d Defaults) StrategyParams {
	p := StrategyParams{
		Mode:           def.Mode,
		ForcedAttempts: budget.Model.Attempts(),
		ToolsRequired:  def.ToolsRequired,
		MaxSteps:       def.MaxSteps,
		FreeRounds:     def.FreeRounds,
		ForcedRounds:   def.ForcedRounds,
		Choice:         def.ToolChoice,
	}
	if p.MaxSteps == 0 {
		p.MaxSteps = d.MaxSteps
	}
	if p.FreeRounds == 0 {
		p.FreeRounds = d.FreeRounds
	}
	if p.ForcedRounds == 0 {
		p.ForcedRounds = d.ForcedRounds
	}
	if p.Choice.Mode == "" {
		p.Choice = ChoiceAuto
	}
	return p
}

// selectTools resolves the agent's tool names. Plan tools are added by the
// strategy itself and unknown names are skipped.
func (e *Engine) selectTools(def AgentDefinition, logger zerolog.Logger) []toolexecutor.ToolSpec {
	specs := make([]toolexecutor.ToolSpec, 0, len(def.Tools))
	for _, name := range def.Tools {
		if planner.IsPlanTool(name) {
			continue
		}
		spec, ok := e.cfg.Catalog.Lookup(name)
		if !ok {
			logger.Warn().Str("tool", name).Msg("Agent tool not found in catalog")
			continue
		}
		specs = append(specs, spec)
	}
	return specs
}

func (e *Engine) planTools(def AgentDefinition) map[string]toolexecutor.ToolSpec {
	if def.Mode != ModePlanExecute {
		return nil
	}
	tools := make(map[string]toolexecutor.ToolSpec, 2)
	for _, name := range []string{planner.ToolAddTasks, planner.ToolUpdateTask} {
		spec, _ := e.cfg.Catalog.Lookup(name)
		tools[name] = spec
	}
	return tools
}

func (e *Engine) register(ctx context.Context, runID, agentID string, budget runctx.Budget) (context.Context, context.CancelFunc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.runs[runID]; exists {
		return nil, nil, fmt.Errorf("run %s is already active", runID)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	// The run timeout is enforced at call boundaries; the context deadline
	// adds a grace period so an in-flight call cannot hang past it forever.
	if timeout := budget.RunTimeout(); timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout+budget.Tool.Timeout()+budget.Model.Timeout())
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	e.runs[runID] = &activeRun{agentID: agentID, startedAt: e.cfg.Clock(), cancel: cancel}
	return runCtx, cancel, nil
}

func (e *Engine) unregister(runID string, cancel context.CancelFunc) {
	cancel()
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
	e.cfg.Dispatcher.Frontend().CancelRun(runID)
}

// Cancel stops an active run. The in-flight model stream, tool call and
// frontend wait are released and the run ends with run.cancel.
func (e *Engine) Cancel(runID string) bool {
	e.mu.RLock()
	run, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	run.cancel()
	e.cfg.Dispatcher.Frontend().CancelRun(runID)
	e.logger.Info().Str("run_id", runID).Msg("Run cancel requested")
	return true
}

// Submit delivers a frontend tool submission to an active run.
func (e *Engine) Submit(runID, toolID string, payload json.RawMessage) error {
	e.mu.RLock()
	_, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return e.cfg.Dispatcher.Frontend().Submit(runID, toolID, payload)
}

// ActiveRuns lists the runs in progress.
func (e *Engine) ActiveRuns() []ActiveRun {
	e.mu.RLock()
	defer e.mu.RUnlock()
	runs := make([]ActiveRun, 0, len(e.runs))
	for id, run := range e.runs {
		runs = append(runs, ActiveRun{RunID: id, AgentID: run.agentID, StartedAt: run.startedAt})
	}
	return runs
}
