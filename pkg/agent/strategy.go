package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/agentrun/pkg/planner"
	"github.com/harun/agentrun/pkg/protocol"
	"github.com/harun/agentrun/pkg/runctx"
	"github.com/harun/agentrun/pkg/toolexecutor"
)

// StrategyParams are the mode knobs of the control loop. Every mode runs
// through the same Strategy; they differ only in these values.
type StrategyParams struct {
	Mode AgentMode
	// ForcedAttempts bounds tool-forcing turns (OneShot tool call, plan creation).
	ForcedAttempts int
	// ToolsRequired fails OneShot when no forced turn called a tool.
	ToolsRequired bool
	// MaxSteps bounds the REACT loop.
	MaxSteps int
	// FreeRounds and ForcedRounds bound the two phases of a plan task.
	FreeRounds   int
	ForcedRounds int
	// Choice is the tool choice of unforced turns.
	Choice ToolChoice
}

// Strategy drives the model turns and tool dispatches of one run.
type Strategy struct {
	params     StrategyParams
	def        AgentDefinition
	rc         *runctx.RunContext
	turns      *TurnExecutor
	dispatcher *toolexecutor.Dispatcher
	tools      []toolexecutor.ToolSpec
	planTools  map[string]toolexecutor.ToolSpec
	emit       toolexecutor.Emit
	logger     zerolog.Logger
}

// round is one model turn plus the dispatch of its calls.
type round struct {
	stage      string
	transcript string
	prompt     string
	tools      []toolexecutor.ToolSpec
	choice     ToolChoice
	// maxCalls caps dispatched calls; zero dispatches all of them.
	maxCalls int
}

// Run executes the strategy and returns the final answer text.
func (s *Strategy) Run(ctx context.Context) (string, error) {
	switch s.params.Mode {
	case ModeOneShot:
		return s.oneShot(ctx)
	case ModeReact:
		return s.react(ctx)
	case ModePlanExecute:
		return s.planExecute(ctx)
	}
	return "", fmt.Errorf("unsupported agent mode %q", s.params.Mode)
}

func (s *Strategy) oneShot(ctx context.Context) (string, error) {
	if len(s.tools) == 0 || s.params.Choice.Mode == ToolChoiceNone {
		return s.answer(ctx, StageAnswer, "")
	}

	called := false
	for attempt := 1; attempt <= s.params.ForcedAttempts && !called; attempt++ {
		turn, _, err := s.round(ctx, round{
			stage:  StageAnswer,
			prompt: s.def.SystemPrompt,
			tools:  s.tools,
			choice: ChoiceRequired,
		})
		if err != nil {
			return "", err
		}
		called = len(turn.ToolCalls) > 0
		if !called {
			s.logger.Debug().Int("attempt", attempt).Msg("Forced turn made no tool call")
		}
	}

	if !called && s.params.ToolsRequired {
		return "", ErrToolRequired
	}
	return s.answer(ctx, StageAnswer, "")
}

func (s *Strategy) react(ctx context.Context) (string, error) {
	for step := 1; step <= s.params.MaxSteps; step++ {
		turn, _, err := s.round(ctx, round{
			stage:  StageAnswer,
			prompt: s.def.SystemPrompt,
			tools:  s.tools,
			choice: s.params.Choice,
		})
		if err != nil {
			return "", err
		}
		if len(turn.ToolCalls) > 0 {
			continue
		}
		if strings.TrimSpace(turn.FinalText) != "" {
			return turn.FinalText, nil
		}
	}

	s.logger.Debug().Int("max_steps", s.params.MaxSteps).Msg("Step limit reached, forcing final answer")
	return s.answer(ctx, StageAnswer, "")
}

func (s *Strategy) planExecute(ctx context.Context) (string, error) {
	plan := s.rc.Plan()

	if err := s.emit(protocol.StageMarker{Stage: StagePlan}); err != nil {
		return "", err
	}
	planPrompt := stagePrompt(s.def.SystemPrompt, s.def.Prompts.Plan)
	for attempt := 1; attempt <= s.params.ForcedAttempts && plan.Empty(); attempt++ {
		if _, _, err := s.round(ctx, round{
			stage:  StagePlan,
			prompt: planPrompt,
			tools:  []toolexecutor.ToolSpec{s.planTools[planner.ToolAddTasks]},
			choice: ChoiceTool(planner.ToolAddTasks),
		}); err != nil {
			return "", err
		}
	}
	if plan.Empty() {
		return "", &PlanStalledError{Stage: StagePlan, Reason: fmt.Sprintf("no tasks after %d attempt(s)", s.params.ForcedAttempts)}
	}

	if err := s.emit(protocol.StageMarker{Stage: StageExecute}); err != nil {
		return "", err
	}
	for {
		task, ok := plan.NextUnfinished()
		if !ok {
			break
		}
		if err := s.executeTask(ctx, task); err != nil {
			return "", err
		}
	}

	if err := s.emit(protocol.StageMarker{Stage: StageSummary}); err != nil {
		return "", err
	}
	return s.answer(ctx, StageSummary, stagePrompt(s.def.SystemPrompt, s.def.Prompts.Summary))
}

// executeTask gives a task a number of free rounds, then forces status
// updates until the task leaves init.
func (s *Strategy) executeTask(ctx context.Context, task planner.Task) error {
	if err := s.emit(protocol.TaskStart{TaskID: task.TaskID, Description: task.Description}); err != nil {
		return err
	}
	s.rc.SetActiveTask(task.TaskID)
	defer s.rc.SetActiveTask("")

	transcript := "task:" + task.TaskID
	s.rc.Track(transcript, s.rc.Transcript(runctx.TranscriptMain))
	defer s.rc.Untrack(transcript)
	s.rc.Append(transcript, runctx.Message{Role: runctx.RoleUser, Content: taskPrompt(task)})

	logger := s.logger.With().Str("task_id", task.TaskID).Logger()
	prompt := stagePrompt(s.def.SystemPrompt, s.def.Prompts.Execute)
	tools := append(append([]toolexecutor.ToolSpec(nil), s.tools...), s.planTools[planner.ToolUpdateTask])

	finished := func() (planner.Task, bool) {
		current, _ := s.rc.Plan().Get(task.TaskID)
		return current, current.Status.IsTerminal()
	}

	for i := 1; i <= s.params.FreeRounds; i++ {
		turn, _, err := s.round(ctx, round{
			stage:      StageExecute,
			transcript: transcript,
			prompt:     prompt,
			tools:      tools,
			choice:     ChoiceAuto,
			maxCalls:   1,
		})
		if err != nil {
			return err
		}
		if _, done := finished(); done {
			break
		}
		if len(turn.ToolCalls) == 0 {
			logger.Debug().Int("round", i).Msg("Task answered without a tool call")
			break
		}
	}

	for i := 1; i <= s.params.ForcedRounds; i++ {
		if _, done := finished(); done {
			break
		}
		if _, _, err := s.round(ctx, round{
			stage:      StageExecute,
			transcript: transcript,
			prompt:     prompt,
			tools:      []toolexecutor.ToolSpec{s.planTools[planner.ToolUpdateTask]},
			choice:     ChoiceTool(planner.ToolUpdateTask),
			maxCalls:   1,
		}); err != nil {
			return err
		}
	}

	current, done := finished()
	if !done {
		logger.Warn().Int("forced_rounds", s.params.ForcedRounds).Msg("Task status never changed")
		return &PlanStalledError{
			Stage:  StageExecute,
			TaskID: task.TaskID,
			Reason: fmt.Sprintf("no status update after %d forced round(s)", s.params.ForcedRounds),
		}
	}

	switch current.Status {
	case planner.TaskStatusCanceled:
		return s.emit(protocol.TaskCancel{TaskID: task.TaskID})
	case planner.TaskStatusFailed:
		reason := failureReason(s.rc, task.TaskID)
		if err := s.emit(protocol.TaskFail{TaskID: task.TaskID, Error: reason}); err != nil {
			return err
		}
		return &TaskFailedError{TaskID: task.TaskID, Reason: reason}
	default:
		return s.emit(protocol.TaskComplete{TaskID: task.TaskID})
	}
}

// answer runs a tool-free turn and returns its text.
func (s *Strategy) answer(ctx context.Context, stage, prompt string) (string, error) {
	if prompt == "" {
		prompt = s.def.SystemPrompt
	}
	turn, _, err := s.round(ctx, round{stage: stage, prompt: prompt, choice: ChoiceNone})
	if err != nil {
		return "", err
	}
	return turn.FinalText, nil
}

func (s *Strategy) round(ctx context.Context, r round) (ModelTurn, []toolexecutor.Outcome, error) {
	turn, err := s.turns.Execute(ctx, s.rc, TurnRequest{
		Stage:        r.stage,
		SystemPrompt: r.prompt,
		Transcript:   r.transcript,
		Tools:        r.tools,
		ToolChoice:   r.choice,
		Effort:       s.def.ComputeEffort,
		MaxTokens:    s.def.MaxTokens,
	}, s.emit)
	if err != nil {
		return turn, nil, err
	}

	if strings.TrimSpace(turn.FinalText) != "" {
		s.rc.AppendAll(runctx.Message{Role: runctx.RoleAssistant, Content: turn.FinalText, Reasoning: turn.ReasoningText})
	}
	if len(turn.ToolCalls) == 0 {
		return turn, nil, nil
	}

	calls := turn.ToolCalls
	if r.maxCalls > 0 && len(calls) > r.maxCalls {
		s.logger.Debug().
			Int("planned", len(calls)).
			Int("dispatched", r.maxCalls).
			Msg("Dropping tool calls over the round limit")
		calls = calls[:r.maxCalls]
	}
	outcomes, err := s.dispatcher.DispatchOffered(ctx, s.rc, calls, r.tools, s.emit)
	return turn, outcomes, err
}

func stagePrompt(base, stage string) string {
	switch {
	case stage == "":
		return base
	case base == "":
		return stage
	}
	return base + "\n\n" + stage
}

func taskPrompt(task planner.Task) string {
	return fmt.Sprintf(
		"Work on task %s: %s\nWhen it is done, call %s with taskId %q and status completed, failed or canceled.",
		task.TaskID, task.Description, planner.ToolUpdateTask, task.TaskID,
	)
}

// failureReason uses the last assistant text of the run as the failure reason.
func failureReason(rc *runctx.RunContext, taskID string) string {
	msgs := rc.Transcript(runctx.TranscriptMain)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == runctx.RoleAssistant && strings.TrimSpace(msgs[i].Content) != "" {
			return msgs[i].Content
		}
	}
	return fmt.Sprintf("task %s was marked failed", taskID)
}
