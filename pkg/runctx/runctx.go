package runctx

import (
	"time"

	"github.com/harun/agentrun/pkg/planner"
)

// TranscriptMain is the transcript every run tracks.
const TranscriptMain = "main"

// Config seeds a RunContext.
type Config struct {
	RunID   string
	ChatID  string
	AgentID string
	Budget  Budget
	Seed    []Message
	Clock   func() time.Time
}

// RunContext is the mutable state of one run. It belongs to the run's
// driver and is not safe for concurrent use.
type RunContext struct {
	runID   string
	chatID  string
	agentID string

	governor *BudgetGovernor

	transcripts map[string][]Message
	tracked     []string
	toolRecords []ToolRecord
	plan        *planner.Plan

	modelCalls   int
	toolCalls    int
	activeTaskID string
}

// New creates the context of a starting run. The run clock starts now.
func New(cfg Config) *RunContext {
	rc := &RunContext{
		runID:       cfg.RunID,
		chatID:      cfg.ChatID,
		agentID:     cfg.AgentID,
		governor:    NewBudgetGovernor(cfg.Budget, cfg.Clock),
		transcripts: make(map[string][]Message),
		plan:        planner.NewPlan(),
	}
	rc.Track(TranscriptMain, cfg.Seed)
	return rc
}

func (rc *RunContext) RunID() string   { return rc.runID }
func (rc *RunContext) ChatID() string  { return rc.chatID }
func (rc *RunContext) AgentID() string { return rc.agentID }

// Budget returns the run's budget.
func (rc *RunContext) Budget() Budget { return rc.governor.Budget() }

// Governor returns the run's budget governor.
func (rc *RunContext) Governor() *BudgetGovernor { return rc.governor }

// BeginModelCall counts a model call after checking the budget allows it.
func (rc *RunContext) BeginModelCall() error {
	if err := rc.governor.CheckModelCall(rc.modelCalls); err != nil {
		return err
	}
	rc.modelCalls++
	return nil
}

// BeginToolCall counts a tool call after checking the budget allows it.
func (rc *RunContext) BeginToolCall() error {
	if err := rc.governor.CheckToolCall(rc.toolCalls); err != nil {
		return err
	}
	rc.toolCalls++
	return nil
}

// CheckDeadline fails once the run timeout has elapsed.
func (rc *RunContext) CheckDeadline() error {
	return rc.governor.CheckDeadline()
}

func (rc *RunContext) ModelCalls() int { return rc.modelCalls }
func (rc *RunContext) ToolCalls() int  { return rc.toolCalls }

// Track starts tracking a named transcript seeded with a copy of seed.
// Tracking an already tracked name replaces its messages.
func (rc *RunContext) Track(name string, seed []Message) {
	if _, ok := rc.transcripts[name]; !ok {
		rc.tracked = append(rc.tracked, name)
	}
	rc.transcripts[name] = append([]Message(nil), seed...)
}

// Untrack stops tracking name. The main transcript cannot be untracked.
func (rc *RunContext) Untrack(name string) {
	if name == TranscriptMain {
		return
	}
	if _, ok := rc.transcripts[name]; !ok {
		return
	}
	delete(rc.transcripts, name)
	for i, n := range rc.tracked {
		if n == name {
			rc.tracked = append(rc.tracked[:i], rc.tracked[i+1:]...)
			break
		}
	}
}

// Tracked returns the names of tracked transcripts in tracking order.
func (rc *RunContext) Tracked() []string {
	return append([]string(nil), rc.tracked...)
}

// Transcript returns a copy of the named transcript.
func (rc *RunContext) Transcript(name string) []Message {
	return append([]Message(nil), rc.transcripts[name]...)
}

// Append adds messages to one tracked transcript.
func (rc *RunContext) Append(name string, msgs ...Message) {
	if _, ok := rc.transcripts[name]; !ok {
		return
	}
	rc.transcripts[name] = append(rc.transcripts[name], msgs...)
}

// AppendAll adds messages to every tracked transcript.
func (rc *RunContext) AppendAll(msgs ...Message) {
	for _, name := range rc.tracked {
		rc.transcripts[name] = append(rc.transcripts[name], msgs...)
	}
}

// AppendToolExchange appends the call, then its result, to every tracked transcript.
func (rc *RunContext) AppendToolExchange(call ToolCall, result string) {
	rc.AppendAll(
		Message{Role: RoleAssistant, ToolCalls: []ToolCall{call}},
		Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Name, Content: result},
	)
}

// RecordTool keeps the outcome of a dispatched call.
func (rc *RunContext) RecordTool(rec ToolRecord) {
	if rec.TaskID == "" {
		rec.TaskID = rc.activeTaskID
	}
	rc.toolRecords = append(rc.toolRecords, rec)
}

// ToolRecords returns the outcomes of every dispatched call in order.
func (rc *RunContext) ToolRecords() []ToolRecord {
	return append([]ToolRecord(nil), rc.toolRecords...)
}

// Plan returns the run's task list.
func (rc *RunContext) Plan() *planner.Plan { return rc.plan }

// ActiveTaskID returns the task the run is working on.
func (rc *RunContext) ActiveTaskID() string { return rc.activeTaskID }

// SetActiveTask points the run at taskID; empty clears it.
func (rc *RunContext) SetActiveTask(taskID string) { rc.activeTaskID = taskID }
