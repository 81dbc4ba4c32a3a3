package agent

import (
	"fmt"
	"strings"

	"github.com/harun/agentrun/pkg/planner"
	"github.com/harun/agentrun/pkg/runctx"
)

// AgentMode selects the control strategy of a run.
type AgentMode string

const (
	ModeOneShot     AgentMode = "ONESHOT"
	ModeReact       AgentMode = "REACT"
	ModePlanExecute AgentMode = "PLAN_EXECUTE"
)

// Valid reports whether m is a known mode.
func (m AgentMode) Valid() bool {
	switch m {
	case ModeOneShot, ModeReact, ModePlanExecute:
		return true
	}
	return false
}

// ToolChoiceMode controls whether a model turn may or must call tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	// ToolChoiceTool forces the tool named in ToolChoice.Name.
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice is the tool policy of one model turn.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

var (
	ChoiceAuto     = ToolChoice{Mode: ToolChoiceAuto}
	ChoiceNone     = ToolChoice{Mode: ToolChoiceNone}
	ChoiceRequired = ToolChoice{Mode: ToolChoiceRequired}
)

// ChoiceTool forces a call to name.
func ChoiceTool(name string) ToolChoice {
	return ToolChoice{Mode: ToolChoiceTool, Name: name}
}

// Forcing reports whether the choice obliges the model to call a tool.
func (c ToolChoice) Forcing() bool {
	return c.Mode == ToolChoiceRequired || c.Mode == ToolChoiceTool
}

// ComputeEffort hints how much reasoning a provider should spend.
type ComputeEffort string

const (
	EffortDefault ComputeEffort = ""
	EffortLow     ComputeEffort = "low"
	EffortMedium  ComputeEffort = "medium"
	EffortHigh    ComputeEffort = "high"
)

// Stage tags. They are also the stage markers the strategy emits.
const (
	StageAnswer  = "answer"
	StagePlan    = "plan"
	StageExecute = "execute"
	StageSummary = "summary"
)

// StagePrompts are appended to the system prompt for each PLAN_EXECUTE stage.
type StagePrompts struct {
	Plan    string `json:"plan,omitempty" mapstructure:"plan"`
	Execute string `json:"execute,omitempty" mapstructure:"execute"`
	Summary string `json:"summary,omitempty" mapstructure:"summary"`
}

// AgentDefinition is the fully resolved configuration of an agent.
type AgentDefinition struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Mode         AgentMode `json:"mode"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Tools        []string  `json:"tools,omitempty"`

	// ToolsRequired makes ONESHOT fail instead of answering without tools.
	ToolsRequired bool          `json:"toolsRequired,omitempty"`
	ToolChoice    ToolChoice    `json:"toolChoice,omitempty"`
	ComputeEffort ComputeEffort `json:"computeEffort,omitempty"`
	MaxTokens     int           `json:"maxTokens,omitempty"`

	// MaxSteps bounds REACT. FreeRounds and ForcedRounds bound the two
	// execution phases of a PLAN_EXECUTE task. Zero takes the engine default.
	MaxSteps     int          `json:"maxSteps,omitempty"`
	FreeRounds   int          `json:"freeRounds,omitempty"`
	ForcedRounds int          `json:"forcedRounds,omitempty"`
	Prompts      StagePrompts `json:"prompts,omitempty"`
}

// Validate checks the fields every run needs.
func (d AgentDefinition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("agent id is required")
	}
	if !d.Mode.Valid() {
		return fmt.Errorf("agent %s: invalid mode %q", d.ID, d.Mode)
	}
	if d.Provider == "" {
		return fmt.Errorf("agent %s: provider is required", d.ID)
	}
	switch d.ToolChoice.Mode {
	case "", ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired:
	case ToolChoiceTool:
		if d.ToolChoice.Name == "" {
			return fmt.Errorf("agent %s: tool choice needs a tool name", d.ID)
		}
	default:
		return fmt.Errorf("agent %s: invalid tool choice %q", d.ID, d.ToolChoice.Mode)
	}
	if d.MaxSteps < 0 || d.FreeRounds < 0 || d.ForcedRounds < 0 {
		return fmt.Errorf("agent %s: step and round limits cannot be negative", d.ID)
	}
	return nil
}

// RunRequest starts a run. Transcript is the seed conversation; Query, when
// set, is appended to it as the user's message.
type RunRequest struct {
	RequestID  string           `json:"requestId,omitempty"`
	RunID      string           `json:"runId,omitempty"`
	ChatID     string           `json:"chatId,omitempty"`
	NewChat    bool             `json:"newChat,omitempty"`
	ChatName   string           `json:"chatName,omitempty"`
	Agent      AgentDefinition  `json:"agent"`
	Budget     runctx.Budget    `json:"budget,omitempty"`
	Transcript []runctx.Message `json:"transcript,omitempty"`
	Query      string           `json:"query,omitempty"`
}

// Run outcomes, as reported in metrics and RunResult.
const (
	OutcomeCompleted = "completed"
	OutcomeStalled   = "plan_stalled"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// RunResult summarizes a finished run.
type RunResult struct {
	RunID        string              `json:"runId"`
	Outcome      string              `json:"outcome"`
	FinishReason string              `json:"finishReason,omitempty"`
	FinalText    string              `json:"finalText,omitempty"`
	ModelCalls   int                 `json:"modelCalls"`
	ToolCalls    int                 `json:"toolCalls"`
	Tools        []runctx.ToolRecord `json:"tools,omitempty"`
	Tasks        []planner.Task      `json:"tasks,omitempty"`
	Transcript   []runctx.Message    `json:"transcript,omitempty"`
	LastSeq      int64               `json:"lastSeq"`
}
