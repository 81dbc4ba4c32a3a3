package protocol

import "github.com/harun/agentrun/pkg/planner"

// DeltaKind names a Delta variant. It is the serialization discriminant.
type DeltaKind string

const (
	KindStageMarker  DeltaKind = "stageMarker"
	KindReasoning    DeltaKind = "reasoning"
	KindContent      DeltaKind = "content"
	KindToolCalls    DeltaKind = "toolCalls"
	KindToolResult   DeltaKind = "toolResult"
	KindToolEnd      DeltaKind = "toolEnd"
	KindPlanUpdate   DeltaKind = "planUpdate"
	KindTaskStart    DeltaKind = "taskStart"
	KindTaskComplete DeltaKind = "taskComplete"
	KindTaskCancel   DeltaKind = "taskCancel"
	KindTaskFail     DeltaKind = "taskFail"
	KindSources      DeltaKind = "sources"
	KindSubmit       DeltaKind = "submit"
	KindFinish       DeltaKind = "finish"
)

// Delta is an incremental semantic input to an Assembler. The set of
// implementations is closed to this package.
type Delta interface {
	Kind() DeltaKind
	isDelta()
}

// ToolType decides how a tool call is dispatched and which block it renders as.
type ToolType string

const (
	ToolTypeFunction ToolType = "function"
	ToolTypeAction   ToolType = "action"
	ToolTypeFrontend ToolType = "frontend"
)

// StageMarker separates control-strategy stages (plan, execute, summary).
type StageMarker struct {
	Stage string
}

// Reasoning carries a chunk of model reasoning for block ID.
type Reasoning struct {
	ID     string
	TaskID string
	Text   string
}

// Content carries a chunk of answer text for block ID.
type Content struct {
	ID     string
	TaskID string
	Text   string
}

// ToolCallChunk is one streamed fragment of a tool call's arguments. The
// first chunk for an id must carry the tool name.
type ToolCallChunk struct {
	ToolID    string
	ToolName  string
	ToolType  ToolType
	ArgsChunk string
	TaskID    string
}

// ToolCalls carries the tool-call chunks of one provider delta, in arrival order.
type ToolCalls struct {
	Calls []ToolCallChunk
}

// ToolResult carries the outcome of a dispatched call. Result must be JSON encodable.
type ToolResult struct {
	ToolID   string
	ToolName string
	Result   any
	TaskID   string
}

// ToolEnd marks that a tool call's arguments are complete.
type ToolEnd struct {
	ToolID string
}

// PlanUpdate replaces the visible plan.
type PlanUpdate struct {
	PlanID string
	Tasks  []planner.Task
}

type TaskStart struct {
	TaskID      string
	Description string
}

type TaskComplete struct {
	TaskID string
}

type TaskCancel struct {
	TaskID string
}

type TaskFail struct {
	TaskID string
	Error  string
}

// Source is a citation produced by a tool.
type Source struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

type Sources struct {
	Sources []Source
	TaskID  string
}

// Submit echoes an accepted frontend submission.
type Submit struct {
	ToolID  string
	Payload any
}

// Finish completes the run with Reason.
type Finish struct {
	Reason string
}

func (StageMarker) Kind() DeltaKind  { return KindStageMarker }
func (Reasoning) Kind() DeltaKind    { return KindReasoning }
func (Content) Kind() DeltaKind      { return KindContent }
func (ToolCalls) Kind() DeltaKind    { return KindToolCalls }
func (ToolResult) Kind() DeltaKind   { return KindToolResult }
func (ToolEnd) Kind() DeltaKind      { return KindToolEnd }
func (PlanUpdate) Kind() DeltaKind   { return KindPlanUpdate }
func (TaskStart) Kind() DeltaKind    { return KindTaskStart }
func (TaskComplete) Kind() DeltaKind { return KindTaskComplete }
func (TaskCancel) Kind() DeltaKind   { return KindTaskCancel }
func (TaskFail) Kind() DeltaKind     { return KindTaskFail }
func (Sources) Kind() DeltaKind      { return KindSources }
func (Submit) Kind() DeltaKind       { return KindSubmit }
func (Finish) Kind() DeltaKind       { return KindFinish }

func (StageMarker) isDelta()  {}
func (Reasoning) isDelta()    {}
func (Content) isDelta()      {}
func (ToolCalls) isDelta()    {}
func (ToolResult) isDelta()   {}
func (ToolEnd) isDelta()      {}
func (PlanUpdate) isDelta()   {}
func (TaskStart) isDelta()    {}
func (TaskComplete) isDelta() {}
func (TaskCancel) isDelta()   {}
func (TaskFail) isDelta()     {}
func (Sources) isDelta()      {}
func (Submit) isDelta()       {}
func (Finish) isDelta()       {}
