package protocol

// EventType is the discriminant of an outbound Event.
type EventType string

const (
	EventRequestQuery  EventType = "request.query"
	EventRequestSubmit EventType = "request.submit"
	EventChatStart     EventType = "chat.start"

	EventRunStart    EventType = "run.start"
	EventRunComplete EventType = "run.complete"
	EventRunCancel   EventType = "run.cancel"
	EventRunError    EventType = "run.error"

	EventPlanCreate EventType = "plan.create"
	EventPlanUpdate EventType = "plan.update"

	EventTaskStart    EventType = "task.start"
	EventTaskComplete EventType = "task.complete"
	EventTaskCancel   EventType = "task.cancel"
	EventTaskFail     EventType = "task.fail"

	EventReasoningStart    EventType = "reasoning.start"
	EventReasoningDelta    EventType = "reasoning.delta"
	EventReasoningEnd      EventType = "reasoning.end"
	EventReasoningSnapshot EventType = "reasoning.snapshot"

	EventContentStart    EventType = "content.start"
	EventContentDelta    EventType = "content.delta"
	EventContentEnd      EventType = "content.end"
	EventContentSnapshot EventType = "content.snapshot"

	EventToolStart    EventType = "tool.start"
	EventToolArgs     EventType = "tool.args"
	EventToolEnd      EventType = "tool.end"
	EventToolResult   EventType = "tool.result"
	EventToolSnapshot EventType = "tool.snapshot"

	EventActionStart    EventType = "action.start"
	EventActionArgs     EventType = "action.args"
	EventActionEnd      EventType = "action.end"
	EventActionResult   EventType = "action.result"
	EventActionParam    EventType = "action.param"
	EventActionSnapshot EventType = "action.snapshot"

	EventSourceSnapshot EventType = "source.snapshot"
)

// IsTerminal reports whether t ends a run.
func (t EventType) IsTerminal() bool {
	return t == EventRunComplete || t == EventRunCancel || t == EventRunError
}

// Payload is the type-specific body of an Event. Fields are only ever added.
type Payload map[string]any

// Event is one entry of a run's output stream.
type Event struct {
	Seq         int64     `json:"seq"`
	Type        EventType `json:"type"`
	TimestampMs int64     `json:"timestamp"`
	Payload     Payload   `json:"payload"`
}

// Finish reasons carried by run.complete.
const (
	FinishStop        = "stop"
	FinishPlanStalled = "plan_stalled"
)
