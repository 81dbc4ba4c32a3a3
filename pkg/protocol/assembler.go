package protocol

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentrun/internal/observability"
)

// State is the lifecycle position of an Assembler.
type State int

const (
	StateUninitialized State = iota
	StateBootstrapped
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBootstrapped:
		return "bootstrapped"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Request is what Begin echoes at the head of the stream.
type Request struct {
	RequestID string
	RunID     string
	ChatID    string
	AgentID   string
	Query     string
	// NewChat adds a chat.start event after the request echo.
	NewChat  bool
	ChatName string
}

// Options tune an Assembler.
type Options struct {
	// EmitSnapshots adds a *.snapshot event with the accumulated text or
	// arguments right before each block's end event.
	EmitSnapshots bool
	Clock         func() time.Time
	Logger        *zerolog.Logger
}

type textBlock struct {
	id     string
	taskID string
	text   strings.Builder
}

type toolBlock struct {
	id         string
	name       string
	toolType   ToolType
	taskID     string
	chunkIndex int
	args       strings.Builder
	closed     bool
	resulted   bool
}

func (b *toolBlock) isAction() bool { return b.toolType == ToolTypeAction }

// Assembler turns one run's deltas into its ordered event stream.
// Methods are safe to call from several goroutines, though a run is
// expected to have a single driver.
type Assembler struct {
	mu     sync.Mutex
	sink   Sink
	opts   Options
	logger zerolog.Logger

	state  State
	seq    int64
	runID  string
	chatID string

	reasoning *textBlock
	content   *textBlock
	tools     map[string]*toolBlock
	openOrder []string

	planID      string
	planCreated bool

	activeTask string
	tasks      map[string]bool // taskID -> finished
	terminal   EventType
}

// NewAssembler returns an Assembler publishing to sink.
func NewAssembler(sink Sink, opts Options) *Assembler {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := log.With().Str("component", "protocol").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Assembler{
		sink:   sink,
		opts:   opts,
		logger: logger,
		tools:  make(map[string]*toolBlock),
		tasks:  make(map[string]bool),
	}
}

// State returns the current lifecycle state.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Seq returns the sequence number of the last emitted event.
func (a *Assembler) Seq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// Terminal returns the terminal event type, empty while the run is live.
func (a *Assembler) Terminal() EventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminal
}

// ActiveTask returns the ID of the started, unfinished task.
func (a *Assembler) ActiveTask() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeTask
}

// Begin emits the request echo, the optional chat start and run.start.
func (a *Assembler) Begin(req Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateUninitialized {
		return violation("begin", "run already %s", a.state)
	}
	if req.RunID == "" {
		return violation("begin", "empty run id")
	}

	a.runID = req.RunID
	a.chatID = req.ChatID

	a.emit(EventRequestQuery, Payload{
		"requestId": req.RequestID,
		"runId":     req.RunID,
		"chatId":    req.ChatID,
		"agentId":   req.AgentID,
		"query":     req.Query,
	})
	if req.NewChat {
		a.emit(EventChatStart, Payload{"chatId": req.ChatID, "chatName": req.ChatName})
	}
	a.emit(EventRunStart, Payload{"runId": req.RunID, "chatId": req.ChatID, "agentId": req.AgentID})

	a.state = StateBootstrapped
	return nil
}

// Consume applies one delta. After termination deltas are dropped and nil
// is returned; ordering violations return a *ValidationError.
func (a *Assembler) Consume(d Delta) error {
	if d == nil {
		return violation("consume", "nil delta")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateUninitialized:
		return violation(string(d.Kind()), "delta before begin")
	case StateTerminated:
		a.logger.Debug().
			Str("run_id", a.runID).
			Str("kind", string(d.Kind())).
			Str("terminal", string(a.terminal)).
			Msg("Dropping delta for terminated run")
		observability.RecordDeltaDropped(string(d.Kind()))
		return nil
	case StateBootstrapped:
		a.state = StateRunning
	}

	switch v := d.(type) {
	case StageMarker:
		a.closeText()
		return nil
	case Reasoning:
		return a.onText(v.ID, v.TaskID, v.Text, true)
	case Content:
		return a.onText(v.ID, v.TaskID, v.Text, false)
	case ToolCalls:
		for _, c := range v.Calls {
			if err := a.onToolChunk(c); err != nil {
				return err
			}
		}
		return nil
	case ToolEnd:
		return a.onToolEnd(v.ToolID)
	case ToolResult:
		return a.onToolResult(v)
	case PlanUpdate:
		return a.onPlan(v)
	case TaskStart:
		return a.onTaskStart(v)
	case TaskComplete:
		return a.onTaskEnd(v.TaskID, EventTaskComplete, "")
	case TaskCancel:
		return a.onTaskEnd(v.TaskID, EventTaskCancel, "")
	case TaskFail:
		return a.onTaskEnd(v.TaskID, EventTaskFail, v.Error)
	case Sources:
		return a.onSources(v)
	case Submit:
		a.emit(EventRequestSubmit, Payload{"runId": a.runID, "toolId": v.ToolID, "payload": v.Payload})
		return nil
	case Finish:
		a.terminate(EventRunComplete, Payload{"runId": a.runID, "finishReason": finishReason(v.Reason)})
		return nil
	}
	return violation("consume", "unknown delta %T", d)
}

// Complete closes every open block and emits run.complete. It is a no-op
// once the run has terminated.
func (a *Assembler) Complete(reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateUninitialized:
		return violation("complete", "run never began")
	case StateTerminated:
		return nil
	}
	a.terminate(EventRunComplete, Payload{"runId": a.runID, "finishReason": finishReason(reason)})
	return nil
}

// Cancel closes every open block and emits run.cancel. Cancelling a run
// that never began or already ended does nothing.
func (a *Assembler) Cancel(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateUninitialized || a.state == StateTerminated {
		return
	}
	a.terminate(EventRunCancel, Payload{"runId": a.runID, "reason": reason})
}

// Fail closes open blocks, fails the active task and emits run.error.
// Without an established run it does nothing.
func (a *Assembler) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateUninitialized || a.state == StateTerminated {
		return
	}

	message := "unknown error"
	if err != nil {
		message = err.Error()
	}

	a.closeAll()
	if a.activeTask != "" {
		a.emit(EventTaskFail, Payload{"taskId": a.activeTask, "error": message})
		a.tasks[a.activeTask] = true
		a.activeTask = ""
	}
	a.emit(EventRunError, Payload{
		"runId": a.runID,
		"error": Payload{"code": ErrorCode(err), "message": message},
	})
	a.terminal = EventRunError
	a.state = StateTerminated
}

// caller holds a.mu
func (a *Assembler) terminate(t EventType, payload Payload) {
	a.closeAll()
	if a.activeTask != "" {
		a.emit(EventTaskComplete, Payload{"taskId": a.activeTask})
		a.tasks[a.activeTask] = true
		a.activeTask = ""
	}
	a.emit(t, payload)
	a.terminal = t
	a.state = StateTerminated
}

func (a *Assembler) emit(t EventType, payload Payload) {
	a.seq++
	e := Event{
		Seq:         a.seq,
		Type:        t,
		TimestampMs: a.opts.Clock().UnixMilli(),
		Payload:     payload,
	}
	observability.RecordEventEmitted(string(t))
	if a.sink != nil {
		a.sink.Publish(e)
	}
}

// scopeTask resolves the task a task-scoped delta belongs to. An empty
// taskID inherits the active task.
func (a *Assembler) scopeTask(op, taskID string) (string, error) {
	if taskID == "" {
		return a.activeTask, nil
	}
	if a.activeTask == "" {
		return "", violation(op, "task %s is not active", taskID)
	}
	if taskID != a.activeTask {
		return "", violation(op, "task %s does not match active task %s", taskID, a.activeTask)
	}
	return taskID, nil
}

func withTask(p Payload, taskID string) Payload {
	if taskID != "" {
		p["taskId"] = taskID
	}
	return p
}

func (a *Assembler) onText(id, taskID, text string, reasoning bool) error {
	op := string(KindContent)
	if reasoning {
		op = string(KindReasoning)
	}
	if id == "" {
		return violation(op, "empty block id")
	}
	taskID, err := a.scopeTask(op, taskID)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}

	current, other := &a.content, &a.reasoning
	start, delta, idKey := EventContentStart, EventContentDelta, "contentId"
	if reasoning {
		current, other = &a.reasoning, &a.content
		start, delta, idKey = EventReasoningStart, EventReasoningDelta, "reasoningId"
	}

	if *other != nil {
		a.closeTextBlock(other, !reasoning)
	}
	if *current != nil && (*current).id != id {
		a.closeTextBlock(current, reasoning)
	}
	if *current == nil {
		*current = &textBlock{id: id, taskID: taskID}
		a.emit(start, withTask(Payload{idKey: id}, taskID))
	}

	(*current).text.WriteString(text)
	a.emit(delta, Payload{idKey: id, "delta": text})
	return nil
}

func (a *Assembler) closeText() {
	if a.reasoning != nil {
		a.closeTextBlock(&a.reasoning, true)
	}
	if a.content != nil {
		a.closeTextBlock(&a.content, false)
	}
}

func (a *Assembler) closeTextBlock(block **textBlock, reasoning bool) {
	b := *block
	if b == nil {
		return
	}
	snapshot, end, idKey := EventContentSnapshot, EventContentEnd, "contentId"
	if reasoning {
		snapshot, end, idKey = EventReasoningSnapshot, EventReasoningEnd, "reasoningId"
	}
	if a.opts.EmitSnapshots {
		a.emit(snapshot, withTask(Payload{idKey: b.id, "text": b.text.String()}, b.taskID))
	}
	a.emit(end, Payload{idKey: b.id})
	*block = nil
}

func (a *Assembler) onToolChunk(c ToolCallChunk) error {
	op := string(KindToolCalls)
	if c.ToolID == "" {
		return violation(op, "tool chunk without id")
	}

	b, known := a.tools[c.ToolID]
	if known && b.closed {
		return violation(op, "chunk for closed tool %s", c.ToolID)
	}
	if !known {
		if c.ToolName == "" {
			return violation(op, "chunk for unknown tool %s", c.ToolID)
		}
		taskID, err := a.scopeTask(op, c.TaskID)
		if err != nil {
			return err
		}
		toolType := c.ToolType
		if toolType == "" {
			toolType = ToolTypeFunction
		}

		a.closeText()
		b = &toolBlock{id: c.ToolID, name: c.ToolName, toolType: toolType, taskID: taskID}
		a.tools[c.ToolID] = b
		a.openOrder = append(a.openOrder, c.ToolID)

		if b.isAction() {
			a.emit(EventActionStart, withTask(Payload{"actionId": b.id, "actionName": b.name}, taskID))
		} else {
			a.emit(EventToolStart, withTask(Payload{
				"toolId":   b.id,
				"toolName": b.name,
				"toolType": string(toolType),
			}, taskID))
		}
	}

	if c.ArgsChunk == "" {
		return nil
	}
	b.args.WriteString(c.ArgsChunk)
	if b.isAction() {
		a.emit(EventActionArgs, Payload{"actionId": b.id, "delta": c.ArgsChunk, "chunkIndex": b.chunkIndex})
	} else {
		a.emit(EventToolArgs, Payload{"toolId": b.id, "delta": c.ArgsChunk, "chunkIndex": b.chunkIndex})
	}
	b.chunkIndex++
	return nil
}

func (a *Assembler) onToolEnd(toolID string) error {
	b, ok := a.tools[toolID]
	if !ok {
		return violation(string(KindToolEnd), "end for unknown tool %s", toolID)
	}
	a.closeTool(b)
	return nil
}

func (a *Assembler) onToolResult(r ToolResult) error {
	op := string(KindToolResult)
	b, ok := a.tools[r.ToolID]
	if !ok {
		return violation(op, "result for unknown tool %s", r.ToolID)
	}
	if _, err := a.scopeTask(op, r.TaskID); err != nil {
		return err
	}
	if b.resulted {
		a.logger.Warn().Str("run_id", a.runID).Str("tool_id", r.ToolID).Msg("Ignoring duplicate tool result")
		return nil
	}

	a.closeTool(b)
	b.resulted = true
	if b.isAction() {
		a.emit(EventActionResult, withTask(Payload{"actionId": b.id, "actionName": b.name, "result": r.Result}, b.taskID))
	} else {
		a.emit(EventToolResult, withTask(Payload{"toolId": b.id, "toolName": b.name, "result": r.Result}, b.taskID))
	}
	return nil
}

// closeTool emits the end of b once.
func (a *Assembler) closeTool(b *toolBlock) {
	if b.closed {
		return
	}
	b.closed = true
	for i, id := range a.openOrder {
		if id == b.id {
			a.openOrder = append(a.openOrder[:i], a.openOrder[i+1:]...)
			break
		}
	}

	args := b.args.String()
	if b.isAction() {
		if a.opts.EmitSnapshots {
			a.emit(EventActionSnapshot, Payload{"actionId": b.id, "actionName": b.name, "arguments": args})
		}
		a.emit(EventActionEnd, Payload{"actionId": b.id})
		var params map[string]any
		if args != "" && json.Unmarshal([]byte(args), &params) == nil {
			a.emit(EventActionParam, Payload{"actionId": b.id, "params": params})
		}
		return
	}

	if a.opts.EmitSnapshots {
		a.emit(EventToolSnapshot, Payload{"toolId": b.id, "toolName": b.name, "arguments": args})
	}
	a.emit(EventToolEnd, Payload{"toolId": b.id})
}

// closeAll closes the open text block, then open tools, then open actions,
// each group in opening order.
func (a *Assembler) closeAll() {
	a.closeText()

	open := append([]string(nil), a.openOrder...)
	for _, id := range open {
		if b := a.tools[id]; !b.isAction() {
			a.closeTool(b)
		}
	}
	for _, id := range open {
		if b := a.tools[id]; b.isAction() {
			a.closeTool(b)
		}
	}
}

func (a *Assembler) onPlan(p PlanUpdate) error {
	if p.PlanID == "" {
		return violation(string(KindPlanUpdate), "empty plan id")
	}
	if a.planCreated && p.PlanID != a.planID {
		return violation(string(KindPlanUpdate), "plan %s replaces %s", p.PlanID, a.planID)
	}

	payload := Payload{"planId": p.PlanID, "tasks": p.Tasks}
	if !a.planCreated {
		a.planCreated = true
		a.planID = p.PlanID
		a.emit(EventPlanCreate, payload)
		return nil
	}
	a.emit(EventPlanUpdate, payload)
	return nil
}

func (a *Assembler) onTaskStart(t TaskStart) error {
	op := string(KindTaskStart)
	if t.TaskID == "" {
		return violation(op, "empty task id")
	}
	if a.activeTask != "" {
		return violation(op, "task %s started while %s is active", t.TaskID, a.activeTask)
	}
	if a.tasks[t.TaskID] {
		return violation(op, "task %s already finished", t.TaskID)
	}

	a.closeText()
	a.activeTask = t.TaskID
	a.tasks[t.TaskID] = false
	a.emit(EventTaskStart, Payload{"taskId": t.TaskID, "description": t.Description})
	return nil
}

func (a *Assembler) onTaskEnd(taskID string, t EventType, errMsg string) error {
	op := string(t)
	if a.activeTask == "" {
		return violation(op, "task %s was not started", taskID)
	}
	if taskID != "" && taskID != a.activeTask {
		return violation(op, "task %s does not match active task %s", taskID, a.activeTask)
	}

	a.closeAll()
	payload := Payload{"taskId": a.activeTask}
	if t == EventTaskFail {
		payload["error"] = errMsg
	}
	a.emit(t, payload)
	a.tasks[a.activeTask] = true
	a.activeTask = ""
	return nil
}

func (a *Assembler) onSources(s Sources) error {
	taskID, err := a.scopeTask(string(KindSources), s.TaskID)
	if err != nil {
		return err
	}
	if len(s.Sources) == 0 {
		return nil
	}
	a.emit(EventSourceSnapshot, withTask(Payload{"sources": s.Sources}, taskID))
	return nil
}

func finishReason(reason string) string {
	if reason == "" {
		return FinishStop
	}
	return reason
}
