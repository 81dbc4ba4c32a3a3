package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentrun/internal/observability"
	"github.com/harun/agentrun/internal/tracing"
)

var (
	ErrNotStarted  = errors.New("command queue not started")
	ErrQueueClosed = errors.New("command queue closed")
	ErrLaneCleared = errors.New("lane cleared")
)

// DefaultLane is used when Submit is given an empty lane.
const DefaultLane = "tools"

// Task is one unit of work. It must return promptly once ctx is done.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// Name labels the task in logs and events.
	Name string
	// WarnAfterMs logs a warning when the task is still queued after this long.
	WarnAfterMs int
	OnWait      func(waitMs int64, queuePos int)
}

// Config sizes the pool.
type Config struct {
	// Lanes maps lane name to concurrency.
	Lanes map[string]int
	// DefaultConcurrency applies to lanes created on first use.
	DefaultConcurrency int
}

type taskRecord struct {
	id         string
	name       string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	future     *Future
}

type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	activeIDs   map[string]bool
	mu          sync.Mutex
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event describes queue activity. Type is "enqueued", "started" or "completed".
type Event struct {
	Type   string
	Lane   string
	TaskID string
	Data   map[string]interface{}
}

// Future is the pending result of a submitted task.
type Future struct {
	ID   string
	done chan struct{}
	once sync.Once
	val  interface{}
	err  error
}

func newFuture(id string) *Future {
	return &Future{ID: id, done: make(chan struct{})}
}

func (f *Future) resolve(val interface{}, err error) {
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
	})
}

// Done is closed once the task has finished or was rejected.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx is done. Returning on ctx
// leaves the task running; cancel the context passed to Submit to stop it.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CommandQueue is a lane-partitioned bounded worker pool with an explicit lifetime.
type CommandQueue struct {
	cfg       Config
	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	closed    bool

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a stopped pool. Call Start before submitting.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())

	cq := &CommandQueue{
		cfg:           cfg,
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}
	for lane, concurrency := range cfg.Lanes {
		cq.initLane(lane, concurrency)
	}
	return cq
}

// Start opens the pool for submissions.
func (cq *CommandQueue) Start() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.closed {
		return ErrQueueClosed
	}
	cq.started = true
	log.Info().Int("lanes", len(cq.lanes)).Msg("Command queue started")
	return nil
}

func (cq *CommandQueue) initLane(lane string, concurrency int) *laneState {
	if concurrency <= 0 {
		concurrency = cq.cfg.DefaultConcurrency
	}
	ls := &laneState{
		concurrency: concurrency,
		activeIDs:   make(map[string]bool),
	}
	cq.lanes[lane] = ls
	log.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	return ls
}

// lane returns the state of lane, creating it on first use.
func (cq *CommandQueue) lane(lane string) *laneState {
	cq.mu.RLock()
	ls, ok := cq.lanes[lane]
	cq.mu.RUnlock()
	if ok {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[lane]; ok {
		return ls
	}
	return cq.initLane(lane, cq.cfg.DefaultConcurrency)
}

// Submit queues task on lane and returns immediately. Cancelling ctx
// cancels the task, or drops it if it has not started yet.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, options *TaskOptions) (*Future, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if lane == "" {
		lane = DefaultLane
	}

	cq.mu.Lock()
	switch {
	case cq.closed:
		cq.mu.Unlock()
		return nil, ErrQueueClosed
	case !cq.started:
		cq.mu.Unlock()
		return nil, ErrNotStarted
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		id:         taskID,
		name:       opts.Name,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		future:     newFuture(taskID),
	}

	ls := cq.lane(lane)
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize, running := len(ls.queue), ls.running
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", taskID).
		Str("task", opts.Name).
		Int("queueSize", queueSize).
		Msg("Task enqueued")
	observability.SetPoolState(lane, queueSize, running)

	cq.emit(Event{Type: "enqueued", Lane: lane, TaskID: taskID, Data: map[string]interface{}{"queueSize": queueSize}})

	if opts.WarnAfterMs > 0 {
		go cq.startWarnTimer(record, lane)
	}

	cq.processLane(lane)
	return record.future, nil
}

// Enqueue submits task and waits for its result.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	future, err := cq.Submit(ctx, lane, task, options)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string) {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if err := record.ctx.Err(); err != nil {
			record.future.resolve(nil, err)
			continue
		}

		ls.running++
		ls.activeIDs[record.id] = true

		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
	observability.SetPoolState(lane, len(ls.queue), ls.running)
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"agentrun.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
		attribute.String("task", record.name),
	)
	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Str("taskId", record.id).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	cq.emit(Event{Type: "started", Lane: lane, TaskID: record.id, Data: map[string]interface{}{
		"waitMs": time.Since(record.enqueuedAt).Milliseconds(),
	}})

	start := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(start)

	stopCancel()
	cancel()
	tracing.EndSpan(span, err)

	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	ls.mu.Unlock()

	record.future.resolve(value, err)

	if err != nil {
		logger.Debug().Err(err).Dur("duration", duration).Msg("Task failed")
	} else {
		logger.Debug().Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordPoolCompletion(lane, duration, err == nil)

	cq.emit(Event{Type: "completed", Lane: lane, TaskID: record.id, Data: map[string]interface{}{
		"duration": duration.Milliseconds(),
		"success":  err == nil,
	}})

	cq.processLane(lane)
}

// run shields the pool from panicking tasks.
func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(time.Duration(record.options.WarnAfterMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls := cq.lane(lane)
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			waitMs := time.Since(record.enqueuedAt).Milliseconds()
			log.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Int64("waitMs", waitMs).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(waitMs, queuePos)
			}
		}
	case <-record.future.Done():
	case <-cq.ctx.Done():
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]map[string]int)
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane rejects every queued task of lane and returns how many were dropped.
func (cq *CommandQueue) ClearLane(lane string) int {
	ls := cq.lane(lane)
	ls.mu.Lock()
	queued := ls.queue
	ls.queue = nil
	running := ls.running
	ls.mu.Unlock()

	for _, record := range queued {
		record.future.resolve(nil, ErrLaneCleared)
	}

	log.Info().Str("lane", lane).Int("cleared", len(queued)).Msg("Lane cleared")
	observability.SetPoolState(lane, 0, running)
	return len(queued)
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency <= 0 {
		return
	}
	ls := cq.lane(lane)
	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	log.Info().Str("lane", lane).Int("oldMax", oldMax).Int("newMax", concurrency).Msg("Lane concurrency updated")

	if concurrency > oldMax {
		cq.processLane(lane)
	}
}

// WaitForActive waits for running tasks to finish, up to timeout.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
		return false
	}
}

// Close stops accepting tasks, rejects queued ones, cancels running ones
// and waits up to timeout for them to return.
func (cq *CommandQueue) Close(timeout time.Duration) error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]string, 0, len(cq.lanes))
	for lane := range cq.lanes {
		lanes = append(lanes, lane)
	}
	cq.mu.Unlock()

	for _, lane := range lanes {
		ls := cq.lane(lane)
		ls.mu.Lock()
		queued := ls.queue
		ls.queue = nil
		ls.mu.Unlock()
		for _, record := range queued {
			record.future.resolve(nil, ErrQueueClosed)
		}
	}

	cq.cancel()
	if !cq.WaitForActive(timeout) {
		return fmt.Errorf("command queue close: tasks still running after %s", timeout)
	}
	log.Info().Msg("Command queue stopped")
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	delete(cq.eventHandlers, eventType)
}

func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
