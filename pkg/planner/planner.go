package planner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskTerminal   = errors.New("task already terminal")
	ErrInvalidStatus  = errors.New("invalid task status")
	ErrEmptyTaskList  = errors.New("plan must have at least one task")
	ErrDuplicateTask  = errors.New("duplicate task id")
	ErrEmptyTaskField = errors.New("task description cannot be empty")
)

// NewPlan creates an empty plan with a fresh ID.
func NewPlan() *Plan {
	return &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
	}
}

// AddTasks validates and appends tasks, assigning IDs where missing. It is
// all or nothing: on error the plan is unchanged.
func (p *Plan) AddTasks(tasks []NewTask) ([]Task, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyTaskList
	}

	seen := make(map[string]bool, len(p.Tasks)+len(tasks))
	for _, t := range p.Tasks {
		seen[t.TaskID] = true
	}

	added := make([]Task, 0, len(tasks))
	next := len(p.Tasks) + 1
	for _, nt := range tasks {
		desc := strings.TrimSpace(nt.Description)
		if desc == "" {
			return nil, ErrEmptyTaskField
		}

		id := strings.TrimSpace(nt.TaskID)
		if id == "" {
			for seen[fmt.Sprintf("task-%d", next)] {
				next++
			}
			id = fmt.Sprintf("task-%d", next)
			next++
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
		}
		seen[id] = true

		added = append(added, Task{TaskID: id, Description: desc, Status: TaskStatusInit})
	}

	p.Tasks = append(p.Tasks, added...)
	return added, nil
}

// UpdateTask applies u. A terminal task keeps its status; only its
// description may still change.
func (p *Plan) UpdateTask(u TaskUpdate) (Task, error) {
	idx := p.index(u.TaskID)
	if idx < 0 {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, u.TaskID)
	}
	if u.Status != "" && !u.Status.Valid() {
		return Task{}, fmt.Errorf("%w: %s", ErrInvalidStatus, u.Status)
	}

	task := p.Tasks[idx]
	if u.Status != "" && u.Status != task.Status {
		if task.Status.IsTerminal() {
			return task, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, task.TaskID, task.Status)
		}
		task.Status = u.Status
	}
	if desc := strings.TrimSpace(u.Description); desc != "" {
		task.Description = desc
	}

	p.Tasks[idx] = task
	return task, nil
}

// Get returns the task with the given ID.
func (p *Plan) Get(taskID string) (Task, bool) {
	if idx := p.index(taskID); idx >= 0 {
		return p.Tasks[idx], true
	}
	return Task{}, false
}

// Snapshot returns a copy of the task list.
func (p *Plan) Snapshot() []Task {
	out := make([]Task, len(p.Tasks))
	copy(out, p.Tasks)
	return out
}

// NextUnfinished returns the first task still in init.
func (p *Plan) NextUnfinished() (Task, bool) {
	for _, t := range p.Tasks {
		if !t.Status.IsTerminal() {
			return t, true
		}
	}
	return Task{}, false
}

// AllTerminal reports whether every task has finished. An empty plan is not finished.
func (p *Plan) AllTerminal() bool {
	if len(p.Tasks) == 0 {
		return false
	}
	_, pending := p.NextUnfinished()
	return !pending
}

// Empty reports whether the plan has no tasks.
func (p *Plan) Empty() bool {
	return len(p.Tasks) == 0
}

func (p *Plan) index(taskID string) int {
	for i, t := range p.Tasks {
		if t.TaskID == taskID {
			return i
		}
	}
	return -1
}
