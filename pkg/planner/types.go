package planner

import "time"

// TaskStatus is the lifecycle state of a Task. Any status other than init is terminal.
type TaskStatus string

const (
	TaskStatusInit      TaskStatus = "init"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// IsTerminal reports whether s ends a task.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCanceled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s == TaskStatusInit || s.IsTerminal()
}

// Task is one unit of a plan.
type Task struct {
	TaskID      string     `json:"taskId"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
}

// NewTask is a task as requested by the model, before an ID is assigned.
type NewTask struct {
	TaskID      string `json:"taskId,omitempty"`
	Description string `json:"description"`
}

// TaskUpdate changes a task's status and optionally its description.
type TaskUpdate struct {
	TaskID      string     `json:"taskId"`
	Status      TaskStatus `json:"status,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Plan is the ordered task list of one run.
type Plan struct {
	ID        string    `json:"id"`
	Tasks     []Task    `json:"tasks"`
	CreatedAt time.Time `json:"createdAt"`
}
