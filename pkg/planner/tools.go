package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Plan tool names. The leading and trailing underscores keep them apart
// from catalog tools.
const (
	ToolAddTasks   = "_plan_add_tasks_"
	ToolUpdateTask = "_plan_update_task_"
)

// IsPlanTool reports whether name is one of the plan-mutating tools.
func IsPlanTool(name string) bool {
	return name == ToolAddTasks || name == ToolUpdateTask
}

// AddTasksSchema is the JSON schema of the add-tasks tool arguments.
func AddTasksSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"tasks": map[string]interface{}{
				"type":     "array",
				"minItems": 1,
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"taskId":      map[string]interface{}{"type": "string"},
						"description": map[string]interface{}{"type": "string", "minLength": 1},
					},
					"required": []interface{}{"description"},
				},
			},
		},
		"required": []interface{}{"tasks"},
	}
}

// UpdateTaskSchema is the JSON schema of the update-task tool arguments.
func UpdateTaskSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"taskId": map[string]interface{}{"type": "string", "minLength": 1},
			"status": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{
					string(TaskStatusInit),
					string(TaskStatusCompleted),
					string(TaskStatusFailed),
					string(TaskStatusCanceled),
				},
			},
			"description": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"taskId"},
	}
}

const (
	AddTasksDescription   = "Create the task list for this request. Call once with every task, in execution order."
	UpdateTaskDescription = "Update a task's status (completed, failed or canceled) and optionally its description."
)

// AddTasksResult is what the add-tasks tool returns.
type AddTasksResult struct {
	OK    bool      `json:"ok"`
	Tasks []NewTask `json:"tasks"`
}

// UpdateTaskResult is what the update-task tool returns.
type UpdateTaskResult struct {
	OK bool `json:"ok"`
	TaskUpdate
}

// AddTasks is the backend handler of the add-tasks tool. It normalizes the
// request; the run applies it to its plan when the result comes back.
func AddTasks(params map[string]interface{}) (interface{}, error) {
	raw, ok := params["tasks"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, ErrEmptyTaskList
	}

	tasks := make([]NewTask, 0, len(raw))
	for i, item := range raw {
		switch v := item.(type) {
		case string:
			tasks = append(tasks, NewTask{Description: v})
		case map[string]interface{}:
			desc, _ := v["description"].(string)
			id, _ := v["taskId"].(string)
			tasks = append(tasks, NewTask{TaskID: id, Description: desc})
		default:
			return nil, fmt.Errorf("task %d: unsupported type %T", i, item)
		}
		if strings.TrimSpace(tasks[len(tasks)-1].Description) == "" {
			return nil, fmt.Errorf("task %d: %w", i, ErrEmptyTaskField)
		}
	}

	return AddTasksResult{OK: true, Tasks: tasks}, nil
}

// UpdateTask is the backend handler of the update-task tool.
func UpdateTask(params map[string]interface{}) (interface{}, error) {
	id, _ := params["taskId"].(string)
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty taskId", ErrTaskNotFound)
	}
	status, _ := params["status"].(string)
	desc, _ := params["description"].(string)

	update := TaskUpdate{TaskID: id, Status: TaskStatus(status), Description: desc}
	if update.Status != "" && !update.Status.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	return UpdateTaskResult{OK: true, TaskUpdate: update}, nil
}

// ParseAddTasks decodes an add-tasks tool result.
func ParseAddTasks(result []byte) ([]NewTask, error) {
	var r AddTasksResult
	if err := json.Unmarshal(result, &r); err != nil {
		return nil, fmt.Errorf("decode add-tasks result: %w", err)
	}
	if !r.OK {
		return nil, fmt.Errorf("add-tasks result not ok")
	}
	if len(r.Tasks) == 0 {
		return nil, ErrEmptyTaskList
	}
	return r.Tasks, nil
}

// ParseUpdateTask decodes an update-task tool result.
func ParseUpdateTask(result []byte) (TaskUpdate, error) {
	var r UpdateTaskResult
	if err := json.Unmarshal(result, &r); err != nil {
		return TaskUpdate{}, fmt.Errorf("decode update-task result: %w", err)
	}
	if !r.OK {
		return TaskUpdate{}, fmt.Errorf("update-task result not ok")
	}
	if r.TaskID == "" {
		return TaskUpdate{}, fmt.Errorf("%w: empty taskId", ErrTaskNotFound)
	}
	return r.TaskUpdate, nil
}
