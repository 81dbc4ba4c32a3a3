package planner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTasksHandler(t *testing.T) {
	t.Run("should accept objects and bare strings", func(t *testing.T) {
		out, err := AddTasks(map[string]interface{}{
			"tasks": []interface{}{
				map[string]interface{}{"description": "find sources"},
				"summarize",
			},
		})
		require.NoError(t, err)

		data, err := json.Marshal(out)
		require.NoError(t, err)
		tasks, err := ParseAddTasks(data)
		require.NoError(t, err)
		assert.Equal(t, []NewTask{{Description: "find sources"}, {Description: "summarize"}}, tasks)
	})

	t.Run("should reject a missing task list", func(t *testing.T) {
		_, err := AddTasks(map[string]interface{}{})
		assert.ErrorIs(t, err, ErrEmptyTaskList)
	})

	t.Run("should reject blank descriptions", func(t *testing.T) {
		_, err := AddTasks(map[string]interface{}{"tasks": []interface{}{""}})
		assert.ErrorIs(t, err, ErrEmptyTaskField)
	})
}

func TestUpdateTaskHandler(t *testing.T) {
	out, err := UpdateTask(map[string]interface{}{"taskId": "task-1", "status": "completed"})
	require.NoError(t, err)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"taskId":"task-1","status":"completed"}`, string(data))

	update, err := ParseUpdateTask(data)
	require.NoError(t, err)
	assert.Equal(t, TaskUpdate{TaskID: "task-1", Status: TaskStatusCompleted}, update)

	_, err = UpdateTask(map[string]interface{}{"taskId": "task-1", "status": "later"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestParsePlanResults(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `nope`},
		{"failed result", `{"ok":false,"error":"boom"}`},
		{"empty tasks", `{"ok":true,"tasks":[]}`},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			_, err := ParseAddTasks([]byte(tt.input))
			assert.Error(t, err)
		})
	}

	_, err := ParseUpdateTask([]byte(`{"ok":true}`))
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestIsPlanTool(t *testing.T) {
	assert.True(t, IsPlanTool(ToolAddTasks))
	assert.True(t, IsPlanTool(ToolUpdateTask))
	assert.False(t, IsPlanTool("search"))
}
