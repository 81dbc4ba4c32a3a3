package toolexecutor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentrun/pkg/planner"
)

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo input",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "text to echo", Required: true},
			{Name: "times", Type: "integer", Description: "repeat count"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	}
}

func TestToolExecutor_RegisterTool(t *testing.T) {
	t.Run("should register and describe a tool", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterTool(echoTool()))

		assert.Equal(t, 1, te.GetToolCount())
		assert.Equal(t, "echo", te.GetTool("echo").Name)

		schema, ok := te.Schema("echo")
		require.True(t, ok)
		assert.Equal(t, "object", schema["type"])
		assert.Equal(t, []interface{}{"text"}, schema["required"])
	})

	t.Run("should reject invalid definitions", func(t *testing.T) {
		handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }
		tests := []struct {
			name string
			def  ToolDefinition
		}{
			{name: "empty name", def: ToolDefinition{Description: "x", Handler: handler}},
			{name: "empty description", def: ToolDefinition{Name: "x", Handler: handler}},
			{name: "nil handler", def: ToolDefinition{Name: "x", Description: "x"}},
			{name: "bad parameter type", def: ToolDefinition{
				Name: "x", Description: "x", Handler: handler,
				Parameters: []ToolParameter{{Name: "p", Type: "date", Description: "p"}},
			}},
		}

		te := New()
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Error(t, te.RegisterTool(tt.def))
			})
		}
		assert.Equal(t, 0, te.GetToolCount())
	})

	t.Run("should list tools sorted and unregister", func(t *testing.T) {
		te := New()
		require.NoError(t, te.RegisterPlanTools())
		require.NoError(t, te.RegisterTool(echoTool()))

		assert.Equal(t, []string{planner.ToolAddTasks, planner.ToolUpdateTask, "echo"}, te.ListTools())

		te.UnregisterTool("echo")
		assert.Nil(t, te.GetTool("echo"))
		assert.Equal(t, 2, te.GetToolCount())
	})
}

func TestToolExecutor_Invoke(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))
	require.NoError(t, te.RegisterPlanTools())

	t.Run("should run the handler with valid params", func(t *testing.T) {
		out, err := te.Invoke(context.Background(), "echo", map[string]interface{}{"text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "hi", out)
	})

	t.Run("should fail unknown tools", func(t *testing.T) {
		_, err := te.Invoke(context.Background(), "missing", nil)
		assert.True(t, errors.Is(err, ErrToolNotFound))
	})

	t.Run("should reject params that break the schema", func(t *testing.T) {
		_, err := te.Invoke(context.Background(), "echo", map[string]interface{}{"text": 3})
		assert.True(t, errors.Is(err, ErrInvalidArguments))

		_, err = te.Invoke(context.Background(), "echo", map[string]interface{}{})
		assert.True(t, errors.Is(err, ErrInvalidArguments))

		_, err = te.Invoke(context.Background(), "echo", map[string]interface{}{"text": "a", "extra": true})
		assert.True(t, errors.Is(err, ErrInvalidArguments))
	})

	t.Run("should validate plan tools against their raw schema", func(t *testing.T) {
		out, err := te.Invoke(context.Background(), planner.ToolAddTasks, map[string]interface{}{
			"tasks": []interface{}{map[string]interface{}{"description": "find flights"}},
		})
		require.NoError(t, err)
		assert.Equal(t, planner.AddTasksResult{OK: true, Tasks: []planner.NewTask{{Description: "find flights"}}}, out)

		_, err = te.Invoke(context.Background(), planner.ToolUpdateTask, map[string]interface{}{"taskId": "task-1", "status": "done"})
		assert.True(t, errors.Is(err, ErrInvalidArguments))
	})

	t.Run("should return handler errors untouched", func(t *testing.T) {
		boom := errors.New("boom")
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name:        "fail",
			Description: "always fails",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return nil, boom
			},
		}))
		_, err := te.Invoke(context.Background(), "fail", nil)
		assert.Same(t, boom, err)
	})

	t.Run("should truncate long string output", func(t *testing.T) {
		small := New()
		small.SetMaxOutput(8)
		require.NoError(t, small.RegisterTool(echoTool()))

		out, err := small.Invoke(context.Background(), "echo", map[string]interface{}{"text": strings.Repeat("x", 20)})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out.(string), "xxxxxxxx\n"))
		assert.Contains(t, out, "[output truncated]")
	})
}

func TestExecContext(t *testing.T) {
	t.Run("should round-trip through a context", func(t *testing.T) {
		ec := &ExecutionContext{RunID: "run-1", ToolID: "call-1", Attempt: 2}
		ctx := ContextWithExecContext(context.Background(), ec)
		assert.Same(t, ec, ExecContextFromContext(ctx))
		assert.Nil(t, ExecContextFromContext(context.Background()))
	})
}
