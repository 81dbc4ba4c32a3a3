package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentrun/pkg/protocol"
	"github.com/harun/agentrun/pkg/runctx"
	"github.com/harun/agentrun/pkg/toolexecutor"
)

type deltaLog struct {
	deltas []protocol.Delta
}

func (l *deltaLog) emit(d protocol.Delta) error {
	l.deltas = append(l.deltas, d)
	return nil
}

func newTurnExecutor(t *testing.T, provider LLMProvider, suppress bool) *TurnExecutor {
	t.Helper()
	catalog := toolexecutor.NewCatalog()
	require.NoError(t, catalog.Register(toolexecutor.ToolSpec{Name: "search"}))
	require.NoError(t, catalog.Register(toolexecutor.ToolSpec{Name: "confirm", Type: protocol.ToolTypeFrontend}))
	return NewTurnExecutor(TurnConfig{
		Provider:                  provider,
		Model:                     "fake-model",
		Catalog:                   catalog,
		SuppressTextAfterToolCall: suppress,
	})
}

func newRunContext(budget runctx.Budget) *runctx.RunContext {
	return runctx.New(runctx.Config{
		RunID:  "run-1",
		Budget: budget.WithDefaults(runctx.DefaultBudget()),
		Seed:   []runctx.Message{{Role: runctx.RoleUser, Content: "hi"}},
	})
}

func TestTurnExecutor_ToolCalls(t *testing.T) {
	t.Run("should keep interleaved calls apart", func(t *testing.T) {
		provider := newFakeProvider(scripted{deltas: []StreamDelta{
			{ToolCalls: []ToolCallDelta{
				{ID: "a", Name: "search", ArgsChunk: `{"q":`},
				{ID: "b", Name: "confirm"},
			}},
			{ToolCalls: []ToolCallDelta{{ID: "a", ArgsChunk: `"x"}`}}},
		}})
		log := &deltaLog{}
		te := newTurnExecutor(t, provider, true)

		turn, err := te.Execute(context.Background(), newRunContext(runctx.Budget{}), TurnRequest{Stage: StageAnswer}, log.emit)
		require.NoError(t, err)

		require.Len(t, log.deltas, 4)
		first := log.deltas[0].(protocol.ToolCalls)
		require.Len(t, first.Calls, 2)
		assert.Equal(t, protocol.ToolTypeFunction, first.Calls[0].ToolType)
		assert.Equal(t, protocol.ToolTypeFrontend, first.Calls[1].ToolType)
		assert.Equal(t, "", first.Calls[1].ArgsChunk)

		second := log.deltas[1].(protocol.ToolCalls)
		assert.Equal(t, []protocol.ToolCallChunk{{ToolID: "a", ToolName: "search", ToolType: protocol.ToolTypeFunction, ArgsChunk: `"x"}`}}, second.Calls)

		assert.Equal(t, protocol.ToolEnd{ToolID: "a"}, log.deltas[2])
		assert.Equal(t, protocol.ToolEnd{ToolID: "b"}, log.deltas[3])

		require.Len(t, turn.ToolCalls, 2)
		assert.Equal(t, runctx.ToolCall{ID: "a", Name: "search", Arguments: `{"q":"x"}`}, turn.ToolCalls[0])
		assert.Equal(t, runctx.ToolCall{ID: "b", Name: "confirm"}, turn.ToolCalls[1])
	})

	t.Run("should hold arguments until the name arrives", func(t *testing.T) {
		provider := newFakeProvider(scripted{deltas: []StreamDelta{
			{ToolCalls: []ToolCallDelta{{ID: "a", ArgsChunk: `{"q"`}}},
			{ToolCalls: []ToolCallDelta{{ID: "a", Name: "search", ArgsChunk: `:1}`}}},
		}})
		log := &deltaLog{}
		te := newTurnExecutor(t, provider, true)

		turn, err := te.Execute(context.Background(), newRunContext(runctx.Budget{}), TurnRequest{}, log.emit)
		require.NoError(t, err)

		require.Len(t, log.deltas, 2)
		calls := log.deltas[0].(protocol.ToolCalls).Calls
		require.Len(t, calls, 1)
		assert.Equal(t, `{"q":1}`, calls[0].ArgsChunk)
		assert.Equal(t, `{"q":1}`, turn.ToolCalls[0].Arguments)
	})

	t.Run("should drop calls that never get a name", func(t *testing.T) {
		provider := newFakeProvider(scripted{deltas: []StreamDelta{
			{ToolCalls: []ToolCallDelta{{ID: "a", ArgsChunk: `{}`}}},
		}})
		log := &deltaLog{}
		te := newTurnExecutor(t, provider, true)

		turn, err := te.Execute(context.Background(), newRunContext(runctx.Budget{}), TurnRequest{}, log.emit)
		require.NoError(t, err)
		assert.Empty(t, log.deltas)
		assert.Empty(t, turn.ToolCalls)
	})
}

func TestTurnExecutor_Text(t *testing.T) {
	script := func() *fakeProvider {
		return newFakeProvider(scripted{deltas: []StreamDelta{
			{Content: "before "},
			{ToolCalls: []ToolCallDelta{{ID: "a", Name: "search", ArgsChunk: `{}`}}},
			{Content: "after"},
		}})
	}

	t.Run("should suppress text after a tool call", func(t *testing.T) {
		log := &deltaLog{}
		te := newTurnExecutor(t, script(), true)

		turn, err := te.Execute(context.Background(), newRunContext(runctx.Budget{}), TurnRequest{}, log.emit)
		require.NoError(t, err)

		require.Len(t, log.deltas, 3)
		assert.Equal(t, "before ", log.deltas[0].(protocol.Content).Text)
		assert.IsType(t, protocol.ToolCalls{}, log.deltas[1])
		assert.IsType(t, protocol.ToolEnd{}, log.deltas[2])
		assert.Equal(t, "before after", turn.FinalText)
	})

	t.Run("should open a new block for text after a tool call", func(t *testing.T) {
		log := &deltaLog{}
		te := newTurnExecutor(t, script(), false)

		_, err := te.Execute(context.Background(), newRunContext(runctx.Budget{}), TurnRequest{}, log.emit)
		require.NoError(t, err)

		require.Len(t, log.deltas, 4)
		before := log.deltas[0].(protocol.Content)
		after := log.deltas[2].(protocol.Content)
		assert.NotEqual(t, before.ID, after.ID)
		assert.Equal(t, "after", after.Text)
	})

	t.Run("should give each reasoning run its own block", func(t *testing.T) {
		provider := newFakeProvider(scripted{deltas: []StreamDelta{
			{Reasoning: "think"},
			{Reasoning: " more"},
			{Content: "answer"},
			{Reasoning: "again"},
		}})
		log := &deltaLog{}
		te := newTurnExecutor(t, provider, true)

		turn, err := te.Execute(context.Background(), newRunContext(runctx.Budget{}), TurnRequest{}, log.emit)
		require.NoError(t, err)

		require.Len(t, log.deltas, 4)
		r1 := log.deltas[0].(protocol.Reasoning)
		r2 := log.deltas[1].(protocol.Reasoning)
		c := log.deltas[2].(protocol.Content)
		r3 := log.deltas[3].(protocol.Reasoning)

		assert.True(t, strings.HasPrefix(r1.ID, "reasoning_"))
		assert.True(t, strings.HasPrefix(c.ID, "content_"))
		assert.Equal(t, r1.ID, r2.ID)
		assert.NotEqual(t, r1.ID, r3.ID)
		assert.Equal(t, "think moreagain", turn.ReasoningText)
		assert.Equal(t, "answer", turn.FinalText)
	})

	t.Run("should tag deltas with the active task", func(t *testing.T) {
		log := &deltaLog{}
		te := newTurnExecutor(t, newFakeProvider(say("ok")), true)
		rc := newRunContext(runctx.Budget{})
		rc.SetActiveTask("task-1")

		_, err := te.Execute(context.Background(), rc, TurnRequest{}, log.emit)
		require.NoError(t, err)
		assert.Equal(t, "task-1", log.deltas[0].(protocol.Content).TaskID)
	})
}

func TestTurnExecutor_Budget(t *testing.T) {
	t.Run("should count a retried call once", func(t *testing.T) {
		provider := newFakeProvider(scripted{err: errors.New("429 rate limit")}, say("ok"))
		te := newTurnExecutor(t, provider, true)
		rc := newRunContext(runctx.Budget{})

		turn, err := te.Execute(context.Background(), rc, TurnRequest{}, (&deltaLog{}).emit)
		require.NoError(t, err)
		assert.Equal(t, "ok", turn.FinalText)
		assert.Equal(t, 1, rc.ModelCalls())
		assert.Len(t, provider.Requests(), 2)
	})

	t.Run("should stop once the call budget is spent", func(t *testing.T) {
		provider := newFakeProvider(say("one"), say("two"))
		te := newTurnExecutor(t, provider, true)
		rc := newRunContext(runctx.Budget{Model: runctx.CallBudget{MaxCalls: 1}})

		_, err := te.Execute(context.Background(), rc, TurnRequest{}, (&deltaLog{}).emit)
		require.NoError(t, err)

		_, err = te.Execute(context.Background(), rc, TurnRequest{}, (&deltaLog{}).emit)
		var exceeded *runctx.BudgetExceededError
		require.ErrorAs(t, err, &exceeded)
		assert.Equal(t, runctx.BudgetModelCalls, exceeded.Kind)
		assert.Len(t, provider.Requests(), 1)
	})

	t.Run("should give up with the last error when retries run out", func(t *testing.T) {
		provider := newFakeProvider(
			scripted{err: errors.New("502 bad gateway")},
			scripted{err: errors.New("502 bad gateway")},
		)
		te := newTurnExecutor(t, provider, true)
		rc := newRunContext(runctx.Budget{Model: runctx.CallBudget{RetryCount: 1}})

		_, err := te.Execute(context.Background(), rc, TurnRequest{}, (&deltaLog{}).emit)
		var modelErr *ModelError
		require.ErrorAs(t, err, &modelErr)
		assert.Equal(t, 2, modelErr.Attempts)
		assert.Equal(t, "model_error", protocol.ErrorCode(err))
	})

	t.Run("should return emission errors unchanged", func(t *testing.T) {
		boom := errors.New("sink closed")
		te := newTurnExecutor(t, newFakeProvider(say("ok"), say("ok")), true)

		_, err := te.Execute(context.Background(), newRunContext(runctx.Budget{}), TurnRequest{}, func(protocol.Delta) error {
			return boom
		})
		assert.Same(t, boom, err)
	})

	t.Run("should send the named transcript", func(t *testing.T) {
		provider := newFakeProvider(say("ok"))
		te := newTurnExecutor(t, provider, true)
		rc := newRunContext(runctx.Budget{})
		rc.Track("task:task-1", rc.Transcript(runctx.TranscriptMain))
		rc.Append("task:task-1", runctx.Message{Role: runctx.RoleUser, Content: "work"})

		_, err := te.Execute(context.Background(), rc, TurnRequest{Transcript: "task:task-1"}, (&deltaLog{}).emit)
		require.NoError(t, err)
		assert.Len(t, provider.Requests()[0].Messages, 2)
	})
}
