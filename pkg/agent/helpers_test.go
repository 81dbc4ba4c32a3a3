package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harun/agentrun/pkg/commandqueue"
	"github.com/harun/agentrun/pkg/protocol"
	"github.com/harun/agentrun/pkg/runctx"
	"github.com/harun/agentrun/pkg/toolexecutor"
)

// scripted is one canned model call.
type scripted struct {
	deltas []StreamDelta
	err    error
	// block holds the stream open until its context ends.
	block bool
}

func say(text string) scripted {
	return scripted{deltas: []StreamDelta{{Content: text}}}
}

func call(id, name, args string) scripted {
	return scripted{deltas: []StreamDelta{{ToolCalls: []ToolCallDelta{{ID: id, Type: "function", Name: name, ArgsChunk: args}}}}}
}

// fakeProvider plays back scripted calls in order.
type fakeProvider struct {
	mu       sync.Mutex
	script   []scripted
	requests []LLMRequest
}

func newFakeProvider(script ...scripted) *fakeProvider {
	return &fakeProvider{script: script}
}

func (p *fakeProvider) Provider() string { return "fake" }

func (p *fakeProvider) Stream(ctx context.Context, request LLMRequest, onDelta func(StreamDelta) error) error {
	p.mu.Lock()
	p.requests = append(p.requests, request)
	if len(p.script) == 0 {
		p.mu.Unlock()
		return errors.New("script exhausted")
	}
	next := p.script[0]
	p.script = p.script[1:]
	p.mu.Unlock()

	for _, d := range next.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	if next.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return next.err
}

func (p *fakeProvider) Requests() []LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LLMRequest(nil), p.requests...)
}

type harness struct {
	engine   *Engine
	exec     *toolexecutor.ToolExecutor
	catalog  *toolexecutor.StaticCatalog
	provider *fakeProvider
	sink     *protocol.Recorder
}

func newHarness(t *testing.T, provider *fakeProvider) *harness {
	t.Helper()

	pool := commandqueue.New(commandqueue.Config{DefaultConcurrency: 2})
	require.NoError(t, pool.Start())
	t.Cleanup(func() { _ = pool.Close(time.Second) })

	exec := toolexecutor.New()
	require.NoError(t, exec.RegisterPlanTools())
	require.NoError(t, exec.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "search",
		Description: "web search",
		Parameters:  []toolexecutor.ToolParameter{{Name: "q", Type: "string", Description: "query", Required: true}},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		},
	}))

	catalog := toolexecutor.NewCatalog()
	catalog.AddExecutor(exec)
	require.NoError(t, catalog.Register(toolexecutor.ToolSpec{Name: "confirm", Description: "ask the user", Type: protocol.ToolTypeFrontend}))

	dispatcher := toolexecutor.NewDispatcher(toolexecutor.DispatcherConfig{
		Pool:            pool,
		Executor:        exec,
		Catalog:         catalog,
		FrontendTimeout: time.Second,
	})

	registry := NewProviderRegistry()
	registry.Register("fake", provider, "fake-model")

	engine, err := NewEngine(EngineConfig{
		Providers:  registry,
		Dispatcher: dispatcher,
		Defaults:   Defaults{SuppressTextAfterToolCall: true},
	})
	require.NoError(t, err)

	return &harness{
		engine:   engine,
		exec:     exec,
		catalog:  catalog,
		provider: provider,
		sink:     &protocol.Recorder{},
	}
}

func (h *harness) run(t *testing.T, def AgentDefinition, budget runctx.Budget) (*RunResult, error) {
	t.Helper()
	return h.engine.Run(context.Background(), RunRequest{
		RequestID: "req-1",
		RunID:     "run-1",
		ChatID:    "chat-1",
		Agent:     def,
		Budget:    budget,
		Query:     "hi",
	}, h.sink)
}

func (h *harness) last() protocol.Event {
	events := h.sink.Events()
	return events[len(events)-1]
}

func (h *harness) find(t protocol.EventType) []protocol.Event {
	var out []protocol.Event
	for _, e := range h.sink.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func agentDef(mode AgentMode, tools ...string) AgentDefinition {
	return AgentDefinition{
		ID:           "agent-1",
		Mode:         mode,
		Provider:     "fake",
		SystemPrompt: "You are helpful.",
		Tools:        tools,
	}
}

// noRetries keeps model and tool calls to one attempt each.
func noRetries() runctx.Budget {
	return runctx.Budget{
		Model: runctx.CallBudget{RetryCount: -1},
		Tool:  runctx.CallBudget{RetryCount: -1},
	}
}
