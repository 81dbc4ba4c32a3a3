package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentrun/pkg/agent"
	"github.com/harun/agentrun/pkg/eventlog"
	"github.com/harun/agentrun/pkg/protocol"
	"github.com/harun/agentrun/pkg/toolexecutor"
)

const testSecret = "test-secret"

// fakeEngine emits run.start, one content delta and a terminal event.
type fakeEngine struct {
	mu        sync.Mutex
	runs      map[string]context.CancelFunc
	started   []agent.RunRequest
	cancelled []string
	submitted []string
	checkErr  error
	// block holds runs open until cancelled.
	block bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{runs: make(map[string]context.CancelFunc)}
}

func (f *fakeEngine) Check(agent.RunRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkErr
}

func (f *fakeEngine) set(block bool, checkErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block, f.checkErr = block, checkErr
}

func (f *fakeEngine) Run(ctx context.Context, req agent.RunRequest, sink protocol.Sink) (*agent.RunResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.runs[req.RunID] = cancel
	f.started = append(f.started, req)
	block := f.block
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.runs, req.RunID)
		f.mu.Unlock()
		cancel()
	}()

	now := time.Now().UnixMilli()
	sink.Publish(protocol.Event{Seq: 1, Type: protocol.EventRunStart, TimestampMs: now, Payload: protocol.Payload{"runId": req.RunID}})
	sink.Publish(protocol.Event{Seq: 2, Type: protocol.EventContentDelta, TimestampMs: now, Payload: protocol.Payload{"delta": "hello"}})
	if block {
		<-ctx.Done()
		sink.Publish(protocol.Event{Seq: 3, Type: protocol.EventRunCancel, TimestampMs: now, Payload: protocol.Payload{"runId": req.RunID}})
		return &agent.RunResult{RunID: req.RunID, Outcome: agent.OutcomeCancelled, LastSeq: 3}, nil
	}
	sink.Publish(protocol.Event{Seq: 3, Type: protocol.EventRunComplete, TimestampMs: now, Payload: protocol.Payload{"finishReason": "stop"}})
	return &agent.RunResult{RunID: req.RunID, Outcome: agent.OutcomeCompleted, FinishReason: "stop", FinalText: "hello", LastSeq: 3}, nil
}

func (f *fakeEngine) Cancel(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cancel, ok := f.runs[runID]
	if !ok {
		return false
	}
	cancel()
	f.cancelled = append(f.cancelled, runID)
	return true
}

func (f *fakeEngine) Submit(runID, toolID string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", agent.ErrRunNotFound, runID)
	}
	f.submitted = append(f.submitted, toolID+"="+string(payload))
	return nil
}

func (f *fakeEngine) ActiveRuns() []agent.ActiveRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	runs := make([]agent.ActiveRun, 0, len(f.runs))
	for id := range f.runs {
		runs = append(runs, agent.ActiveRun{RunID: id, AgentID: "helper"})
	}
	return runs
}

func (f *fakeEngine) snapshot() (started int, cancelled, submitted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started), append([]string(nil), f.cancelled...), append([]string(nil), f.submitted...)
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	engine *fakeEngine
	store  *eventlog.SQLiteStore
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	store, err := eventlog.Open(eventlog.Config{Path: filepath.Join(t.TempDir(), "events.db")})
	require.NoError(t, err)

	catalog := toolexecutor.NewCatalog()
	require.NoError(t, catalog.Register(toolexecutor.ToolSpec{Name: "search", Description: "Search the web"}))

	engine := newFakeEngine()
	cfg := Config{
		SharedSecret:       testSecret,
		TickInterval:       -1,
		ShutdownTimeout:    2 * time.Second,
		CancelOnDisconnect: true,
		Engine:             engine,
		Tools:              catalog,
		Events:             store,
		Agents:             []agent.AgentDefinition{{ID: "helper", Mode: agent.ModeOneShot, Provider: "fake"}},
		Logger:             zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop()
		ts.Close()
		store.Close()
	})
	return &testEnv{server: srv, http: ts, engine: engine, store: store}
}

func (e *testEnv) call(t *testing.T, method string, params map[string]interface{}, idempotencyKey string) RPCResponse {
	t.Helper()
	body, err := json.Marshal(RPCRequest{ID: "req-1", Method: method, Params: params, JSONRPC: "2.0", IdempotencyKey: idempotencyKey})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func resultMap(t *testing.T, resp RPCResponse) map[string]interface{} {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	m, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	return m
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.http.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) dialAuthenticated(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := e.dial(t)

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)
	require.Equal(t, ProtocolVersion, challenge.Protocol)
	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: Sign(testSecret, challenge.Challenge),
		Protocol:  ProtocolVersion,
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	var frame map[string]interface{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestNewServer(t *testing.T) {
	engine := newFakeEngine()

	t.Run("should require a secret and an engine", func(t *testing.T) {
		_, err := NewServer(Config{Engine: engine})
		assert.Error(t, err)
		_, err = NewServer(Config{SharedSecret: testSecret})
		assert.Error(t, err)
	})

	t.Run("should reject invalid or duplicate agents", func(t *testing.T) {
		_, err := NewServer(Config{SharedSecret: testSecret, Engine: engine, Agents: []agent.AgentDefinition{{ID: "a"}}})
		assert.Error(t, err)

		def := agent.AgentDefinition{ID: "a", Mode: agent.ModeReact, Provider: "fake"}
		_, err = NewServer(Config{SharedSecret: testSecret, Engine: engine, Agents: []agent.AgentDefinition{def, def}})
		assert.ErrorContains(t, err, "duplicate agent")
	})
}

func TestServer_HTTP(t *testing.T) {
	t.Run("should reject a missing secret", func(t *testing.T) {
		env := newTestEnv(t, nil)
		resp, err := http.Post(env.http.URL+"/rpc", "application/json", strings.NewReader(`{"id":"1","method":"tools.list"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should report health", func(t *testing.T) {
		env := newTestEnv(t, nil)
		resp, err := http.Get(env.http.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, float64(0), body["activeRuns"])
	})

	t.Run("should run to completion and replay from the log", func(t *testing.T) {
		env := newTestEnv(t, nil)

		result := resultMap(t, env.call(t, "run.start", map[string]interface{}{
			"agentId": "helper",
			"query":   "hi",
			"wait":    true,
		}, ""))
		runID, _ := result["runId"].(string)
		require.NotEmpty(t, runID)
		assert.NotEmpty(t, result["chatId"])
		run := result["result"].(map[string]interface{})
		assert.Equal(t, agent.OutcomeCompleted, run["outcome"])

		replay := resultMap(t, env.call(t, "run.events", map[string]interface{}{"runId": runID, "afterSeq": 1}, ""))
		events := replay["events"].([]interface{})
		require.Len(t, events, 2)
		assert.Equal(t, string(protocol.EventContentDelta), events[0].(map[string]interface{})["type"])
		assert.Equal(t, float64(3), replay["lastSeq"])
		assert.Equal(t, string(protocol.EventRunComplete), replay["terminal"])
		assert.Equal(t, false, replay["following"])
	})

	t.Run("should validate run.start params", func(t *testing.T) {
		env := newTestEnv(t, nil)

		cases := map[string]map[string]interface{}{
			"no agent":      {"query": "hi"},
			"unknown agent": {"agentId": "nobody", "query": "hi"},
			"no input":      {"agentId": "helper"},
			"bad budget":    {"agentId": "helper", "query": "hi", "budget": "lots"},
		}
		for name, params := range cases {
			resp := env.call(t, "run.start", params, "")
			require.NotNil(t, resp.Error, name)
			assert.Equal(t, InvalidParams, resp.Error.Code, name)
		}

		env.engine.set(false, errors.New("unknown provider: fake"))
		resp := env.call(t, "run.start", map[string]interface{}{"agentId": "helper", "query": "hi"}, "")
		require.NotNil(t, resp.Error)
		assert.Contains(t, resp.Error.Message, "unknown provider")
		started, _, _ := env.engine.snapshot()
		assert.Zero(t, started)
	})

	t.Run("should accept inline agents", func(t *testing.T) {
		env := newTestEnv(t, nil)
		result := resultMap(t, env.call(t, "run.start", map[string]interface{}{
			"agent": map[string]interface{}{"id": "inline", "mode": "REACT", "provider": "fake"},
			"query": "hi",
			"wait":  true,
		}, ""))
		assert.NotNil(t, result["result"])
	})

	t.Run("should replay run.start for a repeated idempotency key", func(t *testing.T) {
		env := newTestEnv(t, nil)
		params := map[string]interface{}{"agentId": "helper", "query": "hi", "wait": true}

		first := resultMap(t, env.call(t, "run.start", params, "start-1"))
		second := resultMap(t, env.call(t, "run.start", params, "start-1"))

		assert.Equal(t, first["runId"], second["runId"])
		started, _, _ := env.engine.snapshot()
		assert.Equal(t, 1, started)
	})

	t.Run("should submit to and cancel an active run", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.engine.set(true, nil)

		result := resultMap(t, env.call(t, "run.start", map[string]interface{}{"agentId": "helper", "query": "hi"}, ""))
		assert.Equal(t, "started", result["status"])
		runID := result["runId"].(string)
		require.Eventually(t, func() bool { return len(env.engine.ActiveRuns()) == 1 }, 2*time.Second, 10*time.Millisecond)

		submitted := resultMap(t, env.call(t, "run.submit", map[string]interface{}{
			"runId":   runID,
			"toolId":  "call_1",
			"payload": map[string]interface{}{"ok": true},
		}, ""))
		assert.Equal(t, true, submitted["accepted"])

		cancelled := resultMap(t, env.call(t, "run.cancel", map[string]interface{}{"runId": runID}, ""))
		assert.Equal(t, true, cancelled["cancelled"])
		require.Eventually(t, func() bool { return len(env.engine.ActiveRuns()) == 0 }, 2*time.Second, 10*time.Millisecond)

		_, _, subs := env.engine.snapshot()
		assert.Equal(t, []string{`call_1={"ok":true}`}, subs)

		require.Eventually(t, func() bool {
			info, err := env.store.Run(context.Background(), runID)
			return err == nil && info.Terminal == protocol.EventRunCancel
		}, 2*time.Second, 10*time.Millisecond)

		again := resultMap(t, env.call(t, "run.cancel", map[string]interface{}{"runId": runID}, ""))
		assert.Equal(t, false, again["cancelled"])
	})

	t.Run("should report unknown runs", func(t *testing.T) {
		env := newTestEnv(t, nil)

		resp := env.call(t, "run.submit", map[string]interface{}{"runId": "nope", "toolId": "call_1"}, "")
		require.NotNil(t, resp.Error)
		assert.Equal(t, RunNotFound, resp.Error.Code)

		resp = env.call(t, "run.events", map[string]interface{}{"runId": "nope"}, "")
		require.NotNil(t, resp.Error)
		assert.Equal(t, RunNotFound, resp.Error.Code)
	})

	t.Run("should refuse replay without an event log", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *Config) { cfg.Events = nil })
		resp := env.call(t, "run.events", map[string]interface{}{"runId": "run-1"}, "")
		require.NotNil(t, resp.Error)
		assert.Equal(t, EventLogDisabled, resp.Error.Code)
	})

	t.Run("should list tools and agents", func(t *testing.T) {
		env := newTestEnv(t, nil)

		tools := resultMap(t, env.call(t, "tools.list", nil, ""))["tools"].([]interface{})
		require.Len(t, tools, 1)
		assert.Equal(t, "search", tools[0].(map[string]interface{})["name"])

		agents := resultMap(t, env.call(t, "agents.list", nil, ""))["agents"].([]interface{})
		require.Len(t, agents, 1)
		assert.Equal(t, "helper", agents[0].(map[string]interface{})["id"])
	})
}

func TestServer_WebSocket(t *testing.T) {
	t.Run("should require authentication", func(t *testing.T) {
		env := newTestEnv(t, nil)
		conn := env.dial(t)

		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))
		require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "tools.list"}))

		var resp RPCResponse
		require.NoError(t, conn.ReadJSON(&resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, AuthenticationRequired, resp.Error.Code)
	})

	t.Run("should close after too many bad signatures", func(t *testing.T) {
		env := newTestEnv(t, nil)
		conn := env.dial(t)

		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))
		for i := 0; i < MaxAuthAttempts; i++ {
			require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bad"}))
			var result AuthResult
			require.NoError(t, conn.ReadJSON(&result))
			assert.False(t, result.Success)
		}

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
	})

	t.Run("should reject an incompatible protocol", func(t *testing.T) {
		env := newTestEnv(t, nil)
		conn := env.dial(t)

		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))
		require.NoError(t, conn.WriteJSON(AuthResponse{
			Method:    "auth.response",
			Signature: Sign(testSecret, challenge.Challenge),
			Protocol:  "2.0.0",
		}))

		var result AuthResult
		require.NoError(t, conn.ReadJSON(&result))
		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "not compatible")

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
	})

	t.Run("should stream run events to the caller", func(t *testing.T) {
		env := newTestEnv(t, nil)
		conn := env.dialAuthenticated(t)

		require.NoError(t, conn.WriteJSON(RPCRequest{
			ID:     "start-1",
			Method: "run.start",
			Params: map[string]interface{}{"agentId": "helper", "query": "hi"},
		}))

		var (
			response map[string]interface{}
			types    []string
		)
		for response == nil || len(types) < 3 {
			frame := readFrame(t, conn)
			if frame["id"] == "start-1" {
				response = frame
				continue
			}
			require.Equal(t, "event", frame["type"])
			event := frame["event"].(map[string]interface{})
			types = append(types, event["type"].(string))
			assert.Equal(t, float64(len(types)), event["seq"])
		}

		runID := response["result"].(map[string]interface{})["runId"]
		assert.NotEmpty(t, runID)
		assert.Equal(t, []string{"run.start", "content.delta", "run.complete"}, types)
	})

	t.Run("should cancel owned runs when the client leaves", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.engine.set(true, nil)
		conn := env.dialAuthenticated(t)

		require.NoError(t, conn.WriteJSON(RPCRequest{
			ID:     "start-1",
			Method: "run.start",
			Params: map[string]interface{}{"agentId": "helper", "query": "hi", "runId": "run-owned"},
		}))
		require.Eventually(t, func() bool { return len(env.engine.ActiveRuns()) == 1 }, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, conn.Close())
		require.Eventually(t, func() bool {
			_, cancelled, _ := env.engine.snapshot()
			return len(cancelled) == 1 && cancelled[0] == "run-owned"
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("should rate limit each client", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *Config) {
			cfg.RateLimit = RateLimit{RequestsPerMinute: 1, Burst: 1, MaxConcurrent: 5}
		})
		conn := env.dialAuthenticated(t)

		require.NoError(t, conn.WriteJSON(RPCRequest{ID: "a", Method: "tools.list"}))
		require.NoError(t, conn.WriteJSON(RPCRequest{ID: "b", Method: "tools.list"}))

		byID := map[string]map[string]interface{}{}
		for len(byID) < 2 {
			frame := readFrame(t, conn)
			id, _ := frame["id"].(string)
			byID[id] = frame
		}
		assert.Nil(t, byID["a"]["error"])
		rejected := byID["b"]["error"].(map[string]interface{})
		assert.Equal(t, float64(RateLimitExceeded), rejected["code"])
	})
}
