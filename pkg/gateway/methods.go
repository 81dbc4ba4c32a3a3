package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/harun/agentrun/internal/observability"
	"github.com/harun/agentrun/internal/tracing"
	"github.com/harun/agentrun/pkg/agent"
	"github.com/harun/agentrun/pkg/eventlog"
	"github.com/harun/agentrun/pkg/protocol"
	"github.com/harun/agentrun/pkg/runctx"
	"github.com/harun/agentrun/pkg/toolexecutor"
)

func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("run.start", s.handleRunStart)
	_ = s.RegisterMethod("run.submit", s.handleRunSubmit)
	_ = s.RegisterMethod("run.cancel", s.handleRunCancel)
	_ = s.RegisterMethod("run.events", s.handleRunEvents)
	_ = s.RegisterMethod("runs.active", s.handleRunsActive)
	_ = s.RegisterMethod("tools.list", s.handleToolsList)
	_ = s.RegisterMethod("agents.list", s.handleAgentsList)
	_ = s.RegisterMethod("clients.list", s.handleClientsList)
}

// decodeParams maps JSON-RPC params onto a typed struct.
func decodeParams(params map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return invalidParams("invalid params", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("invalid params", err)
	}
	return nil
}

type startParams struct {
	AgentID    string                 `json:"agentId"`
	Agent      *agent.AgentDefinition `json:"agent"`
	RunID      string                 `json:"runId"`
	ChatID     string                 `json:"chatId"`
	ChatName   string                 `json:"chatName"`
	RequestID  string                 `json:"requestId"`
	Query      string                 `json:"query"`
	Transcript []runctx.Message       `json:"transcript"`
	Budget     runctx.Budget          `json:"budget"`

	// Wait holds the response until the run ends and returns its result.
	Wait bool `json:"wait"`
}

func (s *Server) resolveAgent(p startParams) (agent.AgentDefinition, error) {
	if p.Agent != nil {
		return *p.Agent, nil
	}
	if p.AgentID == "" {
		return agent.AgentDefinition{}, invalidParams("agentId or agent is required", nil)
	}
	def, ok := s.agents[p.AgentID]
	if !ok {
		return agent.AgentDefinition{}, invalidParams("unknown agent: "+p.AgentID, nil)
	}
	return def, nil
}

func (s *Server) isActive(runID string) bool {
	for _, run := range s.engine.ActiveRuns() {
		if run.RunID == runID {
			return true
		}
	}
	return false
}

// handleRunStart starts a run. A WebSocket caller is subscribed to its events
// before the first one is emitted. Unless wait is set the response returns
// as soon as the run is accepted.
func (s *Server) handleRunStart(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p startParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	def, err := s.resolveAgent(p)
	if err != nil {
		return nil, err
	}
	if p.Query == "" && len(p.Transcript) == 0 {
		return nil, invalidParams("query or transcript is required", nil)
	}

	req := agent.RunRequest{
		RequestID:  p.RequestID,
		RunID:      p.RunID,
		ChatID:     p.ChatID,
		ChatName:   p.ChatName,
		Agent:      def,
		Budget:     p.Budget,
		Transcript: p.Transcript,
		Query:      p.Query,
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	} else if s.isActive(req.RunID) {
		return nil, &RPCError{Code: InvalidRequest, Message: "run already active: " + req.RunID}
	}
	if req.ChatID == "" {
		req.ChatID = uuid.NewString()
		req.NewChat = true
	}
	if err := s.engine.Check(req); err != nil {
		return nil, invalidParams(err.Error(), nil)
	}

	clientID := clientIDFromContext(ctx)
	if clientID != "" {
		s.clients.Subscribe(clientID, req.RunID, true)
	}

	var store protocol.Sink
	info := eventlog.RunInfo{RunID: req.RunID, AgentID: def.ID, ChatID: req.ChatID}
	if s.events != nil {
		store = s.events.Sink(ctx, info)
	}
	sink := protocol.Fanout(store, s.broadcaster.RunSink(req.RunID))

	logger := tracing.LoggerFromContext(ctx, s.logger).With().
		Str("run_id", req.RunID).
		Str("agent_id", def.ID).
		Logger()
	observability.RecordRunAudit(ctx, "run.start", actor(ctx), req.RunID, "accepted")

	accepted := map[string]interface{}{
		"runId":  req.RunID,
		"chatId": req.ChatID,
	}

	if p.Wait {
		s.runs.Add(1)
		defer s.runs.Done()
		result, err := s.engine.Run(ctx, req, sink)
		s.clients.ReleaseRun(req.RunID)
		if result == nil {
			return nil, err
		}
		accepted["result"] = result
		if err != nil {
			accepted["error"] = map[string]interface{}{
				"code":    protocol.ErrorCode(err),
				"message": err.Error(),
			}
		}
		return accepted, nil
	}

	runCtx := tracing.MergeContext(s.runCtx, ctx)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.clients.ReleaseRun(req.RunID)

		result, err := s.engine.Run(runCtx, req, sink)
		if err != nil && result == nil {
			logger.Error().Err(err).Msg("Run did not start")
		}
	}()

	accepted["status"] = "started"
	return accepted, nil
}

type submitParams struct {
	RunID   string          `json:"runId"`
	ToolID  string          `json:"toolId"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleRunSubmit(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p submitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.RunID == "" || p.ToolID == "" {
		return nil, invalidParams("runId and toolId are required", nil)
	}

	if err := s.engine.Submit(p.RunID, p.ToolID, p.Payload); err != nil {
		observability.RecordSubmitAudit(ctx, actor(ctx), p.RunID, p.ToolID, "rejected")
		if errors.Is(err, agent.ErrRunNotFound) {
			return nil, err
		}
		return nil, &RPCError{Code: InvalidRequest, Message: err.Error()}
	}
	observability.RecordSubmitAudit(ctx, actor(ctx), p.RunID, p.ToolID, "accepted")
	return map[string]interface{}{"runId": p.RunID, "toolId": p.ToolID, "accepted": true}, nil
}

type runParams struct {
	RunID string `json:"runId"`
}

func (s *Server) handleRunCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p runParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.RunID == "" {
		return nil, invalidParams("runId is required", nil)
	}

	cancelled := s.engine.Cancel(p.RunID)
	status := "cancelled"
	if !cancelled {
		status = "not_active"
	}
	observability.RecordRunAudit(ctx, "run.cancel", actor(ctx), p.RunID, status)
	return map[string]interface{}{"runId": p.RunID, "cancelled": cancelled}, nil
}

type eventsParams struct {
	RunID    string `json:"runId"`
	AfterSeq int64  `json:"afterSeq"`
	Limit    int    `json:"limit"`

	// Follow subscribes a WebSocket caller to the run's live events.
	// Replayed and live events may overlap; clients drop seqs they have.
	Follow bool `json:"follow"`
}

func (s *Server) handleRunEvents(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if s.events == nil {
		return nil, &RPCError{Code: EventLogDisabled, Message: "event log is disabled"}
	}
	var p eventsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.RunID == "" {
		return nil, invalidParams("runId is required", nil)
	}
	if p.AfterSeq < 0 {
		return nil, invalidParams("afterSeq cannot be negative", nil)
	}

	clientID := clientIDFromContext(ctx)
	following := p.Follow && clientID != "" && s.isActive(p.RunID)
	if following {
		following = s.clients.Subscribe(clientID, p.RunID, false)
	}

	events, err := s.events.Events(ctx, p.RunID, p.AfterSeq, p.Limit)
	if err != nil && !(following && errors.Is(err, eventlog.ErrRunNotFound)) {
		if following {
			s.clients.Unsubscribe(clientID, p.RunID)
		}
		return nil, err
	}
	if events == nil {
		events = []protocol.Event{}
	}

	result := map[string]interface{}{
		"runId":     p.RunID,
		"events":    events,
		"following": following,
	}
	if info, err := s.events.Run(ctx, p.RunID); err == nil {
		result["lastSeq"] = info.LastSeq
		result["terminal"] = info.Terminal
	}
	return result, nil
}

func (s *Server) handleRunsActive(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	runs := s.engine.ActiveRuns()
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return map[string]interface{}{"runs": runs}, nil
}

func (s *Server) handleToolsList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	tools := []toolexecutor.ToolSpec{}
	if s.tools != nil {
		tools = s.tools.List()
	}
	return map[string]interface{}{"tools": tools}, nil
}

func (s *Server) handleAgentsList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	agents := make([]agent.AgentDefinition, 0, len(s.agents))
	for _, def := range s.agents {
		agents = append(agents, def)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return map[string]interface{}{"agents": agents}, nil
}

func (s *Server) handleClientsList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"clients": s.GetConnectedClients()}, nil
}
