package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns baseLogger enriched with the tracing fields found in ctx.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	c := baseLogger.With()

	if tc.TraceID != "" {
		c = c.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		c = c.Str("run_id", tc.RunID)
	}
	if tc.AgentID != "" {
		c = c.Str("agent_id", tc.AgentID)
	}
	if tc.ChatID != "" {
		c = c.Str("chat_id", tc.ChatID)
	}
	if tc.RequestID != "" {
		c = c.Str("request_id", tc.RequestID)
	}

	return c.Logger()
}

// MergeContext copies tracing fields from source that target does not carry yet.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.RunID != "" && GetRunID(target) == "" {
		target = WithRunID(target, tc.RunID)
	}
	if tc.AgentID != "" && GetAgentID(target) == "" {
		target = WithAgentID(target, tc.AgentID)
	}
	if tc.ChatID != "" && GetChatID(target) == "" {
		target = WithChatID(target, tc.ChatID)
	}
	if tc.RequestID != "" && GetRequestID(target) == "" {
		target = WithRequestID(target, tc.RequestID)
	}

	return target
}

// Detach returns a background context carrying ctx's tracing fields.
// Runs started from a gateway request outlive the request itself.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
