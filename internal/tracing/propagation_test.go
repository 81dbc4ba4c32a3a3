package tracing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewContext(context.Background(), &TraceContext{TraceID: "t1", RunID: "r1", ChatID: "c1"})
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"t1"`)
	assert.Contains(t, out, `"run_id":"r1"`)
	assert.Contains(t, out, `"chat_id":"c1"`)
	assert.NotContains(t, out, "agent_id")
}

func TestMergeContext(t *testing.T) {
	target := WithRunID(context.Background(), "mine")
	source := NewContext(context.Background(), &TraceContext{TraceID: "t", RunID: "theirs", AgentID: "a"})

	merged := MergeContext(target, source)

	assert.Equal(t, "mine", GetRunID(merged))
	assert.Equal(t, "t", GetTraceID(merged))
	assert.Equal(t, "a", GetAgentID(merged))
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	parent = WithRunID(parent, "r1")
	cancel()

	detached := Detach(parent)

	assert.Error(t, parent.Err())
	assert.NoError(t, detached.Err())
	assert.Equal(t, "r1", GetRunID(detached))
}
