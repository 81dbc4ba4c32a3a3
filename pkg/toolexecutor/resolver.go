package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/agentrun/pkg/runctx"
)

// ArgumentResolver turns a planned call's raw arguments into the object the
// tool receives. Errors should wrap ErrInvalidArguments.
type ArgumentResolver interface {
	Resolve(ctx context.Context, call runctx.ToolCall, spec ToolSpec) (map[string]interface{}, error)
}

// ResolverFunc adapts a function to ArgumentResolver.
type ResolverFunc func(ctx context.Context, call runctx.ToolCall, spec ToolSpec) (map[string]interface{}, error)

func (f ResolverFunc) Resolve(ctx context.Context, call runctx.ToolCall, spec ToolSpec) (map[string]interface{}, error) {
	return f(ctx, call, spec)
}

// JSONResolver decodes the arguments as a JSON object. Blank arguments
// decode to an empty object.
type JSONResolver struct{}

func (JSONResolver) Resolve(_ context.Context, call runctx.ToolCall, _ ToolSpec) (map[string]interface{}, error) {
	raw := strings.TrimSpace(call.Arguments)
	if raw == "" {
		return map[string]interface{}{}, nil
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, call.Name, err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}
