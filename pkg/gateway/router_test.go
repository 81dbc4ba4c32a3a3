package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentrun/pkg/agent"
	"github.com/harun/agentrun/pkg/eventlog"
)

func constHandler(result interface{}) RequestHandler {
	return func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		return result, nil
	}
}

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		err := router.RegisterMethod("test.method", constHandler("result"))
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should replace existing method", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.replace", constHandler("result1")))
		require.NoError(t, router.RegisterMethod("test.replace", constHandler("result2")))

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.replace"})
		assert.Equal(t, "result2", resp.Result)
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		require.Error(t, err)
		assert.EqualError(t, err, "handler for test.nil cannot be nil")
		assert.False(t, router.HasMethod("test.nil"))
	})

	t.Run("should unregister method", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.gone", constHandler(nil)))
		router.UnregisterMethod("test.gone")
		assert.False(t, router.HasMethod("test.gone"))
		router.UnregisterMethod("non.existent")
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"run.start","params":{"query":"hi"},"idempotencyKey":"k1"}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "run.start", req.Method)
		assert.Equal(t, "hi", req.Params["query"])
		assert.Equal(t, "k1", req.IdempotencyKey)
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	t.Run("should reject malformed JSON", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{invalid json}`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, ParseError, rpcErr.Code)
	})

	t.Run("should reject request without id", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"method":"run.start"}`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "missing id")
	})

	t.Run("should reject request without method", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"id":"1"}`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "missing method")
	})
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	ctx := context.Background()
	router := NewRPCRouter()

	t.Run("should pass params and context to the handler", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.echo", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"echo": params["input"], "client": clientIDFromContext(ctx)}, nil
		}))

		resp := router.RouteRequest(withClientID(ctx, "client-1"), &RPCRequest{
			ID:     "1",
			Method: "test.echo",
			Params: map[string]interface{}{"input": "hello"},
		})
		assert.Equal(t, "1", resp.ID)
		require.Nil(t, resp.Error)
		result := resp.Result.(map[string]interface{})
		assert.Equal(t, "hello", result["echo"])
		assert.Equal(t, "client-1", result["client"])
	})

	t.Run("should return error for unknown method", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "unknown.method"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
		assert.Nil(t, resp.Result)
	})

	t.Run("should map handler errors to codes", func(t *testing.T) {
		cases := map[string]struct {
			err  error
			code int
		}{
			"plain":         {fmt.Errorf("handler error"), InternalError},
			"rpc":           {invalidParams("runId is required", nil), InvalidParams},
			"engine run":    {fmt.Errorf("submit: %w", agent.ErrRunNotFound), RunNotFound},
			"event log run": {fmt.Errorf("%w: run-9", eventlog.ErrRunNotFound), RunNotFound},
		}
		for name, tc := range cases {
			err := tc.err
			require.NoError(t, router.RegisterMethod("test."+name, func(context.Context, map[string]interface{}) (interface{}, error) {
				return nil, err
			}))
			resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test." + name})
			require.NotNil(t, resp.Error, name)
			assert.Equal(t, tc.code, resp.Error.Code, name)
		}
	})

	t.Run("should replay responses for a repeated idempotency key", func(t *testing.T) {
		calls := 0
		require.NoError(t, router.RegisterMethod("test.count", func(context.Context, map[string]interface{}) (interface{}, error) {
			calls++
			return calls, nil
		}))

		first := router.RouteRequest(ctx, &RPCRequest{ID: "a", Method: "test.count", IdempotencyKey: "key-1"})
		second := router.RouteRequest(ctx, &RPCRequest{ID: "b", Method: "test.count", IdempotencyKey: "key-1"})
		third := router.RouteRequest(ctx, &RPCRequest{ID: "c", Method: "test.count", IdempotencyKey: "key-2"})

		assert.Equal(t, 2, calls)
		assert.Equal(t, 1, first.Result)
		assert.Equal(t, 1, second.Result)
		assert.Equal(t, "b", second.ID)
		assert.Equal(t, 2, third.Result)
	})

	t.Run("should scope replays to the caller", func(t *testing.T) {
		calls := 0
		require.NoError(t, router.RegisterMethod("test.scoped", func(context.Context, map[string]interface{}) (interface{}, error) {
			calls++
			return calls, nil
		}))

		a := router.RouteRequest(withClientID(ctx, "client-a"), &RPCRequest{ID: "1", Method: "test.scoped", IdempotencyKey: "same"})
		b := router.RouteRequest(withClientID(ctx, "client-b"), &RPCRequest{ID: "1", Method: "test.scoped", IdempotencyKey: "same"})

		assert.Equal(t, 1, a.Result)
		assert.Equal(t, 2, b.Result)
	})

	t.Run("should not replay failures", func(t *testing.T) {
		calls := 0
		require.NoError(t, router.RegisterMethod("test.flaky", func(context.Context, map[string]interface{}) (interface{}, error) {
			calls++
			if calls == 1 {
				return nil, fmt.Errorf("transient")
			}
			return "ok", nil
		}))

		first := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.flaky", IdempotencyKey: "retry"})
		second := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "test.flaky", IdempotencyKey: "retry"})

		require.NotNil(t, first.Error)
		require.Nil(t, second.Error)
		assert.Equal(t, "ok", second.Result)
	})

	t.Run("should list registered methods", func(t *testing.T) {
		router := NewRPCRouter()
		assert.Empty(t, router.GetMethods())
		require.NoError(t, router.RegisterMethod("method1", constHandler(nil)))
		require.NoError(t, router.RegisterMethod("method2", constHandler(nil)))
		require.NoError(t, router.RegisterMethod("method0", constHandler(nil)))
		assert.Equal(t, []string{"method0", "method1", "method2"}, router.GetMethods())
	})
}

func TestReplayCache(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cache := newReplayCache(time.Minute, func() time.Time { return now })

	t.Run("should ignore requests without a key", func(t *testing.T) {
		cache.put("", RPCResponse{ID: "1"})
		_, ok := cache.get("")
		assert.False(t, ok)
		assert.Equal(t, 0, cache.size())
	})

	t.Run("should expire entries after the window", func(t *testing.T) {
		cache.put("k", RPCResponse{ID: "1", Result: "v"})
		got, ok := cache.get("k")
		require.True(t, ok)
		assert.Equal(t, "v", got.Result)

		now = now.Add(2 * time.Minute)
		_, ok = cache.get("k")
		assert.False(t, ok)
		assert.Equal(t, 0, cache.size())
	})

	t.Run("should sweep stale entries on write", func(t *testing.T) {
		cache.put("old", RPCResponse{ID: "1"})
		now = now.Add(2 * time.Minute)
		cache.put("new", RPCResponse{ID: "2"})
		assert.Equal(t, 1, cache.size())
	})
}
