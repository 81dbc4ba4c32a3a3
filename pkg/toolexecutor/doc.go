// Package toolexecutor executes the tool calls a model turn plans.
//
// Invariants:
// - Tool names are unique within a Catalog.
// - Backend arguments are schema-validated before execution; invalid arguments are never retried.
// - Every dispatched call yields exactly one result, appended to every tracked transcript after its call.
// - A frontend call waits on a one-shot submission keyed by run and tool id.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	catalog := toolexecutor.NewCatalog()
//	catalog.AddExecutor(exec)
//	d := toolexecutor.NewDispatcher(toolexecutor.DispatcherConfig{Pool: pool, Executor: exec, Catalog: catalog})
package toolexecutor
