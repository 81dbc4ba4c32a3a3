// Package agent runs agents: it streams model turns, dispatches the tool
// calls they plan and turns everything into a run's protocol event stream.
//
// Invariants:
// - A run is driven by one goroutine; its RunContext is never shared.
// - Model and tool calls are budget-checked before they start.
// - Every run that began ends with exactly one terminal event.
//
// Usage:
//
//	registry := agent.NewProviderRegistry()
//	_ = registry.RegisterConfigs([]agent.ProviderConfig{{Name: "openai", APIKey: key}})
//	engine, _ := agent.NewEngine(agent.EngineConfig{Providers: registry, Dispatcher: dispatcher})
//	result, _ := engine.Run(ctx, agent.RunRequest{
//		Agent: agent.AgentDefinition{ID: "helper", Mode: agent.ModeReact, Provider: "openai"},
//		Query: "hello",
//	}, sink)
//	_ = result
package agent
