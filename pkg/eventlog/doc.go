// Package eventlog persists the event stream of every run so it can be
// replayed after the fact or resumed by a reconnecting client.
//
// Invariants:
// - Events are keyed by (run_id, seq); a seq is stored at most once.
// - Replay returns events in seq order.
// - Runs older than the retention window are deleted by the sweeper.
//
// Usage:
//
//	store, _ := eventlog.Open(eventlog.Config{Path: "/tmp/agentrun/events.db"})
//	sink := store.Sink(ctx, eventlog.RunInfo{RunID: "run-1", AgentID: "agent-1"})
//	_, _ = engine.Run(ctx, req, sink)
//	events, _ := store.Events(ctx, "run-1", 0, 0)
//	_ = events
package eventlog
