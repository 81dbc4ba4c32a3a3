// Package commandqueue is the bounded worker pool backend tool calls run on.
//
// Invariants:
// - Tasks in the same lane start in FIFO order.
// - At most the lane's concurrency runs at once; lanes run independently.
// - Submit never blocks on execution: the caller holds a Future and may
//   stop waiting at any time, e.g. on a per-call timeout.
// - A task whose context is done before it starts is never executed.
//
// Usage:
//
//	pool := commandqueue.New(commandqueue.Config{Lanes: map[string]int{"tools": 8}})
//	if err := pool.Start(); err != nil { ... }
//	defer pool.Close(5 * time.Second)
//	future, err := pool.Submit(ctx, "tools", task, nil)
//	value, err := future.Wait(ctx)
package commandqueue
