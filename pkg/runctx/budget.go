package runctx

import (
	"errors"
	"fmt"
	"time"
)

// CallBudget limits one class of calls (model or tool). Zero fields take
// the configured default; a negative RetryCount disables retries.
type CallBudget struct {
	MaxCalls   int   `json:"maxCalls" mapstructure:"max_calls"`
	TimeoutMs  int64 `json:"timeoutMs" mapstructure:"timeout_ms"`
	RetryCount int   `json:"retryCount" mapstructure:"retry_count"`
}

// Timeout returns the per-call timeout, zero when unbounded.
func (c CallBudget) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Attempts is the number of tries a call gets, the first one included.
func (c CallBudget) Attempts() int {
	if c.RetryCount < 0 {
		return 1
	}
	return c.RetryCount + 1
}

// Budget is the resource ceiling of a run. Zero limits are unbounded.
type Budget struct {
	RunTimeoutMs int64      `json:"runTimeoutMs" mapstructure:"run_timeout_ms"`
	Model        CallBudget `json:"model" mapstructure:"model"`
	Tool         CallBudget `json:"tool" mapstructure:"tool"`
}

// RunTimeout returns the wall-clock budget of the run.
func (b Budget) RunTimeout() time.Duration {
	return time.Duration(b.RunTimeoutMs) * time.Millisecond
}

// DefaultBudget returns the budget applied when a request does not bring one.
func DefaultBudget() Budget {
	return Budget{
		RunTimeoutMs: 10 * 60 * 1000,
		Model:        CallBudget{MaxCalls: 30, TimeoutMs: 120_000, RetryCount: 2},
		Tool:         CallBudget{MaxCalls: 50, TimeoutMs: 60_000, RetryCount: 2},
	}
}

// WithDefaults fills every zero field of b from d.
func (b Budget) WithDefaults(d Budget) Budget {
	if b.RunTimeoutMs == 0 {
		b.RunTimeoutMs = d.RunTimeoutMs
	}
	b.Model = b.Model.withDefaults(d.Model)
	b.Tool = b.Tool.withDefaults(d.Tool)
	return b
}

func (c CallBudget) withDefaults(d CallBudget) CallBudget {
	if c.MaxCalls == 0 {
		c.MaxCalls = d.MaxCalls
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = d.TimeoutMs
	}
	if c.RetryCount == 0 {
		c.RetryCount = d.RetryCount
	}
	return c
}

// BudgetKind names the limit that was hit.
type BudgetKind string

const (
	BudgetModelCalls BudgetKind = "model_calls"
	BudgetToolCalls  BudgetKind = "tool_calls"
	BudgetRunTimeout BudgetKind = "run_timeout"
)

// ErrBudgetExceeded is wrapped by every BudgetExceededError.
var ErrBudgetExceeded = errors.New("budget exceeded")

// BudgetExceededError ends a run. Used and Limit are call counts, or
// milliseconds for BudgetRunTimeout.
type BudgetExceededError struct {
	Kind  BudgetKind
	Used  int64
	Limit int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s: kind=%s used=%d limit=%d", ErrBudgetExceeded, e.Kind, e.Used, e.Limit)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

func (e *BudgetExceededError) Code() string { return "budget_exceeded" }

// BudgetGovernor answers whether the next call of a run may proceed. The
// run deadline is only checked when asked, at call boundaries.
type BudgetGovernor struct {
	budget  Budget
	started time.Time
	now     func() time.Time
}

// NewBudgetGovernor starts the run clock now.
func NewBudgetGovernor(b Budget, now func() time.Time) *BudgetGovernor {
	if now == nil {
		now = time.Now
	}
	return &BudgetGovernor{budget: b, started: now(), now: now}
}

// Budget returns the governed budget.
func (g *BudgetGovernor) Budget() Budget {
	return g.budget
}

// Elapsed returns the run's wall-clock time so far.
func (g *BudgetGovernor) Elapsed() time.Duration {
	return g.now().Sub(g.started)
}

// Remaining returns the time left before the run deadline, or -1 when unbounded.
func (g *BudgetGovernor) Remaining() time.Duration {
	if g.budget.RunTimeoutMs <= 0 {
		return -1
	}
	left := g.budget.RunTimeout() - g.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

// CheckDeadline fails once the run timeout has elapsed.
func (g *BudgetGovernor) CheckDeadline() error {
	if g.budget.RunTimeoutMs <= 0 {
		return nil
	}
	if elapsed := g.Elapsed(); elapsed >= g.budget.RunTimeout() {
		return &BudgetExceededError{Kind: BudgetRunTimeout, Used: elapsed.Milliseconds(), Limit: g.budget.RunTimeoutMs}
	}
	return nil
}

// CheckModelCall reports whether a model call may follow used earlier ones.
func (g *BudgetGovernor) CheckModelCall(used int) error {
	if err := g.CheckDeadline(); err != nil {
		return err
	}
	return checkCount(BudgetModelCalls, used, g.budget.Model.MaxCalls)
}

// CheckToolCall reports whether a tool call may follow used earlier ones.
func (g *BudgetGovernor) CheckToolCall(used int) error {
	if err := g.CheckDeadline(); err != nil {
		return err
	}
	return checkCount(BudgetToolCalls, used, g.budget.Tool.MaxCalls)
}

func checkCount(kind BudgetKind, used, limit int) error {
	if limit > 0 && used >= limit {
		return &BudgetExceededError{Kind: kind, Used: int64(used + 1), Limit: int64(limit)}
	}
	return nil
}
