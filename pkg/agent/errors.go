package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPlanStalled ends a PLAN_EXECUTE run that cannot make progress.
	ErrPlanStalled = errors.New("plan stalled")

	// ErrStreamTimeout is returned when a model stream exceeds its call timeout.
	ErrStreamTimeout = &codedError{code: "stream_timeout", msg: "model stream timed out"}

	// ErrToolRequired is returned when an agent that requires tools got none called.
	ErrToolRequired = &codedError{code: "model_error", msg: "model did not call a required tool"}

	// ErrUnknownProvider is returned for a provider name with no registration.
	ErrUnknownProvider = errors.New("unknown provider")
)

type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() string  { return e.code }

// PlanStalledError says where a plan stopped moving.
type PlanStalledError struct {
	Stage  string
	TaskID string
	Reason string
}

func (e *PlanStalledError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("plan stalled at %s stage, task %s: %s", e.Stage, e.TaskID, e.Reason)
	}
	return fmt.Sprintf("plan stalled at %s stage: %s", e.Stage, e.Reason)
}

func (e *PlanStalledError) Unwrap() error { return ErrPlanStalled }

// UserMessage is the text shown to the user when the run gives up.
func (e *PlanStalledError) UserMessage() string {
	if e.Stage == StagePlan {
		return "I could not work out a plan for this request. Please rephrase it or add more detail."
	}
	if e.TaskID != "" {
		return fmt.Sprintf("I stopped because task %s made no progress. The remaining tasks were not run.", e.TaskID)
	}
	return "I stopped because the plan made no progress."
}

// TaskFailedError ends a PLAN_EXECUTE run whose task was marked failed.
type TaskFailedError struct {
	TaskID string
	Reason string
}

func (e *TaskFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("task %s failed", e.TaskID)
	}
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Reason)
}

func (e *TaskFailedError) Code() string { return "task_failed" }

// ModelError wraps a provider failure that survived the retry policy.
type ModelError struct {
	Provider string
	Stage    string
	Attempts int
	Err      error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s model call (%s) failed after %d attempt(s): %v", e.Provider, e.Stage, e.Attempts, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }
func (e *ModelError) Code() string  { return "model_error" }

// IsRetryableError checks if a model call error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	// Network errors
	if strings.Contains(errMsg, "econnreset") || strings.Contains(errMsg, "etimedout") ||
		strings.Contains(errMsg, "connection reset") || strings.Contains(errMsg, "unexpected eof") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "overloaded") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504", "529"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}

	return false
}
