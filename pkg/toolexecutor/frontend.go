package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/agentrun/internal/observability"
)

var (
	// ErrFrontendSubmitTimeout is returned when no submission arrived in time.
	ErrFrontendSubmitTimeout = errors.New("frontend submit timed out")
	// ErrAlreadySubmitted is returned for a second submission to the same call.
	ErrAlreadySubmitted = errors.New("frontend call already submitted")
	// ErrSubmitCancelled is returned to waiters of a cancelled run.
	ErrSubmitCancelled = errors.New("frontend wait cancelled")
	// ErrCallResolved is returned for a submission to a call whose wait
	// already ended, by submission, timeout or cancellation.
	ErrCallResolved = errors.New("frontend call already resolved")
)

type submitKey struct {
	runID  string
	toolID string
}

type pendingSubmit struct {
	ch        chan json.RawMessage
	submitted bool
	waiting   bool
	cancelled bool
	createdAt time.Time
}

// FrontendCoordinator pairs frontend tool calls with their out-of-band
// submissions. A submission may arrive before or after the wait starts.
type FrontendCoordinator struct {
	pending map[submitKey]*pendingSubmit
	// resolved remembers finished waits until orphanTTL so late
	// submissions are refused.
	resolved       map[submitKey]time.Time
	defaultTimeout time.Duration
	orphanTTL      time.Duration
	mu             sync.Mutex
}

// NewFrontendCoordinator creates a coordinator whose waits default to timeout.
func NewFrontendCoordinator(timeout time.Duration) *FrontendCoordinator {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &FrontendCoordinator{
		pending:        make(map[submitKey]*pendingSubmit),
		resolved:       make(map[submitKey]time.Time),
		defaultTimeout: timeout,
		orphanTTL:      10 * time.Minute,
	}
}

// SetDefaultTimeout sets the default timeout for frontend waits
func (fc *FrontendCoordinator) SetDefaultTimeout(timeout time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.defaultTimeout = timeout
}

// GetDefaultTimeout returns the default timeout
func (fc *FrontendCoordinator) GetDefaultTimeout() time.Duration {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.defaultTimeout
}

func (fc *FrontendCoordinator) entry(key submitKey) *pendingSubmit {
	p, ok := fc.pending[key]
	if !ok {
		p = &pendingSubmit{ch: make(chan json.RawMessage, 1), createdAt: time.Now()}
		fc.pending[key] = p
	}
	return p
}

// Await blocks until the submission for (runID, toolID) arrives, timeout
// elapses, ctx is done or the run is cancelled. A zero timeout uses the default.
func (fc *FrontendCoordinator) Await(ctx context.Context, runID, toolID string, timeout time.Duration) (json.RawMessage, error) {
	key := submitKey{runID: runID, toolID: toolID}

	fc.mu.Lock()
	if timeout <= 0 {
		timeout = fc.defaultTimeout
	}
	p := fc.entry(key)
	p.waiting = true
	fc.mu.Unlock()

	defer func() {
		fc.mu.Lock()
		if fc.pending[key] == p {
			delete(fc.pending, key)
		}
		fc.resolved[key] = time.Now()
		fc.mu.Unlock()
	}()

	observability.FrontendWaitStarted()
	defer observability.FrontendWaitFinished()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	log.Debug().
		Str("run_id", runID).
		Str("tool_id", toolID).
		Dur("timeout", timeout).
		Msg("Awaiting frontend submission")

	select {
	case payload, ok := <-p.ch:
		if !ok {
			return nil, ErrSubmitCancelled
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		log.Warn().
			Str("run_id", runID).
			Str("tool_id", toolID).
			Dur("timeout", timeout).
			Msg("Frontend submission timed out")
		return nil, fmt.Errorf("%w after %v", ErrFrontendSubmitTimeout, timeout)
	}
}

// Submit resolves the wait for (runID, toolID). Each call accepts one submission.
func (fc *FrontendCoordinator) Submit(runID, toolID string, payload json.RawMessage) error {
	if runID == "" || toolID == "" {
		return fmt.Errorf("runId and toolId are required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return fmt.Errorf("submission payload is not valid JSON")
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.sweepLocked(time.Now())

	key := submitKey{runID: runID, toolID: toolID}
	if _, done := fc.resolved[key]; done {
		return ErrCallResolved
	}
	p := fc.entry(key)
	if p.cancelled {
		return ErrSubmitCancelled
	}
	if p.submitted {
		return ErrAlreadySubmitted
	}
	p.submitted = true
	p.ch <- payload
	return nil
}

// CancelRun releases every pending wait of runID.
func (fc *FrontendCoordinator) CancelRun(runID string) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	released := 0
	for key, p := range fc.pending {
		if key.runID != runID {
			continue
		}
		if p.waiting && !p.submitted && !p.cancelled {
			close(p.ch)
			released++
		}
		p.cancelled = true
		if !p.waiting {
			delete(fc.pending, key)
		}
	}
	return released
}

// Pending returns the number of tracked calls.
func (fc *FrontendCoordinator) Pending() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.pending)
}

// sweepLocked drops early submissions nobody waited for and forgets
// waits that ended more than orphanTTL ago.
func (fc *FrontendCoordinator) sweepLocked(now time.Time) {
	for key, p := range fc.pending {
		if !p.waiting && now.Sub(p.createdAt) > fc.orphanTTL {
			delete(fc.pending, key)
		}
	}
	for key, at := range fc.resolved {
		if now.Sub(at) > fc.orphanTTL {
			delete(fc.resolved, key)
		}
	}
}
