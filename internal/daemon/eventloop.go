package daemon

import (
	"context"
	"time"
)

// EventLoop runs periodic maintenance while the daemon is up.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: 30 * time.Second,
	}
}

// Run runs the event loop until ctx is done
func (e *EventLoop) Run(ctx context.Context) {
	logger := e.daemon.logger.Component("eventloop")
	logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks logs pool and run activity.
func (e *EventLoop) processTasks(_ context.Context) {
	logger := e.daemon.logger.Component("eventloop")

	for lane, laneStats := range e.daemon.pool.GetStats() {
		if laneStats["queued"] > 0 || laneStats["running"] > 0 {
			logger.Debug().
				Str("lane", lane).
				Int("queued", laneStats["queued"]).
				Int("running", laneStats["running"]).
				Msg("Queue stats")
		}
	}

	if runs := e.daemon.engine.ActiveRuns(); len(runs) > 0 {
		logger.Debug().
			Int("active_runs", len(runs)).
			Int("frontend_waits", e.daemon.frontend.Pending()).
			Msg("Run stats")
	}
}

// HandleShutdown waits briefly for running tool calls to finish.
func (e *EventLoop) HandleShutdown() {
	logger := e.daemon.logger.Component("eventloop")
	logger.Info().Msg("Handling graceful shutdown")

	if e.daemon.pool.WaitForActive(5 * time.Second) {
		logger.Info().Msg("All active tasks completed")
	} else {
		logger.Warn().Msg("Tasks still running at shutdown")
	}
}
