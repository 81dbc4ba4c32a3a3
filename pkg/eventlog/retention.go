package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultSweepSpec runs the sweep daily at 03:00.
	DefaultSweepSpec = "0 3 * * *"
)

// RetentionSweeper prunes old runs from a Store on a cron schedule.
type RetentionSweeper struct {
	store     Store
	retention time.Duration
	spec      string
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	logger  zerolog.Logger
}

// NewRetentionSweeper creates a sweeper. Zero values take the defaults.
func NewRetentionSweeper(store Store, retention time.Duration, spec string) (*RetentionSweeper, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if spec == "" {
		spec = DefaultSweepSpec
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	return &RetentionSweeper{
		store:     store,
		retention: retention,
		spec:      spec,
		now:       time.Now,
		cron:      cron.New(cron.WithParser(parser)),
		logger:    log.With().Str("component", "eventlog-retention").Logger(),
	}, nil
}

// Start schedules the sweep and runs it once right away.
func (r *RetentionSweeper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("retention sweeper is already running")
	}
	if _, err := r.cron.AddFunc(r.spec, func() { r.sweep() }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	r.cron.Start()
	r.running = true

	go r.sweep()

	r.logger.Info().
		Str("schedule", r.spec).
		Dur("retention", r.retention).
		Msg("Event log retention started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *RetentionSweeper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	<-r.cron.Stop().Done()
	r.logger.Info().Msg("Event log retention stopped")
}

// Sweep deletes runs older than the retention window now.
func (r *RetentionSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.retention)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune event log: %w", err)
	}
	return n, nil
}

func (r *RetentionSweeper) sweep() {
	n, err := r.Sweep(context.Background())
	if err != nil {
		r.logger.Error().Err(err).Msg("Event log sweep failed")
		return
	}
	if n > 0 {
		r.logger.Info().Int("runs", n).Msg("Pruned old runs from event log")
	}
}
