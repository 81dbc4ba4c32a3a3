package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentrun/internal/observability"
	"github.com/harun/agentrun/internal/tracing"
	"github.com/harun/agentrun/pkg/protocol"
)

// ErrRunNotFound is returned when a run has no stored events.
var ErrRunNotFound = errors.New("run not found in event log")

// RunInfo describes a logged run.
type RunInfo struct {
	RunID     string             `json:"runId"`
	AgentID   string             `json:"agentId,omitempty"`
	ChatID    string             `json:"chatId,omitempty"`
	StartedAt time.Time          `json:"startedAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
	LastSeq   int64              `json:"lastSeq"`
	Terminal  protocol.EventType `json:"terminal,omitempty"`
}

// Store is a replayable event log.
type Store interface {
	Append(ctx context.Context, info RunInfo, e protocol.Event) error
	Events(ctx context.Context, runID string, afterSeq int64, limit int) ([]protocol.Event, error)
	Run(ctx context.Context, runID string) (RunInfo, error)
	Prune(ctx context.Context, before time.Time) (int, error)
	// Sink appends every event published to it for info.RunID.
	Sink(ctx context.Context, info RunInfo) protocol.Sink
	Close() error
}

// Config configures a SQLiteStore.
type Config struct {
	// Path of the database file. Defaults to ~/.agentrun/events.db.
	Path   string
	Logger *zerolog.Logger
}

// SQLiteStore keeps events in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Open opens or creates the event log database.
func Open(cfg Config) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	path := cfg.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".agentrun", "events.db")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create event log directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	// One writer; sqlite serializes writes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger := log.With().Str("component", "eventlog").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "eventlog").Logger()
	}

	s := &SQLiteStore{db: db, path: path, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("Event log opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_seq INTEGER NOT NULL DEFAULT 0,
			terminal TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at);

		CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			ts INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append stores e for info.RunID. Storing a seq twice is an error.
func (s *SQLiteStore) Append(ctx context.Context, info RunInfo, e protocol.Event) (err error) {
	defer func() { observability.RecordEventStored(err == nil) }()

	if info.RunID == "" {
		return fmt.Errorf("run id cannot be empty")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, type, ts, payload) VALUES (?, ?, ?, ?, ?)`,
		info.RunID, e.Seq, string(e.Type), e.TimestampMs, string(payload),
	); err != nil {
		return fmt.Errorf("insert event %s/%d: %w", info.RunID, e.Seq, err)
	}

	terminal := ""
	if e.Type.IsTerminal() {
		terminal = string(e.Type)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, agent_id, chat_id, started_at, updated_at, last_seq, terminal)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			last_seq = MAX(runs.last_seq, excluded.last_seq),
			terminal = CASE WHEN excluded.terminal != '' THEN excluded.terminal ELSE runs.terminal END`,
		info.RunID, info.AgentID, info.ChatID, e.TimestampMs, e.TimestampMs, e.Seq, terminal,
	); err != nil {
		return fmt.Errorf("upsert run %s: %w", info.RunID, err)
	}

	return tx.Commit()
}

// Events returns the events of runID with seq greater than afterSeq, in
// seq order. A limit of zero or less returns all of them.
func (s *SQLiteStore) Events(ctx context.Context, runID string, afterSeq int64, limit int) ([]protocol.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "agentrun/eventlog", "eventlog.replay",
		attribute.String("run.id", runID),
		attribute.Int64("after_seq", afterSeq),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	if _, err = s.Run(ctx, runID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, type, ts, payload FROM events WHERE run_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		runID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var (
			e       protocol.Event
			typ     string
			payload string
		)
		if err = rows.Scan(&e.Seq, &typ, &e.TimestampMs, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = protocol.EventType(typ)
		if err = json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", e.Seq, err)
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Run returns what the log knows about runID.
func (s *SQLiteStore) Run(ctx context.Context, runID string) (RunInfo, error) {
	var (
		info                 RunInfo
		terminal             string
		startedMs, updatedMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, agent_id, chat_id, started_at, updated_at, last_seq, terminal FROM runs WHERE run_id = ?`,
		runID,
	).Scan(&info.RunID, &info.AgentID, &info.ChatID, &startedMs, &updatedMs, &info.LastSeq, &terminal)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return RunInfo{}, fmt.Errorf("query run: %w", err)
	}
	info.StartedAt = time.UnixMilli(startedMs)
	info.UpdatedAt = time.UnixMilli(updatedMs)
	info.Terminal = protocol.EventType(terminal)
	return info, nil
}

// Prune deletes runs whose last event is older than before. Runs that have
// not terminated are kept.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	cutoff := before.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE run_id IN (SELECT run_id FROM runs WHERE updated_at < ? AND terminal != '')`,
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE updated_at < ? AND terminal != ''`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	n, _ := res.RowsAffected()
	observability.RecordRunsPruned(int(n))
	return int(n), nil
}

// Sink returns a sink that appends every event of one run. Write failures
// are logged; they never reach the run.
func (s *SQLiteStore) Sink(ctx context.Context, info RunInfo) protocol.Sink {
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("run_id", info.RunID).Logger()
	ctx = tracing.Detach(ctx)
	return protocol.SinkFunc(func(e protocol.Event) {
		if err := s.Append(ctx, info, e); err != nil {
			logger.Warn().Err(err).Int64("seq", e.Seq).Str("type", string(e.Type)).Msg("Failed to store event")
		}
	})
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
