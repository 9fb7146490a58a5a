// Package calllog keeps a SQLite history of calls and their phase
// transitions. It is fed by the call driver's observer hook and read by the
// control surface.
package calllog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Jubbery/simli-facetime-app/internal/call"
	"github.com/Jubbery/simli-facetime-app/internal/config"
)

// recordTimeout bounds one observer write.
const recordTimeout = 2 * time.Second

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Call summarises one call.
type Call struct {
	ID          string           `json:"call_id"`
	SessionID   string           `json:"session_id,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at,omitzero"`
	LastPhase   call.Phase       `json:"last_phase"`
	FailureKind call.FailureKind `json:"failure_kind,omitempty"`
	Error       string           `json:"error,omitempty"`
	ReachedLive bool             `json:"reached_live"`
}

// Store wraps a SQLite-backed call history.
type Store struct {
	db    *sql.DB
	cfg   config.CallLogConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store. An empty path opens a private in-memory
// database that lives as long as the store.
func Open(ctx context.Context, cfg config.CallLogConfig, log *slog.Logger) (*Store, error) {
	var dsn string
	if cfg.Path == "" {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	} else {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("calllog: create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog: open sqlite: %w", err)
	}
	// One writer; keeps the in-memory database alive on a single connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("calllog: ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("calllog: init schema: %w", err)
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("calllog: prune on start failed", "err", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS calls (
    call_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL,
    ended_at TEXT,
    last_phase TEXT NOT NULL,
    last_seq INTEGER NOT NULL DEFAULT 0,
    failure_kind TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    reached_live INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS call_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    call_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    phase TEXT NOT NULL,
    failure_kind TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    at TEXT NOT NULL,
    FOREIGN KEY(call_id) REFERENCES calls(call_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_call_events_call_seq ON call_events(call_id, seq);
CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	// Databases written before last_seq existed.
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('calls') WHERE name = 'last_seq'`).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = s.db.ExecContext(ctx, `ALTER TABLE calls ADD COLUMN last_seq INTEGER NOT NULL DEFAULT 0`)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("calllog: ping: %w", err)
	}
	return nil
}

// Record stores one transition. The call row is created on its first event
// and updated by every later one.
//
// Observers run outside the driver lock, so transitions of one call can
// arrive out of order. The call's last phase follows the highest Seq seen and
// its start time the earliest event, whatever the arrival order.
func (s *Store) Record(ctx context.Context, ev call.Event) (err error) {
	if ev.CallID == "" {
		return errors.New("calllog: event without call id")
	}
	at := ev.At
	if at.IsZero() {
		at = s.clock()
	}
	ts := formatTime(at)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("calllog: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	live := 0
	if ev.Phase == call.PhaseLive {
		live = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO calls(call_id, session_id, started_at, last_phase, last_seq, reached_live)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO UPDATE SET
		   session_id = CASE WHEN excluded.session_id <> '' THEN excluded.session_id ELSE calls.session_id END,
		   started_at = MIN(calls.started_at, excluded.started_at),
		   last_phase = CASE WHEN excluded.last_seq >= calls.last_seq THEN excluded.last_phase ELSE calls.last_phase END,
		   last_seq = MAX(calls.last_seq, excluded.last_seq),
		   reached_live = MAX(calls.reached_live, excluded.reached_live)`,
		ev.CallID, ev.SessionID, ts, ev.Phase.String(), int64(ev.Seq), live)
	if err != nil {
		return fmt.Errorf("calllog: upsert call: %w", err)
	}

	if ev.Kind != call.FailureNone {
		_, err = tx.ExecContext(ctx,
			`UPDATE calls SET failure_kind = ?, error = COALESCE(NULLIF(?, ''), error) WHERE call_id = ?`,
			string(ev.Kind), ev.Message, ev.CallID)
		if err != nil {
			return fmt.Errorf("calllog: record failure: %w", err)
		}
	}
	if ev.Phase == call.PhaseIdle {
		_, err = tx.ExecContext(ctx, `UPDATE calls SET ended_at = ? WHERE call_id = ?`, ts, ev.CallID)
		if err != nil {
			return fmt.Errorf("calllog: record end: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO call_events(call_id, seq, phase, failure_kind, message, detail, at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		ev.CallID, int64(ev.Seq), ev.Phase.String(), string(ev.Kind), ev.Message, ev.Detail, ts)
	if err != nil {
		return fmt.Errorf("calllog: insert event: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("calllog: commit: %w", err)
	}
	if ev.Phase == call.PhaseIdle && s.cfg.Retain > 0 {
		if err := s.Prune(ctx); err != nil {
			s.log.Warn("calllog: prune failed", "err", err)
		}
	}
	return nil
}

// Observer returns a driver observer that records every transition. Write
// failures are logged. Delivery order is not guaranteed; see [Store.Record].
func (s *Store) Observer() call.Observer {
	return func(ev call.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.Record(ctx, ev); err != nil {
			s.log.Warn("calllog: record event failed", "call_id", ev.CallID, "phase", ev.Phase, "err", err)
		}
	}
}

// Recent returns up to limit calls, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, session_id, started_at, ended_at, last_phase, failure_kind, error, reached_live
		 FROM calls ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("calllog: query calls: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var (
			c              Call
			started, phase string
			kind           string
			ended          sql.NullString
			live           int
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &started, &ended, &phase, &kind, &c.Error, &live); err != nil {
			return nil, fmt.Errorf("calllog: scan call: %w", err)
		}
		c.StartedAt = parseTime(started)
		if ended.Valid {
			c.EndedAt = parseTime(ended.String)
		}
		if err := c.LastPhase.UnmarshalText([]byte(phase)); err != nil {
			s.log.Warn("calllog: unknown phase in history", "call_id", c.ID, "phase", phase)
		}
		c.FailureKind = call.FailureKind(kind)
		c.ReachedLive = live != 0
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// Events returns the recorded transitions of one call in order.
func (s *Store) Events(ctx context.Context, callID string) ([]call.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.seq, e.phase, e.failure_kind, e.message, e.detail, e.at, c.session_id
		 FROM call_events e JOIN calls c ON c.call_id = e.call_id
		 WHERE e.call_id = ? ORDER BY e.seq ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("calllog: query events: %w", err)
	}
	defer rows.Close()

	var events []call.Event
	for rows.Next() {
		var (
			ev              call.Event
			seq             int64
			phase, kind, at string
		)
		if err := rows.Scan(&seq, &phase, &kind, &ev.Message, &ev.Detail, &at, &ev.SessionID); err != nil {
			return nil, fmt.Errorf("calllog: scan event: %w", err)
		}
		ev.CallID = callID
		ev.Seq = uint64(seq)
		_ = ev.Phase.UnmarshalText([]byte(phase))
		ev.Kind = call.FailureKind(kind)
		ev.At = parseTime(at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune keeps the newest Retain calls. It is a no-op when Retain is zero.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.Retain <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM calls WHERE call_id IN (
			SELECT call_id FROM calls ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.Retain)
	if err != nil {
		return fmt.Errorf("calllog: prune: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
