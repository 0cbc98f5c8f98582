package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/consult-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one recorded step in a voice session's lifecycle.
type Event struct {
	ID         int64
	ConsultID  string
	Generation uint64
	Type       string
	State      string
	Detail     string
	CreatedAt  time.Time
}

// Session is a single generation of a consult's voice session.
type Session struct {
	ConsultID  string
	Generation uint64
	StartedAt  time.Time
	EndedAt    time.Time
	EndReason  string
}

// Store keeps the voice session timeline in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. Ephemeral mode returns
// a store that accepts writes and records nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS voice_sessions (
    consult_id TEXT NOT NULL,
    generation INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    end_reason TEXT,
    PRIMARY KEY (consult_id, generation)
);
CREATE TABLE IF NOT EXISTS voice_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    consult_id TEXT NOT NULL,
    generation INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    state TEXT,
    detail TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(consult_id, generation) REFERENCES voice_sessions(consult_id, generation) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_voice_events_consult ON voice_events(consult_id, id);
CREATE INDEX IF NOT EXISTS idx_voice_sessions_started ON voice_sessions(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendEvent records evt, creating the session row for its generation on
// first sight. Terminal event types also stamp the session's end.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.ConsultID == "" {
		return errors.New("event has no consult id")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	at := evt.CreatedAt.UTC().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO voice_sessions(consult_id, generation, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(consult_id, generation) DO NOTHING`,
		evt.ConsultID, int64(evt.Generation), at); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO voice_events(consult_id, generation, event_type, state, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.ConsultID, int64(evt.Generation), evt.Type, evt.State, evt.Detail, at); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if IsTerminal(evt.Type) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE voice_sessions SET ended_at = ?, end_reason = ?
			 WHERE consult_id = ? AND generation = ? AND ended_at IS NULL`,
			at, evt.Type, evt.ConsultID, int64(evt.Generation)); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
	}
	return tx.Commit()
}

// IsTerminal reports whether an event of type t ends its session generation.
func IsTerminal(t string) bool {
	switch t {
	case "removed", "swept", "race_lost":
		return true
	}
	return false
}

// ListSessionEvents returns up to limit events for a consult, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, consultID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, consult_id, generation, event_type, COALESCE(state, ''), COALESCE(detail, ''), created_at
		 FROM voice_events WHERE consult_id = ? ORDER BY id ASC LIMIT ?`, consultID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var gen, created int64
		if err := rows.Scan(&e.ID, &e.ConsultID, &gen, &e.Type, &e.State, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.Generation = uint64(gen)
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns the recorded generations for a consult, newest first.
func (s *Store) ListSessions(ctx context.Context, consultID string) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT consult_id, generation, started_at, ended_at, COALESCE(end_reason, '')
		 FROM voice_sessions WHERE consult_id = ? ORDER BY generation DESC`, consultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var gen, started int64
		var ended sql.NullInt64
		if err := rows.Scan(&sess.ConsultID, &gen, &started, &ended, &sess.EndReason); err != nil {
			return nil, err
		}
		sess.Generation = uint64(gen)
		sess.StartedAt = time.UnixMilli(started).UTC()
		if ended.Valid {
			sess.EndedAt = time.UnixMilli(ended.Int64).UTC()
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM voice_sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM voice_sessions WHERE rowid IN (
			SELECT rowid FROM voice_sessions ORDER BY started_at DESC, generation DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
