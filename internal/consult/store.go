package consult

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/loqalabs/consult-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Store keeps consult messages in SQLite, one row per message keyed by
// <convId>-<msgId>.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, cfg config.ConsultStoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log.With(slog.String("component", "consult-store")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS consult_messages (
    id TEXT PRIMARY KEY,
    conv_id INTEGER NOT NULL,
    msg_id INTEGER NOT NULL,
    sender_email TEXT,
    received_at INTEGER NOT NULL,
    msg_type TEXT NOT NULL,
    snippet TEXT NOT NULL,
    payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_consult_messages_conv ON consult_messages(conv_id, msg_id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init consult schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces msg.
func (s *Store) Save(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = Key(msg.ConvID, msg.MsgID)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.clock().UTC()
	}
	msgType := msg.Payload.MsgType
	if msgType == "" {
		msgType = "text"
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO consult_messages(id, conv_id, msg_id, sender_email, received_at, msg_type, snippet, payload)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   conv_id=excluded.conv_id, msg_id=excluded.msg_id, sender_email=excluded.sender_email,
		   received_at=excluded.received_at, msg_type=excluded.msg_type, snippet=excluded.snippet,
		   payload=excluded.payload`,
		msg.ID, msg.ConvID, msg.MsgID, msg.SenderEmail, msg.ReceivedAt.UTC().UnixMilli(),
		msgType, snippet(msg.Payload.MsgText), payload)
	if err != nil {
		return fmt.Errorf("save consult %s: %w", msg.ID, err)
	}
	return nil
}

// Get returns the message stored under id together with every message of its
// conversation. It returns ErrNotFound when id is unknown.
func (s *Store) Get(ctx context.Context, id string) (Consult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conv_id, msg_id, COALESCE(sender_email, ''), received_at, payload
		 FROM consult_messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Consult{}, ErrNotFound
	}
	if err != nil {
		return Consult{}, fmt.Errorf("load consult %s: %w", id, err)
	}

	thread, err := s.conversation(ctx, msg.ConvID)
	if err != nil {
		return Consult{}, err
	}
	return Consult{Message: msg, Thread: thread}, nil
}

func (s *Store) conversation(ctx context.Context, convID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conv_id, msg_id, COALESCE(sender_email, ''), received_at, payload
		 FROM consult_messages WHERE conv_id = ? ORDER BY msg_id ASC`, convID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %d: %w", convID, err)
	}
	defer rows.Close()

	var thread []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("load conversation %d: %w", convID, err)
		}
		thread = append(thread, msg)
	}
	return thread, rows.Err()
}

// List summarizes every conversation by its newest message, most recently
// received first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conv_id, msg_id, COALESCE(sender_email, ''), received_at, msg_type, snippet
		 FROM consult_messages ORDER BY conv_id, msg_id`)
	if err != nil {
		return nil, fmt.Errorf("list consults: %w", err)
	}
	defer rows.Close()

	byConv := make(map[int64]*Summary)
	for rows.Next() {
		var (
			sum      Summary
			received int64
		)
		if err := rows.Scan(&sum.ConvID, &sum.LatestMsgID, &sum.SenderEmail, &received, &sum.MsgType, &sum.Snippet); err != nil {
			return nil, fmt.Errorf("list consults: %w", err)
		}
		sum.ReceivedAt = time.UnixMilli(received).UTC()
		sum.ID = Key(sum.ConvID, sum.LatestMsgID)

		existing, ok := byConv[sum.ConvID]
		if !ok {
			sum.MessageCount = 1
			byConv[sum.ConvID] = &sum
			continue
		}
		count := existing.MessageCount + 1
		if sum.LatestMsgID > existing.LatestMsgID || sum.ReceivedAt.After(existing.ReceivedAt) {
			*existing = sum
		}
		existing.MessageCount = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list consults: %w", err)
	}

	out := make([]Summary, 0, len(byConv))
	for _, sum := range byConv {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ConvID > out[j].ConvID
	})
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (Message, error) {
	var (
		msg      Message
		received int64
		payload  []byte
	)
	if err := row.Scan(&msg.ID, &msg.ConvID, &msg.MsgID, &msg.SenderEmail, &received, &payload); err != nil {
		return Message{}, err
	}
	msg.ReceivedAt = time.UnixMilli(received).UTC()
	if err := json.Unmarshal(payload, &msg.Payload); err != nil {
		return Message{}, fmt.Errorf("decode payload: %w", err)
	}
	return msg, nil
}
