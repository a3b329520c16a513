package realtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteJournalSchema = `
CREATE TABLE IF NOT EXISTS room_events (
  room_id     TEXT    NOT NULL,
  seq         INTEGER NOT NULL,
  event_id    TEXT    NOT NULL,
  raw         BLOB    NOT NULL,
  received_at INTEGER NOT NULL,
  PRIMARY KEY (room_id, seq)
);
CREATE INDEX IF NOT EXISTS room_events_event_id_idx ON room_events (room_id, event_id, seq);
`

// SQLiteJournal is an EventJournal stored in a single SQLite file, for
// single-node deployments without Postgres.
//
// Unlike PostgresJournal it owns its handle: Close closes the database.
// The handle is limited to one connection, which serializes seq allocation.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens (or creates) the journal at path and applies its
// schema.
func OpenSQLiteJournal(ctx context.Context, path string) (*SQLiteJournal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("realtime: sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteJournalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Close closes the SQLite handle.
func (j *SQLiteJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append journals one event and allocates its room-local seq.
func (j *SQLiteJournal) Append(ctx context.Context, in AppendEventInput) (StoredEvent, error) {
	if j == nil || j.db == nil {
		return StoredEvent{}, errors.New("realtime: nil journal")
	}
	if err := validateAppend(in); err != nil {
		return StoredEvent{}, err
	}
	if err := ctx.Err(); err != nil {
		return StoredEvent{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return StoredEvent{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM room_events WHERE room_id = ?`,
		in.RoomID,
	).Scan(&seq); err != nil {
		return StoredEvent{}, fmt.Errorf("next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_events (room_id, seq, event_id, raw, received_at) VALUES (?, ?, ?, ?, ?)`,
		in.RoomID, seq, in.EventID, []byte(in.Raw), now.UTC().UnixMilli(),
	); err != nil {
		return StoredEvent{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return StoredEvent{}, err
	}

	return StoredEvent{
		RoomID:     in.RoomID,
		Seq:        seq,
		EventID:    in.EventID,
		Raw:        append([]byte(nil), in.Raw...),
		ReceivedAt: time.UnixMilli(now.UTC().UnixMilli()).UTC(),
	}, nil
}

// Load returns events ordered by seq ASC, paged by AfterSeq.
func (j *SQLiteJournal) Load(ctx context.Context, in LoadEventsInput) (LoadEventsResult, error) {
	if j == nil || j.db == nil {
		return LoadEventsResult{}, errors.New("realtime: nil journal")
	}
	if in.RoomID == "" {
		return LoadEventsResult{}, ErrRoomIDRequired
	}
	if err := ctx.Err(); err != nil {
		return LoadEventsResult{}, err
	}

	limit := clampLoadLimit(in.Limit)
	fetch := limit + 1

	rows, err := j.db.QueryContext(ctx,
		`SELECT room_id, seq, event_id, raw, received_at
		   FROM room_events
		  WHERE room_id = ? AND seq > ?
		  ORDER BY seq ASC
		  LIMIT ?`,
		in.RoomID, in.AfterSeq, fetch,
	)
	if err != nil {
		return LoadEventsResult{}, err
	}
	defer rows.Close()

	out := make([]StoredEvent, 0, fetch)
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return LoadEventsResult{}, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return LoadEventsResult{}, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return LoadEventsResult{Events: out, HasMore: hasMore}, nil
}

// Find returns the most recently journaled event with the given id.
func (j *SQLiteJournal) Find(ctx context.Context, roomID, eventID string) (StoredEvent, bool, error) {
	if j == nil || j.db == nil {
		return StoredEvent{}, false, errors.New("realtime: nil journal")
	}
	if roomID == "" {
		return StoredEvent{}, false, ErrRoomIDRequired
	}

	row := j.db.QueryRowContext(ctx,
		`SELECT room_id, seq, event_id, raw, received_at
		   FROM room_events
		  WHERE room_id = ? AND event_id = ?
		  ORDER BY seq DESC
		  LIMIT 1`,
		roomID, eventID,
	)
	ev, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredEvent{}, false, nil
	}
	if err != nil {
		return StoredEvent{}, false, err
	}
	return ev, true, nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row sqlScanner) (StoredEvent, error) {
	var (
		ev     StoredEvent
		raw    []byte
		millis int64
	)
	if err := row.Scan(&ev.RoomID, &ev.Seq, &ev.EventID, &raw, &millis); err != nil {
		return StoredEvent{}, err
	}
	ev.Raw = raw
	ev.ReceivedAt = time.UnixMilli(millis).UTC()
	return ev, nil
}
