package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresJournal is an EventJournal backed by PostgreSQL.
//
// Ownership model:
//   - PostgresJournal does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a per-room transactional advisory lock, so seq allocation
//     is gap-free and strictly monotonic even with several writers.
type PostgresJournal struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresJournal behavior.
type PostgresOption func(*PostgresJournal) error

// WithSchema sets the DB schema used by this journal (default: "canon").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(j *PostgresJournal) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		j.schema = schema
		return nil
	}
}

// NewPostgresJournal constructs a Postgres-backed EventJournal.
func NewPostgresJournal(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresJournal, error) {
	j := &PostgresJournal{
		pool:   pool,
		schema: "canon",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(j); err != nil {
			return nil, err
		}
	}
	if j.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return j, nil
}

// Close is a no-op because the pool is owned by the caller.
func (j *PostgresJournal) Close() error { return nil }

// Append journals one event and allocates its room-local seq.
func (j *PostgresJournal) Append(ctx context.Context, in AppendEventInput) (StoredEvent, error) {
	if j == nil || j.pool == nil {
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

	tx, err := j.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return StoredEvent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(j.schema, "room_cursors")
	events := pgIdent(j.schema, "room_events")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return StoredEvent{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (room_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (room_id) DO NOTHING`,
		in.RoomID,
	); err != nil {
		return StoredEvent{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE room_id = $1
		RETURNING (next_seq - 1)`,
		in.RoomID,
	).Scan(&seq); err != nil {
		return StoredEvent{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+events+` (room_id, seq, event_id, raw, received_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		in.RoomID, seq, in.EventID, []byte(in.Raw), now,
	); err != nil {
		return StoredEvent{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return StoredEvent{}, err
	}

	return StoredEvent{
		RoomID:     in.RoomID,
		Seq:        seq,
		EventID:    in.EventID,
		Raw:        append([]byte(nil), in.Raw...),
		ReceivedAt: now,
	}, nil
}

// Load returns events ordered by seq ASC, paged by AfterSeq.
func (j *PostgresJournal) Load(ctx context.Context, in LoadEventsInput) (LoadEventsResult, error) {
	if j == nil || j.pool == nil {
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

	events := pgIdent(j.schema, "room_events")

	rows, err := j.pool.Query(ctx,
		`SELECT room_id, seq, event_id, raw, received_at
		   FROM `+events+`
		  WHERE room_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.RoomID, in.AfterSeq, fetch,
	)
	if err != nil {
		return LoadEventsResult{}, err
	}
	defer rows.Close()

	out := make([]StoredEvent, 0, fetch)
	for rows.Next() {
		ev, err := scanStoredEvent(rows)
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
func (j *PostgresJournal) Find(ctx context.Context, roomID, eventID string) (StoredEvent, bool, error) {
	if j == nil || j.pool == nil {
		return StoredEvent{}, false, errors.New("realtime: nil journal")
	}
	if roomID == "" {
		return StoredEvent{}, false, ErrRoomIDRequired
	}

	events := pgIdent(j.schema, "room_events")

	row := j.pool.QueryRow(ctx,
		`SELECT room_id, seq, event_id, raw, received_at
		   FROM `+events+`
		  WHERE room_id = $1 AND event_id = $2
		  ORDER BY seq DESC
		  LIMIT 1`,
		roomID, eventID,
	)
	ev, err := scanStoredEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredEvent{}, false, nil
	}
	if err != nil {
		return StoredEvent{}, false, err
	}
	return ev, true, nil
}

func scanStoredEvent(row pgx.Row) (StoredEvent, error) {
	var (
		ev  StoredEvent
		raw []byte
	)
	if err := row.Scan(&ev.RoomID, &ev.Seq, &ev.EventID, &raw, &ev.ReceivedAt); err != nil {
		return StoredEvent{}, err
	}
	ev.Raw = raw
	return ev, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
