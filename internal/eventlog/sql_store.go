package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// dialect captures the differences between the SQL engines the store runs on.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of '?'
	numbered bool
	// lockStream serializes appenders of one stream inside a transaction.
	lockStream        func(ctx context.Context, tx *sql.Tx, streamID string) error
	isUniqueViolation func(err error) bool
}

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	lockStream: func(ctx context.Context, tx *sql.Tx, streamID string) error {
		_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", streamID)
		return err
	},
	isUniqueViolation: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == "23505"
	},
}

// SQLite write transactions are opened with _txlock=immediate, which takes the
// database write lock up front; no per-stream lock is needed.
var sqliteDialect = dialect{
	name: "sqlite3",
	isUniqueViolation: func(err error) bool {
		var sqErr sqlite3.Error
		if !errors.As(err, &sqErr) {
			return false
		}
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	},
}

// SQLStore persists streams and snapshots in a SQL database.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenPostgres connects through pgx, applies pending migrations, and returns a
// store. dsn must be a postgres:// URL so the migration runner can use it too.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("eventlog: DATABASE_URL is not set")
	}
	if err := Migrate(DriverPostgres, dsn, "up"); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: postgresDialect}, nil
}

// OpenSQLite opens (creating if needed) the database file at path, applies
// pending migrations, and returns a store.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("eventlog: sqlite path is not set")
	}
	if err := Migrate(DriverSQLite, "sqlite3://"+path, "up"); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; concurrent appenders queue on the pool.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: sqliteDialect}, nil
}

// DB exposes the underlying handle for collaborators sharing the database.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites '?' placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Append(ctx context.Context, streamID string, expected int64, events []Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, ErrEmptyAppend
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventlog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect.lockStream != nil {
		if err := s.dialect.lockStream(ctx, tx, streamID); err != nil {
			return nil, fmt.Errorf("eventlog: lock stream: %w", err)
		}
	}

	var head int64
	if err := tx.QueryRowContext(ctx,
		s.rebind("SELECT COALESCE(MAX(sequence), 0) FROM events WHERE stream_id = ?"),
		streamID,
	).Scan(&head); err != nil {
		return nil, fmt.Errorf("eventlog: read head: %w", err)
	}
	if err := checkVersion(streamID, expected, head); err != nil {
		return nil, err
	}

	insert := s.rebind(`INSERT INTO events
		(id, stream_id, sequence, event_type, aggregate_id, aggregate_type, payload, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	out := make([]Event, len(events))
	for i, ev := range events {
		ev.StreamID = streamID
		ev.Sequence = head + int64(i) + 1
		ev.Payload = nullableJSON(ev.Payload)
		meta, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, insert,
			ev.ID, ev.StreamID, ev.Sequence, ev.Type, ev.AggregateID, ev.AggregateType,
			string(ev.Payload), string(meta), ev.Metadata.Timestamp.UnixNano(),
		); err != nil {
			if s.dialect.isUniqueViolation(err) {
				return nil, &ConcurrencyError{StreamID: streamID, Expected: expected, Actual: head}
			}
			return nil, fmt.Errorf("eventlog: insert: %w", err)
		}
		out[i] = ev
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.isUniqueViolation(err) {
			return nil, &ConcurrencyError{StreamID: streamID, Expected: expected, Actual: head}
		}
		return nil, fmt.Errorf("eventlog: commit: %w", err)
	}
	return out, nil
}

const selectEvents = `SELECT id, stream_id, sequence, event_type, aggregate_id, aggregate_type, payload, metadata FROM events`

func (s *SQLStore) ReadStream(ctx context.Context, streamID string, from, to int64) ([]Event, error) {
	query := selectEvents + " WHERE stream_id = ? AND sequence >= ?"
	args := []any{streamID, from}
	if to > 0 {
		query += " AND sequence <= ?"
		args = append(args, to)
	}
	query += " ORDER BY sequence"
	return s.queryEvents(ctx, s.rebind(query), args...)
}

func (s *SQLStore) ReadAggregate(ctx context.Context, aggregateID, aggregateType string, from int64) ([]Event, error) {
	query := selectEvents + " WHERE aggregate_id = ? AND aggregate_type = ? AND sequence >= ? ORDER BY sequence, stream_id"
	return s.queryEvents(ctx, s.rebind(query), aggregateID, aggregateType, from)
}

func (s *SQLStore) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev            Event
			payload, meta string
		)
		if err := rows.Scan(&ev.ID, &ev.StreamID, &ev.Sequence, &ev.Type,
			&ev.AggregateID, &ev.AggregateType, &payload, &meta); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("eventlog: decode metadata of %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO snapshots
		(aggregate_id, aggregate_type, version, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id, aggregate_type) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			created_at = excluded.created_at`),
		snap.AggregateID, snap.AggregateType, snap.Version,
		string(nullableJSON(snap.State)), snap.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("eventlog: save snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadSnapshot(ctx context.Context, aggregateID, aggregateType string) (*Snapshot, error) {
	var (
		snap      Snapshot
		state     string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT aggregate_id, aggregate_type, version, state, created_at
		FROM snapshots WHERE aggregate_id = ? AND aggregate_type = ?`),
		aggregateID, aggregateType,
	).Scan(&snap.AggregateID, &snap.AggregateType, &snap.Version, &state, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: load snapshot: %w", err)
	}
	snap.State = json.RawMessage(state)
	snap.CreatedAt = time.Unix(0, createdAt).UTC()
	return &snap, nil
}
