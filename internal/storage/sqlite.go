package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS pulls (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT    NOT NULL UNIQUE,
    rates      TEXT    NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pulls_created_at_idx ON pulls (created_at DESC, seq DESC);

CREATE TABLE IF NOT EXISTS events (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT    NOT NULL UNIQUE,
    rate_id     TEXT    NOT NULL,
    rate_name   TEXT    NOT NULL,
    old_value   TEXT,
    new_value   TEXT    NOT NULL,
    description TEXT    NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_rate_created_idx ON events (rate_id, created_at DESC, seq DESC);

CREATE TABLE IF NOT EXISTS notifications (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT    NOT NULL UNIQUE,
    rate_id         TEXT    NOT NULL,
    rate_name       TEXT    NOT NULL,
    triggered_rules TEXT    NOT NULL,
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_rate_created_idx ON notifications (rate_id, created_at DESC, seq DESC);
`

// SQLiteStore persists the three logs in an embedded SQLite file. Timestamps
// are stored as unix nanoseconds so ordering is numeric.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the SQLite database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database.sqlite_path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(0)

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying DB handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// EnsureSchema creates the tables when missing.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertPull(ctx context.Context, pull Pull) error {
	rates, err := json.Marshal(pull.Rates)
	if err != nil {
		return fmt.Errorf("marshal pull rates: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pulls (id, rates, created_at) VALUES (?, ?, ?)`,
		pull.ID, string(rates), pull.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert pull: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestPull(ctx context.Context) (Pull, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, rates, created_at FROM pulls ORDER BY created_at DESC, seq DESC LIMIT 1`)
	pull, err := scanSQLitePull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Pull{}, ErrNotFound
	}
	if err != nil {
		return Pull{}, fmt.Errorf("latest pull: %w", err)
	}
	return pull, nil
}

func (s *SQLiteStore) ListRecentPulls(ctx context.Context, limit int) ([]Pull, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rates, created_at FROM pulls ORDER BY created_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent pulls: %w", err)
	}
	defer rows.Close()
	return collectSQLitePulls(rows)
}

func (s *SQLiteStore) ListPullsBetween(ctx context.Context, from, to time.Time) ([]Pull, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rates, created_at FROM pulls WHERE created_at >= ? AND created_at < ? ORDER BY created_at, seq`,
		from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list pulls between: %w", err)
	}
	defer rows.Close()
	return collectSQLitePulls(rows)
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, event Event) error {
	var oldValue interface{}
	if event.OldValue.Valid {
		oldValue = event.OldValue.Decimal.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, rate_id, rate_name, old_value, new_value, description, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RateID, event.RateName, oldValue, event.NewValue.String(),
		event.Description, event.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestEvent(ctx context.Context, rateID string) (Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, rate_id, rate_name, old_value, new_value, description, created_at
         FROM events WHERE rate_id = ? ORDER BY created_at DESC, seq DESC LIMIT 1`, rateID)
	event, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("latest event: %w", err)
	}
	return event, nil
}

func (s *SQLiteStore) ListRecentEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rate_id, rate_name, old_value, new_value, description, created_at
         FROM events ORDER BY created_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		event, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) InsertNotification(ctx context.Context, note Notification) error {
	ids := note.TriggeredRuleIDs
	if ids == nil {
		ids = []string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal triggered rules: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, rate_id, rate_name, triggered_rules, created_at) VALUES (?, ?, ?, ?, ?)`,
		note.ID, note.RateID, note.RateName, string(encoded), note.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestNotification(ctx context.Context, rateID string) (Notification, error) {
	var (
		note    Notification
		encoded string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, rate_id, rate_name, triggered_rules, created_at
         FROM notifications WHERE rate_id = ? ORDER BY created_at DESC, seq DESC LIMIT 1`, rateID,
	).Scan(&note.ID, &note.RateID, &note.RateName, &encoded, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, fmt.Errorf("latest notification: %w", err)
	}
	if err := json.Unmarshal([]byte(encoded), &note.TriggeredRuleIDs); err != nil {
		return Notification{}, fmt.Errorf("decode triggered rules: %w", err)
	}
	note.CreatedAt = time.Unix(0, created).UTC()
	return note, nil
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func collectSQLitePulls(rows *sql.Rows) ([]Pull, error) {
	pulls := make([]Pull, 0)
	for rows.Next() {
		pull, err := scanSQLitePull(rows)
		if err != nil {
			return nil, err
		}
		pulls = append(pulls, pull)
	}
	return pulls, rows.Err()
}

func scanSQLitePull(row sqliteScanner) (Pull, error) {
	var (
		pull    Pull
		rates   string
		created int64
	)
	if err := row.Scan(&pull.ID, &rates, &created); err != nil {
		return Pull{}, err
	}
	if err := json.Unmarshal([]byte(rates), &pull.Rates); err != nil {
		return Pull{}, fmt.Errorf("decode pull rates: %w", err)
	}
	pull.CreatedAt = time.Unix(0, created).UTC()
	return pull, nil
}

func scanSQLiteEvent(row sqliteScanner) (Event, error) {
	var (
		event    Event
		oldValue sql.NullString
		newValue string
		created  int64
	)
	if err := row.Scan(
		&event.ID,
		&event.RateID,
		&event.RateName,
		&oldValue,
		&newValue,
		&event.Description,
		&created,
	); err != nil {
		return Event{}, err
	}
	event.CreatedAt = time.Unix(0, created).UTC()

	var old *string
	if oldValue.Valid {
		old = &oldValue.String
	}
	return finishEvent(event, old, newValue)
}

var _ Store = (*SQLiteStore)(nil)
