package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	postgresSchemaSQL = `
    CREATE TABLE IF NOT EXISTS pulls (
        seq        BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
        id         TEXT        NOT NULL UNIQUE,
        rates      JSONB       NOT NULL,
        created_at TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS pulls_created_at_idx ON pulls (created_at DESC, seq DESC);

    CREATE TABLE IF NOT EXISTS events (
        seq         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
        id          TEXT        NOT NULL UNIQUE,
        rate_id     TEXT        NOT NULL,
        rate_name   TEXT        NOT NULL,
        old_value   NUMERIC,
        new_value   NUMERIC     NOT NULL,
        description TEXT        NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS events_rate_created_idx ON events (rate_id, created_at DESC, seq DESC);

    CREATE TABLE IF NOT EXISTS notifications (
        seq             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
        id              TEXT        NOT NULL UNIQUE,
        rate_id         TEXT        NOT NULL,
        rate_name       TEXT        NOT NULL,
        triggered_rules TEXT[]      NOT NULL,
        created_at      TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS notifications_rate_created_idx ON notifications (rate_id, created_at DESC, seq DESC);`

	insertPullSQL = `INSERT INTO pulls (id, rates, created_at) VALUES ($1, $2, $3);`

	latestPullSQL = `SELECT id, rates, created_at
    FROM pulls
    ORDER BY created_at DESC, seq DESC
    LIMIT 1;`

	listRecentPullsSQL = `SELECT id, rates, created_at
    FROM pulls
    ORDER BY created_at DESC, seq DESC
    LIMIT $1;`

	listPullsBetweenSQL = `SELECT id, rates, created_at
    FROM pulls
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at, seq;`

	insertEventSQL = `INSERT INTO events (
        id,
        rate_id,
        rate_name,
        old_value,
        new_value,
        description,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	latestEventSQL = `SELECT
        id,
        rate_id,
        rate_name,
        old_value::text,
        new_value::text,
        description,
        created_at
    FROM events
    WHERE rate_id = $1
    ORDER BY created_at DESC, seq DESC
    LIMIT 1;`

	listRecentEventsSQL = `SELECT
        id,
        rate_id,
        rate_name,
        old_value::text,
        new_value::text,
        description,
        created_at
    FROM events
    ORDER BY created_at DESC, seq DESC
    LIMIT $1;`

	insertNotificationSQL = `INSERT INTO notifications (
        id,
        rate_id,
        rate_name,
        triggered_rules,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	latestNotificationSQL = `SELECT id, rate_id, rate_name, triggered_rules, created_at
    FROM notifications
    WHERE rate_id = $1
    ORDER BY created_at DESC, seq DESC
    LIMIT 1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresStore persists pulls, events and notifications in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertPull appends a pull snapshot.
func (s *PostgresStore) InsertPull(ctx context.Context, pull Pull) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	rates, err := json.Marshal(pull.Rates)
	if err != nil {
		return fmt.Errorf("marshal pull rates: %w", err)
	}

	if _, err := pool.Exec(ctx, insertPullSQL, pull.ID, rates, pull.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert pull: %w", err)
	}
	return nil
}

// LatestPull returns the current pull or ErrNotFound.
func (s *PostgresStore) LatestPull(ctx context.Context) (Pull, error) {
	pool, err := s.getPool()
	if err != nil {
		return Pull{}, err
	}

	pull, err := scanPull(pool.QueryRow(ctx, latestPullSQL))
	if errors.Is(err, pgx.ErrNoRows) {
		return Pull{}, ErrNotFound
	}
	if err != nil {
		return Pull{}, fmt.Errorf("latest pull: %w", err)
	}
	return pull, nil
}

// ListRecentPulls lists pulls newest first.
func (s *PostgresStore) ListRecentPulls(ctx context.Context, limit int) ([]Pull, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPullsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent pulls: %w", queryErr)
	}
	defer rows.Close()

	return collectPulls(rows)
}

// ListPullsBetween lists pulls within [from, to) oldest first.
func (s *PostgresStore) ListPullsBetween(ctx context.Context, from, to time.Time) ([]Pull, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPullsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list pulls between: %w", queryErr)
	}
	defer rows.Close()

	return collectPulls(rows)
}

// InsertEvent appends a change event.
func (s *PostgresStore) InsertEvent(ctx context.Context, event Event) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var oldValue interface{}
	if event.OldValue.Valid {
		oldValue = event.OldValue.Decimal.String()
	}

	_, execErr := pool.Exec(ctx, insertEventSQL,
		event.ID,
		event.RateID,
		event.RateName,
		oldValue,
		event.NewValue.String(),
		event.Description,
		event.CreatedAt.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("insert event: %w", execErr)
	}
	return nil
}

// LatestEvent returns the newest event for rateID or ErrNotFound.
func (s *PostgresStore) LatestEvent(ctx context.Context, rateID string) (Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return Event{}, err
	}

	event, err := scanEvent(pool.QueryRow(ctx, latestEventSQL, rateID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("latest event: %w", err)
	}
	return event, nil
}

// ListRecentEvents lists events newest first.
func (s *PostgresStore) ListRecentEvents(ctx context.Context, limit int) ([]Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		event, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, event)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// InsertNotification appends a notification record.
func (s *PostgresStore) InsertNotification(ctx context.Context, note Notification) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	rules := note.TriggeredRuleIDs
	if rules == nil {
		rules = []string{}
	}

	_, execErr := pool.Exec(ctx, insertNotificationSQL,
		note.ID,
		note.RateID,
		note.RateName,
		rules,
		note.CreatedAt.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("insert notification: %w", execErr)
	}
	return nil
}

// LatestNotification returns the newest notification for rateID or ErrNotFound.
func (s *PostgresStore) LatestNotification(ctx context.Context, rateID string) (Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return Notification{}, err
	}

	var note Notification
	scanErr := pool.QueryRow(ctx, latestNotificationSQL, rateID).Scan(
		&note.ID,
		&note.RateID,
		&note.RateName,
		&note.TriggeredRuleIDs,
		&note.CreatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if scanErr != nil {
		return Notification{}, fmt.Errorf("latest notification: %w", scanErr)
	}
	note.CreatedAt = note.CreatedAt.UTC()
	return note, nil
}

func collectPulls(rows pgx.Rows) ([]Pull, error) {
	pulls := make([]Pull, 0)
	for rows.Next() {
		pull, err := scanPull(rows)
		if err != nil {
			return nil, err
		}
		pulls = append(pulls, pull)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return pulls, nil
}

func scanPull(row pgx.Row) (Pull, error) {
	var (
		pull  Pull
		rates []byte
	)
	if err := row.Scan(&pull.ID, &rates, &pull.CreatedAt); err != nil {
		return Pull{}, err
	}
	if err := json.Unmarshal(rates, &pull.Rates); err != nil {
		return Pull{}, fmt.Errorf("decode pull rates: %w", err)
	}
	pull.CreatedAt = pull.CreatedAt.UTC()
	return pull, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		event    Event
		oldValue *string
		newValue string
	)
	if err := row.Scan(
		&event.ID,
		&event.RateID,
		&event.RateName,
		&oldValue,
		&newValue,
		&event.Description,
		&event.CreatedAt,
	); err != nil {
		return Event{}, err
	}
	return finishEvent(event, oldValue, newValue)
}

func finishEvent(event Event, oldValue *string, newValue string) (Event, error) {
	parsed, err := decimal.NewFromString(newValue)
	if err != nil {
		return Event{}, fmt.Errorf("parse new value: %w", err)
	}
	event.NewValue = parsed

	if oldValue != nil {
		old, err := decimal.NewFromString(*oldValue)
		if err != nil {
			return Event{}, fmt.Errorf("parse old value: %w", err)
		}
		event.OldValue = decimal.NewNullDecimal(old)
	}
	event.CreatedAt = event.CreatedAt.UTC()
	return event, nil
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
