package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"cewatcher/internal/config"
)

var (
	// ErrNotFound is returned by the Latest* queries when no record matches.
	ErrNotFound = errors.New("storage: record not found")
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
)

// PullStore is the append-only log of rate snapshots.
type PullStore interface {
	InsertPull(ctx context.Context, pull Pull) error
	LatestPull(ctx context.Context) (Pull, error)
}

// EventStore is the append-only log of detected changes.
type EventStore interface {
	InsertEvent(ctx context.Context, event Event) error
	LatestEvent(ctx context.Context, rateID string) (Event, error)
}

// NotificationStore is the append-only log of sent notifications.
type NotificationStore interface {
	InsertNotification(ctx context.Context, note Notification) error
	LatestNotification(ctx context.Context, rateID string) (Notification, error)
}

// HistoryReader serves the diagnostic and export queries.
type HistoryReader interface {
	ListRecentEvents(ctx context.Context, limit int) ([]Event, error)
	ListRecentPulls(ctx context.Context, limit int) ([]Pull, error)
	ListPullsBetween(ctx context.Context, from, to time.Time) ([]Pull, error)
}

// AdvisoryLocker exposes cross-process lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the full persistence surface used by the watcher.
type Store interface {
	PullStore
	EventStore
	NotificationStore
	HistoryReader
	EnsureSchema(ctx context.Context) error
	Close()
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Driver {
	case "", "postgres":
		var pool *pgxpool.Pool
		pool, err = NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = NewPostgresStore(pool)
	case "sqlite":
		store, err = OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
	case "memory":
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported database.driver %q", cfg.Driver)
	}

	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
