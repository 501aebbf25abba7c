// Package postgres implements the store contracts on PostgreSQL via pgx.
//
// Per-entity serialization uses a transaction-scoped advisory lock on the
// entity id, so concurrent events for one work order linearize while events
// for distinct work orders proceed in parallel.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/csdp/fsmcore/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the pgx-backed store.DB implementation.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option adjusts the pool configuration before connecting.
type Option func(*pgxpool.Config)

// WithMaxConns caps the pool size.
func WithMaxConns(n int32) Option {
	return func(cfg *pgxpool.Config) {
		if n > 0 {
			cfg.MaxConns = n
		}
	}
}

// Open connects a pool to databaseURL and pings it.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger, opts ...Option) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (db *DB) Close() { db.pool.Close() }

// WithinEntityTx runs fn in one transaction holding the advisory lock for
// entityID. The lock is released at commit or rollback.
func (db *DB) WithinEntityTx(ctx context.Context, entityID string, fn func(tx store.Tx) error) error {
	return db.withinTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, entityID); err != nil {
			return fmt.Errorf("acquire entity lock: %w", err)
		}
		return fn(&pgTx{tx: tx})
	})
}

// WithinTx runs fn in one transaction without entity locking; used by batch
// collaborators such as the KPI rebuild.
func (db *DB) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return db.withinTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (db *DB) withinTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Events() store.EventStore           { return &eventStore{tx: t.tx} }
func (t *pgTx) Projections() store.ProjectionStore { return &projectionStore{tx: t.tx} }
func (t *pgTx) KPI() store.KPIStore                { return &kpiStore{tx: t.tx} }

// Migrate applies the embedded goose migrations.
func Migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
