// Package postgres archives exported session records in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used by the archive.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type txPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Archive writes one row per exported record, keyed by run.
type Archive struct {
	pool  txPool
	table string
}

// New connects a pool and returns an Archive.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Archive{pool: pool, table: table}, nil
}

// NewWithPool wraps an existing pool (used by tests).
func NewWithPool(pool txPool, table string) (*Archive, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Archive{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "course_records"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the archive table when it does not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id           TEXT NOT NULL,
	session          TEXT NOT NULL,
	position         INTEGER NOT NULL,
	category         TEXT NOT NULL,
	name             TEXT NOT NULL,
	providers        TEXT NOT NULL,
	primary_person   TEXT NOT NULL,
	description      TEXT NOT NULL,
	population_count BIGINT NOT NULL,
	rating_count     BIGINT NOT NULL,
	archived_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, position)
)`, a.table)
	if _, err := a.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", a.table, err)
	}
	return nil
}

// ArchiveRecords inserts every record of a run in a single transaction.
func (a *Archive) ArchiveRecords(ctx context.Context, session, runID string, records []crawler.Record) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if len(records) == 0 {
		return nil
	}
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	session,
	position,
	category,
	name,
	providers,
	primary_person,
	description,
	population_count,
	rating_count
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, a.table)
	for i, rec := range records {
		_, err := tx.Exec(ctx, query,
			runID,
			session,
			i,
			rec.Category,
			rec.Name,
			rec.ProvidersString(),
			rec.PrimaryPerson,
			rec.Description,
			rec.PopulationCount,
			rec.RatingCount,
		)
		if err != nil {
			return errors.Join(fmt.Errorf("insert record %d: %w", i, err), tx.Rollback(ctx))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

// Close releases the pool.
func (a *Archive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}
