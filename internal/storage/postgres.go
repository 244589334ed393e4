package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/internal/config"
)

// DBPool abstracts pgxpool.Pool so the store can run against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores values as jsonb rows of a single key/value table.
type Postgres struct {
	pool  DBPool
	table string
	log   *zap.Logger

	getSQL, setSQL, deleteSQL string
}

var _ Storage = (*Postgres)(nil)

// NewPostgres verifies the connection and prepares the statements for table.
func NewPostgres(ctx context.Context, pool DBPool, table string, logger *zap.Logger) (*Postgres, error) {
	if table == "" {
		table = "kv"
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	ident := pgx.Identifier{table}.Sanitize()
	return &Postgres{
		pool:      pool,
		table:     ident,
		log:       logger.Named("storage_postgres"),
		getSQL:    `SELECT value FROM ` + ident + ` WHERE key = $1`,
		setSQL:    `INSERT INTO ` + ident + ` (key, value, updated_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		deleteSQL: `DELETE FROM ` + ident + ` WHERE key = $1`,
	}, nil
}

// Connect opens a pool from cfg.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the table when it does not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	sql := `CREATE TABLE IF NOT EXISTS ` + p.table + ` (
        key        TEXT PRIMARY KEY,
        value      JSONB NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`
	if _, err := p.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to create %s: %w", p.table, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string, def any) (json.RawMessage, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, p.getSQL, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return encodeDefault(def)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return raw, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, p.setSQL, key, []byte(raw), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	p.log.Debug("Stored value.", zap.String("key", key), zap.Int("bytes", len(raw)))
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, p.deleteSQL, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
