package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dabla/taskrunner/internal/xcom"
)

const createPostgresXComTable = `
CREATE TABLE IF NOT EXISTS xcoms (
    dag_id        TEXT NOT NULL,
    task_id       TEXT NOT NULL,
    run_id        TEXT NOT NULL,
    map_index     INTEGER NOT NULL,
    key           TEXT NOT NULL,
    value         JSONB,
    mapped_length INTEGER,
    updated_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (dag_id, task_id, run_id, map_index, key)
)`

var _ xcom.Backend = (*PostgresXComStore)(nil)

// PostgresXComStore keeps XComs in a Postgres table so workers can read and
// write them without a round trip through the supervisor.
type PostgresXComStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPool opens and pings a connection pool for dsn.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// NewPostgresXComStore creates the xcoms table if needed and returns a store over pool.
func NewPostgresXComStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresXComStore, error) {
	if _, err := pool.Exec(ctx, createPostgresXComTable); err != nil {
		return nil, fmt.Errorf("create xcoms table: %w", err)
	}
	return &PostgresXComStore{pool: pool}, nil
}

// GetXCom implements xcom.Backend.
func (s *PostgresXComStore) GetXCom(ctx context.Context, key xcom.Key) (any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM xcoms
		WHERE dag_id = $1 AND task_id = $2 AND run_id = $3 AND map_index = $4 AND key = $5`,
		key.DagID, key.TaskID, key.RunID, key.MapIndex, key.Name,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, xcom.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get xcom %s: %w", key, err)
	}
	if raw == nil {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode xcom %s: %w", key, err)
	}
	return v, nil
}

// SetXCom implements xcom.Backend.
func (s *PostgresXComStore) SetXCom(ctx context.Context, key xcom.Key, value any, mappedLength *int) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode xcom %s: %w", key, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO xcoms (dag_id, task_id, run_id, map_index, key, value, mapped_length, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dag_id, task_id, run_id, map_index, key)
		DO UPDATE SET value = EXCLUDED.value, mapped_length = EXCLUDED.mapped_length, updated_at = EXCLUDED.updated_at`,
		key.DagID, key.TaskID, key.RunID, key.MapIndex, key.Name, raw, mappedLength, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set xcom %s: %w", key, err)
	}
	return nil
}

// DeleteXCom implements xcom.Backend.
func (s *PostgresXComStore) DeleteXCom(ctx context.Context, key xcom.Key) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM xcoms
		WHERE dag_id = $1 AND task_id = $2 AND run_id = $3 AND map_index = $4 AND key = $5`,
		key.DagID, key.TaskID, key.RunID, key.MapIndex, key.Name)
	if err != nil {
		return fmt.Errorf("delete xcom %s: %w", key, err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresXComStore) Close() error {
	s.pool.Close()
	return nil
}
