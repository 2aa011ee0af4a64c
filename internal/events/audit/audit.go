// Package audit persists security rejections to Postgres.
package audit

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/render-proxy/internal/events"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "security_rejections"

// Config controls the Postgres pool used for audit rows.
type Config struct {
	DSN      string
	Table    string
	MaxConns int32
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Sink writes one row per rejected request. Other events are ignored.
//
// Expected schema:
//
//	CREATE TABLE security_rejections (
//	    event_id    UUID PRIMARY KEY,
//	    request_id  TEXT NOT NULL,
//	    rejected_at TIMESTAMPTZ NOT NULL,
//	    state       TEXT NOT NULL,
//	    site        TEXT NOT NULL,
//	    url         TEXT NOT NULL,
//	    reason      TEXT NOT NULL
//	);
type Sink struct {
	pool  execCloser
	query string
}

// New connects a pgx pool and returns a Sink.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Sink{pool: pool, query: insertQuery(table)}, nil
}

// NewWithPool builds a Sink over an existing pool.
func NewWithPool(pool execCloser, table string) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Sink{pool: pool, query: insertQuery(name)}, nil
}

// Consume inserts the rejections found in batch.
func (s *Sink) Consume(ctx context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if !evt.Rejection {
			continue
		}
		if _, err := s.pool.Exec(ctx, s.query,
			evt.ID,
			evt.RequestID,
			evt.TS,
			string(evt.State),
			evt.Site,
			evt.URL,
			evt.Note,
		); err != nil {
			return fmt.Errorf("insert rejection %s: %w", evt.ID, err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Sink) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func tableName(name string) (string, error) {
	if name == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

func insertQuery(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s (event_id, request_id, rejected_at, state, site, url, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (event_id) DO NOTHING`, table)
}
