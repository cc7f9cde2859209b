// Package postgres builds the pgx connection pool shared by the stores.
// Every query is traced through otelpgx and logged through a wrapping
// tracer that also feeds the query duration observer.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tunes the pool. Zero values keep the pgxpool defaults.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPool parses databaseURL, installs the query tracer and verifies the
// connection with a ping.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOptions) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if len(opts) > 0 {
		applyPoolOptions(pcfg, opts[0])
	}
	pcfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer())

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func applyPoolOptions(pcfg *pgxpool.Config, o PoolOptions) {
	if o.MaxConns > 0 {
		pcfg.MaxConns = o.MaxConns
	}
	if o.MinConns > 0 {
		pcfg.MinConns = o.MinConns
	}
	if o.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = o.MaxConnLifetime
	}
	if o.MaxConnIdleTime > 0 {
		pcfg.MaxConnIdleTime = o.MaxConnIdleTime
	}
}
