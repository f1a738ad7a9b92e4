// Package repository is the system of record: shops, seckill vouchers, and
// committed orders in Postgres.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Open parses cfg, creates a pool, and pings it.
func Open(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tb_shop (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL,
	type_id     BIGINT NOT NULL DEFAULT 0,
	images      TEXT NOT NULL DEFAULT '',
	area        TEXT NOT NULL DEFAULT '',
	address     TEXT NOT NULL DEFAULT '',
	x           DOUBLE PRECISION NOT NULL DEFAULT 0,
	y           DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_price   BIGINT NOT NULL DEFAULT 0,
	sold        INT NOT NULL DEFAULT 0,
	comments    INT NOT NULL DEFAULT 0,
	score       INT NOT NULL DEFAULT 0,
	open_hours  TEXT NOT NULL DEFAULT '',
	create_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	update_time TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tb_seckill_voucher (
	voucher_id  BIGSERIAL PRIMARY KEY,
	shop_id     BIGINT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	stock       INT NOT NULL CHECK (stock >= 0),
	begin_time  TIMESTAMPTZ NOT NULL,
	end_time    TIMESTAMPTZ NOT NULL,
	create_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	update_time TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tb_voucher_order (
	id          BIGINT PRIMARY KEY,
	user_id     BIGINT NOT NULL,
	voucher_id  BIGINT NOT NULL,
	create_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, voucher_id)
);
`

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
