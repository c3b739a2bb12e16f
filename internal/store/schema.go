package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

// DDL for the hypertables and supporting tables. Every hypertable is
// time-partitioned on ts_event with a unique index equal to the schema's
// natural key (ts_event included, as TimescaleDB requires) and the composite
// (instrument_id, ts_event DESC) index the query layer leans on.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS ohlcv_bars (
		instrument_id bigint       NOT NULL,
		ts_event      timestamptz  NOT NULL,
		granularity   text         NOT NULL,
		open_price    numeric      NOT NULL,
		high_price    numeric      NOT NULL,
		low_price     numeric      NOT NULL,
		close_price   numeric      NOT NULL,
		volume        bigint       NOT NULL
	)`,
	`SELECT create_hypertable('ohlcv_bars', 'ts_event', if_not_exists => TRUE)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ohlcv_bars_natural_key
		ON ohlcv_bars (instrument_id, ts_event, granularity)`,
	`CREATE INDEX IF NOT EXISTS ohlcv_bars_instrument_ts_idx
		ON ohlcv_bars (instrument_id, ts_event DESC)`,

	`CREATE TABLE IF NOT EXISTS trades (
		instrument_id bigint       NOT NULL,
		ts_event      timestamptz  NOT NULL,
		ts_recv       timestamptz,
		price         numeric      NOT NULL,
		size          bigint       NOT NULL,
		side          text         NOT NULL DEFAULT '',
		sequence      bigint       NOT NULL
	)`,
	`SELECT create_hypertable('trades', 'ts_event', if_not_exists => TRUE)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS trades_natural_key
		ON trades (instrument_id, ts_event, sequence, price, size, side)`,
	`CREATE INDEX IF NOT EXISTS trades_instrument_ts_idx
		ON trades (instrument_id, ts_event DESC)`,

	`CREATE TABLE IF NOT EXISTS tbbo (
		instrument_id bigint       NOT NULL,
		ts_event      timestamptz  NOT NULL,
		ts_recv       timestamptz,
		price         numeric      NOT NULL,
		size          bigint       NOT NULL,
		side          text         NOT NULL DEFAULT '',
		sequence      bigint       NOT NULL,
		bid_px_00     numeric,
		ask_px_00     numeric,
		bid_sz_00     bigint,
		ask_sz_00     bigint
	)`,
	`SELECT create_hypertable('tbbo', 'ts_event', if_not_exists => TRUE)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tbbo_natural_key
		ON tbbo (instrument_id, ts_event, sequence)`,
	`CREATE INDEX IF NOT EXISTS tbbo_instrument_ts_idx
		ON tbbo (instrument_id, ts_event DESC)`,

	`CREATE TABLE IF NOT EXISTS statistics (
		instrument_id bigint       NOT NULL,
		ts_event      timestamptz  NOT NULL,
		ts_recv       timestamptz,
		stat_type     smallint     NOT NULL,
		price         numeric,
		quantity      bigint,
		update_action smallint     NOT NULL
	)`,
	`SELECT create_hypertable('statistics', 'ts_event', if_not_exists => TRUE)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS statistics_natural_key
		ON statistics (instrument_id, ts_event, stat_type, update_action)`,
	`CREATE INDEX IF NOT EXISTS statistics_instrument_ts_idx
		ON statistics (instrument_id, ts_event DESC)`,

	`CREATE TABLE IF NOT EXISTS definitions (
		instrument_id       bigint       NOT NULL,
		ts_event            timestamptz  NOT NULL,
		raw_symbol          text         NOT NULL,
		instrument_class    text         NOT NULL,
		exchange            text         NOT NULL,
		asset               text         NOT NULL,
		expiration          timestamptz  NOT NULL,
		activation          timestamptz  NOT NULL,
		min_price_increment numeric      NOT NULL,
		contract_multiplier integer      NOT NULL DEFAULT 1,
		strike_price        numeric,
		leg_count           integer      NOT NULL DEFAULT 0,
		leg_index           integer,
		leg_instrument_id   bigint,
		leg_raw_symbol      text,
		leg_side            text
	)`,
	`SELECT create_hypertable('definitions', 'ts_event', if_not_exists => TRUE)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS definitions_natural_key
		ON definitions (instrument_id, ts_event)`,
	`CREATE INDEX IF NOT EXISTS definitions_instrument_ts_idx
		ON definitions (instrument_id, ts_event DESC)`,
	`CREATE INDEX IF NOT EXISTS definitions_raw_symbol_idx
		ON definitions (raw_symbol)`,

	`CREATE TABLE IF NOT EXISTS ingestion_progress (
		job_name          text         NOT NULL,
		chunk_identifier  text         NOT NULL,
		status            text         NOT NULL,
		records_processed bigint       NOT NULL DEFAULT 0,
		started_at        timestamptz,
		finished_at       timestamptz,
		error             text,
		PRIMARY KEY (job_name, chunk_identifier)
	)`,
}

// InitSchema applies the DDL idempotently.
func InitSchema(ctx context.Context, db *pgxpool.Pool, log *zap.Logger) error {
	for _, stmt := range ddl {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	log.Info("database schema ready")
	return nil
}
