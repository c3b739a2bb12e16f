package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"histdata/internal/canon"
	"histdata/internal/config"
	"histdata/internal/data"
	"histdata/internal/retry"
)

// maxRowsPerInsert splits oversized batches so a single transaction stays
// bounded.
const maxRowsPerInsert = 10000

// Result reports what one Load call did.
type Result struct {
	RowsAttempted int64
	RowsInserted  int64
	RowsSkipped   int64 // duplicates absorbed by ON CONFLICT DO NOTHING
}

func (r *Result) add(other Result) {
	r.RowsAttempted += other.RowsAttempted
	r.RowsInserted += other.RowsInserted
	r.RowsSkipped += other.RowsSkipped
}

// Loader writes canonical batches into the hypertables. Loads are idempotent:
// a two-step staging COPY followed by INSERT … ON CONFLICT DO NOTHING keyed
// on the schema's natural key, all inside one transaction per batch.
type Loader struct {
	db     *pgxpool.Pool
	policy config.RetryPolicy
	log    *zap.Logger
}

// Open validates the column contract before the first insert; a field
// without a column mapping is a startup failure, not silent data loss.
func Open(ctx context.Context, db *pgxpool.Pool, policy config.RetryPolicy, log *zap.Logger) (*Loader, error) {
	if err := SelfCheck(); err != nil {
		return nil, fmt.Errorf("column map self-check: %w", err)
	}
	if err := VerifyAgainstDB(ctx, db); err != nil {
		return nil, fmt.Errorf("column map verification: %w", err)
	}
	return &Loader{db: db, policy: policy, log: log.Named("store")}, nil
}

// Close releases nothing today (the pool is process-owned) but keeps the
// open/close pairing callers expect.
func (l *Loader) Close() {}

// Load writes one batch as a single transaction per sub-batch. An empty
// batch performs no database round-trip. Transient failures (connection
// drops, deadlocks) retry under the configured policy; a re-run of the same
// batch only skips duplicates.
func (l *Loader) Load(ctx context.Context, batch []canon.Record, schema canon.Schema) (Result, error) {
	var total Result
	if len(batch) == 0 {
		return total, nil
	}
	cm, err := ColumnMapFor(schema)
	if err != nil {
		return total, err
	}

	for start := 0; start < len(batch); start += maxRowsPerInsert {
		end := start + maxRowsPerInsert
		if end > len(batch) {
			end = len(batch)
		}
		sub := batch[start:end]

		var res Result
		err := retry.Do(ctx, l.policy, l.log, data.IsTransientDBError, func() error {
			var innerErr error
			res, innerErr = l.loadOnce(ctx, sub, cm)
			return innerErr
		})
		if err != nil {
			return total, fmt.Errorf("load %s batch: %w", schema, err)
		}
		total.add(res)
	}
	return total, nil
}

// loadOnce is one transactional staging load. The connection is acquired per
// batch and released on every exit path.
func (l *Loader) loadOnce(ctx context.Context, batch []canon.Record, cm ColumnMap) (Result, error) {
	res := Result{RowsAttempted: int64(len(batch))}
	start := time.Now()

	err := l.db.AcquireFunc(ctx, func(conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx)

		stage := cm.Table + "_stage"
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP`, stage, cm.Table)); err != nil {
			return fmt.Errorf("create staging table: %w", err)
		}

		rows := make([][]any, len(batch))
		for i, rec := range batch {
			rows[i] = rec.Columns()
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, cm.Columns(), pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy into staging: %w", err)
		}

		cols := strings.Join(cm.Columns(), ", ")
		tag, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING`,
			cm.Table, cols, cols, stage, strings.Join(cm.Conflict, ", ")))
		if err != nil {
			return fmt.Errorf("upsert into %s: %w", cm.Table, err)
		}
		res.RowsInserted = tag.RowsAffected()
		res.RowsSkipped = res.RowsAttempted - res.RowsInserted

		return tx.Commit(ctx)
	})
	if err != nil {
		return Result{}, err
	}

	l.log.Debug("batch loaded",
		zap.String("table", cm.Table),
		zap.Int64("attempted", res.RowsAttempted),
		zap.Int64("inserted", res.RowsInserted),
		zap.Int64("skipped", res.RowsSkipped),
		zap.Duration("took", time.Since(start)))
	return res, nil
}
