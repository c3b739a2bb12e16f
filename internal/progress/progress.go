// Package progress records chunk-level ingestion status so interrupted jobs
// resume instead of re-working chunks. One row per (job, chunk); each
// check-and-set is serialized by a transaction-scoped advisory lock keyed on
// the pair. The lock is released when that transaction commits, and a row
// already in_progress is claimed again by the next Begin, so the claim does
// not keep a second worker off a chunk that is still being processed.
package progress

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

// Status of one (job, chunk) pair.
type Status string

const (
	StatusNone       Status = ""
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Tracker reads and writes the ingestion_progress table.
type Tracker struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

func NewTracker(db *pgxpool.Pool, log *zap.Logger) *Tracker {
	return &Tracker{db: db, log: log.Named("progress")}
}

func lockKey(job, chunkID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(job))
	h.Write([]byte{0})
	h.Write([]byte(chunkID))
	return int64(h.Sum64())
}

// Begin atomically claims the chunk. It returns the status the chunk had
// before the call: done means skip, in_progress or failed mean the chunk is
// being resumed, none means first attempt. In every non-done case the row is
// left in_progress; no owner is recorded on the row.
func (t *Tracker) Begin(ctx context.Context, job, chunkID string) (Status, error) {
	var prior Status
	err := t.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(job, chunkID)); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM ingestion_progress WHERE job_name = $1 AND chunk_identifier = $2`,
			job, chunkID).Scan(&status)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			prior = StatusNone
		case err != nil:
			return fmt.Errorf("read progress: %w", err)
		default:
			prior = Status(status)
		}

		if prior == StatusDone {
			return nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO ingestion_progress (job_name, chunk_identifier, status, records_processed, started_at, finished_at, error)
			VALUES ($1, $2, $3, 0, $4, NULL, NULL)
			ON CONFLICT (job_name, chunk_identifier) DO UPDATE
			SET status = EXCLUDED.status, started_at = EXCLUDED.started_at, finished_at = NULL, error = NULL`,
			job, chunkID, string(StatusInProgress), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("claim chunk: %w", err)
		}
		return nil
	})
	if err != nil {
		return StatusNone, err
	}
	return prior, nil
}

// Finish marks the chunk done with its record count.
func (t *Tracker) Finish(ctx context.Context, job, chunkID string, records int64) error {
	_, err := t.db.Exec(ctx, `
		UPDATE ingestion_progress
		SET status = $3, records_processed = $4, finished_at = $5
		WHERE job_name = $1 AND chunk_identifier = $2`,
		job, chunkID, string(StatusDone), records, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finish chunk: %w", err)
	}
	return nil
}

// Fail marks the chunk failed with an error summary, preserving the count of
// records that did land before the failure.
func (t *Tracker) Fail(ctx context.Context, job, chunkID string, records int64, cause error) error {
	summary := ""
	if cause != nil {
		summary = cause.Error()
		if len(summary) > 1024 {
			summary = summary[:1024]
		}
	}
	_, err := t.db.Exec(ctx, `
		UPDATE ingestion_progress
		SET status = $3, records_processed = $4, finished_at = $5, error = $6
		WHERE job_name = $1 AND chunk_identifier = $2`,
		job, chunkID, string(StatusFailed), records, time.Now().UTC(), summary)
	if err != nil {
		return fmt.Errorf("mark chunk failed: %w", err)
	}
	return nil
}

// LeaveInProgress is the cancellation path: the row stays in_progress so the
// next run resumes the chunk. Only the processed count is refreshed.
func (t *Tracker) LeaveInProgress(ctx context.Context, job, chunkID string, records int64) error {
	_, err := t.db.Exec(ctx, `
		UPDATE ingestion_progress
		SET records_processed = $3
		WHERE job_name = $1 AND chunk_identifier = $2`,
		job, chunkID, records)
	if err != nil {
		return fmt.Errorf("update chunk progress: %w", err)
	}
	return nil
}
