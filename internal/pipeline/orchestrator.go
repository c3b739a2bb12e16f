// Package pipeline drives the end-to-end ingestion: adapter fetch → rule
// engine → business-rule validation → idempotent storage, with chunking,
// quarantine, retries and chunk-level progress tracking.
//
// Concurrency layout per chunk: the adapter produces on its own goroutine
// into a bounded record channel; the batcher goroutine accumulates batches
// and hands them to a bounded batch channel; the storage worker consumes
// batches. Backpressure flows upstream through the channel capacities.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"histdata/internal/canon"
	"histdata/internal/config"
	"histdata/internal/databento"
	"histdata/internal/mapping"
	"histdata/internal/progress"
	"histdata/internal/quarantine"
	"histdata/internal/store"
	"histdata/internal/validate"
)

// batchChannelCap bounds how many full batches may queue ahead of storage.
const batchChannelCap = 2

// Orchestrator wires the pipeline components for one API.
type Orchestrator struct {
	sys     *config.System
	api     *config.API
	engine  *mapping.Engine
	adapter *databento.Adapter
	loader  *store.Loader
	tracker *progress.Tracker
	log     *zap.Logger

	// DryRun runs fetch→transform→validate but never writes to storage or
	// progress.
	DryRun bool
}

func NewOrchestrator(
	sys *config.System,
	api *config.API,
	engine *mapping.Engine,
	adapter *databento.Adapter,
	loader *store.Loader,
	tracker *progress.Tracker,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		sys:     sys,
		api:     api,
		engine:  engine,
		adapter: adapter,
		loader:  loader,
		tracker: tracker,
		log:     log.Named("pipeline"),
	}
}

// ListJobs enumerates the jobs declared for the API.
func (o *Orchestrator) ListJobs() []config.Job { return o.api.Jobs }

// ExecuteIngestion runs one job to completion and returns the final stats.
// Record-level failures quarantine and never abort the run; a chunk that
// exhausts its retries is marked failed and the run continues unless the job
// sets fail_fast. The returned error is non-nil only for job-level fatal
// conditions.
func (o *Orchestrator) ExecuteIngestion(ctx context.Context, job config.Job) (*Stats, error) {
	stats := newStats()
	defer func() { stats.FinishedAt = time.Now().UTC() }()

	if errs := o.adapter.ValidateConfig(job); len(errs) > 0 {
		return stats, fmt.Errorf("invalid job %q: %v", job.Name, errs)
	}

	schema, _ := canon.ParseSchema(job.Schema)
	stype, _ := databento.ParseSType(job.STypeIn)
	start, end, _ := job.Dates()

	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = o.sys.Defaults.BatchSize
	}
	chunkDays := job.ChunkDays
	if chunkDays == 0 {
		chunkDays = o.sys.Defaults.ChunkDays
	}
	chunks := databento.SplitDateRange(start, end, chunkDays)

	var sink *quarantine.Sink
	if job.QuarantineEnabled() {
		var err error
		sink, err = quarantine.NewRun(o.sys.Paths.QuarantineDir, job.Name, time.Now(), o.log)
		if err != nil {
			return stats, err
		}
		defer sink.Close()
	}

	if err := o.adapter.Connect(ctx); err != nil {
		return stats, err
	}
	defer o.adapter.Close()

	log := o.log.With(zap.String("job", job.Name), zap.String("schema", string(schema)))
	log.Info("starting ingestion",
		zap.Int("chunks", len(chunks)),
		zap.Int("batch_size", batchSize),
		zap.Strings("symbols", job.Symbols))

	var jobErr error
chunkLoop:
	for _, chunk := range chunks {
		if ctx.Err() != nil {
			jobErr = ctx.Err()
			break
		}
		chunkID := chunk.ID(schema, job.Symbols)
		clog := log.With(zap.String("chunk", chunkID))

		if !o.DryRun {
			prior, err := o.tracker.Begin(ctx, job.Name, chunkID)
			if err != nil {
				return stats, fmt.Errorf("claim chunk %s: %w", chunkID, err)
			}
			if prior == progress.StatusDone {
				clog.Info("chunk already done, skipping")
				stats.ChunksSkipped++
				continue
			}
		}

		spec := databento.FetchSpec{
			Dataset: job.Dataset,
			Schema:  schema,
			Symbols: job.Symbols,
			SType:   stype,
			Chunk:   chunk,
		}

		chunkRecords, err := o.runChunk(ctx, spec, job, schema, batchSize, sink, stats, clog)
		switch {
		case errors.Is(err, context.Canceled):
			// Leave the chunk in_progress; the next run resumes it.
			if !o.DryRun {
				if perr := o.tracker.LeaveInProgress(context.Background(), job.Name, chunkID, chunkRecords); perr != nil {
					clog.Warn("record cancellation progress", zap.Error(perr))
				}
			}
			clog.Info("ingestion cancelled mid-chunk", zap.Int64("records", chunkRecords))
			return stats, err
		case err != nil:
			stats.ChunksFailed++
			stats.reason(err.Error())
			if !o.DryRun {
				if perr := o.tracker.Fail(ctx, job.Name, chunkID, chunkRecords, err); perr != nil {
					clog.Warn("mark chunk failed", zap.Error(perr))
				}
			}
			clog.Error("chunk failed", zap.Error(err))
			if job.FailFast {
				// break alone would only leave the switch.
				jobErr = fmt.Errorf("chunk %s: %w", chunkID, err)
				break chunkLoop
			}
		default:
			stats.ChunksDone++
			if !o.DryRun {
				if perr := o.tracker.Finish(ctx, job.Name, chunkID, chunkRecords); perr != nil {
					return stats, fmt.Errorf("finish chunk %s: %w", chunkID, perr)
				}
			}
			clog.Info("chunk done", zap.Int64("records", chunkRecords))
		}
	}

	o.logSummary(log, stats, sink)
	return stats, jobErr
}

// runChunk consumes the adapter stream for one chunk and returns how many
// records were stored (new + duplicate) for the progress row.
func (o *Orchestrator) runChunk(
	ctx context.Context,
	spec databento.FetchSpec,
	job config.Job,
	schema canon.Schema,
	batchSize int,
	sink *quarantine.Sink,
	stats *Stats,
	log *zap.Logger,
) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fetchStart := time.Now()
	items := o.adapter.Fetch(ctx, spec, batchSize*2)

	batches := make(chan []databento.RawRecord, batchChannelCap)
	var processed int64

	g, gctx := errgroup.WithContext(ctx)

	// Batcher: accumulate typed records, quarantine structural failures.
	g.Go(func() error {
		defer close(batches)
		buf := make([]databento.RawRecord, 0, batchSize)

		flush := func() error {
			if len(buf) == 0 {
				return nil
			}
			batch := buf
			buf = make([]databento.RawRecord, 0, batchSize)
			select {
			case batches <- batch:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		for item := range items {
			if item.Err != nil {
				var mismatch *databento.SchemaMismatchError
				if errors.As(item.Err, &mismatch) {
					stats.FetchErrors++
					stats.addQuarantined(1)
					stats.reason(mismatch.Error())
					o.quarantineWire(sink, schema, item, log)
					continue
				}
				// Non-structural stream error after retries: terminal for
				// the chunk.
				return item.Err
			}
			stats.addFetched(1)
			buf = append(buf, item.Record)
			if len(buf) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		stats.timeFetch(time.Since(fetchStart))
		return flush()
	})

	// Storage worker: transform → validate → quarantine/store per batch.
	g.Go(func() error {
		for batch := range batches {
			n, err := o.processBatch(gctx, batch, job, schema, sink, stats, log)
			processed += n
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return processed, err
	}
	return processed, nil
}

// processBatch runs one batch through the rule engine, the validator and the
// loader. The whole batch goes to the rule engine's batch API in one call.
func (o *Orchestrator) processBatch(
	ctx context.Context,
	batch []databento.RawRecord,
	job config.Job,
	schema canon.Schema,
	sink *quarantine.Sink,
	stats *Stats,
	log *zap.Logger,
) (int64, error) {
	sources := make([]mapping.Source, len(batch))
	for i, r := range batch {
		sources[i] = r
	}

	tStart := time.Now()
	canonical, rejects := o.engine.TransformBatch(sources)
	stats.timeTransform(time.Since(tStart))
	stats.addTransformed(int64(len(canonical)))
	for _, rej := range rejects {
		stats.TransformErrors++
		stats.addQuarantined(1)
		stats.reason(rej.Err.Error())
		o.quarantineReject(sink, schema, quarantine.StageTransform, rej, log)
	}

	vStart := time.Now()
	validator := validate.New(o.engine, job.Strict, o.log)
	valid, rejected := validator.Validate(canonical, schema)
	stats.timeValidate(time.Since(vStart))
	stats.addValidated(int64(len(valid)))
	for _, rej := range rejected {
		stats.ValidationFails++
		stats.addQuarantined(1)
		stats.reason(rej.Rule)
		o.quarantineValidation(sink, schema, rej, log)
	}

	if len(valid) == 0 {
		return 0, nil
	}
	if o.DryRun {
		log.Debug("dry run: skipping storage", zap.Int("records", len(valid)))
		return int64(len(valid)), nil
	}

	sStart := time.Now()
	res, err := o.loader.Load(ctx, valid, schema)
	stats.timeStore(time.Since(sStart))
	if err != nil {
		stats.StorageErrors++
		return 0, err
	}
	stats.addStored(res.RowsInserted)
	stats.addSkipped(res.RowsSkipped)
	return res.RowsAttempted, nil
}

func (o *Orchestrator) quarantineWire(sink *quarantine.Sink, schema canon.Schema, item databento.Item, log *zap.Logger) {
	if sink == nil {
		return
	}
	err := sink.Write(schema, quarantine.Entry{
		Stage:    quarantine.StageStructural,
		Rule:     "typed_record_instantiation",
		Severity: string(validate.SeverityError),
		Original: item.Wire.Fields,
		Error:    item.Err.Error(),
	})
	if err != nil {
		log.Warn("quarantine write failed", zap.Error(err))
	}
}

func (o *Orchestrator) quarantineReject(sink *quarantine.Sink, schema canon.Schema, stage quarantine.Stage, rej mapping.Reject, log *zap.Logger) {
	if sink == nil {
		return
	}
	err := sink.Write(schema, quarantine.Entry{
		Stage:       stage,
		Rule:        "mapping",
		Severity:    string(validate.SeverityError),
		Original:    rej.Original,
		Transformed: rej.Partial,
		Error:       rej.Err.Error(),
	})
	if err != nil {
		log.Warn("quarantine write failed", zap.Error(err))
	}
}

func (o *Orchestrator) quarantineValidation(sink *quarantine.Sink, schema canon.Schema, rej validate.Rejection, log *zap.Logger) {
	if sink == nil {
		return
	}
	err := sink.Write(schema, quarantine.Entry{
		Stage:       quarantine.StageValidation,
		Rule:        rej.Rule,
		Severity:    string(validate.SeverityError),
		Transformed: rej.Record.Fields(),
		Error:       rej.Message,
	})
	if err != nil {
		log.Warn("quarantine write failed", zap.Error(err))
	}
}

func (o *Orchestrator) logSummary(log *zap.Logger, stats *Stats, sink *quarantine.Sink) {
	fields := []zap.Field{
		zap.Int64("fetched", stats.Fetched),
		zap.Int64("transformed", stats.Transformed),
		zap.Int64("validated", stats.Validated),
		zap.Int64("stored", stats.Stored),
		zap.Int64("skipped_as_duplicate", stats.Skipped),
		zap.Int64("quarantined", stats.Quarantined),
		zap.Int64("chunks_done", stats.ChunksDone),
		zap.Int64("chunks_failed", stats.ChunksFailed),
		zap.Int64("chunks_skipped", stats.ChunksSkipped),
		zap.Duration("fetch_time", stats.FetchTime()),
		zap.Duration("transform_time", stats.TransformTime()),
		zap.Duration("validate_time", stats.ValidateTime()),
		zap.Duration("store_time", stats.StoreTime()),
	}
	if sink != nil {
		fields = append(fields, zap.String("quarantine_dir", sink.Dir()))
	}
	for _, r := range stats.TopReasons(5) {
		fields = append(fields, zap.Int64("reason:"+r.Reason, r.Count))
	}
	log.Info("ingestion finished", fields...)
}
