package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"histdata/internal/config"
	"histdata/internal/databento"
	"histdata/internal/mapping"
)

const testMapping = `
api: test
schemas:
  ohlcv-1d:
    source_model: RawOhlcv
    target_schema: ohlcv_bars
    field_mappings:
      instrument_id: {source_field: instrument_id}
      ts_event: {source_field: ts_event}
      open_price: {source_field: open}
      high_price: {source_field: high}
      low_price: {source_field: low}
      close_price: {source_field: close}
      volume: {source_field: volume}
      granularity: {source_field: granularity}
    type_conversions:
      ts_event: {to: utc_datetime}
      open_price: {to: decimal, precision: 9}
      high_price: {to: decimal, precision: 9}
      low_price: {to: decimal, precision: 9}
      close_price: {to: decimal, precision: 9}
    defaults:
      granularity: "1d"
`

// scriptedClient feeds fixed wire records for every chunk request.
type scriptedClient struct {
	records []databento.WireRecord
}

func (c *scriptedClient) Connect(ctx context.Context) error { return nil }
func (c *scriptedClient) Close() error                      { return nil }

func (c *scriptedClient) Stream(ctx context.Context, req databento.Request, emit func(databento.WireRecord) error) error {
	for _, w := range c.records {
		if err := emit(w); err != nil {
			return err
		}
	}
	return nil
}

func bar(day int, open, high, low, close int64) databento.WireRecord {
	ts := time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)
	return databento.WireRecord{
		RType: dbn.RType_Ohlcv1D,
		Fields: map[string]any{
			"instrument_id": int64(5602),
			"ts_event":      ts.UnixNano(),
			"open":          open * 1_000_000_000,
			"high":          high * 1_000_000_000,
			"low":           low * 1_000_000_000,
			"close":         close * 1_000_000_000,
			"volume":        int64(1000),
		},
	}
}

func testOrchestrator(t *testing.T, client databento.SessionClient, quarantineDir string) (*Orchestrator, *config.API) {
	t.Helper()
	sys := &config.System{
		Defaults: config.Defaults{BatchSize: 2},
		Paths:    config.Paths{QuarantineDir: quarantineDir},
	}
	api := &config.API{
		Name:  "test",
		Retry: config.RetryPolicy{MaxAttempts: 2, InitialWait: 0.001, Multiplier: 2, MaxWait: 0.01},
	}
	doc, err := mapping.LoadBytes([]byte(testMapping))
	require.NoError(t, err)
	engine := mapping.NewEngine(doc, zap.NewNop())
	adapter := databento.NewAdapter(client, api.Retry, zap.NewNop())

	orch := NewOrchestrator(sys, api, engine, adapter, nil, nil, zap.NewNop())
	orch.DryRun = true // storage and progress stay untouched in these tests
	return orch, api
}

func testJob() config.Job {
	return config.Job{
		Name:      "es-daily",
		Dataset:   "GLBX.MDP3",
		Schema:    "ohlcv-1d",
		Symbols:   []string{"ES.c.0"},
		STypeIn:   "continuous",
		StartDate: "2024-01-15",
		EndDate:   "2024-01-16",
	}
}

func TestExecuteIngestionHappyPath(t *testing.T) {
	client := &scriptedClient{records: []databento.WireRecord{
		bar(15, 4810, 4823, 4806, 4808),
		bar(16, 4808, 4820, 4800, 4815),
	}}
	orch, _ := testOrchestrator(t, client, t.TempDir())

	stats, err := orch.ExecuteIngestion(context.Background(), testJob())
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Fetched)
	assert.Equal(t, int64(2), stats.Transformed)
	assert.Equal(t, int64(2), stats.Validated)
	assert.Equal(t, int64(0), stats.Quarantined)
	assert.Equal(t, int64(1), stats.ChunksDone)
	assert.False(t, stats.StartedAt.IsZero())
	assert.False(t, stats.FinishedAt.IsZero())
}

// One rule-violating record quarantines; the rest of the batch continues.
func TestExecuteIngestionQuarantinesValidationFailure(t *testing.T) {
	dir := t.TempDir()
	client := &scriptedClient{records: []databento.WireRecord{
		bar(15, 4810, 4823, 4806, 4808),
		bar(15, 120, 100, 150, 120), // high < low
		bar(16, 4808, 4820, 4800, 4815),
	}}
	orch, _ := testOrchestrator(t, client, dir)

	stats, err := orch.ExecuteIngestion(context.Background(), testJob())
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Fetched)
	assert.Equal(t, int64(3), stats.Transformed)
	assert.Equal(t, int64(2), stats.Validated)
	assert.Equal(t, int64(1), stats.Quarantined)
	assert.Equal(t, int64(1), stats.ValidationFails)
	assert.Equal(t, int64(1), stats.ChunksDone)

	reasons := stats.TopReasons(5)
	require.NotEmpty(t, reasons)
	assert.Equal(t, "high_ge_low", reasons[0].Reason)

	// Exactly one quarantine entry exists naming stage and rule.
	entries := readQuarantine(t, dir, "es-daily", "ohlcv-1d.ndjson")
	require.Len(t, entries, 1)
	assert.Equal(t, "validation", entries[0]["stage"])
	assert.Equal(t, "high_ge_low", entries[0]["rule_or_reason"])
	assert.NotEmpty(t, entries[0]["transformed"])
}

func TestExecuteIngestionQuarantinesStructuralFailure(t *testing.T) {
	dir := t.TempDir()
	broken := bar(15, 4810, 4823, 4806, 4808)
	delete(broken.Fields, "volume")
	client := &scriptedClient{records: []databento.WireRecord{
		broken,
		bar(16, 4808, 4820, 4800, 4815),
	}}
	orch, _ := testOrchestrator(t, client, dir)

	stats, err := orch.ExecuteIngestion(context.Background(), testJob())
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.Fetched, "the broken record never counts as fetched")
	assert.Equal(t, int64(1), stats.Validated)
	assert.Equal(t, int64(1), stats.Quarantined)

	entries := readQuarantine(t, dir, "es-daily", "ohlcv-1d.ndjson")
	require.Len(t, entries, 1)
	assert.Equal(t, "structural", entries[0]["stage"])
	assert.NotEmpty(t, entries[0]["original"])
}

func TestExecuteIngestionEmptyChunk(t *testing.T) {
	orch, _ := testOrchestrator(t, &scriptedClient{}, t.TempDir())

	stats, err := orch.ExecuteIngestion(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Fetched)
	assert.Equal(t, int64(1), stats.ChunksDone, "an empty chunk still completes")
}

func TestExecuteIngestionRejectsBadJob(t *testing.T) {
	orch, _ := testOrchestrator(t, &scriptedClient{}, t.TempDir())
	job := testJob()
	job.Schema = "bogus"

	_, err := orch.ExecuteIngestion(context.Background(), job)
	assert.Error(t, err)
}

// failingClient returns a terminal (non-retryable) error from every Stream
// call and counts how often it was asked.
type failingClient struct {
	streams int
}

func (c *failingClient) Connect(ctx context.Context) error { return nil }
func (c *failingClient) Close() error                      { return nil }

func (c *failingClient) Stream(ctx context.Context, req databento.Request, emit func(databento.WireRecord) error) error {
	c.streams++
	return errors.New("dataset not licensed")
}

func TestExecuteIngestionFailFastStopsAfterFirstChunk(t *testing.T) {
	client := &failingClient{}
	orch, _ := testOrchestrator(t, client, t.TempDir())

	job := testJob()
	job.ChunkDays = 1 // two one-day chunks
	job.FailFast = true

	stats, err := orch.ExecuteIngestion(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, int64(1), stats.ChunksFailed)
	assert.Equal(t, 1, client.streams, "fail_fast must not fetch the second chunk")
}

func TestExecuteIngestionContinuesPastFailedChunk(t *testing.T) {
	client := &failingClient{}
	orch, _ := testOrchestrator(t, client, t.TempDir())

	job := testJob()
	job.ChunkDays = 1

	stats, err := orch.ExecuteIngestion(context.Background(), job)
	require.NoError(t, err, "without fail_fast a failed chunk does not fail the job")
	assert.Equal(t, int64(2), stats.ChunksFailed)
	assert.Equal(t, 2, client.streams)
}

func TestExecuteIngestionCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	orch, _ := testOrchestrator(t, &scriptedClient{records: []databento.WireRecord{
		bar(15, 4810, 4823, 4806, 4808),
	}}, t.TempDir())

	_, err := orch.ExecuteIngestion(ctx, testJob())
	assert.ErrorIs(t, err, context.Canceled)
}

func readQuarantine(t *testing.T, root, job, file string) []map[string]any {
	t.Helper()
	runs, err := os.ReadDir(filepath.Join(root, job))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	f, err := os.Open(filepath.Join(root, job, runs[0].Name(), file))
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, scanner.Err())
	return out
}
