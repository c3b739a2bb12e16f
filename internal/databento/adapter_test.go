package databento

import (
	"context"
	"fmt"
	"testing"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"histdata/internal/canon"
	"histdata/internal/config"
)

// fakeClient scripts the session client for adapter tests.
type fakeClient struct {
	records    []WireRecord
	connects   int
	closes     int
	streamErr  error
	failStream int // fail this many Stream calls before succeeding
	requests   []Request
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.connects++
	return nil
}

func (f *fakeClient) Close() error {
	f.closes++
	return nil
}

func (f *fakeClient) Stream(ctx context.Context, req Request, emit func(WireRecord) error) error {
	f.requests = append(f.requests, req)
	if f.failStream > 0 {
		f.failStream--
		return &TransientError{Err: fmt.Errorf("connection reset")}
	}
	if f.streamErr != nil {
		return f.streamErr
	}
	for _, w := range f.records {
		if err := emit(w); err != nil {
			return err
		}
	}
	return nil
}

func fastPolicy() config.RetryPolicy {
	return config.RetryPolicy{MaxAttempts: 3, InitialWait: 0.001, Multiplier: 2, MaxWait: 0.01}
}

func collectItems(ch <-chan Item) []Item {
	var out []Item
	for item := range ch {
		out = append(out, item)
	}
	return out
}

func TestAdapterConnectIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	a := NewAdapter(client, fastPolicy(), zap.NewNop())

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, 1, client.connects)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, client.closes)
}

func TestAdapterFetchStreamsTypedRecords(t *testing.T) {
	ts := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	bad := ohlcvWire(ts.UnixNano())
	delete(bad.Fields, "open")
	client := &fakeClient{records: []WireRecord{
		ohlcvWire(ts.UnixNano()),
		bad,
		ohlcvWire(ts.AddDate(0, 0, 1).UnixNano()),
	}}
	a := NewAdapter(client, fastPolicy(), zap.NewNop())

	spec := FetchSpec{
		Dataset: "GLBX.MDP3",
		Schema:  canon.SchemaOhlcv1D,
		Symbols: []string{"ES.c.0"},
		SType:   dbn.SType_Continuous,
		Chunk:   DateChunk{Start: ts, End: ts.AddDate(0, 0, 2)},
	}
	items := collectItems(a.Fetch(context.Background(), spec, 16))

	require.Len(t, items, 3)
	assert.NotNil(t, items[0].Record)
	assert.Nil(t, items[0].Err)
	// The structural failure flows through the stream in order.
	assert.Nil(t, items[1].Record)
	var mismatch *SchemaMismatchError
	require.ErrorAs(t, items[1].Err, &mismatch)
	assert.NotNil(t, items[2].Record)

	require.Len(t, client.requests, 1)
	assert.Equal(t, "2024-01-15", client.requests[0].Start)
	assert.Equal(t, "2024-01-17", client.requests[0].End)
}

func TestAdapterFetchRetriesTransientErrors(t *testing.T) {
	ts := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{
		records:    []WireRecord{ohlcvWire(ts.UnixNano())},
		failStream: 2,
	}
	a := NewAdapter(client, fastPolicy(), zap.NewNop())

	spec := FetchSpec{
		Dataset: "GLBX.MDP3",
		Schema:  canon.SchemaOhlcv1D,
		Symbols: []string{"ES.c.0"},
		SType:   dbn.SType_Continuous,
		Chunk:   DateChunk{Start: ts, End: ts.AddDate(0, 0, 1)},
	}
	items := collectItems(a.Fetch(context.Background(), spec, 4))

	require.Len(t, items, 1)
	assert.Nil(t, items[0].Err)
	assert.Len(t, client.requests, 3, "two transient failures then one success")
}

func TestAdapterFetchAuthErrorIsTerminal(t *testing.T) {
	client := &fakeClient{streamErr: &AuthError{Reason: "bad key"}}
	a := NewAdapter(client, fastPolicy(), zap.NewNop())

	ts := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	spec := FetchSpec{
		Dataset: "GLBX.MDP3",
		Schema:  canon.SchemaOhlcv1D,
		Symbols: []string{"ES.c.0"},
		SType:   dbn.SType_Continuous,
		Chunk:   DateChunk{Start: ts, End: ts.AddDate(0, 0, 1)},
	}
	items := collectItems(a.Fetch(context.Background(), spec, 4))

	require.Len(t, items, 1)
	var auth *AuthError
	require.ErrorAs(t, items[0].Err, &auth)
	assert.Len(t, client.requests, 1, "auth failures must not retry")
}

// The vendor cannot filter definitions server-side; the adapter requests the
// whole dataset and filters client-side by raw symbol.
func TestAdapterFetchDefinitionsFiltersClientSide(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	def := func(sym string) WireRecord {
		return WireRecord{
			RType: dbn.RType_InstrumentDef,
			Fields: map[string]any{
				"instrument_id":       int64(1),
				"ts_event":            base.UnixNano(),
				"raw_symbol":          sym,
				"instrument_class":    "F",
				"exchange":            "XCME",
				"asset":               "ES",
				"expiration":          base.AddDate(1, 0, 0).UnixNano(),
				"activation":          base.AddDate(-1, 0, 0).UnixNano(),
				"min_price_increment": int64(250_000_000),
			},
		}
	}
	client := &fakeClient{records: []WireRecord{def("ESH4"), def("NQH4"), def("ESM4")}}
	a := NewAdapter(client, fastPolicy(), zap.NewNop())

	spec := FetchSpec{
		Dataset: "GLBX.MDP3",
		Schema:  canon.SchemaDefinition,
		Symbols: []string{"ESH4", "ESM4"},
		SType:   dbn.SType_RawSymbol,
		Chunk:   DateChunk{Start: base, End: base.AddDate(0, 0, 1)},
	}
	items := collectItems(a.Fetch(context.Background(), spec, 8))

	require.Len(t, items, 2)
	require.Len(t, client.requests, 1)
	assert.Empty(t, client.requests[0].Symbols, "definition fetch requests the whole dataset")

	syms := []string{
		items[0].Record.(*RawDefinition).RawSymbol,
		items[1].Record.(*RawDefinition).RawSymbol,
	}
	assert.ElementsMatch(t, []string{"ESH4", "ESM4"}, syms)
}

func TestAdapterValidateConfig(t *testing.T) {
	a := NewAdapter(&fakeClient{}, fastPolicy(), zap.NewNop())

	good := config.Job{
		Name: "j", Dataset: "GLBX.MDP3", Schema: "ohlcv-1d",
		Symbols: []string{"ES.c.0"}, STypeIn: "continuous",
		StartDate: "2024-01-01", EndDate: "2024-01-31",
	}
	assert.Empty(t, a.ValidateConfig(good))

	bad := good
	bad.Schema = "nope"
	bad.Symbols = []string{"not a symbol"}
	bad.EndDate = "2023-01-01"
	errs := a.ValidateConfig(bad)
	assert.Len(t, errs, 3)
}
