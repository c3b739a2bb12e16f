package canon

import (
	"testing"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchema(t *testing.T) {
	s, err := ParseSchema(" OHLCV-1D ")
	require.NoError(t, err)
	assert.Equal(t, SchemaOhlcv1D, s)

	_, err = ParseSchema("ohlcv-5m")
	assert.Error(t, err)
}

func TestSchemaProperties(t *testing.T) {
	assert.True(t, SchemaOhlcv1M.IsOhlcv())
	assert.False(t, SchemaTrades.IsOhlcv())
	assert.Equal(t, "1d", SchemaOhlcv1D.Granularity())
	assert.Equal(t, "", SchemaTrades.Granularity())
	assert.Equal(t, "ohlcv_bars", SchemaOhlcv1H.Table())
	assert.Equal(t, "definitions", SchemaDefinition.Table())
	assert.Equal(t, dbn.Schema_Tbbo, SchemaTbbo.DbnSchema())
	assert.Equal(t, dbn.Schema_Ohlcv1S, SchemaOhlcv1S.DbnSchema())
}

func TestOhlcvSchemaFollowsGranularity(t *testing.T) {
	bar := &Ohlcv{Gran: "1m"}
	assert.Equal(t, SchemaOhlcv1M, bar.Schema())
}

func TestFieldsIncludeNulls(t *testing.T) {
	tr := &Trade{
		InstrumentId: 1,
		Ts:           time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Price:        decimal.New(1, 0),
		Size:         1,
		Sequence:     1,
	}
	fields := tr.Fields()
	// Absent optionals are present-but-null keys, never missing keys.
	v, ok := fields["ts_recv"]
	assert.True(t, ok)
	assert.Nil(t, v)
	v, ok = fields["side"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestTradeSideColumnNeverNull(t *testing.T) {
	tr := &Trade{}
	cols := tr.Columns()
	// side is the 6th column; the empty string keeps it inside the unique
	// index's dedup domain.
	assert.Equal(t, "", cols[5])

	tr.Side = dbn.Side_Ask
	assert.Equal(t, "A", tr.Columns()[5])
}

func TestTbboColumnsCarryNilForMissingQuote(t *testing.T) {
	q := &Tbbo{}
	cols := q.Columns()
	assert.Nil(t, cols[7], "bid_px_00")
	assert.Nil(t, cols[8], "ask_px_00")
	assert.Nil(t, cols[9], "bid_sz_00")
	assert.Nil(t, cols[10], "ask_sz_00")

	q.BidPx = decimal.NullDecimal{Decimal: decimal.New(10, 0), Valid: true}
	assert.NotNil(t, q.Columns()[7])
}
