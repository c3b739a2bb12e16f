package validate

import (
	"testing"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"histdata/internal/canon"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func goodBar(ts time.Time) *canon.Ohlcv {
	return &canon.Ohlcv{
		InstrumentId: 5602,
		Ts:           ts,
		Open:         dec("4810.25"),
		High:         dec("4823.00"),
		Low:          dec("4806.75"),
		Close:        dec("4808.50"),
		Volume:       1234567,
		Gran:         "1d",
	}
}

func TestValidateOhlcv(t *testing.T) {
	v := New(nil, false, zap.NewNop())
	ts := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	t.Run("happy path", func(t *testing.T) {
		valid, rejected := v.Validate([]canon.Record{goodBar(ts)}, canon.SchemaOhlcv1D)
		assert.Len(t, valid, 1)
		assert.Empty(t, rejected)
	})

	t.Run("high below low rejects with rule name", func(t *testing.T) {
		bad := goodBar(ts)
		bad.High = dec("100")
		bad.Low = dec("150")
		bad.Open = dec("120")
		bad.Close = dec("120")

		valid, rejected := v.Validate([]canon.Record{bad}, canon.SchemaOhlcv1D)
		assert.Empty(t, valid)
		require.Len(t, rejected, 1)
		assert.Equal(t, "high_ge_low", rejected[0].Rule)
	})

	t.Run("open outside range rejects", func(t *testing.T) {
		bad := goodBar(ts)
		bad.Open = dec("4900") // above high

		_, rejected := v.Validate([]canon.Record{bad}, canon.SchemaOhlcv1D)
		require.Len(t, rejected, 1)
		assert.Equal(t, "ohlc_ordering", rejected[0].Rule)
	})

	t.Run("non-positive price rejects", func(t *testing.T) {
		bad := goodBar(ts)
		bad.Low = dec("0")

		_, rejected := v.Validate([]canon.Record{bad}, canon.SchemaOhlcv1D)
		require.Len(t, rejected, 1)
		assert.Equal(t, "positive_prices", rejected[0].Rule)
	})

	t.Run("one bad record does not reject the batch", func(t *testing.T) {
		bad := goodBar(ts)
		bad.High = dec("1")
		bad.Low = dec("2")
		batch := []canon.Record{goodBar(ts), bad, goodBar(ts.AddDate(0, 0, 1))}

		valid, rejected := v.Validate(batch, canon.SchemaOhlcv1D)
		assert.Len(t, valid, 2)
		assert.Len(t, rejected, 1)
	})

	t.Run("zero ts_event rejects", func(t *testing.T) {
		bad := goodBar(time.Time{})
		_, rejected := v.Validate([]canon.Record{bad}, canon.SchemaOhlcv1D)
		require.Len(t, rejected, 1)
		assert.Equal(t, "ts_event_present", rejected[0].Rule)
	})
}

func TestValidateTbbo(t *testing.T) {
	v := New(nil, false, zap.NewNop())
	ts := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

	quote := func() *canon.Tbbo {
		return &canon.Tbbo{
			InstrumentId: 5602,
			Ts:           ts,
			Price:        dec("4810.00"),
			Size:         3,
			Side:         dbn.Side_Bid,
			Sequence:     77,
			BidPx:        decimal.NullDecimal{Decimal: dec("4809.75"), Valid: true},
			AskPx:        decimal.NullDecimal{Decimal: dec("4810.00"), Valid: true},
		}
	}

	t.Run("ordered book passes", func(t *testing.T) {
		valid, rejected := v.Validate([]canon.Record{quote()}, canon.SchemaTbbo)
		assert.Len(t, valid, 1)
		assert.Empty(t, rejected)
	})

	t.Run("crossed book rejects", func(t *testing.T) {
		bad := quote()
		bad.BidPx = decimal.NullDecimal{Decimal: dec("4811.00"), Valid: true}
		_, rejected := v.Validate([]canon.Record{bad}, canon.SchemaTbbo)
		require.Len(t, rejected, 1)
		assert.Equal(t, "bid_le_ask", rejected[0].Rule)
	})

	t.Run("missing bid side passes", func(t *testing.T) {
		q := quote()
		q.BidPx = decimal.NullDecimal{}
		valid, rejected := v.Validate([]canon.Record{q}, canon.SchemaTbbo)
		assert.Len(t, valid, 1)
		assert.Empty(t, rejected)
	})
}

func TestValidateDefinition(t *testing.T) {
	v := New(nil, false, zap.NewNop())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	def := func() *canon.Definition {
		return &canon.Definition{
			InstrumentId:       5602,
			Ts:                 base,
			RawSymbol:          "ESH4",
			InstrumentClass:    "F",
			Exchange:           "XCME",
			Asset:              "ES",
			Expiration:         base.AddDate(0, 3, 0),
			Activation:         base.AddDate(0, -9, 0),
			MinPriceIncrement:  dec("0.25"),
			ContractMultiplier: 50,
		}
	}

	t.Run("valid definition passes", func(t *testing.T) {
		valid, rejected := v.Validate([]canon.Record{def()}, canon.SchemaDefinition)
		assert.Len(t, valid, 1)
		assert.Empty(t, rejected)
	})

	t.Run("expiration before activation rejects", func(t *testing.T) {
		bad := def()
		bad.Expiration = bad.Activation.AddDate(0, -1, 0)
		_, rejected := v.Validate([]canon.Record{bad}, canon.SchemaDefinition)
		require.Len(t, rejected, 1)
		assert.Equal(t, "expiration_after_activation", rejected[0].Rule)
	})

	t.Run("zero tick size rejects", func(t *testing.T) {
		bad := def()
		bad.MinPriceIncrement = dec("0")
		_, rejected := v.Validate([]canon.Record{bad}, canon.SchemaDefinition)
		require.Len(t, rejected, 1)
		assert.Equal(t, "positive_min_price_increment", rejected[0].Rule)
	})

	t.Run("leg fields must match leg_count", func(t *testing.T) {
		bad := def()
		bad.LegCount = 2
		_, rejected := v.Validate([]canon.Record{bad}, canon.SchemaDefinition)
		require.Len(t, rejected, 1)
		assert.Equal(t, "leg_fields_present", rejected[0].Rule)

		also := def()
		sym := "ESH4-ESM4"
		also.LegRawSymbol = &sym
		_, rejected = v.Validate([]canon.Record{also}, canon.SchemaDefinition)
		require.Len(t, rejected, 1)
		assert.Equal(t, "leg_fields_absent", rejected[0].Rule)
	})
}

func TestStatisticsSignedPricesAreInfoOnly(t *testing.T) {
	v := New(nil, false, zap.NewNop())
	rec := &canon.Stat{
		InstrumentId: 1,
		Ts:           time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		StatType:     dbn.StatType_NetChange,
		Price:        decimal.NullDecimal{Decimal: dec("-1.25"), Valid: true},
		UpdateAction: dbn.StatUpdateAction_New,
	}
	valid, rejected := v.Validate([]canon.Record{rec}, canon.SchemaStatistics)
	require.Len(t, valid, 1)
	assert.Empty(t, rejected)
	// Info findings attach to the accepted record.
	require.NotEmpty(t, valid[0].(*canon.Stat).Warnings)
	assert.Equal(t, "negative_stat_price", valid[0].(*canon.Stat).Warnings[0].Rule)
}

func TestStrictModeStillRejectsErrors(t *testing.T) {
	// Trades with zero size are info-severity, which strict mode leaves
	// alone; a warning-severity finding would reject. Use a trade with a
	// negative price to confirm errors always reject regardless.
	v := New(nil, true, zap.NewNop())
	ts := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

	tr := &canon.Trade{InstrumentId: 1, Ts: ts, Price: dec("-1"), Size: 1, Sequence: 1}
	_, rejected := v.Validate([]canon.Record{tr}, canon.SchemaTrades)
	require.Len(t, rejected, 1)
	assert.Equal(t, "non_negative_price", rejected[0].Rule)
}
