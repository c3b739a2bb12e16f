package query

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histdata/internal/canon"
)

func sampleBars() []canon.Record {
	ts := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	return []canon.Record{
		&canon.Ohlcv{
			InstrumentId: 5602,
			Ts:           ts,
			Open:         decimal.RequireFromString("4810.25"),
			High:         decimal.RequireFromString("4823"),
			Low:          decimal.RequireFromString("4806.75"),
			Close:        decimal.RequireFromString("4808.5"),
			Volume:       1234567,
			Gran:         "1d",
		},
		&canon.Ohlcv{
			InstrumentId: 5602,
			Ts:           ts.AddDate(0, 0, 1),
			Open:         decimal.RequireFromString("4808.5"),
			High:         decimal.RequireFromString("4820"),
			Low:          decimal.RequireFromString("4800"),
			Close:        decimal.RequireFromString("4815"),
			Volume:       987654,
			Gran:         "1d",
		},
	}
}

func TestToTabular(t *testing.T) {
	table, err := ToTabular(canon.SchemaOhlcv1D, sampleBars())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"instrument_id", "ts_event", "granularity",
		"open_price", "high_price", "low_price", "close_price", "volume",
	}, table.Header)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "5602", table.Rows[0][0])
	assert.Equal(t, "2024-01-15T00:00:00Z", table.Rows[0][1])
	assert.Equal(t, "4810.25", table.Rows[0][3])
	assert.Equal(t, "1234567", table.Rows[0][7])
}

func TestWriteCSV(t *testing.T) {
	table, err := ToTabular(canon.SchemaOhlcv1D, sampleBars())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, table.WriteCSV(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "instrument_id,ts_event"))
	assert.Contains(t, lines[1], "4810.25")
}

func TestWriteJSON(t *testing.T) {
	table, err := ToTabular(canon.SchemaOhlcv1D, sampleBars())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, table.WriteJSON(&buf))

	var out []map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "4823", out[0]["high_price"])
}

func TestWriteTableAligns(t *testing.T) {
	table, err := ToTabular(canon.SchemaOhlcv1D, sampleBars())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, table.WriteTable(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	// Header, separator, and every row share one width.
	assert.Equal(t, len(lines[0]), len(lines[1]))
	assert.Equal(t, len(lines[0]), len(lines[2]))
}

func TestTabularNullsRenderEmpty(t *testing.T) {
	q := &canon.Tbbo{
		InstrumentId: 1,
		Ts:           time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Price:        decimal.New(10, 0),
		Size:         1,
		Sequence:     1,
	}
	table, err := ToTabular(canon.SchemaTbbo, []canon.Record{q})
	require.NoError(t, err)
	// bid_px_00 is absent: renders as the empty cell, not "<nil>".
	assert.Equal(t, "", table.Rows[0][7])
}

func TestSortBySymbolOrder(t *testing.T) {
	bars := sampleBars()
	other := &canon.Ohlcv{InstrumentId: 100, Ts: time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC), Gran: "1d",
		Open: decimal.New(1, 0), High: decimal.New(1, 0), Low: decimal.New(1, 0), Close: decimal.New(1, 0)}
	records := append([]canon.Record{other}, bars...)

	SortBySymbolOrder(records, true)
	assert.Equal(t, uint32(100), records[0].InstrumentID())
	assert.True(t, records[1].TsEvent().Before(records[2].TsEvent()))

	SortBySymbolOrder(records, false)
	assert.True(t, records[1].TsEvent().After(records[2].TsEvent()))
}
