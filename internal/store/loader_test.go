package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"histdata/internal/canon"
	"histdata/internal/config"
)

func TestLoadEmptyBatchSkipsDatabase(t *testing.T) {
	// No pool is wired; an empty batch must return before touching it.
	l := &Loader{policy: config.DefaultRetryPolicy(), log: zap.NewNop()}

	res, err := l.Load(context.Background(), nil, canon.SchemaOhlcv1D)
	require.NoError(t, err)
	assert.Zero(t, res.RowsAttempted)
	assert.Zero(t, res.RowsInserted)
	assert.Zero(t, res.RowsSkipped)
}

func TestLoadUnknownSchemaFails(t *testing.T) {
	l := &Loader{policy: config.DefaultRetryPolicy(), log: zap.NewNop()}
	_, err := l.Load(context.Background(), []canon.Record{&canon.Ohlcv{Gran: "1d"}}, canon.Schema("bogus"))
	assert.Error(t, err)
}

func TestResultAccumulates(t *testing.T) {
	var total Result
	total.add(Result{RowsAttempted: 10, RowsInserted: 8, RowsSkipped: 2})
	total.add(Result{RowsAttempted: 5, RowsInserted: 5})
	assert.Equal(t, int64(15), total.RowsAttempted)
	assert.Equal(t, int64(13), total.RowsInserted)
	assert.Equal(t, int64(2), total.RowsSkipped)
}
