package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histdata/internal/canon"
)

func TestSelfCheckPasses(t *testing.T) {
	require.NoError(t, SelfCheck())
}

func TestColumnMapCoversEverySchema(t *testing.T) {
	for _, schema := range canon.AllSchemas {
		cm, err := ColumnMapFor(schema)
		require.NoError(t, err, schema)
		assert.Equal(t, schema.Table(), cm.Table, schema)
		assert.NotEmpty(t, cm.Conflict, schema)
	}
}

func TestColumnOrderMatchesRecordValues(t *testing.T) {
	for schema, rec := range sampleRecords() {
		cm, err := ColumnMapFor(schema)
		require.NoError(t, err)
		assert.Len(t, rec.Columns(), len(cm.Fields), "schema %s", schema)
	}
}

func TestOhlcvVariantsShareOneTable(t *testing.T) {
	daily, _ := ColumnMapFor(canon.SchemaOhlcv1D)
	minute, _ := ColumnMapFor(canon.SchemaOhlcv1M)
	assert.Equal(t, daily.Table, minute.Table)
	// Granularity is part of the natural key so cadences never collide.
	assert.Contains(t, daily.Conflict, "granularity")
}

func TestConflictColumnsAreMapped(t *testing.T) {
	for _, schema := range canon.AllSchemas {
		cm, _ := ColumnMapFor(schema)
		mapped := map[string]bool{}
		for _, fc := range cm.Fields {
			mapped[fc.Column] = true
		}
		for _, col := range cm.Conflict {
			assert.True(t, mapped[col], "schema %s conflict column %s", schema, col)
		}
	}
}
