// Package store performs idempotent bulk loads of canonical batches into the
// per-schema hypertables and owns the authoritative canonical-field →
// database-column contract.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"histdata/internal/canon"
)

// FieldColumn binds one canonical field to its database column. Order
// matters: it must match the order the record's Columns() method emits
// values in.
type FieldColumn struct {
	Field  string
	Column string
}

// ColumnMap is the static, authoritative contract for one schema.
type ColumnMap struct {
	Table    string
	Fields   []FieldColumn
	Conflict []string // natural-key columns backing ON CONFLICT
}

// Columns returns the database column names in declaration order.
func (cm ColumnMap) Columns() []string {
	out := make([]string, len(cm.Fields))
	for i, fc := range cm.Fields {
		out[i] = fc.Column
	}
	return out
}

var columnMaps = map[canon.Schema]ColumnMap{}

func init() {
	ohlcv := ColumnMap{
		Table: "ohlcv_bars",
		Fields: []FieldColumn{
			{"instrument_id", "instrument_id"},
			{"ts_event", "ts_event"},
			{"granularity", "granularity"},
			{"open_price", "open_price"},
			{"high_price", "high_price"},
			{"low_price", "low_price"},
			{"close_price", "close_price"},
			{"volume", "volume"},
		},
		Conflict: []string{"instrument_id", "ts_event", "granularity"},
	}
	for _, s := range []canon.Schema{canon.SchemaOhlcv1S, canon.SchemaOhlcv1M, canon.SchemaOhlcv1H, canon.SchemaOhlcv1D} {
		columnMaps[s] = ohlcv
	}

	columnMaps[canon.SchemaTrades] = ColumnMap{
		Table: "trades",
		Fields: []FieldColumn{
			{"instrument_id", "instrument_id"},
			{"ts_event", "ts_event"},
			{"ts_recv", "ts_recv"},
			{"price", "price"},
			{"size", "size"},
			{"side", "side"},
			{"sequence", "sequence"},
		},
		Conflict: []string{"instrument_id", "ts_event", "sequence", "price", "size", "side"},
	}

	columnMaps[canon.SchemaTbbo] = ColumnMap{
		Table: "tbbo",
		Fields: []FieldColumn{
			{"instrument_id", "instrument_id"},
			{"ts_event", "ts_event"},
			{"ts_recv", "ts_recv"},
			{"price", "price"},
			{"size", "size"},
			{"side", "side"},
			{"sequence", "sequence"},
			{"bid_px_00", "bid_px_00"},
			{"ask_px_00", "ask_px_00"},
			{"bid_sz_00", "bid_sz_00"},
			{"ask_sz_00", "ask_sz_00"},
		},
		Conflict: []string{"instrument_id", "ts_event", "sequence"},
	}

	columnMaps[canon.SchemaStatistics] = ColumnMap{
		Table: "statistics",
		Fields: []FieldColumn{
			{"instrument_id", "instrument_id"},
			{"ts_event", "ts_event"},
			{"ts_recv", "ts_recv"},
			{"stat_type", "stat_type"},
			{"price", "price"},
			{"quantity", "quantity"},
			{"update_action", "update_action"},
		},
		Conflict: []string{"instrument_id", "ts_event", "stat_type", "update_action"},
	}

	columnMaps[canon.SchemaDefinition] = ColumnMap{
		Table: "definitions",
		Fields: []FieldColumn{
			{"instrument_id", "instrument_id"},
			{"ts_event", "ts_event"},
			{"raw_symbol", "raw_symbol"},
			{"instrument_class", "instrument_class"},
			{"exchange", "exchange"},
			{"asset", "asset"},
			{"expiration", "expiration"},
			{"activation", "activation"},
			{"min_price_increment", "min_price_increment"},
			{"contract_multiplier", "contract_multiplier"},
			{"strike_price", "strike_price"},
			{"leg_count", "leg_count"},
			{"leg_index", "leg_index"},
			{"leg_instrument_id", "leg_instrument_id"},
			{"leg_raw_symbol", "leg_raw_symbol"},
			{"leg_side", "leg_side"},
		},
		Conflict: []string{"instrument_id", "ts_event"},
	}
}

// ColumnMapFor returns the contract for a schema.
func ColumnMapFor(schema canon.Schema) (ColumnMap, error) {
	cm, ok := columnMaps[schema]
	if !ok {
		return ColumnMap{}, fmt.Errorf("no column map for schema %s", schema)
	}
	return cm, nil
}

// sampleRecords provides one well-formed record per schema so the self-check
// can compare the column map against what records actually emit.
func sampleRecords() map[canon.Schema]canon.Record {
	return map[canon.Schema]canon.Record{
		canon.SchemaOhlcv1D:    &canon.Ohlcv{Gran: "1d"},
		canon.SchemaTrades:     &canon.Trade{},
		canon.SchemaTbbo:       &canon.Tbbo{},
		canon.SchemaStatistics: &canon.Stat{},
		canon.SchemaDefinition: &canon.Definition{},
	}
}

// SelfCheck verifies the column contract without touching the database:
// every schema has a map, value arity matches the map, every mapped field
// exists in the record's field set, and every conflict column is mapped.
// Run at startup; a failure here would otherwise surface as silent data
// loss at first insert.
func SelfCheck() error {
	for schema, rec := range sampleRecords() {
		cm, err := ColumnMapFor(schema)
		if err != nil {
			return err
		}
		vals := rec.Columns()
		if len(vals) != len(cm.Fields) {
			return fmt.Errorf("schema %s: record emits %d values but column map declares %d",
				schema, len(vals), len(cm.Fields))
		}
		fields := rec.Fields()
		for _, fc := range cm.Fields {
			if _, ok := fields[fc.Field]; !ok {
				return fmt.Errorf("schema %s: column map field %q not present on canonical record", schema, fc.Field)
			}
		}
		mapped := map[string]bool{}
		for _, fc := range cm.Fields {
			mapped[fc.Column] = true
		}
		for _, col := range cm.Conflict {
			if !mapped[col] {
				return fmt.Errorf("schema %s: conflict column %q is not mapped", schema, col)
			}
		}
	}
	return nil
}

// VerifyAgainstDB checks that every mapped column exists on the live table.
func VerifyAgainstDB(ctx context.Context, db *pgxpool.Pool) error {
	for schema := range sampleRecords() {
		cm, _ := ColumnMapFor(schema)
		rows, err := db.Query(ctx,
			`SELECT column_name FROM information_schema.columns WHERE table_schema = 'public' AND table_name = $1`,
			cm.Table)
		if err != nil {
			return fmt.Errorf("introspect %s: %w", cm.Table, err)
		}
		have := map[string]bool{}
		for rows.Next() {
			var col string
			if err := rows.Scan(&col); err != nil {
				rows.Close()
				return fmt.Errorf("introspect %s: %w", cm.Table, err)
			}
			have[col] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("introspect %s: %w", cm.Table, err)
		}
		if len(have) == 0 {
			return fmt.Errorf("table %s does not exist (run init-db)", cm.Table)
		}
		for _, fc := range cm.Fields {
			if !have[fc.Column] {
				return fmt.Errorf("schema %s: canonical field %q has no column %q on %s",
					schema, fc.Field, fc.Column, cm.Table)
			}
		}
	}
	return nil
}
