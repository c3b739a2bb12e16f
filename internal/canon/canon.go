// Package canon defines the canonical record shapes that flow through the
// ingestion pipeline. Every vendor record is normalized into one of these
// before validation and storage. Prices and sizes are fixed-point decimals;
// nothing in this package touches float64.
package canon

import (
	"fmt"
	"strings"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"
	"github.com/shopspring/decimal"
)

// Schema identifies one of the canonical record families. The string values
// double as the user-facing schema names on the CLI and in job configs.
type Schema string

const (
	SchemaOhlcv1S    Schema = "ohlcv-1s"
	SchemaOhlcv1M    Schema = "ohlcv-1m"
	SchemaOhlcv1H    Schema = "ohlcv-1h"
	SchemaOhlcv1D    Schema = "ohlcv-1d"
	SchemaTrades     Schema = "trades"
	SchemaTbbo       Schema = "tbbo"
	SchemaStatistics Schema = "statistics"
	SchemaDefinition Schema = "definition"
)

// AllSchemas lists every supported schema in a stable order.
var AllSchemas = []Schema{
	SchemaOhlcv1S, SchemaOhlcv1M, SchemaOhlcv1H, SchemaOhlcv1D,
	SchemaTrades, SchemaTbbo, SchemaStatistics, SchemaDefinition,
}

// ParseSchema validates a user-supplied schema name.
func ParseSchema(s string) (Schema, error) {
	for _, sc := range AllSchemas {
		if string(sc) == strings.ToLower(strings.TrimSpace(s)) {
			return sc, nil
		}
	}
	return "", fmt.Errorf("unknown schema %q", s)
}

// IsOhlcv reports whether the schema is one of the bar cadences.
func (s Schema) IsOhlcv() bool {
	switch s {
	case SchemaOhlcv1S, SchemaOhlcv1M, SchemaOhlcv1H, SchemaOhlcv1D:
		return true
	}
	return false
}

// Granularity returns the bar cadence suffix for OHLCV schemas ("1d", "1m", …).
func (s Schema) Granularity() string {
	if !s.IsOhlcv() {
		return ""
	}
	return strings.TrimPrefix(string(s), "ohlcv-")
}

// Table returns the hypertable the schema persists into.
func (s Schema) Table() string {
	switch {
	case s.IsOhlcv():
		return "ohlcv_bars"
	case s == SchemaTrades:
		return "trades"
	case s == SchemaTbbo:
		return "tbbo"
	case s == SchemaStatistics:
		return "statistics"
	case s == SchemaDefinition:
		return "definitions"
	}
	return ""
}

// DbnSchema maps the canonical schema onto the vendor's schema enum.
func (s Schema) DbnSchema() dbn.Schema {
	switch s {
	case SchemaOhlcv1S:
		return dbn.Schema_Ohlcv1S
	case SchemaOhlcv1M:
		return dbn.Schema_Ohlcv1M
	case SchemaOhlcv1H:
		return dbn.Schema_Ohlcv1H
	case SchemaOhlcv1D:
		return dbn.Schema_Ohlcv1D
	case SchemaTrades:
		return dbn.Schema_Trades
	case SchemaTbbo:
		return dbn.Schema_Tbbo
	case SchemaStatistics:
		return dbn.Schema_Statistics
	case SchemaDefinition:
		return dbn.Schema_Definition
	}
	return dbn.Schema_Mixed
}

// Record is the common surface every canonical record exposes. Fields returns
// the full field set as a map, null values included, so rule expressions of
// the form "x is null" see absent values rather than missing keys.
type Record interface {
	Schema() Schema
	InstrumentID() uint32
	TsEvent() time.Time
	Fields() map[string]any
	// Columns returns the values matching the schema's column map, in the
	// column map's declared order.
	Columns() []any
}

// Warning is a non-fatal validation finding attached to an accepted record.
type Warning struct {
	Rule    string
	Message string
}

// Ohlcv is one open/high/low/close/volume bar at a fixed cadence.
type Ohlcv struct {
	InstrumentId uint32
	Ts           time.Time
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       uint64
	Gran         string
	Warnings     []Warning
}

func (r *Ohlcv) Schema() Schema {
	if r.Gran == "" {
		return SchemaOhlcv1D
	}
	return Schema("ohlcv-" + r.Gran)
}
func (r *Ohlcv) InstrumentID() uint32 { return r.InstrumentId }
func (r *Ohlcv) TsEvent() time.Time   { return r.Ts }

func (r *Ohlcv) Fields() map[string]any {
	return map[string]any{
		"instrument_id": r.InstrumentId,
		"ts_event":      r.Ts,
		"open_price":    r.Open,
		"high_price":    r.High,
		"low_price":     r.Low,
		"close_price":   r.Close,
		"volume":        r.Volume,
		"granularity":   r.Gran,
	}
}

func (r *Ohlcv) Columns() []any {
	return []any{r.InstrumentId, r.Ts, r.Gran, r.Open, r.High, r.Low, r.Close, r.Volume}
}

// Trade is a single execution.
type Trade struct {
	InstrumentId uint32
	Ts           time.Time
	TsRecv       *time.Time
	Price        decimal.Decimal
	Size         uint32
	Side         dbn.Side
	Sequence     uint32
	Warnings     []Warning
}

func (r *Trade) Schema() Schema       { return SchemaTrades }
func (r *Trade) InstrumentID() uint32 { return r.InstrumentId }
func (r *Trade) TsEvent() time.Time   { return r.Ts }

func (r *Trade) Fields() map[string]any {
	return map[string]any{
		"instrument_id": r.InstrumentId,
		"ts_event":      r.Ts,
		"ts_recv":       timePtrField(r.TsRecv),
		"price":         r.Price,
		"size":          r.Size,
		"side":          sideField(r.Side),
		"sequence":      r.Sequence,
	}
}

func (r *Trade) Columns() []any {
	return []any{r.InstrumentId, r.Ts, timePtrField(r.TsRecv), r.Price, r.Size, sideColumn(r.Side), r.Sequence}
}

// Tbbo is a trade with the top-of-book quote in effect just before it.
type Tbbo struct {
	InstrumentId uint32
	Ts           time.Time
	TsRecv       *time.Time
	Price        decimal.Decimal
	Size         uint32
	Side         dbn.Side
	Sequence     uint32
	BidPx        decimal.NullDecimal
	AskPx        decimal.NullDecimal
	BidSz        *uint32
	AskSz        *uint32
	Warnings     []Warning
}

func (r *Tbbo) Schema() Schema       { return SchemaTbbo }
func (r *Tbbo) InstrumentID() uint32 { return r.InstrumentId }
func (r *Tbbo) TsEvent() time.Time   { return r.Ts }

func (r *Tbbo) Fields() map[string]any {
	return map[string]any{
		"instrument_id": r.InstrumentId,
		"ts_event":      r.Ts,
		"ts_recv":       timePtrField(r.TsRecv),
		"price":         r.Price,
		"size":          r.Size,
		"side":          sideField(r.Side),
		"sequence":      r.Sequence,
		"bid_px_00":     nullDecimalField(r.BidPx),
		"ask_px_00":     nullDecimalField(r.AskPx),
		"bid_sz_00":     uint32PtrField(r.BidSz),
		"ask_sz_00":     uint32PtrField(r.AskSz),
	}
}

func (r *Tbbo) Columns() []any {
	return []any{
		r.InstrumentId, r.Ts, timePtrField(r.TsRecv), r.Price, r.Size, sideColumn(r.Side), r.Sequence,
		nullDecimalField(r.BidPx), nullDecimalField(r.AskPx), uint32PtrField(r.BidSz), uint32PtrField(r.AskSz),
	}
}

// Stat is a venue-published statistic (settlement, open interest, …).
type Stat struct {
	InstrumentId uint32
	Ts           time.Time
	TsRecv       *time.Time
	StatType     dbn.StatType
	Price        decimal.NullDecimal
	Quantity     *int64
	UpdateAction dbn.StatUpdateAction
	Warnings     []Warning
}

func (r *Stat) Schema() Schema       { return SchemaStatistics }
func (r *Stat) InstrumentID() uint32 { return r.InstrumentId }
func (r *Stat) TsEvent() time.Time   { return r.Ts }

func (r *Stat) Fields() map[string]any {
	var qty any
	if r.Quantity != nil {
		qty = *r.Quantity
	}
	return map[string]any{
		"instrument_id": r.InstrumentId,
		"ts_event":      r.Ts,
		"ts_recv":       timePtrField(r.TsRecv),
		"stat_type":     int64(r.StatType),
		"price":         nullDecimalField(r.Price),
		"quantity":      qty,
		"update_action": int64(r.UpdateAction),
	}
}

func (r *Stat) Columns() []any {
	var qty any
	if r.Quantity != nil {
		qty = *r.Quantity
	}
	return []any{
		r.InstrumentId, r.Ts, timePtrField(r.TsRecv), int16(r.StatType),
		nullDecimalField(r.Price), qty, int16(r.UpdateAction),
	}
}

// Definition describes an instrument: identity, lifecycle dates, tick size,
// and (for spreads) leg structure.
type Definition struct {
	InstrumentId       uint32
	Ts                 time.Time
	RawSymbol          string
	InstrumentClass    string
	Exchange           string
	Asset              string
	Expiration         time.Time
	Activation         time.Time
	MinPriceIncrement  decimal.Decimal
	ContractMultiplier int32
	StrikePrice        decimal.NullDecimal
	LegCount           int32
	LegIndex           *int32
	LegInstrumentId    *uint32
	LegRawSymbol       *string
	LegSide            *string
	Warnings           []Warning
}

func (r *Definition) Schema() Schema       { return SchemaDefinition }
func (r *Definition) InstrumentID() uint32 { return r.InstrumentId }
func (r *Definition) TsEvent() time.Time   { return r.Ts }

func (r *Definition) Fields() map[string]any {
	var legIdx, legID, legSym, legSide any
	if r.LegIndex != nil {
		legIdx = int64(*r.LegIndex)
	}
	if r.LegInstrumentId != nil {
		legID = *r.LegInstrumentId
	}
	if r.LegRawSymbol != nil {
		legSym = *r.LegRawSymbol
	}
	if r.LegSide != nil {
		legSide = *r.LegSide
	}
	return map[string]any{
		"instrument_id":       r.InstrumentId,
		"ts_event":            r.Ts,
		"raw_symbol":          r.RawSymbol,
		"instrument_class":    r.InstrumentClass,
		"exchange":            r.Exchange,
		"asset":               r.Asset,
		"expiration":          r.Expiration,
		"activation":          r.Activation,
		"min_price_increment": r.MinPriceIncrement,
		"contract_multiplier": int64(r.ContractMultiplier),
		"strike_price":        nullDecimalField(r.StrikePrice),
		"leg_count":           int64(r.LegCount),
		"leg_index":           legIdx,
		"leg_instrument_id":   legID,
		"leg_raw_symbol":      legSym,
		"leg_side":            legSide,
	}
}

func (r *Definition) Columns() []any {
	var legIdx, legID, legSym, legSide any
	if r.LegIndex != nil {
		legIdx = *r.LegIndex
	}
	if r.LegInstrumentId != nil {
		legID = *r.LegInstrumentId
	}
	if r.LegRawSymbol != nil {
		legSym = *r.LegRawSymbol
	}
	if r.LegSide != nil {
		legSide = *r.LegSide
	}
	return []any{
		r.InstrumentId, r.Ts, r.RawSymbol, r.InstrumentClass, r.Exchange, r.Asset,
		r.Expiration, r.Activation, r.MinPriceIncrement, r.ContractMultiplier,
		nullDecimalField(r.StrikePrice), r.LegCount, legIdx, legID, legSym, legSide,
	}
}

// Field-map helpers. The Fields view hands nil for absent values so that the
// expression evaluator's null semantics hold.

func sideField(s dbn.Side) any {
	if s == 0 {
		return nil
	}
	return string(rune(s))
}

// sideColumn maps the wire side onto the stored text value. The zero value
// persists as the empty string, not NULL, so the trades natural-key unique
// index still deduplicates side-less records.
func sideColumn(s dbn.Side) string {
	if s == 0 {
		return ""
	}
	return string(rune(s))
}

func timePtrField(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func uint32PtrField(v *uint32) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullDecimalField(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal
}
