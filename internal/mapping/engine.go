package mapping

import (
	"fmt"
	"math"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"histdata/internal/canon"
)

// Source is the input side of a transform: a typed vendor record exposing its
// full field set, nulls included.
type Source interface {
	Schema() canon.Schema
	Fields() map[string]any
}

// TransformationError marks a record the mapping could not convert; the
// record quarantines and the batch continues.
type TransformationError struct {
	Schema canon.Schema
	Field  string
	Reason string
	Err    error
}

func (e *TransformationError) Error() string {
	msg := fmt.Sprintf("transform %s", e.Schema)
	if e.Field != "" {
		msg += fmt.Sprintf(": field %s", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransformationError) Unwrap() error { return e.Err }

// Reject pairs a failed record with its context for the quarantine sink.
type Reject struct {
	Original map[string]any
	Partial  map[string]any
	Err      error
}

// Engine applies one API's mapping document. Compiled once, safe for
// concurrent use.
type Engine struct {
	doc *Document
	log *zap.Logger
}

func NewEngine(doc *Document, log *zap.Logger) *Engine {
	return &Engine{doc: doc, log: log.Named("mapping")}
}

// Rules exposes the document's declared business rules for the validator.
func (e *Engine) Rules(schema canon.Schema) []*RuleDecl { return e.doc.RulesFor(schema) }

// TransformRecord converts one vendor record into its canonical form. The
// source is not mutated.
func (e *Engine) TransformRecord(src Source) (canon.Record, error) {
	rec, _, err := e.transform(src)
	return rec, err
}

// TransformBatch converts a batch. The output may be shorter than the input
// when drop-rules apply or records fail; failures come back as rejects, not
// errors, so one bad record never aborts the batch.
func (e *Engine) TransformBatch(srcs []Source) ([]canon.Record, []Reject) {
	out := make([]canon.Record, 0, len(srcs))
	var rejects []Reject
	for _, src := range srcs {
		rec, dropped, err := e.transform(src)
		if err != nil {
			rejects = append(rejects, Reject{Original: src.Fields(), Err: err})
			continue
		}
		if dropped {
			continue
		}
		out = append(out, rec)
	}
	return out, rejects
}

func (e *Engine) transform(src Source) (canon.Record, bool, error) {
	schema := src.Schema()
	sm, err := e.doc.SchemaMapFor(schema)
	if err != nil {
		return nil, false, &TransformationError{Schema: schema, Reason: err.Error()}
	}

	in := src.Fields()
	out := make(map[string]any, len(sm.FieldMappings))

	for target, fs := range sm.FieldMappings {
		v, err := fs.resolve(in)
		if err != nil {
			return nil, false, &TransformationError{Schema: schema, Field: target, Err: err}
		}
		out[target] = v
	}

	// First matching condition wins, in addition to the base mappings.
	for _, cm := range sm.Conditional {
		v, err := cm.when.Evaluate(in)
		if err != nil {
			return nil, false, &TransformationError{Schema: schema, Reason: "conditional " + cm.When, Err: err}
		}
		if !v.IsTruthy() {
			continue
		}
		if cm.Drop {
			return nil, true, nil
		}
		for target, fs := range cm.Then {
			v, err := fs.resolve(in)
			if err != nil {
				return nil, false, &TransformationError{Schema: schema, Field: target, Err: err}
			}
			out[target] = v
		}
		break
	}

	// Defaults fill only absent/null targets.
	for target, dv := range sm.Defaults {
		if cur, ok := out[target]; !ok || cur == nil {
			out[target] = dv
		}
	}

	var warnings []canon.Warning
	for target, conv := range sm.TypeConversions {
		v, warn, err := convert(out[target], conv)
		if err != nil {
			return nil, false, &TransformationError{Schema: schema, Field: target, Err: err}
		}
		if warn != "" {
			warnings = append(warnings, canon.Warning{Rule: "type_conversion", Message: target + ": " + warn})
		}
		out[target] = v
	}

	rec, err := build(schema, out, warnings)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

func (fs *FieldSource) resolve(in map[string]any) (any, error) {
	switch {
	case fs.SourceField != "":
		// Absent source fields resolve to nil; the defaults section or a
		// required-field check downstream decides whether that is fatal.
		return in[fs.SourceField], nil
	case fs.Literal != nil:
		return fs.Literal, nil
	case fs.expr != nil:
		v, err := fs.expr.Evaluate(in)
		if err != nil {
			return nil, err
		}
		return fromValue(v), nil
	}
	return nil, fmt.Errorf("unresolvable field source")
}

func fromValue(v Value) any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindNum:
		return v.Num
	case KindStr:
		return v.Str
	case KindTime:
		return v.Time
	}
	return nil
}

// ---------------------------------------------------------------------------
// Type conversions
// ---------------------------------------------------------------------------

func convert(v any, conv *Conversion) (any, string, error) {
	if v == nil {
		return nil, "", nil
	}
	switch conv.To {
	case "decimal":
		return toDecimal(v, conv.Precision)
	case "int":
		return toInt(v)
	case "utc_datetime":
		return toUTC(v, conv.TzDefault)
	case "symbol":
		s, ok := v.(string)
		if !ok {
			return nil, "", fmt.Errorf("symbol conversion on %T", v)
		}
		return s, "", nil
	}
	return nil, "", fmt.Errorf("unknown conversion %q", conv.To)
}

// toDecimal scales fixed-point integers by the declared input precision
// (vendor prices are 1e-9 units, so precision 9 is the common case).
// Decimals and strings pass through exactly; floats convert via the decimal
// constructor to avoid accumulating binary error.
func toDecimal(v any, precision int) (any, string, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, "", nil
	case int64:
		return decimal.New(x, int32(-precision)), "", nil
	case int:
		return decimal.New(int64(x), int32(-precision)), "", nil
	case uint32:
		return decimal.New(int64(x), int32(-precision)), "", nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, "", fmt.Errorf("value %d overflows decimal coefficient", x)
		}
		return decimal.New(int64(x), int32(-precision)), "", nil
	case float64:
		return decimal.NewFromFloat(x), "", nil
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return nil, "", fmt.Errorf("parse decimal %q: %w", x, err)
		}
		return d, "", nil
	}
	return nil, "", fmt.Errorf("cannot convert %T to decimal", v)
}

func toInt(v any) (any, string, error) {
	switch x := v.(type) {
	case int64:
		return x, "", nil
	case int:
		return int64(x), "", nil
	case uint32:
		return int64(x), "", nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, "", fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), "", nil
	case decimal.Decimal:
		if !x.Equal(x.Truncate(0)) {
			return nil, "", fmt.Errorf("decimal %s is not integral", x)
		}
		return x.IntPart(), "", nil
	}
	return nil, "", fmt.Errorf("cannot convert %T to int", v)
}

// toUTC normalizes timestamps. A naive timestamp (no zone information) is
// coerced using tz_default, falling back to UTC, and the coercion is
// reported as a warning rather than silently assumed.
func toUTC(v any, tzDefault string) (any, string, error) {
	switch x := v.(type) {
	case time.Time:
		if x.Location() == time.UTC {
			return x, "", nil
		}
		return x.UTC(), "", nil
	case int64:
		return time.Unix(0, x).UTC(), "", nil
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t.UTC(), "", nil
		}
		loc := time.UTC
		warn := "naive timestamp coerced to UTC"
		if tzDefault != "" {
			l, err := time.LoadLocation(tzDefault)
			if err != nil {
				return nil, "", fmt.Errorf("tz_default %q: %w", tzDefault, err)
			}
			loc = l
			warn = "naive timestamp coerced via " + tzDefault
		}
		for _, layout := range []string{"2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05.999999999", "2006-01-02"} {
			if t, err := time.ParseInLocation(layout, x, loc); err == nil {
				return t.UTC(), warn, nil
			}
		}
		return nil, "", fmt.Errorf("unparseable timestamp %q", x)
	}
	return nil, "", fmt.Errorf("cannot convert %T to utc_datetime", v)
}

// ---------------------------------------------------------------------------
// Canonical builders
// ---------------------------------------------------------------------------

// build materializes the canonical struct for the schema. Missing required
// target fields here are errors, not warnings: the mapping is expected to be
// complete.
func build(schema canon.Schema, out map[string]any, warnings []canon.Warning) (canon.Record, error) {
	b := &builder{schema: schema, fields: out}
	var rec canon.Record
	switch {
	case schema.IsOhlcv():
		rec = b.ohlcv(warnings)
	case schema == canon.SchemaTrades:
		rec = b.trade(warnings)
	case schema == canon.SchemaTbbo:
		rec = b.tbbo(warnings)
	case schema == canon.SchemaStatistics:
		rec = b.stat(warnings)
	case schema == canon.SchemaDefinition:
		rec = b.definition(warnings)
	default:
		return nil, &TransformationError{Schema: schema, Reason: "no builder for schema"}
	}
	if b.err != nil {
		return nil, b.err
	}
	return rec, nil
}

type builder struct {
	schema canon.Schema
	fields map[string]any
	err    error
}

func (b *builder) fail(field, reason string) {
	if b.err == nil {
		b.err = &TransformationError{Schema: b.schema, Field: field, Reason: reason}
	}
}

func (b *builder) decimalReq(field string) decimal.Decimal {
	v, ok := b.fields[field]
	if !ok || v == nil {
		b.fail(field, "missing required field after mapping")
		return decimal.Decimal{}
	}
	d, ok := v.(decimal.Decimal)
	if !ok {
		b.fail(field, fmt.Sprintf("expected decimal, got %T", v))
		return decimal.Decimal{}
	}
	return d
}

func (b *builder) decimalOpt(field string) decimal.NullDecimal {
	v, ok := b.fields[field]
	if !ok || v == nil {
		return decimal.NullDecimal{}
	}
	d, ok := v.(decimal.Decimal)
	if !ok {
		b.fail(field, fmt.Sprintf("expected decimal, got %T", v))
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func (b *builder) timeReq(field string) time.Time {
	v, ok := b.fields[field]
	if !ok || v == nil {
		b.fail(field, "missing required field after mapping")
		return time.Time{}
	}
	t, ok := v.(time.Time)
	if !ok {
		b.fail(field, fmt.Sprintf("expected timestamp, got %T", v))
		return time.Time{}
	}
	return t.UTC()
}

func (b *builder) timeOpt(field string) *time.Time {
	v, ok := b.fields[field]
	if !ok || v == nil {
		return nil
	}
	t, ok := v.(time.Time)
	if !ok {
		b.fail(field, fmt.Sprintf("expected timestamp, got %T", v))
		return nil
	}
	u := t.UTC()
	return &u
}

func (b *builder) int64At(field string) (int64, bool) {
	v, ok := b.fields[field]
	if !ok || v == nil {
		return 0, false
	}
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			b.fail(field, "out of range")
			return 0, false
		}
		return int64(x), true
	case decimal.Decimal:
		return x.IntPart(), true
	}
	b.fail(field, fmt.Sprintf("expected integer, got %T", v))
	return 0, false
}

func (b *builder) uint32Req(field string) uint32 {
	n, ok := b.int64At(field)
	if !ok {
		b.fail(field, "missing required field after mapping")
		return 0
	}
	if n < 0 || n > math.MaxUint32 {
		b.fail(field, fmt.Sprintf("out of range: %d", n))
		return 0
	}
	return uint32(n)
}

func (b *builder) uint64Req(field string) uint64 {
	n, ok := b.int64At(field)
	if !ok {
		b.fail(field, "missing required field after mapping")
		return 0
	}
	if n < 0 {
		b.fail(field, fmt.Sprintf("negative: %d", n))
		return 0
	}
	return uint64(n)
}

func (b *builder) stringReq(field string) string {
	v, ok := b.fields[field]
	if !ok || v == nil {
		b.fail(field, "missing required field after mapping")
		return ""
	}
	s, ok := v.(string)
	if !ok {
		b.fail(field, fmt.Sprintf("expected string, got %T", v))
		return ""
	}
	return s
}

func (b *builder) stringOpt(field string) *string {
	v, ok := b.fields[field]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		b.fail(field, fmt.Sprintf("expected string, got %T", v))
		return nil
	}
	return &s
}

func (b *builder) sideOpt(field string) dbn.Side {
	v, ok := b.fields[field]
	if !ok || v == nil {
		return 0
	}
	s, ok := v.(string)
	if !ok || len(s) != 1 {
		b.fail(field, fmt.Sprintf("expected one-letter side, got %v", v))
		return 0
	}
	switch s {
	case "A":
		return dbn.Side_Ask
	case "B":
		return dbn.Side_Bid
	case "N":
		return dbn.Side_None
	}
	b.fail(field, fmt.Sprintf("invalid side %q", s))
	return 0
}

func (b *builder) uint32Opt(field string) *uint32 {
	n, ok := b.int64At(field)
	if !ok {
		return nil
	}
	if n < 0 || n > math.MaxUint32 {
		b.fail(field, fmt.Sprintf("out of range: %d", n))
		return nil
	}
	u := uint32(n)
	return &u
}

func (b *builder) int32Opt(field string) *int32 {
	n, ok := b.int64At(field)
	if !ok {
		return nil
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		b.fail(field, fmt.Sprintf("out of range: %d", n))
		return nil
	}
	i := int32(n)
	return &i
}

func (b *builder) int64Opt(field string) *int64 {
	n, ok := b.int64At(field)
	if !ok {
		return nil
	}
	return &n
}

func (b *builder) ohlcv(warnings []canon.Warning) *canon.Ohlcv {
	return &canon.Ohlcv{
		InstrumentId: b.uint32Req("instrument_id"),
		Ts:           b.timeReq("ts_event"),
		Open:         b.decimalReq("open_price"),
		High:         b.decimalReq("high_price"),
		Low:          b.decimalReq("low_price"),
		Close:        b.decimalReq("close_price"),
		Volume:       b.uint64Req("volume"),
		Gran:         b.stringReq("granularity"),
		Warnings:     warnings,
	}
}

func (b *builder) trade(warnings []canon.Warning) *canon.Trade {
	return &canon.Trade{
		InstrumentId: b.uint32Req("instrument_id"),
		Ts:           b.timeReq("ts_event"),
		TsRecv:       b.timeOpt("ts_recv"),
		Price:        b.decimalReq("price"),
		Size:         b.uint32Req("size"),
		Side:         b.sideOpt("side"),
		Sequence:     b.uint32Req("sequence"),
		Warnings:     warnings,
	}
}

func (b *builder) tbbo(warnings []canon.Warning) *canon.Tbbo {
	return &canon.Tbbo{
		InstrumentId: b.uint32Req("instrument_id"),
		Ts:           b.timeReq("ts_event"),
		TsRecv:       b.timeOpt("ts_recv"),
		Price:        b.decimalReq("price"),
		Size:         b.uint32Req("size"),
		Side:         b.sideOpt("side"),
		Sequence:     b.uint32Req("sequence"),
		BidPx:        b.decimalOpt("bid_px_00"),
		AskPx:        b.decimalOpt("ask_px_00"),
		BidSz:        b.uint32Opt("bid_sz_00"),
		AskSz:        b.uint32Opt("ask_sz_00"),
		Warnings:     warnings,
	}
}

func (b *builder) stat(warnings []canon.Warning) *canon.Stat {
	st, ok := b.int64At("stat_type")
	if !ok {
		b.fail("stat_type", "missing required field after mapping")
	}
	ua, ok := b.int64At("update_action")
	if !ok {
		ua = int64(dbn.StatUpdateAction_New)
	}
	return &canon.Stat{
		InstrumentId: b.uint32Req("instrument_id"),
		Ts:           b.timeReq("ts_event"),
		TsRecv:       b.timeOpt("ts_recv"),
		StatType:     dbn.StatType(st),
		Price:        b.decimalOpt("price"),
		Quantity:     b.int64Opt("quantity"),
		UpdateAction: dbn.StatUpdateAction(ua),
		Warnings:     warnings,
	}
}

func (b *builder) definition(warnings []canon.Warning) *canon.Definition {
	rec := &canon.Definition{
		InstrumentId:       b.uint32Req("instrument_id"),
		Ts:                 b.timeReq("ts_event"),
		RawSymbol:          b.stringReq("raw_symbol"),
		InstrumentClass:    b.stringReq("instrument_class"),
		Exchange:           b.stringReq("exchange"),
		Asset:              b.stringReq("asset"),
		Expiration:         b.timeReq("expiration"),
		Activation:         b.timeReq("activation"),
		MinPriceIncrement:  b.decimalReq("min_price_increment"),
		ContractMultiplier: 1,
		StrikePrice:        b.decimalOpt("strike_price"),
		LegIndex:           b.int32Opt("leg_index"),
		LegInstrumentId:    b.uint32Opt("leg_instrument_id"),
		LegRawSymbol:       b.stringOpt("leg_raw_symbol"),
		LegSide:            b.stringOpt("leg_side"),
		Warnings:           warnings,
	}
	if cm := b.int32Opt("contract_multiplier"); cm != nil {
		rec.ContractMultiplier = *cm
	}
	if lc := b.int32Opt("leg_count"); lc != nil {
		rec.LegCount = *lc
	}
	return rec
}
