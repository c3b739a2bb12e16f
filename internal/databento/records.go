package databento

import (
	"fmt"
	"math"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"

	"histdata/internal/canon"
)

// undefPrice is the vendor's sentinel for an absent fixed-point price.
const undefPrice = int64(math.MaxInt64)

// RawRecord is a structurally validated vendor record. Fields exposes every
// source field by name, with nil for values the wire marked absent, so that
// mapping expressions see nulls instead of missing keys.
type RawRecord interface {
	Schema() canon.Schema
	Fields() map[string]any
}

// RawOhlcv is one vendor bar.
type RawOhlcv struct {
	InstrumentId uint32
	TsEvent      time.Time
	Open         int64
	High         int64
	Low          int64
	Close        int64
	Volume       uint64
	Gran         string
}

func (r *RawOhlcv) Schema() canon.Schema { return canon.Schema("ohlcv-" + r.Gran) }

func (r *RawOhlcv) Fields() map[string]any {
	return map[string]any{
		"instrument_id": r.InstrumentId,
		"ts_event":      r.TsEvent,
		"open":          r.Open,
		"high":          r.High,
		"low":           r.Low,
		"close":         r.Close,
		"volume":        r.Volume,
		"granularity":   r.Gran,
	}
}

// RawTrade is one vendor execution record.
type RawTrade struct {
	InstrumentId uint32
	TsEvent      time.Time
	TsRecv       *time.Time
	Price        int64
	Size         uint32
	Side         dbn.Side
	Sequence     uint32
}

func (r *RawTrade) Schema() canon.Schema { return canon.SchemaTrades }

func (r *RawTrade) Fields() map[string]any {
	return map[string]any{
		"instrument_id": r.InstrumentId,
		"ts_event":      r.TsEvent,
		"ts_recv":       timeField(r.TsRecv),
		"price":         r.Price,
		"size":          r.Size,
		"side":          sideString(r.Side),
		"sequence":      r.Sequence,
	}
}

// RawTbbo is a trade with the book top in effect before it.
type RawTbbo struct {
	RawTrade
	BidPx *int64
	AskPx *int64
	BidSz *uint32
	AskSz *uint32
}

func (r *RawTbbo) Schema() canon.Schema { return canon.SchemaTbbo }

func (r *RawTbbo) Fields() map[string]any {
	f := r.RawTrade.Fields()
	f["bid_px_00"] = int64Field(r.BidPx)
	f["ask_px_00"] = int64Field(r.AskPx)
	f["bid_sz_00"] = uint32Field(r.BidSz)
	f["ask_sz_00"] = uint32Field(r.AskSz)
	return f
}

// RawStat is one venue statistic.
type RawStat struct {
	InstrumentId uint32
	TsEvent      time.Time
	TsRecv       *time.Time
	StatType     dbn.StatType
	Price        *int64
	Quantity     *int64
	UpdateAction dbn.StatUpdateAction
}

func (r *RawStat) Schema() canon.Schema { return canon.SchemaStatistics }

func (r *RawStat) Fields() map[string]any {
	return map[string]any{
		"instrument_id": r.InstrumentId,
		"ts_event":      r.TsEvent,
		"ts_recv":       timeField(r.TsRecv),
		"stat_type":     int64(r.StatType),
		"price":         int64Field(r.Price),
		"quantity":      int64Field(r.Quantity),
		"update_action": int64(r.UpdateAction),
	}
}

// RawDefinition is one instrument definition record.
type RawDefinition struct {
	InstrumentId       uint32
	TsEvent            time.Time
	RawSymbol          string
	InstrumentClass    string
	Exchange           string
	Asset              string
	Expiration         time.Time
	Activation         time.Time
	MinPriceIncrement  int64
	ContractMultiplier int32
	StrikePrice        *int64
	LegCount           int32
	LegIndex           *int32
	LegInstrumentId    *uint32
	LegRawSymbol       *string
	LegSide            *string
}

func (r *RawDefinition) Schema() canon.Schema { return canon.SchemaDefinition }

func (r *RawDefinition) Fields() map[string]any {
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
		"ts_event":            r.TsEvent,
		"raw_symbol":          r.RawSymbol,
		"instrument_class":    r.InstrumentClass,
		"exchange":            r.Exchange,
		"asset":               r.Asset,
		"expiration":          r.Expiration,
		"activation":          r.Activation,
		"min_price_increment": r.MinPriceIncrement,
		"contract_multiplier": int64(r.ContractMultiplier),
		"strike_price":        int64Field(r.StrikePrice),
		"leg_count":           int64(r.LegCount),
		"leg_index":           legIdx,
		"leg_instrument_id":   legID,
		"leg_raw_symbol":      legSym,
		"leg_side":            legSide,
	}
}

func timeField(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func int64Field(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func uint32Field(v *uint32) any {
	if v == nil {
		return nil
	}
	return *v
}

func sideString(s dbn.Side) any {
	if s == 0 {
		return nil
	}
	return string(rune(s))
}

// ---------------------------------------------------------------------------
// Stage-1 structural decoding: wire field maps → typed raw records
// ---------------------------------------------------------------------------

// Decode instantiates a typed record for the requested schema. Any missing or
// mistyped required field produces a SchemaMismatchError; the caller routes
// those to quarantine and keeps consuming.
func Decode(schema canon.Schema, w WireRecord) (RawRecord, error) {
	switch {
	case schema.IsOhlcv():
		return decodeOhlcv(schema, w)
	case schema == canon.SchemaTrades:
		return decodeTrade(w)
	case schema == canon.SchemaTbbo:
		return decodeTbbo(w)
	case schema == canon.SchemaStatistics:
		return decodeStat(w)
	case schema == canon.SchemaDefinition:
		return decodeDefinition(w)
	}
	return nil, &SchemaMismatchError{Schema: string(schema), Reason: "unsupported schema"}
}

type fieldReader struct {
	schema string
	fields map[string]any
	err    error
}

func (fr *fieldReader) fail(field, reason string) {
	if fr.err == nil {
		fr.err = &SchemaMismatchError{Schema: fr.schema, Field: field, Reason: reason}
	}
}

func (fr *fieldReader) uint32Req(field string) uint32 {
	v, ok := fr.fields[field]
	if !ok || v == nil {
		fr.fail(field, "missing")
		return 0
	}
	switch n := v.(type) {
	case uint32:
		return n
	case int64:
		if n < 0 || n > math.MaxUint32 {
			fr.fail(field, fmt.Sprintf("out of range: %d", n))
			return 0
		}
		return uint32(n)
	case int:
		if n < 0 || n > math.MaxUint32 {
			fr.fail(field, fmt.Sprintf("out of range: %d", n))
			return 0
		}
		return uint32(n)
	}
	fr.fail(field, fmt.Sprintf("not an integer: %T", v))
	return 0
}

func (fr *fieldReader) uint64Req(field string) uint64 {
	v, ok := fr.fields[field]
	if !ok || v == nil {
		fr.fail(field, "missing")
		return 0
	}
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		if n < 0 {
			fr.fail(field, fmt.Sprintf("negative: %d", n))
			return 0
		}
		return uint64(n)
	case int:
		if n < 0 {
			fr.fail(field, fmt.Sprintf("negative: %d", n))
			return 0
		}
		return uint64(n)
	}
	fr.fail(field, fmt.Sprintf("not an integer: %T", v))
	return 0
}

func (fr *fieldReader) int64Req(field string) int64 {
	v, ok := fr.fields[field]
	if !ok || v == nil {
		fr.fail(field, "missing")
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		if n > math.MaxInt64 {
			fr.fail(field, "out of range")
			return 0
		}
		return int64(n)
	}
	fr.fail(field, fmt.Sprintf("not an integer: %T", v))
	return 0
}

func (fr *fieldReader) int64Opt(field string) *int64 {
	v, ok := fr.fields[field]
	if !ok || v == nil {
		return nil
	}
	n := fr.int64Req(field)
	if fr.err != nil {
		return nil
	}
	if n == undefPrice {
		return nil
	}
	return &n
}

func (fr *fieldReader) int32Opt(field string) *int32 {
	p := fr.int64Opt(field)
	if p == nil {
		return nil
	}
	if *p < math.MinInt32 || *p > math.MaxInt32 {
		fr.fail(field, "out of range")
		return nil
	}
	n := int32(*p)
	return &n
}

func (fr *fieldReader) uint32Opt(field string) *uint32 {
	v, ok := fr.fields[field]
	if !ok || v == nil {
		return nil
	}
	n := fr.uint32Req(field)
	if fr.err != nil {
		return nil
	}
	return &n
}

func (fr *fieldReader) stringReq(field string) string {
	v, ok := fr.fields[field]
	if !ok || v == nil {
		fr.fail(field, "missing")
		return ""
	}
	s, ok := v.(string)
	if !ok {
		fr.fail(field, fmt.Sprintf("not a string: %T", v))
		return ""
	}
	return s
}

func (fr *fieldReader) stringOpt(field string) *string {
	v, ok := fr.fields[field]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		fr.fail(field, fmt.Sprintf("not a string: %T", v))
		return nil
	}
	return &s
}

// tsReq converts epoch nanoseconds into timezone-aware UTC.
func (fr *fieldReader) tsReq(field string) time.Time {
	n := fr.int64Req(field)
	if fr.err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (fr *fieldReader) tsOpt(field string) *time.Time {
	p := fr.int64Opt(field)
	if p == nil {
		return nil
	}
	t := time.Unix(0, *p).UTC()
	return &t
}

// priceReq rejects the vendor's undefined sentinel in a required slot.
func (fr *fieldReader) priceReq(field string) int64 {
	n := fr.int64Req(field)
	if fr.err == nil && n == undefPrice {
		fr.fail(field, "undefined price in required field")
	}
	return n
}

func (fr *fieldReader) sideOpt(field string) dbn.Side {
	v, ok := fr.fields[field]
	if !ok || v == nil {
		return 0
	}
	switch s := v.(type) {
	case string:
		switch s {
		case "A":
			return dbn.Side_Ask
		case "B":
			return dbn.Side_Bid
		case "N":
			return dbn.Side_None
		case "":
			return 0
		}
		fr.fail(field, fmt.Sprintf("invalid side %q", s))
	case uint8:
		return dbn.Side(s)
	default:
		fr.fail(field, fmt.Sprintf("not a side: %T", v))
	}
	return 0
}

func decodeOhlcv(schema canon.Schema, w WireRecord) (RawRecord, error) {
	fr := &fieldReader{schema: string(schema), fields: w.Fields}
	rec := &RawOhlcv{
		InstrumentId: fr.uint32Req("instrument_id"),
		TsEvent:      fr.tsReq("ts_event"),
		Open:         fr.priceReq("open"),
		High:         fr.priceReq("high"),
		Low:          fr.priceReq("low"),
		Close:        fr.priceReq("close"),
		Volume:       fr.uint64Req("volume"),
		Gran:         schema.Granularity(),
	}
	if fr.err != nil {
		return nil, fr.err
	}
	return rec, nil
}

func decodeTradeInto(fr *fieldReader) RawTrade {
	return RawTrade{
		InstrumentId: fr.uint32Req("instrument_id"),
		TsEvent:      fr.tsReq("ts_event"),
		TsRecv:       fr.tsOpt("ts_recv"),
		Price:        fr.priceReq("price"),
		Size:         fr.uint32Req("size"),
		Side:         fr.sideOpt("side"),
		Sequence:     fr.uint32Req("sequence"),
	}
}

func decodeTrade(w WireRecord) (RawRecord, error) {
	fr := &fieldReader{schema: string(canon.SchemaTrades), fields: w.Fields}
	rec := decodeTradeInto(fr)
	if fr.err != nil {
		return nil, fr.err
	}
	return &rec, nil
}

func decodeTbbo(w WireRecord) (RawRecord, error) {
	fr := &fieldReader{schema: string(canon.SchemaTbbo), fields: w.Fields}
	rec := &RawTbbo{
		RawTrade: decodeTradeInto(fr),
		BidPx:    fr.int64Opt("bid_px_00"),
		AskPx:    fr.int64Opt("ask_px_00"),
		BidSz:    fr.uint32Opt("bid_sz_00"),
		AskSz:    fr.uint32Opt("ask_sz_00"),
	}
	if fr.err != nil {
		return nil, fr.err
	}
	return rec, nil
}

func decodeStat(w WireRecord) (RawRecord, error) {
	fr := &fieldReader{schema: string(canon.SchemaStatistics), fields: w.Fields}
	rec := &RawStat{
		InstrumentId: fr.uint32Req("instrument_id"),
		TsEvent:      fr.tsReq("ts_event"),
		TsRecv:       fr.tsOpt("ts_recv"),
		StatType:     dbn.StatType(fr.int64Req("stat_type")),
		Price:        fr.int64Opt("price"),
		Quantity:     fr.int64Opt("quantity"),
		UpdateAction: dbn.StatUpdateAction(fr.int64Req("update_action")),
	}
	if fr.err != nil {
		return nil, fr.err
	}
	if rec.StatType < dbn.StatType_OpeningPrice || rec.StatType > dbn.StatType_Vwap {
		return nil, &SchemaMismatchError{
			Schema: string(canon.SchemaStatistics), Field: "stat_type",
			Reason: fmt.Sprintf("invalid enum value %d", rec.StatType),
		}
	}
	return rec, nil
}

func decodeDefinition(w WireRecord) (RawRecord, error) {
	fr := &fieldReader{schema: string(canon.SchemaDefinition), fields: w.Fields}
	rec := &RawDefinition{
		InstrumentId:       fr.uint32Req("instrument_id"),
		TsEvent:            fr.tsReq("ts_event"),
		RawSymbol:          fr.stringReq("raw_symbol"),
		InstrumentClass:    fr.stringReq("instrument_class"),
		Exchange:           fr.stringReq("exchange"),
		Asset:              fr.stringReq("asset"),
		Expiration:         fr.tsReq("expiration"),
		Activation:         fr.tsReq("activation"),
		MinPriceIncrement:  fr.priceReq("min_price_increment"),
		ContractMultiplier: 1,
	}
	if cm := fr.int32Opt("contract_multiplier"); cm != nil {
		rec.ContractMultiplier = *cm
	}
	rec.StrikePrice = fr.int64Opt("strike_price")
	if lc := fr.int32Opt("leg_count"); lc != nil {
		rec.LegCount = *lc
	}
	rec.LegIndex = fr.int32Opt("leg_index")
	rec.LegInstrumentId = fr.uint32Opt("leg_instrument_id")
	rec.LegRawSymbol = fr.stringOpt("leg_raw_symbol")
	rec.LegSide = fr.stringOpt("leg_side")
	if fr.err != nil {
		return nil, fr.err
	}
	return rec, nil
}
