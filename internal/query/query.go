package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"
	"github.com/jackc/pgx/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"histdata/internal/canon"
	"histdata/internal/data"
	"histdata/internal/store"
)

// Params is one user query after symbol parsing: a date range over a symbol
// set with optional shaping.
type Params struct {
	Symbols []string
	Start   time.Time // inclusive date
	End     time.Time // inclusive date
	Limit   int
	// Ascending orders rows oldest-first for display; the scan itself always
	// walks the (instrument_id, ts_event DESC) index.
	Ascending bool
}

// Builder turns user queries into index-friendly range scans.
type Builder struct {
	resolver *Resolver
	log      *zap.Logger
}

func NewBuilder(conn *data.Conn, log *zap.Logger) *Builder {
	return &Builder{resolver: NewResolver(conn, log), log: log.Named("query")}
}

// Resolver exposes symbol resolution for the CLI's discovery commands.
func (b *Builder) Resolver() *Resolver { return b.resolver }

// Query streams canonical records for the schema to the visit callback,
// resolving symbols first. Rows arrive lazily; set Params.Limit to bound the
// result. The filter order is fixed to match the composite index: first
// instrument_id, then the ts_event range, then schema-specific filters.
func (b *Builder) Query(ctx context.Context, schema canon.Schema, p Params, visit func(canon.Record) error) error {
	ids, err := b.resolver.ResolveSymbols(ctx, p.Symbols)
	if err != nil {
		return err
	}
	idList := make([]int64, 0, len(ids))
	for _, id := range ids {
		idList = append(idList, int64(id))
	}

	cm, err := store.ColumnMapFor(schema)
	if err != nil {
		return err
	}

	dir := "DESC"
	if p.Ascending {
		dir = "ASC"
	}
	sql := fmt.Sprintf(
		`SELECT %s FROM %s WHERE instrument_id = ANY($1) AND ts_event >= $2 AND ts_event < $3`,
		strings.Join(cm.Columns(), ", "), cm.Table)
	args := []any{idList, p.Start.UTC(), p.End.UTC().AddDate(0, 0, 1)}
	if schema.IsOhlcv() {
		sql += ` AND granularity = $4`
		args = append(args, schema.Granularity())
	}
	sql += fmt.Sprintf(` ORDER BY instrument_id, ts_event %s`, dir)
	if p.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, p.Limit)
	}

	rows, err := b.resolver.DB().Query(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", cm.Table, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(schema, rows)
		if err != nil {
			return fmt.Errorf("scan %s row: %w", cm.Table, err)
		}
		if err := visit(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Collect materializes a query result in memory. Use only with a limit or a
// known-small range.
func (b *Builder) Collect(ctx context.Context, schema canon.Schema, p Params) ([]canon.Record, error) {
	var out []canon.Record
	err := b.Query(ctx, schema, p, func(rec canon.Record) error {
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanRecord(schema canon.Schema, rows pgx.Rows) (canon.Record, error) {
	switch {
	case schema.IsOhlcv():
		return scanOhlcv(rows)
	case schema == canon.SchemaTrades:
		return scanTrade(rows)
	case schema == canon.SchemaTbbo:
		return scanTbbo(rows)
	case schema == canon.SchemaStatistics:
		return scanStat(rows)
	case schema == canon.SchemaDefinition:
		return scanDefinition(rows)
	}
	return nil, fmt.Errorf("no scanner for schema %s", schema)
}

func scanOhlcv(rows pgx.Rows) (canon.Record, error) {
	r := &canon.Ohlcv{}
	var id, vol int64
	if err := rows.Scan(&id, &r.Ts, &r.Gran, &r.Open, &r.High, &r.Low, &r.Close, &vol); err != nil {
		return nil, err
	}
	r.InstrumentId = uint32(id)
	r.Volume = uint64(vol)
	r.Ts = r.Ts.UTC()
	return r, nil
}

func scanTrade(rows pgx.Rows) (canon.Record, error) {
	r := &canon.Trade{}
	var id, size, seq int64
	var side string
	if err := rows.Scan(&id, &r.Ts, &r.TsRecv, &r.Price, &size, &side, &seq); err != nil {
		return nil, err
	}
	r.InstrumentId = uint32(id)
	r.Size = uint32(size)
	r.Side = sideFromColumn(side)
	r.Sequence = uint32(seq)
	r.Ts = r.Ts.UTC()
	return r, nil
}

func scanTbbo(rows pgx.Rows) (canon.Record, error) {
	r := &canon.Tbbo{}
	var id, size, seq int64
	var side string
	var bidPx, askPx *decimal.Decimal
	var bidSz, askSz *int64
	if err := rows.Scan(&id, &r.Ts, &r.TsRecv, &r.Price, &size, &side, &seq,
		&bidPx, &askPx, &bidSz, &askSz); err != nil {
		return nil, err
	}
	r.InstrumentId = uint32(id)
	r.Size = uint32(size)
	r.Side = sideFromColumn(side)
	r.Sequence = uint32(seq)
	r.Ts = r.Ts.UTC()
	if bidPx != nil {
		r.BidPx = decimal.NullDecimal{Decimal: *bidPx, Valid: true}
	}
	if askPx != nil {
		r.AskPx = decimal.NullDecimal{Decimal: *askPx, Valid: true}
	}
	if bidSz != nil {
		v := uint32(*bidSz)
		r.BidSz = &v
	}
	if askSz != nil {
		v := uint32(*askSz)
		r.AskSz = &v
	}
	return r, nil
}

func scanStat(rows pgx.Rows) (canon.Record, error) {
	r := &canon.Stat{}
	var id int64
	var statType, updateAction int16
	var price *decimal.Decimal
	if err := rows.Scan(&id, &r.Ts, &r.TsRecv, &statType, &price, &r.Quantity, &updateAction); err != nil {
		return nil, err
	}
	r.InstrumentId = uint32(id)
	r.StatType = dbn.StatType(statType)
	r.UpdateAction = dbn.StatUpdateAction(updateAction)
	r.Ts = r.Ts.UTC()
	if price != nil {
		r.Price = decimal.NullDecimal{Decimal: *price, Valid: true}
	}
	return r, nil
}

func scanDefinition(rows pgx.Rows) (canon.Record, error) {
	r := &canon.Definition{}
	var id int64
	var strike *decimal.Decimal
	var legID *int64
	if err := rows.Scan(&id, &r.Ts, &r.RawSymbol, &r.InstrumentClass, &r.Exchange, &r.Asset,
		&r.Expiration, &r.Activation, &r.MinPriceIncrement, &r.ContractMultiplier,
		&strike, &r.LegCount, &r.LegIndex, &legID, &r.LegRawSymbol, &r.LegSide); err != nil {
		return nil, err
	}
	r.InstrumentId = uint32(id)
	r.Ts = r.Ts.UTC()
	r.Expiration = r.Expiration.UTC()
	r.Activation = r.Activation.UTC()
	if strike != nil {
		r.StrikePrice = decimal.NullDecimal{Decimal: *strike, Valid: true}
	}
	if legID != nil {
		v := uint32(*legID)
		r.LegInstrumentId = &v
	}
	return r, nil
}

func sideFromColumn(s string) dbn.Side {
	switch s {
	case "A":
		return dbn.Side_Ask
	case "B":
		return dbn.Side_Bid
	case "N":
		return dbn.Side_None
	}
	return 0
}
