// Package query resolves user-facing symbols to instrument ids and runs
// index-friendly range scans over the hypertables, shaping results back into
// canonical records.
package query

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"histdata/internal/data"
)

// symbolCacheTTL bounds staleness of the redis-side symbol cache.
const symbolCacheTTL = time.Hour

// SymbolResolutionError lists every symbol that could not be resolved
// against the definitions table.
type SymbolResolutionError struct {
	Unresolved []string
}

func (e *SymbolResolutionError) Error() string {
	return "unresolved symbols: " + strings.Join(e.Unresolved, ", ")
}

// Resolver maps raw symbols onto instrument ids using the definitions table,
// with a read-mostly in-memory cache and an optional redis layer in front.
type Resolver struct {
	conn *data.Conn
	log  *zap.Logger

	mu    sync.RWMutex
	local map[string]uint32
}

func NewResolver(conn *data.Conn, log *zap.Logger) *Resolver {
	return &Resolver{conn: conn, log: log.Named("resolve"), local: make(map[string]uint32)}
}

// ResolveSymbols maps each symbol to its instrument id. Unknown symbols make
// the whole call fail with a SymbolResolutionError naming the unresolved
// set; partial results are never returned silently.
func (r *Resolver) ResolveSymbols(ctx context.Context, symbols []string) (map[string]uint32, error) {
	out := make(map[string]uint32, len(symbols))
	var missing []string

	for _, sym := range symbols {
		if id, ok := r.cached(ctx, sym); ok {
			out[sym] = id
		} else {
			missing = append(missing, sym)
		}
	}

	if len(missing) > 0 {
		resolved, err := r.lookup(ctx, missing)
		if err != nil {
			return nil, err
		}
		var unresolved []string
		for _, sym := range missing {
			id, ok := resolved[sym]
			if !ok {
				unresolved = append(unresolved, sym)
				continue
			}
			out[sym] = id
			r.remember(ctx, sym, id)
		}
		if len(unresolved) > 0 {
			sort.Strings(unresolved)
			return nil, &SymbolResolutionError{Unresolved: unresolved}
		}
	}
	return out, nil
}

// AvailableSymbols lists distinct raw symbols for discovery.
func (r *Resolver) AvailableSymbols(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.conn.DB.Query(ctx,
		`SELECT DISTINCT raw_symbol FROM definitions ORDER BY raw_symbol LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// lookup resolves against the most recent definition per symbol.
func (r *Resolver) lookup(ctx context.Context, symbols []string) (map[string]uint32, error) {
	rows, err := r.conn.DB.Query(ctx, `
		SELECT DISTINCT ON (raw_symbol) raw_symbol, instrument_id
		FROM definitions
		WHERE raw_symbol = ANY($1)
		ORDER BY raw_symbol, ts_event DESC`, symbols)
	if err != nil {
		return nil, fmt.Errorf("resolve symbols: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint32, len(symbols))
	for rows.Next() {
		var sym string
		var id int64
		if err := rows.Scan(&sym, &id); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		out[sym] = uint32(id)
	}
	return out, rows.Err()
}

func (r *Resolver) cached(ctx context.Context, sym string) (uint32, bool) {
	r.mu.RLock()
	id, ok := r.local[sym]
	r.mu.RUnlock()
	if ok {
		return id, true
	}
	if r.conn.Cache != nil {
		val, err := r.conn.Cache.Get(ctx, cacheKey(sym)).Result()
		if err == nil {
			if n, perr := strconv.ParseUint(val, 10, 32); perr == nil {
				id := uint32(n)
				r.mu.Lock()
				r.local[sym] = id
				r.mu.Unlock()
				return id, true
			}
		}
	}
	return 0, false
}

func (r *Resolver) remember(ctx context.Context, sym string, id uint32) {
	r.mu.Lock()
	r.local[sym] = id
	r.mu.Unlock()
	if r.conn.Cache != nil {
		if err := r.conn.Cache.Set(ctx, cacheKey(sym), strconv.FormatUint(uint64(id), 10), symbolCacheTTL).Err(); err != nil {
			r.log.Debug("symbol cache write failed", zap.String("symbol", sym), zap.Error(err))
		}
	}
}

func cacheKey(sym string) string { return "histdata:symbol:" + sym }

// DB exposes the underlying pool for the query builder.
func (r *Resolver) DB() *pgxpool.Pool { return r.conn.DB }
