package databento

import (
	"context"
	"errors"
	"fmt"
	"sync"

	dbn "github.com/NimbleMarkets/dbn-go"
	"go.uber.org/zap"

	"histdata/internal/canon"
	"histdata/internal/config"
	"histdata/internal/retry"
)

// FetchSpec is the resolved request the orchestrator hands the adapter for
// one chunk.
type FetchSpec struct {
	Dataset string
	Schema  canon.Schema
	Symbols []string
	SType   dbn.SType
	Chunk   DateChunk
}

// Item is one element of the fetch stream: either a typed record or the
// structural-validation failure for the wire record it came from.
type Item struct {
	Record RawRecord
	Wire   WireRecord
	Err    error
}

// Adapter drives the vendor session client. One adapter per job, reused
// across chunks; the session is job-scoped.
type Adapter struct {
	client SessionClient
	policy config.RetryPolicy
	log    *zap.Logger

	mu        sync.Mutex
	connected bool
}

func NewAdapter(client SessionClient, policy config.RetryPolicy, log *zap.Logger) *Adapter {
	return &Adapter{client: client, policy: policy, log: log.Named("adapter")}
}

// Connect is idempotent; repeat calls on an open session are no-ops.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	err := retry.Do(ctx, a.policy, a.log, Retryable, func() error {
		return a.client.Connect(ctx)
	})
	if err != nil {
		return fmt.Errorf("vendor connect: %w", err)
	}
	a.connected = true
	return nil
}

// Close is safe to call repeatedly and on a never-connected adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	return a.client.Close()
}

// ValidateConfig structurally checks job parameters up front and returns
// every violation found.
func (a *Adapter) ValidateConfig(job config.Job) []error {
	var errs []error
	if job.Dataset == "" {
		errs = append(errs, fmt.Errorf("missing dataset"))
	}
	if _, err := canon.ParseSchema(job.Schema); err != nil {
		errs = append(errs, err)
	}
	stype, err := ParseSType(job.STypeIn)
	if err != nil {
		errs = append(errs, err)
	} else {
		errs = append(errs, ValidateSymbols(job.Symbols, stype)...)
	}
	if _, _, err := job.Dates(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// Fetch produces a lazy, finite, non-restartable stream of typed records for
// one chunk. Structural failures flow through the same channel so the
// consumer can quarantine them without losing stream order. The channel is
// bounded; a slow consumer backpressures the vendor read.
//
// The vendor cannot filter the definition schema by symbol server-side, so
// for definitions requested by raw symbol the adapter requests the whole
// dataset and filters client-side by those raw symbols (see DESIGN.md).
// Definitions requested with any other symbol type pass the symbols to the
// vendor unchanged and are not filtered here.
func (a *Adapter) Fetch(ctx context.Context, spec FetchSpec, buffer int) <-chan Item {
	if buffer <= 0 {
		buffer = 1024
	}
	out := make(chan Item, buffer)

	go func() {
		defer close(out)

		req := Request{
			Dataset: spec.Dataset,
			Schema:  spec.Schema.DbnSchema(),
			Symbols: spec.Symbols,
			STypeIn: spec.SType,
			Start:   spec.Chunk.Start.Format("2006-01-02"),
			End:     spec.Chunk.End.Format("2006-01-02"),
		}

		var keep func(RawRecord) bool
		if spec.Schema == canon.SchemaDefinition && spec.SType == dbn.SType_RawSymbol {
			req.Symbols = nil // fetch-all; see above
			want := make(map[string]bool, len(spec.Symbols))
			for _, s := range spec.Symbols {
				want[s] = true
			}
			keep = func(r RawRecord) bool {
				def, ok := r.(*RawDefinition)
				return ok && want[def.RawSymbol]
			}
		}

		err := retry.Do(ctx, a.policy, a.log, Retryable, func() error {
			return a.client.Stream(ctx, req, func(w WireRecord) error {
				item := Item{Wire: w}
				rec, derr := Decode(spec.Schema, w)
				if derr != nil {
					item.Err = derr
				} else {
					if keep != nil && !keep(rec) {
						return nil
					}
					item.Record = rec
				}
				select {
				case out <- item:
					return nil
				case <-ctx.Done():
					return retry.Permanent(ctx.Err())
				}
			})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			select {
			case out <- Item{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return out
}

// Retryable implements the vendor-side retry taxonomy: transient network
// failures and rate limits retry; auth and schema mismatches never do.
func Retryable(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	var mismatch *SchemaMismatchError
	if errors.As(err, &mismatch) {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var rl *retry.RateLimitError
	return errors.As(err, &rl)
}
