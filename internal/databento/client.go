// Package databento adapts the market-data vendor's session client into typed
// record streams the pipeline consumes. The wire client itself lives behind
// the SessionClient interface; this package owns request shaping, symbology
// validation, date chunking, structural (stage 1) validation, and retries.
package databento

import (
	"context"
	"fmt"

	dbn "github.com/NimbleMarkets/dbn-go"
)

// WireRecord is one loosely-typed row as the session client hands it over:
// the record type discriminator plus a field map straight off the wire.
// Fixed-point prices arrive as int64 at 1e-9 scale, timestamps as int64
// nanoseconds since the epoch.
type WireRecord struct {
	RType  dbn.RType
	Fields map[string]any
}

// Request describes one (symbols, schema, date-chunk) pull.
type Request struct {
	Dataset string
	Schema  dbn.Schema
	Symbols []string
	STypeIn dbn.SType
	Start   string // YYYY-MM-DD, inclusive
	End     string // YYYY-MM-DD, exclusive
}

// SessionClient is the vendor client surface the adapter drives. Implemented
// by HistClient (histclient.go) for the real HTTP/DBN API; in tests by fakes.
//
// Stream must call emit for every record in the response and return the first
// error emit returns. The stream is finite and not restartable.
type SessionClient interface {
	Connect(ctx context.Context) error
	Close() error
	Stream(ctx context.Context, req Request, emit func(WireRecord) error) error
}

// AuthError is fatal for the job; it never retries.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "vendor authentication failed: " + e.Reason }

// SchemaMismatchError marks a wire record that could not be instantiated as
// the declared type. The record quarantines; the stream continues.
type SchemaMismatchError struct {
	Schema string
	Field  string
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for %s: field %q: %s", e.Schema, e.Field, e.Reason)
}

// TransientError wraps a retryable network-level failure from the client.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient vendor error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }
