// Package quarantine durably captures rejected records with enough context
// to diagnose and reprocess them. Layout: {root}/{job}/{run_ts}/{schema}.ndjson,
// one self-contained JSON object per line, append-only within a run.
package quarantine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"histdata/internal/canon"
)

// Stage names the pipeline stage that rejected the record.
type Stage string

const (
	StageStructural Stage = "structural"
	StageTransform  Stage = "transform"
	StageValidation Stage = "validation"
)

// Entry is one quarantined record.
type Entry struct {
	Ts          time.Time      `json:"ts"`
	Schema      string         `json:"schema"`
	Stage       Stage          `json:"stage"`
	Rule        string         `json:"rule_or_reason"`
	Severity    string         `json:"severity"`
	Original    map[string]any `json:"original,omitempty"`
	Transformed map[string]any `json:"transformed,omitempty"`
	Error       string         `json:"error"`
}

// Sink writes NDJSON quarantine files for one job run. Safe for concurrent
// writers; file handles are opened lazily per schema and closed on Close.
type Sink struct {
	dir string
	log *zap.Logger

	mu    sync.Mutex
	files map[canon.Schema]*os.File
	count int64
}

// NewRun creates the run directory {root}/{job}/{run_ts} and returns a sink
// bound to it.
func NewRun(root, job string, now time.Time, log *zap.Logger) (*Sink, error) {
	dir := filepath.Join(root, job, now.UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create quarantine dir: %w", err)
	}
	return &Sink{
		dir:   dir,
		log:   log.Named("quarantine"),
		files: make(map[canon.Schema]*os.File),
	}, nil
}

// Dir returns the run directory; the orchestrator prints it in the final
// summary.
func (s *Sink) Dir() string { return s.dir }

// Count returns how many entries this run has written.
func (s *Sink) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Write appends one entry to the schema's NDJSON file.
func (s *Sink) Write(schema canon.Schema, e Entry) error {
	if e.Ts.IsZero() {
		e.Ts = time.Now().UTC()
	}
	e.Schema = string(schema)

	line, err := json.Marshal(sanitize(e))
	if err != nil {
		return fmt.Errorf("marshal quarantine entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[schema]
	if !ok {
		path := filepath.Join(s.dir, string(schema)+".ndjson")
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open quarantine file: %w", err)
		}
		s.files[schema] = f
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append quarantine entry: %w", err)
	}
	s.count++
	return nil
}

// Close flushes and closes every open file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for schema, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s quarantine file: %w", schema, err)
		}
		delete(s.files, schema)
	}
	return firstErr
}

// sanitize rewrites field maps into JSON-encodable values; decimals and
// timestamps become strings so the original precision survives the round
// trip.
func sanitize(e Entry) Entry {
	e.Original = sanitizeMap(e.Original)
	e.Transformed = sanitizeMap(e.Transformed)
	return e
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return x
	}
}
