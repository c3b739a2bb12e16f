package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats accumulates pipeline counters across a job run. The throughput
// counters and stage timings are updated atomically because the batcher and
// the storage worker both touch them; each per-stage error counter has a
// single writer goroutine and the chunk counters are written only by the
// chunk loop, so those are plain increments. The failure-reason map has its
// own mutex.
type Stats struct {
	Fetched     int64
	Transformed int64
	Validated   int64
	Stored      int64
	Skipped     int64 // duplicates absorbed by the idempotent load
	Quarantined int64

	FetchErrors     int64
	TransformErrors int64
	ValidationFails int64
	StorageErrors   int64

	fetchNs     int64
	transformNs int64
	validateNs  int64
	storeNs     int64

	StartedAt  time.Time
	FinishedAt time.Time

	ChunksDone    int64
	ChunksFailed  int64
	ChunksSkipped int64

	mu      sync.Mutex
	reasons map[string]int64
}

func newStats() *Stats {
	return &Stats{StartedAt: time.Now().UTC(), reasons: make(map[string]int64)}
}

func (s *Stats) addFetched(n int64)     { atomic.AddInt64(&s.Fetched, n) }
func (s *Stats) addTransformed(n int64) { atomic.AddInt64(&s.Transformed, n) }
func (s *Stats) addValidated(n int64)   { atomic.AddInt64(&s.Validated, n) }
func (s *Stats) addStored(n int64)      { atomic.AddInt64(&s.Stored, n) }
func (s *Stats) addSkipped(n int64)     { atomic.AddInt64(&s.Skipped, n) }
func (s *Stats) addQuarantined(n int64) { atomic.AddInt64(&s.Quarantined, n) }

func (s *Stats) timeFetch(d time.Duration)     { atomic.AddInt64(&s.fetchNs, int64(d)) }
func (s *Stats) timeTransform(d time.Duration) { atomic.AddInt64(&s.transformNs, int64(d)) }
func (s *Stats) timeValidate(d time.Duration)  { atomic.AddInt64(&s.validateNs, int64(d)) }
func (s *Stats) timeStore(d time.Duration)     { atomic.AddInt64(&s.storeNs, int64(d)) }

// FetchTime and friends expose per-stage wall clock for the final summary.
func (s *Stats) FetchTime() time.Duration     { return time.Duration(atomic.LoadInt64(&s.fetchNs)) }
func (s *Stats) TransformTime() time.Duration { return time.Duration(atomic.LoadInt64(&s.transformNs)) }
func (s *Stats) ValidateTime() time.Duration  { return time.Duration(atomic.LoadInt64(&s.validateNs)) }
func (s *Stats) StoreTime() time.Duration     { return time.Duration(atomic.LoadInt64(&s.storeNs)) }

func (s *Stats) reason(r string) {
	s.mu.Lock()
	s.reasons[r]++
	s.mu.Unlock()
}

// FailureReason is one aggregated rejection cause.
type FailureReason struct {
	Reason string
	Count  int64
}

// TopReasons returns the most frequent failure reasons, capped at n.
func (s *Stats) TopReasons(n int) []FailureReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailureReason, 0, len(s.reasons))
	for r, c := range s.reasons {
		out = append(out, FailureReason{Reason: r, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
