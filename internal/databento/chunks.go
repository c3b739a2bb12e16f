package databento

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"histdata/internal/canon"
)

// DateChunk is one [Start, End) sub-range processed as a single unit of
// progress.
type DateChunk struct {
	Start time.Time
	End   time.Time // exclusive
}

// ID derives the deterministic chunk identifier used by the progress table:
// schema, a hash of the sorted symbol group, and the date bounds.
func (c DateChunk) ID(schema canon.Schema, symbols []string) string {
	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)

	h := fnv.New64a()
	h.Write([]byte(strings.Join(sorted, ",")))

	return fmt.Sprintf("%s:%016x:%s:%s",
		schema, h.Sum64(),
		c.Start.Format("2006-01-02"), c.End.Format("2006-01-02"))
}

// SplitDateRange expands an inclusive [start, end] date range into chunks of
// at most chunkDays days. chunkDays <= 0 means one chunk for the whole range.
// A request with start == end still yields a single one-day chunk.
func SplitDateRange(start, end time.Time, chunkDays int) []DateChunk {
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)
	if end.Before(start) {
		return nil
	}

	// The exclusive upper bound covers the final requested day.
	limit := end.AddDate(0, 0, 1)

	if chunkDays <= 0 {
		return []DateChunk{{Start: start, End: limit}}
	}

	var chunks []DateChunk
	for cur := start; cur.Before(limit); cur = cur.AddDate(0, 0, chunkDays) {
		chunkEnd := cur.AddDate(0, 0, chunkDays)
		if chunkEnd.After(limit) {
			chunkEnd = limit
		}
		chunks = append(chunks, DateChunk{Start: cur, End: chunkEnd})
	}
	return chunks
}
