package databento

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histdata/internal/canon"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSplitDateRange(t *testing.T) {
	tests := []struct {
		name      string
		start     string
		end       string
		chunkDays int
		want      [][2]string // start, exclusive end
	}{
		{
			name:  "no chunking yields one chunk",
			start: "2024-01-01", end: "2024-03-31", chunkDays: 0,
			want: [][2]string{{"2024-01-01", "2024-04-01"}},
		},
		{
			name:  "equal start and end yields exactly one one-day chunk",
			start: "2024-01-15", end: "2024-01-15", chunkDays: 7,
			want: [][2]string{{"2024-01-15", "2024-01-16"}},
		},
		{
			name:  "even split",
			start: "2024-01-01", end: "2024-01-20", chunkDays: 10,
			want: [][2]string{{"2024-01-01", "2024-01-11"}, {"2024-01-11", "2024-01-21"}},
		},
		{
			name:  "final chunk clamped to range end",
			start: "2024-01-01", end: "2024-01-25", chunkDays: 10,
			want: [][2]string{
				{"2024-01-01", "2024-01-11"},
				{"2024-01-11", "2024-01-21"},
				{"2024-01-21", "2024-01-26"},
			},
		},
		{
			name:  "end before start yields nothing",
			start: "2024-02-01", end: "2024-01-01", chunkDays: 5,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := SplitDateRange(day(tt.start), day(tt.end), tt.chunkDays)
			require.Len(t, chunks, len(tt.want))
			for i, want := range tt.want {
				assert.Equal(t, day(want[0]), chunks[i].Start, "chunk %d start", i)
				assert.Equal(t, day(want[1]), chunks[i].End, "chunk %d end", i)
			}
		})
	}
}

func TestChunkIDDeterministic(t *testing.T) {
	chunk := DateChunk{Start: day("2024-01-01"), End: day("2024-01-31")}

	a := chunk.ID(canon.SchemaOhlcv1D, []string{"ES.c.0", "NQ.c.0"})
	b := chunk.ID(canon.SchemaOhlcv1D, []string{"NQ.c.0", "ES.c.0"})
	assert.Equal(t, a, b, "symbol order must not change the chunk id")

	c := chunk.ID(canon.SchemaTrades, []string{"ES.c.0", "NQ.c.0"})
	assert.NotEqual(t, a, c, "schema is part of the chunk id")

	other := DateChunk{Start: day("2024-02-01"), End: day("2024-02-29")}
	assert.NotEqual(t, a, other.ID(canon.SchemaOhlcv1D, []string{"ES.c.0", "NQ.c.0"}))
}
