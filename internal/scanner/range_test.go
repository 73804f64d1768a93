package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRange(t *testing.T) {
	tests := []struct {
		name     string
		from, to uint64
		size     uint64
		want     []BlockRange
	}{
		{"single block", 5, 5, 10, []BlockRange{{5, 5}}},
		{"exact multiple", 1, 20, 10, []BlockRange{{1, 10}, {11, 20}}},
		{"remainder", 951, 980, 2000, []BlockRange{{951, 980}}},
		{"uneven", 0, 4500, 2000, []BlockRange{{0, 1999}, {2000, 3999}, {4000, 4500}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitRange(tt.from, tt.to, tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := SplitRange(1, 2, 0)
	assert.Error(t, err)
	_, err = SplitRange(3, 2, 10)
	assert.Error(t, err)
}

func TestScanWindow(t *testing.T) {
	tests := []struct {
		name    string
		head    uint64
		last    uint64
		indexed bool
		max     uint64
		want    BlockRange
		ok      bool
	}{
		{"resumes after last and caps window", 1000, 950, true, 30, BlockRange{951, 980}, true},
		{"catches up to head", 1000, 990, true, 30, BlockRange{991, 1000}, true},
		{"up to date", 1000, 1000, true, 30, BlockRange{}, false},
		{"index ahead of lagging head", 980, 990, true, 30, BlockRange{}, false},
		{"first scan looks back max blocks", 1000, 0, false, 30, BlockRange{970, 999}, true},
		{"first scan on a young chain", 20, 0, false, 30, BlockRange{0, 20}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := scanWindow(tt.head, tt.last, tt.indexed, tt.max)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
			if ok {
				assert.LessOrEqual(t, got.Len(), tt.max)
			}
		})
	}
}
