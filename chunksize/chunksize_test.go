package chunksize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	assert.Equal(t, int64(DefaultPartSize), Default(0))
	assert.Equal(t, int64(DefaultPartSize), Default(-1))
	assert.Equal(t, int64(MinPartSize), Default(1))
	assert.Equal(t, int64(10<<20), Default(10<<20))
}

func TestRangesCoverage(t *testing.T) {
	for _, test := range []struct {
		total, part int64
		want        []Range
	}{
		{1048576, 64 * 1024 * 1024, []Range{{0, 1048575}}},
		{10485760, 4194304, []Range{{0, 4194303}, {4194304, 8388607}, {8388608, 10485759}}},
		{0, 100, nil},
	} {
		got := Ranges(test.total, test.part)
		assert.Equal(t, test.want, got)
	}
}

func TestRangesPartitionProperty(t *testing.T) {
	for _, total := range []int64{1, 100, 4194304, 10485760, 200000000} {
		for _, part := range []int64{1, 7, 4194304, 64000000} {
			ranges := Ranges(total, part)
			if len(ranges) == 0 {
				continue
			}
			assert.Equal(t, int64(0), ranges[0].Start)
			assert.Equal(t, total-1, ranges[len(ranges)-1].End)
			for i := 1; i < len(ranges); i++ {
				assert.Equal(t, ranges[i-1].End+1, ranges[i].Start, "ranges must be contiguous, no gap/overlap")
			}
		}
	}
}

func TestNumParts(t *testing.T) {
	assert.Equal(t, int64(4), NumParts(200000000, 64000000))
	assert.Equal(t, int64(1), NumParts(1048576, 64*1024*1024))
	assert.Equal(t, int64(0), NumParts(100, 0))
}
