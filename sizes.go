package main

import (
	"fmt"
	"slices"

	"github.com/tabflow/movielens-multigpu/pkg/frame"
)

// sizeHistogram holds the row counts of a set of shards, sorted ascending.
type sizeHistogram []int

func (s sizeHistogram) avg() float64 {
	var sum int
	for _, size := range s {
		sum += size
	}
	return float64(sum) / float64(len(s))
}

func (s sizeHistogram) min() int {
	return s[0]
}

func (s sizeHistogram) max() int {
	return s[len(s)-1]
}

func (s sizeHistogram) percentile(p float32) int {
	if p < 0 || p > 100 {
		panic("percentile out of range")
	}
	return s[min(int(float32(len(s))*p/100), len(s)-1)]
}

func (s sizeHistogram) sum() int64 {
	var sum int64
	for _, size := range s {
		sum += int64(size)
	}
	return sum
}

func (s sizeHistogram) report() Report {
	if len(s) == 0 {
		return Report{"shards": 0}
	}
	return Report{
		"shards": len(s),
		"rows":   s.sum(),
		"min":    s.min(),
		"p50":    s.percentile(50),
		"p90":    s.percentile(90),
		"max":    s.max(),
		"avg":    fmt.Sprintf("%.1f", s.avg()),
	}
}

// shardSizes reads the row count of every shard.
func shardSizes(paths []string) (sizeHistogram, error) {
	sizes := make(sizeHistogram, 0, len(paths))
	for _, p := range paths {
		n, err := frame.NumRows(p)
		if err != nil {
			return nil, fmt.Errorf("sizing shard %s: %w", p, err)
		}
		sizes = append(sizes, int(n))
	}
	slices.Sort(sizes)
	return sizes, nil
}
