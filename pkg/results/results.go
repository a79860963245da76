// Package results records training runs and their per-epoch results.
package results

import (
	"context"
	"time"
)

// Run describes one training run.
type Run struct {
	ID           string
	StartedAt    time.Time
	WorldSize    int
	BatchSize    int
	Epochs       int
	LearningRate float64
}

// Epoch is the result of one epoch on one rank.
type Epoch struct {
	RunID      string
	Rank       int
	Epoch      int
	Loss       float64
	Rows       int64
	Took       time.Duration
	Throughput float64
	FinishedAt time.Time
}

// Recorder stores run results.
type Recorder interface {
	StartRun(ctx context.Context, run Run) error
	RecordEpoch(ctx context.Context, e Epoch) error
	Close() error
}

// Noop discards everything.
type Noop struct{}

func (Noop) StartRun(context.Context, Run) error { return nil }
func (Noop) RecordEpoch(context.Context, Epoch) error { return nil }
func (Noop) Close() error { return nil }

// Open returns a MySQL recorder for dsn, or Noop when dsn is empty.
func Open(ctx context.Context, dsn string) (Recorder, error) {
	if dsn == "" {
		return Noop{}, nil
	}
	return ConnectMySQL(ctx, dsn)
}
