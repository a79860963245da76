package train

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tabflow/movielens-multigpu/pkg/collective"
	"github.com/tabflow/movielens-multigpu/pkg/config"
	"github.com/tabflow/movielens-multigpu/pkg/loader"
	"golang.org/x/sync/errgroup"
)

// OptionsFromConfig returns the options every rank of a run shares. The
// caller fills in the communicator and the per-process hooks.
func OptionsFromConfig(cfg *config.Config, runID string) Options {
	layout := cfg.Layout()
	label := ""
	if len(cfg.Train.Labels) > 0 {
		label = cfg.Train.Labels[0]
	}
	return Options{
		RunID:        runID,
		WorkflowDir:  layout.WorkflowDir,
		ShardDir:     layout.TrainShards,
		BatchSize:    cfg.Train.BatchSize,
		Epochs:       cfg.Train.Epochs,
		LearningRate: cfg.Train.LearningRate,
		Hidden:       cfg.Train.HiddenDims,
		Columns: loader.Columns{
			Cats:   cfg.Train.Cats,
			CatsMH: cfg.Train.CatsMH,
			Conts:  cfg.Train.Conts,
			Label:  label,
		},
		Buffer:    cfg.Train.BufferBatches,
		StatsPath: layout.Epochs,
	}
}

// CollectiveOptions returns the group options for cfg.
func CollectiveOptions(cfg *config.Config, logger *slog.Logger) collective.Options {
	return collective.Options{
		Timeout:   cfg.Train.CollectiveTimeout,
		ChunkSize: cfg.Train.ChunkSize,
		Logger:    logger,
	}
}

// LocalResult is the outcome of an in-process training run.
type LocalResult struct {
	RunID  string        `json:"run_id"`
	Ranks  int           `json:"ranks"`
	Epochs []EpochStats  `json:"epochs"`
	Took   time.Duration `json:"took"`
}

var newLocalGroup = collective.NewLocalGroup

// RunLocal trains with cfg.Train.Workers ranks inside this process, joined
// by an in-memory group. base supplies the per-process hooks (metrics,
// recorder, logger); the root rank writes its status lines to out.
func RunLocal(ctx context.Context, cfg *config.Config, base Options, out io.Writer) (*LocalResult, error) {
	start := time.Now()
	runID := base.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	groups, err := newLocalGroup(cfg.Train.Workers, CollectiveOptions(cfg, base.Logger))
	if err != nil {
		return nil, err
	}
	workers := make([]*Worker, len(groups))
	for rank, g := range groups {
		opts := OptionsFromConfig(cfg, runID)
		opts.Comm = g
		opts.Metrics = base.Metrics
		opts.Recorder = base.Recorder
		opts.Logger = base.Logger
		opts.Seed = base.Seed + uint64(rank)
		if rank == Root {
			opts.Out = out
		}
		if workers[rank], err = NewWorker(opts); err != nil {
			for _, g := range groups {
				g.Close()
			}
			return nil, err
		}
	}
	// The first failing rank cancels the context, which releases the others
	// from any collective they are blocked in.
	stats := make([][]EpochStats, len(groups))
	eg, ctx := errgroup.WithContext(ctx)
	for rank, w := range workers {
		eg.Go(func() error {
			defer groups[rank].Close()
			s, err := w.Run(ctx)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			stats[rank] = s
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return &LocalResult{RunID: runID, Ranks: len(groups), Epochs: stats[Root], Took: time.Since(start)}, nil
}
