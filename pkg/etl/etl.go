// Package etl runs a workflow over a local cluster: statistics are gathered
// per partition on every worker and merged centrally, then every partition
// is transformed into its worker's buffer and each worker writes its rows
// out shuffled across a fixed number of shard files.
package etl

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spaolacci/murmur3"
	"github.com/tabflow/movielens-multigpu/pkg/cluster"
	"github.com/tabflow/movielens-multigpu/pkg/frame"
	"github.com/tabflow/movielens-multigpu/pkg/workflow"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

// Fit fits wf on the training dataset. Each fit phase is one pass over the
// partitions: workers accumulate statistics for the partitions they pull
// and the merged result is finalized before the next phase starts. When
// statsDir is set, the fitted statistics are written there.
func Fit(ctx context.Context, c *cluster.LocalCluster, wf *workflow.Workflow, ds Dataset, statsDir string, logger *slog.Logger) error {
	schema, err := ds.Schema()
	if err != nil {
		return err
	}
	if err := wf.FitSchema(schema); err != nil {
		return err
	}
	parts, err := ds.Partitions()
	if err != nil {
		return err
	}
	columns := wf.InputColumns()

	for phase := 0; phase < wf.NumFitPhases(); phase++ {
		start := time.Now()
		perWorker := make([]*workflow.Stats, len(c.Workers))
		err := cluster.Run(ctx, c, fmt.Sprintf("fit phase %d", phase), parts, func(ctx context.Context, w *cluster.Worker, p Partition) error {
			f, err := p.Read(columns...)
			if err != nil {
				return err
			}
			s, err := wf.FitPartition(phase, f)
			if err != nil {
				return fmt.Errorf("fitting %s: %w", p, err)
			}
			if perWorker[w.ID] != nil {
				s, err = wf.MergeStats(perWorker[w.ID], s)
				if err != nil {
					return err
				}
			}
			perWorker[w.ID] = s
			return nil
		})
		if err != nil {
			return err
		}
		var all []*workflow.Stats
		for _, s := range perWorker {
			if s != nil {
				all = append(all, s)
			}
		}
		merged, err := wf.MergeStats(all...)
		if err != nil {
			return fmt.Errorf("merging statistics of phase %d: %w", phase, err)
		}
		if err := wf.Finalize(merged); err != nil {
			return err
		}
		logger.Info(
			"finished fit phase",
			slog.Int("phase", phase),
			slog.Int("partitions", len(parts)),
			slog.Int64("rows", merged.Rows),
			slog.Duration("took", time.Since(start)),
		)
	}
	if statsDir != "" {
		if err := wf.Save(statsDir); err != nil {
			return fmt.Errorf("writing statistics: %w", err)
		}
	}
	return nil
}

// TransformOptions configures Transform.
type TransformOptions struct {
	// Name identifies the worker buffers of this transform, e.g. "train".
	Name string
	// OutDir receives the shard files. Existing shards there are removed.
	OutDir         string
	FilesPerWorker int
	// Seed drives the per-worker shuffle.
	Seed uint64
}

// Output describes the shards written by Transform.
type Output struct {
	Files []string `json:"files"`
	Rows  int64    `json:"rows"`
	// RowsPerWorker counts the rows each worker wrote.
	RowsPerWorker []int64 `json:"rows_per_worker"`
	SpilledBytes  int64   `json:"spilled_bytes"`
}

// ShardName is the file name of shard i of a worker.
func ShardName(worker, i int) string {
	return fmt.Sprintf("part_%d_%d.parquet", worker, i)
}

// Transform applies the fitted wf to every partition of ds. Transformed
// partitions collect in the executing worker's buffer; once all are done,
// each worker shuffles its rows and writes FilesPerWorker shards.
func Transform(ctx context.Context, c *cluster.LocalCluster, wf *workflow.Workflow, ds Dataset, opts TransformOptions, logger *slog.Logger) (*Output, error) {
	if !wf.Fitted() {
		return nil, workflow.ErrNotFitted
	}
	if opts.FilesPerWorker <= 0 {
		return nil, fmt.Errorf("files per worker must be positive, got %d", opts.FilesPerWorker)
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(opts.OutDir)
	}
	parts, err := ds.Partitions()
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(opts.OutDir); err != nil {
		return nil, fmt.Errorf("clearing output directory: %w", err)
	}
	if err := os.MkdirAll(opts.OutDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	columns := wf.InputColumns()

	err = cluster.Run(ctx, c, "transform "+opts.Name, parts, func(ctx context.Context, w *cluster.Worker, p Partition) error {
		f, err := p.Read(columns...)
		if err != nil {
			return err
		}
		out, err := wf.Transform(f)
		if err != nil {
			return fmt.Errorf("transforming %s: %w", p, err)
		}
		b, err := w.Buffer(opts.Name)
		if err != nil {
			return err
		}
		return b.Append(out)
	})
	if err != nil {
		return nil, err
	}

	output := &Output{RowsPerWorker: make([]int64, len(c.Workers))}
	files := make([][]string, len(c.Workers))
	spilledPerWorker := make([]int64, len(c.Workers))
	eg, ctx := errgroup.WithContext(ctx)
	for _, w := range c.Workers {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := w.Buffer(opts.Name)
			if err != nil {
				return err
			}
			spilled := b.SpilledBytes()
			rows, err := b.Drain()
			if err != nil {
				return err
			}
			if rows.NumColumns() == 0 {
				rows = frame.Empty(wf.OutputSchema())
			}
			paths, err := writeShards(rows, opts.OutDir, w.ID, opts.FilesPerWorker, opts.Seed)
			if err != nil {
				return fmt.Errorf("worker %d: %w", w.ID, err)
			}
			files[w.ID] = paths
			output.RowsPerWorker[w.ID] = int64(rows.Len())
			spilledPerWorker[w.ID] = spilled
			logger.Debug(
				"wrote shards",
				slog.String("split", opts.Name),
				slog.Int("worker", w.ID),
				slog.Int("rows", rows.Len()),
				slog.Int64("spilled_bytes", spilled),
			)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for i := range c.Workers {
		output.Files = append(output.Files, files[i]...)
		output.Rows += output.RowsPerWorker[i]
		output.SpilledBytes += spilledPerWorker[i]
	}
	return output, nil
}

// writeShards shuffles rows and distributes them over n shard files by the
// murmur3 hash of a per-row shuffle key.
func writeShards(rows *frame.Frame, dir string, worker, n int, seed uint64) ([]string, error) {
	rng := rand.New(rand.NewSource(seed ^ uint64(worker+1)*0x9e3779b97f4a7c15))
	perm := rng.Perm(rows.Len())
	buckets := make([][]int, n)
	var key [8]byte
	for _, i := range perm {
		binary.LittleEndian.PutUint64(key[:], rng.Uint64())
		b := murmur3.Sum32WithSeed(key[:], uint32(worker)) % uint32(n)
		buckets[b] = append(buckets[b], i)
	}
	paths := make([]string, n)
	for i, idx := range buckets {
		paths[i] = filepath.Join(dir, ShardName(worker, i))
		if err := frame.WriteParquet(paths[i], rows.Take(idx)); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// ListShards returns the shard files in dir in name order.
func ListShards(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "part_*.parquet"))
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)
	return paths, nil
}
