// Package train runs one rank of data-parallel training. Every rank
// trains a full replica on its own shards; gradients are averaged across
// the group at each step, and after each epoch all ranks meet at a barrier
// and take rank 0's model and optimizer state.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/beorn7/perks/quantile"
	"github.com/goccy/go-json"
	"github.com/tabflow/movielens-multigpu/pkg/collective"
	"github.com/tabflow/movielens-multigpu/pkg/loader"
	"github.com/tabflow/movielens-multigpu/pkg/metrics"
	"github.com/tabflow/movielens-multigpu/pkg/nn"
	"github.com/tabflow/movielens-multigpu/pkg/results"
	"github.com/tabflow/movielens-multigpu/pkg/workflow"
)

// Root is the rank that owns the reference replica and reports status.
const Root = 0

// Options configures a Worker.
type Options struct {
	RunID       string
	WorkflowDir string
	// ShardDir holds the training shards.
	ShardDir     string
	BatchSize    int
	Epochs       int
	LearningRate float64
	Hidden       []int
	Columns      loader.Columns
	Buffer       int
	Seed         uint64

	Comm     collective.Communicator
	Seeds    loader.SeedSource
	Collator loader.Collator
	Metrics  *metrics.Metrics
	Recorder results.Recorder
	// Out receives the status lines of the root rank.
	Out io.Writer
	// StatsPath, when set, is where the root rank keeps the JSON list of
	// finished epochs.
	StatsPath string
	Logger    *slog.Logger
}

// EpochStats summarises one epoch across the whole group.
type EpochStats struct {
	Epoch int `json:"epoch"`
	// Loss is the row-weighted mean training loss of all ranks.
	Loss float64       `json:"loss"`
	Rows int64         `json:"rows"`
	Took time.Duration `json:"took"`
	// Steps and StepLatency describe the root rank's training steps.
	Steps       int       `json:"steps"`
	StepLatency Quantiles `json:"step_latency_ms"`
}

// Quantiles holds latency quantiles in milliseconds.
type Quantiles struct {
	P25 float64 `json:"p25"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
	P99 float64 `json:"p99"`
}

func (q Quantiles) String() string {
	return fmt.Sprintf("p25=%.2f, p50=%.2f, p75=%.2f, p90=%.2f, p99=%.2f", q.P25, q.P50, q.P75, q.P90, q.P99)
}

// newLatencyStream returns a streaming estimator targeting the quantiles
// of Quantiles.
func newLatencyStream() *quantile.Stream {
	return quantile.NewTargeted(map[float64]float64{
		0.25: 0.01,
		0.50: 0.005,
		0.75: 0.005,
		0.90: 0.001,
		0.99: 0.0005,
	})
}

func quantilesOf(s *quantile.Stream) Quantiles {
	if s.Count() == 0 {
		return Quantiles{}
	}
	return Quantiles{
		P25: s.Query(0.25),
		P50: s.Query(0.50),
		P75: s.Query(0.75),
		P90: s.Query(0.90),
		P99: s.Query(0.99),
	}
}

// WriteEpochStats writes stats as JSON to path, replacing the file
// atomically.
func WriteEpochStats(path string, stats []EpochStats) error {
	b, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding epoch stats: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating epoch stats directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("writing epoch stats: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing epoch stats: %w", err)
	}
	return nil
}

// ReadEpochStats reads the epochs written by WriteEpochStats.
func ReadEpochStats(path string) ([]EpochStats, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading epoch stats: %w", err)
	}
	var stats []EpochStats
	if err := json.Unmarshal(b, &stats); err != nil {
		return nil, fmt.Errorf("decoding epoch stats %s: %w", path, err)
	}
	return stats, nil
}

// Throughput returns rows per second.
func (s EpochStats) Throughput() float64 {
	if s.Took <= 0 {
		return 0
	}
	return float64(s.Rows) / s.Took.Seconds()
}

func (s EpochStats) String() string {
	return fmt.Sprintf(
		"Epoch %02d. Train loss: %.4f. Time: %.2fs. Rows: %d. Throughput: %.2f rows/s",
		s.Epoch, s.Loss, s.Took.Seconds(), s.Rows, s.Throughput(),
	)
}

// Worker is one training rank.
type Worker struct {
	opts    Options
	machine Machine
	logger  *slog.Logger

	model  *nn.Model
	opt    *nn.DistributedOptimizer
	loader *loader.Loader
}

// NewWorker returns a worker in the Initializing state.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Comm == nil {
		return nil, errors.New("training worker needs a communicator")
	}
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", opts.Epochs)
	}
	if opts.Seeds == nil {
		seeds, err := loader.NewGroupSeed(opts.Comm)
		if err != nil {
			return nil, err
		}
		opts.Seeds = seeds
	}
	if opts.Collator == nil {
		opts.Collator = loader.Unwrap{}
	}
	if opts.Recorder == nil {
		opts.Recorder = results.Noop{}
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		opts:   opts,
		logger: logger.With(slog.Int("rank", opts.Comm.Rank()), slog.Int("world_size", opts.Comm.Size())),
	}, nil
}

// State returns the worker's lifecycle state.
func (w *Worker) State() State { return w.machine.State() }

// Model returns the worker's replica, nil before Init.
func (w *Worker) Model() *nn.Model { return w.model }

func (w *Worker) isRoot() bool { return w.opts.Comm.Rank() == Root }

// Init sizes the embedding tables from the fitted workflow, builds the
// replica, optimizer and loader, and takes the root's initial parameters.
func (w *Worker) Init(ctx context.Context) error {
	if w.machine.State() != Initializing || w.model != nil {
		return fmt.Errorf("init in state %s", w.machine.State())
	}
	wf, err := workflow.Load(w.opts.WorkflowDir)
	if err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}
	sizes, err := wf.EmbeddingSizes()
	if err != nil {
		return err
	}
	cfg := nn.Config{Conts: w.opts.Columns.Conts, Hidden: w.opts.Hidden, Seed: w.opts.Seed}
	for _, group := range []struct {
		cols  []string
		multi bool
	}{
		{w.opts.Columns.Cats, false},
		{w.opts.Columns.CatsMH, true},
	} {
		for _, col := range group.cols {
			e, ok := sizes[col]
			if !ok {
				return fmt.Errorf("workflow has no embedding for %q", col)
			}
			cfg.Embeddings = append(cfg.Embeddings, nn.EmbeddingSpec{
				Column:      col,
				Cardinality: e.Cardinality,
				Dim:         e.Dim,
				MultiHot:    group.multi,
			})
		}
	}
	if w.model, err = nn.New(cfg); err != nil {
		return err
	}
	size := w.opts.Comm.Size()
	lr := nn.ScaledLR(w.opts.LearningRate, size)
	w.opt = &nn.DistributedOptimizer{Inner: nn.NewAdam(len(w.model.Params()), lr), Comm: w.opts.Comm}
	w.loader, err = loader.New(loader.Options{
		Dir:       w.opts.ShardDir,
		BatchSize: w.opts.BatchSize,
		Columns:   w.opts.Columns,
		Rank:      w.opts.Comm.Rank(),
		Size:      size,
		Buffer:    w.opts.Buffer,
		Seeds:     w.opts.Seeds,
		Collator:  w.opts.Collator,
	})
	if err != nil {
		return err
	}
	if err := w.opt.Broadcast(ctx, Root, w.model.Params()); err != nil {
		return fmt.Errorf("taking initial parameters: %w", err)
	}
	w.logger.Info(
		"initialized worker",
		slog.Int("params", len(w.model.Params())),
		slog.Float64("learning_rate", lr),
		slog.Int("shards", len(w.loader.Shards())),
	)
	return nil
}

// TrainEpoch runs one pass over the worker's shards. Ranks agree on the
// number of steps up front; a rank that runs out of batches contributes
// zero gradients to the remaining steps.
func (w *Worker) TrainEpoch(ctx context.Context, epoch int) (EpochStats, error) {
	if err := w.machine.To(TrainingEpoch); err != nil {
		return EpochStats{}, err
	}
	start := time.Now()
	e, err := w.loader.Epoch(ctx)
	if err != nil {
		return EpochStats{}, err
	}
	defer e.Close()

	steps, err := w.agreeSteps(ctx, e.Batches(w.opts.BatchSize))
	if err != nil {
		return EpochStats{}, err
	}
	var (
		rows    int64
		lossSum float64
		params  = w.model.Params()
		grads   = w.model.Grads()
		latency = newLatencyStream()
	)
	for step := 0; step < steps; step++ {
		stepStart := time.Now()
		b, err := e.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			clear(grads)
		case err != nil:
			return EpochStats{}, fmt.Errorf("step %d: %w", step, err)
		default:
			logits, err := w.model.Forward(&b)
			if err != nil {
				return EpochStats{}, fmt.Errorf("step %d: %w", step, err)
			}
			loss, dlogits, err := nn.BCEWithLogits(logits, b.Labels)
			if err != nil {
				return EpochStats{}, fmt.Errorf("step %d: %w", step, err)
			}
			if err := w.model.Backward(dlogits); err != nil {
				return EpochStats{}, err
			}
			rows += int64(b.Rows)
			lossSum += loss * float64(b.Rows)
		}
		if err := w.opt.Step(ctx, params, grads); err != nil {
			return EpochStats{}, fmt.Errorf("step %d: %w", step, err)
		}
		latency.Insert(time.Since(stepStart).Seconds() * 1000)
	}

	totals, err := w.opts.Comm.AllReduceSum(ctx, []float64{lossSum, float64(rows)})
	if err != nil {
		return EpochStats{}, fmt.Errorf("reducing epoch totals: %w", err)
	}
	stats := EpochStats{
		Epoch:       epoch,
		Rows:        int64(totals[1]),
		Took:        time.Since(start),
		Steps:       steps,
		StepLatency: quantilesOf(latency),
	}
	if totals[1] > 0 {
		stats.Loss = totals[0] / totals[1]
	}
	if w.opts.Metrics != nil {
		w.opts.Metrics.Epoch(w.opts.Comm.Rank(), rows, lossSum/max(float64(rows), 1), stats.Took)
	}
	if err := w.opts.Recorder.RecordEpoch(ctx, results.Epoch{
		RunID:      w.opts.RunID,
		Rank:       w.opts.Comm.Rank(),
		Epoch:      epoch,
		Loss:       stats.Loss,
		Rows:       rows,
		Took:       stats.Took,
		Throughput: stats.Throughput(),
		FinishedAt: time.Now(),
	}); err != nil {
		return EpochStats{}, err
	}
	w.logger.Debug(
		"finished epoch",
		slog.Int("epoch", epoch),
		slog.Int("steps", steps),
		slog.Int64("local_rows", rows),
		slog.Int64("seed", e.Seed),
		slog.String("step_latency_ms", stats.StepLatency.String()),
		slog.Duration("took", stats.Took),
	)
	return stats, nil
}

// agreeSteps returns the largest batch count of any rank.
func (w *Worker) agreeSteps(ctx context.Context, mine int) (int, error) {
	counts := make([]float64, w.opts.Comm.Size())
	counts[w.opts.Comm.Rank()] = float64(mine)
	all, err := w.opts.Comm.AllReduceSum(ctx, counts)
	if err != nil {
		return 0, fmt.Errorf("agreeing on step count: %w", err)
	}
	steps := 0
	for _, c := range all {
		steps = max(steps, int(c))
	}
	return steps, nil
}

// Synchronize waits for every rank, then overwrites the replica and the
// optimizer state with the root's.
func (w *Worker) Synchronize(ctx context.Context) error {
	if err := w.machine.To(Synchronizing); err != nil {
		return err
	}
	if err := w.opts.Comm.Barrier(ctx); err != nil {
		return fmt.Errorf("epoch barrier: %w", err)
	}
	return w.opt.Broadcast(ctx, Root, w.model.Params())
}

// Run initializes the worker and trains for the configured epochs. The
// root rank prints one status line per epoch and a final completion line.
func (w *Worker) Run(ctx context.Context) ([]EpochStats, error) {
	if err := w.Init(ctx); err != nil {
		return nil, err
	}
	if w.isRoot() {
		if err := w.opts.Recorder.StartRun(ctx, results.Run{
			ID:           w.opts.RunID,
			StartedAt:    time.Now(),
			WorldSize:    w.opts.Comm.Size(),
			BatchSize:    w.opts.BatchSize,
			Epochs:       w.opts.Epochs,
			LearningRate: w.opts.LearningRate,
		}); err != nil {
			return nil, err
		}
	}
	var all []EpochStats
	for epoch := 0; epoch < w.opts.Epochs; epoch++ {
		stats, err := w.TrainEpoch(ctx, epoch)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		all = append(all, stats)
		if w.isRoot() {
			fmt.Fprintln(w.opts.Out, stats)
			if w.opts.StatsPath != "" {
				if err := WriteEpochStats(w.opts.StatsPath, all); err != nil {
					return nil, err
				}
			}
		}
		if err := w.Synchronize(ctx); err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}
	if err := w.machine.To(Complete); err != nil {
		return nil, err
	}
	if w.isRoot() {
		fmt.Fprintln(w.opts.Out, "Training complete")
	}
	return all, nil
}
