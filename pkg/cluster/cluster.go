// Package cluster runs ETL tasks on a pool of local workers, one per
// device. A central scheduler feeds tasks into a shared queue that idle
// workers pull from; the first failing task cancels the whole job.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// Protocols supported for worker communication. In-process workers
// exchange data over channels whichever is selected; the protocol is kept
// for reporting and for parity with multi-host deployments.
const (
	ProtocolTCP = "tcp"
	ProtocolUCX = "ucx"
)

// Options configures a LocalCluster.
type Options struct {
	Workers int
	// Devices binds worker i to Devices[i]. Empty binds worker i to device i.
	Devices     []int
	MemoryLimit int64
	Protocol    string
	// LocalDir is the parent of every worker's private directory.
	LocalDir string
	// OnSpill is called after a worker spills a buffer to disk.
	OnSpill func(worker int, bytes int64)
	// OnTask is called after a worker finishes a task.
	OnTask func(worker int)
	// Progress shows a progress bar for each Run.
	Progress bool
}

// LocalCluster is a set of in-process workers.
type LocalCluster struct {
	ID       string
	Workers  []*Worker
	Protocol string
	Dir      string

	logger   *slog.Logger
	progress bool
	onTask   func(worker int)
}

// NewLocalCluster starts a cluster with one worker per device.
func NewLocalCluster(opts Options, logger *slog.Logger) (*LocalCluster, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("cluster needs at least one worker, got %d", opts.Workers)
	}
	if len(opts.Devices) > 0 && len(opts.Devices) != opts.Workers {
		return nil, fmt.Errorf("%d devices listed for %d workers", len(opts.Devices), opts.Workers)
	}
	switch opts.Protocol {
	case "":
		opts.Protocol = ProtocolTCP
	case ProtocolTCP, ProtocolUCX:
	default:
		return nil, fmt.Errorf("unsupported protocol %q", opts.Protocol)
	}
	if opts.MemoryLimit <= 0 {
		return nil, fmt.Errorf("memory limit must be positive, got %d", opts.MemoryLimit)
	}

	id := uuid.NewString()
	dir := filepath.Join(opts.LocalDir, "cluster-"+id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cluster directory: %w", err)
	}
	c := &LocalCluster{
		ID:       id,
		Protocol: opts.Protocol,
		Dir:      dir,
		logger:   logger.With(slog.String("cluster", id)),
		progress: opts.Progress,
		onTask:   opts.OnTask,
	}
	for i := 0; i < opts.Workers; i++ {
		device := i
		if len(opts.Devices) > 0 {
			device = opts.Devices[i]
		}
		w := &Worker{
			ID:          i,
			Device:      device,
			MemoryLimit: opts.MemoryLimit,
			LocalDir:    filepath.Join(dir, fmt.Sprintf("worker-%d", i)),
			logger:      c.logger.With(slog.Int("worker", i), slog.Int("device", device)),
			onSpill:     opts.OnSpill,
		}
		if err := os.MkdirAll(w.LocalDir, 0755); err != nil {
			return nil, fmt.Errorf("creating worker directory: %w", err)
		}
		c.Workers = append(c.Workers, w)
	}
	c.logger.Info(
		"started local cluster",
		slog.Int("workers", len(c.Workers)),
		slog.String("protocol", c.Protocol),
		slog.Int64("memory_limit", opts.MemoryLimit),
	)
	return c, nil
}

// Close releases every worker and removes the cluster directory.
func (c *LocalCluster) Close() error {
	var errs []error
	for _, w := range c.Workers {
		errs = append(errs, w.Close())
	}
	errs = append(errs, os.RemoveAll(c.Dir))
	return errors.Join(errs...)
}

// Run executes fn for every task on the cluster's workers and waits for
// all of them. Tasks are pulled from a shared queue in order; the first
// error cancels the remaining tasks and is returned.
func Run[T any](
	ctx context.Context,
	c *LocalCluster,
	desc string,
	tasks []T,
	fn func(ctx context.Context, w *Worker, task T) error,
) error {
	var bar *progressbar.ProgressBar
	if c.progress {
		bar = progressbar.Default(int64(len(tasks)), desc)
	}
	queue := make(chan T)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer close(queue)
		for _, t := range tasks {
			select {
			case queue <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for _, w := range c.Workers {
		eg.Go(func() error {
			for t := range queue {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := fn(ctx, w, t); err != nil {
					return fmt.Errorf("worker %d: %w", w.ID, err)
				}
				if c.onTask != nil {
					c.onTask(w.ID)
				}
				if bar != nil {
					bar.Add(1)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("running %s: %w", desc, err)
	}
	return nil
}
