// Package loader streams training batches out of shard files. Each epoch
// the shards are permuted by a seed every rank agrees on, and rank r of K
// takes shards r, r+K, r+2K, ... of the permutation, so ranks never read
// the same shard. Batches are assembled in the background and handed out
// through a bounded channel.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"github.com/tabflow/movielens-multigpu/pkg/frame"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

// ErrNoShards is returned when the shard directory has no shard files.
var ErrNoShards = errors.New("no shard files found")

// Options configures a Loader.
type Options struct {
	// Dir holds the part_*.parquet shards.
	Dir       string
	BatchSize int
	Columns   Columns
	Rank      int
	Size      int
	// Buffer is the number of batches prepared ahead of the consumer.
	Buffer   int
	Seeds    SeedSource
	Collator Collator
	// Wrap wraps every batch in a singleton batch, to be removed by the
	// Unwrap collator.
	Wrap bool
}

// Loader hands out the batches of one rank.
type Loader struct {
	opts   Options
	shards []string
}

// New lists the shards in opts.Dir.
func New(opts Options) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Size <= 0 || opts.Rank < 0 || opts.Rank >= opts.Size {
		return nil, fmt.Errorf("rank %d out of range for %d ranks", opts.Rank, opts.Size)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1
	}
	if opts.Seeds == nil {
		opts.Seeds = FixedSeed(0)
	}
	if opts.Collator == nil {
		opts.Collator = Identity{}
	}
	shards, err := filepath.Glob(filepath.Join(opts.Dir, "part_*.parquet"))
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoShards, opts.Dir)
	}
	slices.Sort(shards)
	return &Loader{opts: opts, shards: shards}, nil
}

// Shards returns every shard, in name order.
func (l *Loader) Shards() []string { return l.shards }

// Assign returns the shards rank takes for seed.
func Assign(shards []string, seed int64, rank, size int) []string {
	perm := rand.New(rand.NewSource(uint64(seed))).Perm(len(shards))
	var out []string
	for i := rank; i < len(perm); i += size {
		out = append(out, shards[perm[i]])
	}
	return out
}

// Epoch is one pass over a rank's shards.
type Epoch struct {
	Seed   int64
	Shards []string
	// Rows is the number of rows in Shards.
	Rows int64

	batches chan Batch
	cancel  context.CancelFunc
	eg      *errgroup.Group
	err     error
}

// Batches returns how many batches the epoch yields.
func (e *Epoch) Batches(batchSize int) int {
	return int((e.Rows + int64(batchSize) - 1) / int64(batchSize))
}

// Epoch draws the epoch's seed from the seed source and starts producing
// batches. With a group seed source every rank must call Epoch together.
func (l *Loader) Epoch(ctx context.Context) (*Epoch, error) {
	seed, err := l.opts.Seeds.NextSeed(ctx)
	if err != nil {
		return nil, fmt.Errorf("agreeing on shuffle seed: %w", err)
	}
	e := &Epoch{
		Seed:    seed,
		Shards:  Assign(l.shards, seed, l.opts.Rank, l.opts.Size),
		batches: make(chan Batch, l.opts.Buffer),
	}
	for _, s := range e.Shards {
		n, err := frame.NumRows(s)
		if err != nil {
			return nil, err
		}
		e.Rows += n
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.eg, ctx = errgroup.WithContext(ctx)
	e.eg.Go(func() error {
		defer close(e.batches)
		return l.produce(ctx, e)
	})
	return e, nil
}

func (l *Loader) produce(ctx context.Context, e *Epoch) error {
	rng := rand.New(rand.NewSource(uint64(e.Seed) + uint64(l.opts.Rank)))
	var pending *frame.Frame
	emit := func(f *frame.Frame) error {
		b, err := FromFrame(f, l.opts.Columns)
		if err != nil {
			return err
		}
		if l.opts.Wrap {
			b = Batch{Rows: b.Rows, Nested: []Batch{b}}
		}
		b, err = l.opts.Collator.Collate(b)
		if err != nil {
			return fmt.Errorf("collating batch: %w", err)
		}
		select {
		case e.batches <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, path := range e.Shards {
		f, err := frame.ReadParquet(path, l.opts.Columns.All()...)
		if err != nil {
			return err
		}
		f = f.Take(rng.Perm(f.Len()))
		if pending != nil && pending.Len() > 0 {
			if f, err = frame.Concat(pending, f); err != nil {
				return err
			}
		}
		i := 0
		for ; i+l.opts.BatchSize <= f.Len(); i += l.opts.BatchSize {
			if err := emit(f.Slice(i, i+l.opts.BatchSize)); err != nil {
				return err
			}
		}
		pending = f.Slice(i, f.Len())
	}
	if pending != nil && pending.Len() > 0 {
		return emit(pending)
	}
	return nil
}

// Next returns the next batch, or io.EOF after the last one.
func (e *Epoch) Next(ctx context.Context) (Batch, error) {
	select {
	case b, ok := <-e.batches:
		if ok {
			return b, nil
		}
		if e.err == nil {
			e.err = e.eg.Wait()
		}
		if e.err != nil {
			return Batch{}, e.err
		}
		return Batch{}, io.EOF
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Close stops the producer and releases the epoch.
func (e *Epoch) Close() error {
	e.cancel()
	for range e.batches {
	}
	err := e.eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
