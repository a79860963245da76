package cluster

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabflow/movielens-multigpu/pkg/frame"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCluster(t *testing.T, opts Options) *LocalCluster {
	t.Helper()
	if opts.LocalDir == "" {
		opts.LocalDir = t.TempDir()
	}
	if opts.MemoryLimit == 0 {
		opts.MemoryLimit = 1 << 20
	}
	c, err := NewLocalCluster(opts, discard())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewLocalClusterDevices(t *testing.T) {
	c := newCluster(t, Options{Workers: 2, Devices: []int{3, 5}, Protocol: ProtocolUCX})
	require.Len(t, c.Workers, 2)
	assert.Equal(t, 3, c.Workers[0].Device)
	assert.Equal(t, 5, c.Workers[1].Device)
	assert.Equal(t, ProtocolUCX, c.Protocol)

	c = newCluster(t, Options{Workers: 3})
	assert.Equal(t, 2, c.Workers[2].Device)
	assert.Equal(t, ProtocolTCP, c.Protocol)

	_, err := NewLocalCluster(Options{Workers: 2, Devices: []int{0}, MemoryLimit: 1, LocalDir: t.TempDir()}, discard())
	require.Error(t, err)
	_, err = NewLocalCluster(Options{Workers: 1, Protocol: "udp", MemoryLimit: 1, LocalDir: t.TempDir()}, discard())
	require.Error(t, err)
}

func TestRunExecutesEveryTaskOnce(t *testing.T) {
	c := newCluster(t, Options{Workers: 4})
	tasks := make([]int, 100)
	for i := range tasks {
		tasks[i] = i
	}
	var (
		mu   sync.Mutex
		seen = make(map[int]int)
		by   = make(map[int]int)
		done atomic.Int32
	)
	c.onTask = func(int) { done.Add(1) }
	err := Run(context.Background(), c, "test", tasks, func(ctx context.Context, w *Worker, task int) error {
		mu.Lock()
		defer mu.Unlock()
		seen[task]++
		by[w.ID]++
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 100)
	for task, n := range seen {
		assert.Equal(t, 1, n, "task %d", task)
	}
	assert.EqualValues(t, 100, done.Load())
}

func TestRunFailsFast(t *testing.T) {
	c := newCluster(t, Options{Workers: 2})
	boom := errors.New("boom")
	var ran atomic.Int32
	tasks := make([]int, 1000)
	err := Run(context.Background(), c, "test", tasks, func(ctx context.Context, w *Worker, task int) error {
		if ran.Add(1) == 3 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Less(t, ran.Load(), int32(1000))
}

func intFrame(t *testing.T, vals ...int64) *frame.Frame {
	t.Helper()
	f, err := frame.New(&frame.Column{Name: "x", Kind: frame.Int64, Ints: vals})
	require.NoError(t, err)
	return f
}

func TestBufferSpillsOverLimit(t *testing.T) {
	var spilled atomic.Int64
	c := newCluster(t, Options{
		Workers:     1,
		MemoryLimit: 8 * 3, // three int64 values
		OnSpill:     func(worker int, bytes int64) { spilled.Add(bytes) },
	})
	b, err := c.Workers[0].Buffer("train")
	require.NoError(t, err)

	require.NoError(t, b.Append(intFrame(t, 1, 2)))
	assert.Zero(t, b.SpilledBytes())
	require.NoError(t, b.Append(intFrame(t, 3, 4)))
	assert.Positive(t, b.SpilledBytes())
	require.NoError(t, b.Append(intFrame(t, 5)))
	assert.Equal(t, 5, b.Rows())
	assert.Equal(t, b.SpilledBytes(), spilled.Load())

	all, err := b.Drain()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, all.Column("x").Ints)
	assert.Equal(t, 0, b.Rows())
	assert.Zero(t, b.SpilledBytes())

	// The buffer is reusable after draining.
	require.NoError(t, b.Append(intFrame(t, 6, 7, 8, 9)))
	all, err = b.Drain()
	require.NoError(t, err)
	assert.Equal(t, []int64{6, 7, 8, 9}, all.Column("x").Ints)

	same, err := c.Workers[0].Buffer("train")
	require.NoError(t, err)
	assert.Same(t, b, same)
}
