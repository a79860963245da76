package collective

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// each runs fn concurrently on every member and waits for all of them.
func each(t *testing.T, groups []*Group, fn func(g *Group) error) {
	t.Helper()
	var eg errgroup.Group
	for _, g := range groups {
		eg.Go(func() error { return fn(g) })
	}
	require.NoError(t, eg.Wait())
}

func localGroup(t *testing.T, size int, opts Options) []*Group {
	t.Helper()
	groups, err := NewLocalGroup(size, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, g := range groups {
			g.Close()
		}
	})
	return groups
}

func TestAllReduceSum(t *testing.T) {
	groups := localGroup(t, 4, Options{ChunkSize: 3})
	ctx := context.Background()
	results := make([][]float64, len(groups))
	each(t, groups, func(g *Group) error {
		data := make([]float64, 10)
		for i := range data {
			data[i] = float64(g.Rank()+1) * (0.1 + float64(i))
		}
		out, err := g.AllReduceSum(ctx, data)
		results[g.Rank()] = out
		return err
	})
	for r := 1; r < len(results); r++ {
		require.Len(t, results[r], 10)
		for i := range results[0] {
			assert.Equal(t, math.Float64bits(results[0][i]), math.Float64bits(results[r][i]))
		}
	}
	assert.InDelta(t, 10*0.1, results[0][0], 1e-12)
	assert.InDelta(t, 10*9.1, results[0][9], 1e-12)
}

func TestAllReduceLengthMismatch(t *testing.T) {
	groups := localGroup(t, 2, Options{})
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for _, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[g.Rank()] = g.AllReduceSum(context.Background(), make([]float64, g.Rank()+1))
		}()
	}
	wg.Wait()
	assert.Error(t, errs[0])
	assert.Error(t, errs[1])
}

func TestAllReduceInt64IsExact(t *testing.T) {
	groups := localGroup(t, 3, Options{})
	big := int64(1) << 60
	each(t, groups, func(g *Group) error {
		sum, err := g.AllReduceInt64(context.Background(), big+int64(g.Rank()))
		if err != nil {
			return err
		}
		if want := 3*big + 3; sum != want {
			return fmt.Errorf("rank %d: got %d, want %d", g.Rank(), sum, want)
		}
		return nil
	})
}

func TestBroadcast(t *testing.T) {
	groups := localGroup(t, 3, Options{ChunkSize: 2})
	results := make([][]float64, 3)
	each(t, groups, func(g *Group) error {
		data := []float64{float64(g.Rank()), 1, 2, 3, 4}
		out, err := g.Broadcast(context.Background(), 2, data)
		// Later writes to the input must not leak into other members.
		data[1] = -1
		results[g.Rank()] = out
		return err
	})
	for _, r := range results {
		assert.Equal(t, []float64{2, 1, 2, 3, 4}, r)
	}

	_, err := groups[0].Broadcast(context.Background(), 5, nil)
	require.Error(t, err)
}

func TestOperationsKeepOrder(t *testing.T) {
	groups := localGroup(t, 3, Options{})
	each(t, groups, func(g *Group) error {
		ctx := context.Background()
		for i := range 20 {
			if err := g.Barrier(ctx); err != nil {
				return err
			}
			out, err := g.Broadcast(ctx, i%3, []float64{float64(i)})
			if err != nil {
				return err
			}
			if out[0] != float64(i) {
				return fmt.Errorf("round %d: got %v", i, out)
			}
		}
		return nil
	})
}

func TestBarrierWaitsForStraggler(t *testing.T) {
	groups := localGroup(t, 3, Options{Timeout: 50 * time.Millisecond})
	errs := make(chan error, 2)
	for _, g := range groups[:2] {
		go func() { errs <- g.Barrier(context.Background()) }()
	}
	for range 2 {
		err := <-errs
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
}

func TestBarrierCompletesWhenAllArrive(t *testing.T) {
	groups := localGroup(t, 3, Options{})
	entered := make(chan int, 3)
	done := make(chan error, 3)
	for _, g := range groups[:2] {
		go func() {
			entered <- g.Rank()
			done <- g.Barrier(context.Background())
		}()
	}
	<-entered
	<-entered
	select {
	case <-done:
		t.Fatal("barrier released before the last member entered")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, groups[2].Barrier(context.Background()))
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestClose(t *testing.T) {
	groups := localGroup(t, 2, Options{})
	errc := make(chan error, 1)
	go func() { errc <- groups[0].Barrier(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, groups[0].Close())
	require.ErrorIs(t, <-errc, ErrClosed)
	require.ErrorIs(t, groups[0].Barrier(context.Background()), ErrClosed)
}

func TestSharedSeedAgreement(t *testing.T) {
	for _, k := range []int{1, 2, 5} {
		t.Run(fmt.Sprint(k), func(t *testing.T) {
			groups := localGroup(t, k, Options{})
			seeds := make([]int64, k)
			each(t, groups, func(g *Group) error {
				rng, err := NewFragmentRand(g.Rank())
				if err != nil {
					return err
				}
				s, err := SharedSeed(context.Background(), g, SeedFragment(rng, k))
				seeds[g.Rank()] = s
				return err
			})
			for _, s := range seeds {
				assert.Equal(t, seeds[0], s)
				assert.GreaterOrEqual(t, s, int64(0))
				assert.Less(t, s, int64(math.MaxInt32/k))
			}
		})
	}
}

func TestNewGroupValidates(t *testing.T) {
	hub := NewLocalHub()
	_, err := NewGroup(2, 2, hub, Options{})
	require.Error(t, err)
	_, err = NewGroup(0, 0, hub, Options{})
	require.Error(t, err)
}

func TestCodec(t *testing.T) {
	m := Message{Op: "allreduce", Seq: 9, From: 3, Chunk: 1, Chunks: 4, Data: []float64{1.5, math.Inf(-1), 0}}
	got, err := decodeMessage(encodeMessage(m))
	require.NoError(t, err)
	assert.Equal(t, m, got)

	empty, err := decodeMessage(encodeMessage(Message{Op: "barrier", Chunks: 1}))
	require.NoError(t, err)
	assert.Nil(t, empty.Data)

	_, err = decodeMessage([]byte{5, 0, 'a'})
	require.Error(t, err)
}

func TestNATSTransport(t *testing.T) {
	srv, err := StartServer(ServerOptions{StoreDir: t.TempDir()})
	require.NoError(t, err)
	defer srv.Shutdown()

	ctx := context.Background()
	const size = 3
	groups := make([]*Group, size)
	for r := range size {
		nc, err := nats.Connect(srv.ClientURL())
		require.NoError(t, err)
		defer nc.Close()
		tr, err := NewNATSTransport(ctx, nc, "test-group", nil)
		require.NoError(t, err)
		g, err := NewGroup(r, size, tr, Options{ChunkSize: 4, Timeout: 10 * time.Second})
		require.NoError(t, err)
		defer g.Close()
		groups[r] = g
	}

	results := make([][]float64, size)
	each(t, groups, func(g *Group) error {
		if err := g.Barrier(ctx); err != nil {
			return err
		}
		data := make([]float64, 9)
		for i := range data {
			data[i] = float64(g.Rank()*10 + i)
		}
		sum, err := g.AllReduceSum(ctx, data)
		if err != nil {
			return err
		}
		out, err := g.Broadcast(ctx, 0, sum)
		results[g.Rank()] = out
		return err
	})
	want := make([]float64, 9)
	for i := range want {
		want[i] = float64(30 + 3*i)
	}
	for _, r := range results {
		assert.Equal(t, want, r)
	}
}

func TestSegmentedOperations(t *testing.T) {
	groups := localGroup(t, 3, Options{ChunkSize: 2, SegmentSize: 3})
	sums := make([][]float64, 3)
	casts := make([][]float64, 3)
	each(t, groups, func(g *Group) error {
		data := make([]float64, 10)
		for i := range data {
			data[i] = float64(g.Rank()*100 + i)
		}
		sum, err := g.AllReduceSum(context.Background(), data)
		if err != nil {
			return err
		}
		sums[g.Rank()] = sum
		var mine []float64
		if g.Rank() == 1 {
			mine = []float64{7, 6, 5, 4, 3, 2, 1}
		}
		casts[g.Rank()], err = g.Broadcast(context.Background(), 1, mine)
		return err
	})
	want := make([]float64, 10)
	for i := range want {
		want[i] = float64(300 + 3*i)
	}
	for r := range 3 {
		assert.Equal(t, want, sums[r])
		assert.Equal(t, []float64{7, 6, 5, 4, 3, 2, 1}, casts[r])
	}
}

// dupHub delivers every message twice.
type dupHub struct{ *LocalHub }

func (h dupHub) Publish(ctx context.Context, m Message) error {
	if err := h.LocalHub.Publish(ctx, m); err != nil {
		return err
	}
	return h.LocalHub.Publish(ctx, m)
}

func TestDuplicateMessagesAreDropped(t *testing.T) {
	hub := dupHub{NewLocalHub()}
	groups := make([]*Group, 3)
	for r := range groups {
		g, err := NewGroup(r, len(groups), hub, Options{ChunkSize: 2})
		require.NoError(t, err)
		defer g.Close()
		groups[r] = g
	}
	each(t, groups, func(g *Group) error {
		for i := range 10 {
			sum, err := g.AllReduceSum(context.Background(), []float64{1, 2, 3})
			if err != nil {
				return err
			}
			if sum[2] != 9 {
				return fmt.Errorf("round %d: got %v", i, sum)
			}
		}
		return g.Barrier(context.Background())
	})
	for _, g := range groups {
		g.mu.Lock()
		assert.Empty(t, g.mailbox, "rank %d", g.rank)
		g.mu.Unlock()
	}
}

func TestNATSStreamIsReleased(t *testing.T) {
	srv, err := StartServer(ServerOptions{StoreDir: t.TempDir(), MaxMemory: 4 << 20})
	require.NoError(t, err)
	defer srv.Shutdown()

	ctx := context.Background()
	const size = 2
	groups := make([]*Group, size)
	for r := range size {
		nc, err := nats.Connect(srv.ClientURL())
		require.NoError(t, err)
		defer nc.Close()
		tr, err := NewNATSTransport(ctx, nc, "retention", nil)
		require.NoError(t, err)
		g, err := NewGroup(r, size, tr, Options{Timeout: 10 * time.Second})
		require.NoError(t, err)
		defer g.Close()
		groups[r] = g
	}

	// 300 steps of 80 KB per member would need about 48 MB if kept.
	data := make([]float64, 10_000)
	each(t, groups, func(g *Group) error {
		for step := range 300 {
			if _, err := g.AllReduceSum(ctx, data); err != nil {
				return fmt.Errorf("step %d: %w", step, err)
			}
		}
		return nil
	})

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	stream, err := js.Stream(ctx, StreamName("retention"))
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.State.Msgs, uint64(2*size))
}
