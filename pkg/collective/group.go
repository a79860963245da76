package collective

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"
)

const (
	// DefaultChunkSize is the number of values per message when Options
	// leaves it unset.
	DefaultChunkSize = 1 << 16
	// DefaultSegmentSize is the number of values moved by one operation
	// when Options leaves it unset.
	DefaultSegmentSize = 1 << 22
)

// Options configures a Group.
type Options struct {
	// Timeout bounds each operation. Zero waits forever.
	Timeout time.Duration
	// ChunkSize caps the number of values carried by one message.
	ChunkSize int
	// SegmentSize caps the number of values one operation moves. Larger
	// reductions and broadcasts run as consecutive operations, which
	// bounds what a retaining transport holds at once.
	SegmentSize int
	Logger      *slog.Logger
}

// Releaser is implemented by transports that keep messages until told that
// every member has consumed them.
type Releaser interface {
	// Release drops the messages of every operation up to and including
	// seq.
	Release(ctx context.Context, seq uint64) error
}

// Group is a Communicator over a Transport. Incoming messages are filed in
// a mailbox keyed by operation sequence number until the operation
// consumes them.
//
// Every operation is a rendezvous of all members: ranks that contribute no
// data still publish an empty message. Completing operation n on any
// member therefore proves every member finished operation n-1.
type Group struct {
	rank, size int
	transport  Transport
	opts       Options
	logger     *slog.Logger
	unsub      func() error

	// opMu serialises operations so sequence numbers follow call order.
	opMu sync.Mutex
	seq  uint64

	mu      sync.Mutex
	mailbox map[uint64]*entry
	// done is the sequence number of the last consumed operation; messages
	// at or below it are duplicates.
	done   uint64
	closed chan struct{}
	failed chan struct{}
	err    error
}

// entry collects the chunks of one operation. ready is closed once every
// member's contribution is complete.
type entry struct {
	op      string
	chunks  [][][]float64
	got     []int
	pending int
	ready   chan struct{}
}

// NewGroup joins rank to a group of size members over t.
func NewGroup(rank, size int, t Transport, opts Options) (*Group, error) {
	if size <= 0 {
		return nil, fmt.Errorf("group size must be positive, got %d", size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("rank %d out of range for group of %d", rank, size)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g := &Group{
		rank:      rank,
		size:      size,
		transport: t,
		opts:      opts,
		logger:    logger.With(slog.Int("rank", rank), slog.Int("world_size", size)),
		mailbox:   make(map[uint64]*entry),
		closed:    make(chan struct{}),
		failed:    make(chan struct{}),
	}
	unsub, err := t.Subscribe(g.deliver)
	if err != nil {
		return nil, fmt.Errorf("subscribing to group: %w", err)
	}
	g.unsub = unsub
	return g, nil
}

func (g *Group) Rank() int { return g.rank }
func (g *Group) Size() int { return g.size }

// entryLocked returns the mailbox entry of seq, creating it if needed.
func (g *Group) entryLocked(seq uint64, op string) (*entry, error) {
	e, ok := g.mailbox[seq]
	if !ok {
		e = &entry{
			op:      op,
			chunks:  make([][][]float64, g.size),
			got:     make([]int, g.size),
			pending: g.size,
			ready:   make(chan struct{}),
		}
		g.mailbox[seq] = e
	}
	if e.op != op {
		return nil, fmt.Errorf("operation #%d is %s on one member and %s on another", seq, e.op, op)
	}
	return e, nil
}

// failLocked records the first fatal group error and wakes every waiter.
func (g *Group) failLocked(err error) {
	if g.err != nil {
		return
	}
	g.err = err
	close(g.failed)
}

func (g *Group) deliver(m Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isClosed() {
		return
	}
	if m.From < 0 || m.From >= g.size || m.Chunk < 0 || m.Chunk >= m.Chunks {
		g.logger.Warn("dropping malformed message", slog.String("op", m.Op), slog.Int("from", m.From))
		return
	}
	if m.Seq <= g.done {
		g.logger.Debug("dropping message of finished operation", slog.String("op", m.Op), slog.Uint64("seq", m.Seq))
		return
	}
	e, err := g.entryLocked(m.Seq, m.Op)
	if err != nil {
		g.failLocked(fmt.Errorf("rank %d: %w", m.From, err))
		return
	}
	c := e.chunks[m.From]
	if c == nil {
		c = make([][]float64, m.Chunks)
		e.chunks[m.From] = c
	}
	if len(c) != m.Chunks || c[m.Chunk] != nil {
		return
	}
	c[m.Chunk] = m.Data
	if c[m.Chunk] == nil {
		c[m.Chunk] = []float64{}
	}
	e.got[m.From]++
	if e.got[m.From] == m.Chunks {
		e.pending--
		if e.pending == 0 {
			close(e.ready)
		}
	}
}

func (g *Group) isClosed() bool {
	select {
	case <-g.closed:
		return true
	default:
		return false
	}
}

// next reserves the sequence number of a new operation.
func (g *Group) next() uint64 {
	g.seq++
	return g.seq
}

func (g *Group) send(ctx context.Context, op string, seq uint64, data []float64) error {
	n := max(1, (len(data)+g.opts.ChunkSize-1)/g.opts.ChunkSize)
	for i := range n {
		lo := i * g.opts.ChunkSize
		hi := min(lo+g.opts.ChunkSize, len(data))
		var chunk []float64
		if lo < hi {
			chunk = slices.Clone(data[lo:hi])
		}
		m := Message{Op: op, Seq: seq, From: g.rank, Chunk: i, Chunks: n, Data: chunk}
		if err := g.transport.Publish(ctx, m); err != nil {
			return fmt.Errorf("publishing %s #%d: %w", op, seq, err)
		}
	}
	return nil
}

// wait blocks until every member's contribution to operation seq has
// arrived, then removes it from the mailbox and returns the contributions
// indexed by rank.
func (g *Group) wait(ctx context.Context, op string, seq uint64) ([][]float64, error) {
	g.mu.Lock()
	if g.isClosed() {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return nil, err
	}
	e, err := g.entryLocked(seq, op)
	if err != nil {
		g.failLocked(err)
		g.mu.Unlock()
		return nil, err
	}
	g.mu.Unlock()

	select {
	case <-e.ready:
	case <-g.closed:
		return nil, ErrClosed
	case <-g.failed:
		g.mu.Lock()
		defer g.mu.Unlock()
		return nil, g.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s #%d: %w", op, seq, ctx.Err())
	}

	g.mu.Lock()
	delete(g.mailbox, seq)
	g.done = seq
	g.mu.Unlock()

	out := make([][]float64, g.size)
	for r, c := range e.chunks {
		out[r] = slices.Concat(c...)
	}
	return out, nil
}

// run performs one operation: this member publishes data and waits for the
// contributions of every other member.
func (g *Group) run(ctx context.Context, op string, data []float64) ([][]float64, error) {
	g.opMu.Lock()
	defer g.opMu.Unlock()
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}
	seq := g.next()
	if err := g.send(ctx, op, seq, data); err != nil {
		return nil, err
	}
	parts, err := g.wait(ctx, op, seq)
	if err != nil {
		return nil, err
	}
	if r, ok := g.transport.(Releaser); ok && g.rank == 0 && seq > 1 {
		if err := r.Release(ctx, seq-1); err != nil {
			return nil, fmt.Errorf("releasing operations up to #%d: %w", seq-1, err)
		}
	}
	return parts, nil
}

// segments calls fn for consecutive [lo, hi) windows of n values, at most
// SegmentSize wide. n == 0 still yields one empty window.
func (g *Group) segments(n int, fn func(lo, hi int) error) error {
	for lo := 0; ; lo += g.opts.SegmentSize {
		hi := min(lo+g.opts.SegmentSize, n)
		if err := fn(lo, hi); err != nil {
			return err
		}
		if hi >= n {
			return nil
		}
	}
}

func (g *Group) Barrier(ctx context.Context) error {
	_, err := g.run(ctx, "barrier", nil)
	return err
}

// lengths exchanges every member's payload length so all members split
// the operation into the same segments.
func (g *Group) lengths(ctx context.Context, op string, n int) ([]int64, error) {
	parts, err := g.run(ctx, op+"_len", []float64{math.Float64frombits(uint64(n))})
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(parts))
	for r, p := range parts {
		if len(p) != 1 {
			return nil, fmt.Errorf("%s: rank %d sent %d length values", op, r, len(p))
		}
		out[r] = int64(math.Float64bits(p[0]))
	}
	return out, nil
}

func (g *Group) AllReduceSum(ctx context.Context, data []float64) ([]float64, error) {
	lens, err := g.lengths(ctx, "allreduce", len(data))
	if err != nil {
		return nil, err
	}
	for r, n := range lens {
		if n != int64(len(data)) {
			return nil, fmt.Errorf("allreduce: rank %d sent %d values, rank %d has %d", r, n, g.rank, len(data))
		}
	}
	out := make([]float64, len(data))
	err = g.segments(len(data), func(lo, hi int) error {
		parts, err := g.run(ctx, "allreduce", data[lo:hi])
		if err != nil {
			return err
		}
		for r, p := range parts {
			if len(p) != hi-lo {
				return fmt.Errorf("allreduce: rank %d sent %d values, rank %d has %d", r, len(p), g.rank, hi-lo)
			}
			// Summing in rank order keeps every member's result identical.
			for i, v := range p {
				out[lo+i] += v
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Group) AllReduceInt64(ctx context.Context, v int64) (int64, error) {
	parts, err := g.run(ctx, "allreduce_int64", []float64{math.Float64frombits(uint64(v))})
	if err != nil {
		return 0, err
	}
	var sum int64
	for r, p := range parts {
		if len(p) != 1 {
			return 0, fmt.Errorf("allreduce_int64: rank %d sent %d values", r, len(p))
		}
		sum += int64(math.Float64bits(p[0]))
	}
	return sum, nil
}

func (g *Group) Broadcast(ctx context.Context, root int, data []float64) ([]float64, error) {
	if root < 0 || root >= g.size {
		return nil, fmt.Errorf("broadcast root %d out of range for group of %d", root, g.size)
	}
	lens, err := g.lengths(ctx, "broadcast", len(data))
	if err != nil {
		return nil, err
	}
	n := int(lens[root])
	out := make([]float64, 0, n)
	err = g.segments(n, func(lo, hi int) error {
		var mine []float64
		if g.rank == root {
			mine = data[lo:hi]
		}
		parts, err := g.run(ctx, "broadcast", mine)
		if err != nil {
			return err
		}
		if len(parts[root]) != hi-lo {
			return fmt.Errorf("broadcast: root %d sent %d values, want %d", root, len(parts[root]), hi-lo)
		}
		out = append(out, parts[root]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close leaves the group. Pending and later operations fail with
// ErrClosed.
func (g *Group) Close() error {
	g.mu.Lock()
	if g.isClosed() {
		g.mu.Unlock()
		return nil
	}
	close(g.closed)
	g.mu.Unlock()
	return g.unsub()
}
