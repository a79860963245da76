package cluster

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tabflow/movielens-multigpu/pkg/frame"
)

// Worker is one ETL worker, bound to a single device.
type Worker struct {
	ID     int
	Device int
	// MemoryLimit is the number of bytes a buffer holds before spilling.
	MemoryLimit int64
	LocalDir    string

	logger  *slog.Logger
	onSpill func(worker int, bytes int64)

	mu      sync.Mutex
	buffers map[string]*Buffer
}

// Buffer returns the worker's named row buffer, creating it on first use.
func (w *Worker) Buffer(name string) (*Buffer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.buffers[name]; ok {
		return b, nil
	}
	spiller, err := NewSpiller(w.LocalDir, name)
	if err != nil {
		return nil, fmt.Errorf("creating spill directory for worker %d: %w", w.ID, err)
	}
	b := &Buffer{worker: w, name: name, limit: w.MemoryLimit, spiller: spiller}
	if w.buffers == nil {
		w.buffers = make(map[string]*Buffer)
	}
	w.buffers[name] = b
	return b, nil
}

// Close removes every buffer's spill files.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for name, b := range w.buffers {
		if err := b.spiller.Cleanup(); err != nil && first == nil {
			first = err
		}
		delete(w.buffers, name)
	}
	return first
}

// Buffer accumulates frames on a worker. Once the resident size exceeds the
// worker's memory limit, the buffered frames are concatenated and spilled
// to local disk.
type Buffer struct {
	worker  *Worker
	name    string
	limit   int64
	spiller Spiller

	mu       sync.Mutex
	frames   []*frame.Frame
	resident int64
	rows     int
	spilled  int64
}

// Append adds a frame to the buffer, spilling if the limit is exceeded.
func (b *Buffer) Append(f *frame.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f)
	b.resident += f.SizeBytes()
	b.rows += f.Len()
	if b.resident <= b.limit {
		return nil
	}
	return b.spillLocked()
}

func (b *Buffer) spillLocked() error {
	merged, err := frame.Concat(b.frames...)
	if err != nil {
		return fmt.Errorf("concatenating buffered frames: %w", err)
	}
	size, err := b.spiller.Spill(merged)
	if err != nil {
		return fmt.Errorf("spilling buffer %q of worker %d: %w", b.name, b.worker.ID, err)
	}
	b.worker.logger.Debug(
		"spilled buffer",
		slog.String("buffer", b.name),
		slog.Int("rows", merged.Len()),
		slog.Int64("resident_bytes", b.resident),
		slog.Int64("file_bytes", size),
	)
	if b.worker.onSpill != nil {
		b.worker.onSpill(b.worker.ID, size)
	}
	b.spilled += size
	b.frames = nil
	b.resident = 0
	return nil
}

// Rows returns the number of rows appended so far.
func (b *Buffer) Rows() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rows
}

// SpilledBytes returns the total size of spill files written since the
// last Drain.
func (b *Buffer) SpilledBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spilled
}

// Drain returns all buffered rows as one frame, spilled rows first, and
// empties the buffer.
func (b *Buffer) Drain() (*frame.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	spilled, err := b.spiller.Frames()
	if err != nil {
		return nil, err
	}
	all, err := frame.Concat(append(spilled, b.frames...)...)
	if err != nil {
		return nil, fmt.Errorf("draining buffer %q: %w", b.name, err)
	}
	if err := b.spiller.Cleanup(); err != nil {
		return nil, err
	}
	b.frames = nil
	b.resident = 0
	b.rows = 0
	b.spilled = 0
	return all, nil
}
