package loader

import (
	"fmt"

	"github.com/tabflow/movielens-multigpu/pkg/frame"
)

// Batch is a set of training rows split by feature role.
type Batch struct {
	Cats   map[string][]int64
	CatsMH map[string][][]int64
	Conts  map[string][]float64
	Labels []float64
	Rows   int
	// Nested holds the wrapped batches of a loader created with Wrap.
	Nested []Batch
}

// Columns names the frame columns of each feature role.
type Columns struct {
	Cats   []string
	CatsMH []string
	Conts  []string
	Label  string
}

// All returns every column name, labels last.
func (c Columns) All() []string {
	var out []string
	out = append(out, c.Cats...)
	out = append(out, c.CatsMH...)
	out = append(out, c.Conts...)
	if c.Label != "" {
		out = append(out, c.Label)
	}
	return out
}

// FromFrame converts a frame of shard rows into a batch. Categorical
// columns must hold int64 codes; labels and continuous columns may be
// int64 or float64.
func FromFrame(f *frame.Frame, cols Columns) (Batch, error) {
	b := Batch{
		Cats:   make(map[string][]int64, len(cols.Cats)),
		CatsMH: make(map[string][][]int64, len(cols.CatsMH)),
		Conts:  make(map[string][]float64, len(cols.Conts)),
		Rows:   f.Len(),
	}
	for _, name := range cols.Cats {
		c := f.Column(name)
		if c == nil || c.Kind != frame.Int64 {
			return Batch{}, fmt.Errorf("categorical column %q must be int64", name)
		}
		b.Cats[name] = c.Ints
	}
	for _, name := range cols.CatsMH {
		c := f.Column(name)
		if c == nil || c.Kind != frame.Int64List {
			return Batch{}, fmt.Errorf("multi-hot column %q must be list<int64>", name)
		}
		b.CatsMH[name] = c.IntLists
	}
	for _, name := range cols.Conts {
		v, err := floats(f, name)
		if err != nil {
			return Batch{}, err
		}
		b.Conts[name] = v
	}
	if cols.Label != "" {
		v, err := floats(f, cols.Label)
		if err != nil {
			return Batch{}, err
		}
		b.Labels = v
	}
	return b, nil
}

func floats(f *frame.Frame, name string) ([]float64, error) {
	c := f.Column(name)
	if c == nil {
		return nil, fmt.Errorf("column %q not found", name)
	}
	switch c.Kind {
	case frame.Float64:
		return c.Floats, nil
	case frame.Int64:
		out := make([]float64, len(c.Ints))
		for i, v := range c.Ints {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("column %q has kind %s, want a number", name, c.Kind)
	}
}

// Collator post-processes every batch before it is handed out.
type Collator interface {
	Collate(Batch) (Batch, error)
}

// Identity returns batches unchanged.
type Identity struct{}

func (Identity) Collate(b Batch) (Batch, error) { return b, nil }

// Unwrap drops the singleton wrapper of a wrapped batch. Unwrapped
// batches pass through.
type Unwrap struct{}

func (Unwrap) Collate(b Batch) (Batch, error) {
	switch len(b.Nested) {
	case 0:
		return b, nil
	case 1:
		return b.Nested[0], nil
	default:
		return Batch{}, fmt.Errorf("cannot unwrap a batch of %d batches", len(b.Nested))
	}
}
