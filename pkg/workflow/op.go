package workflow

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/tabflow/movielens-multigpu/pkg/frame"
)

// Op is a column operator. It receives the frame produced by its node's
// inputs and returns the transformed columns.
type Op interface {
	// Name identifies the operator type in saved workflows.
	Name() string
	// OutputSchema returns the schema Transform produces for input in.
	OutputSchema(in frame.Schema) (frame.Schema, error)
	Transform(in *frame.Frame) (*frame.Frame, error)
}

// Partial is the statistics a Fitter gathers from a single partition.
type Partial any

// A Fitter is an operator that needs statistics from the training data
// before it can transform.
type Fitter interface {
	Op
	// Collect gathers statistics from one partition.
	Collect(in *frame.Frame) (Partial, error)
	// Merge combines two partials into one. Either may be nil.
	Merge(a, b Partial) (Partial, error)
	// Finalize installs the fully merged statistics.
	Finalize(p Partial) error
	Fitted() bool
}

// persister is implemented by operators that keep state beside the
// workflow JSON.
type persister interface {
	saveState(dir string) error
	loadState(dir string) error
}

var opRegistry = map[string]func(params json.RawMessage) (Op, error){
	"JoinExternal": func(params json.RawMessage) (Op, error) {
		op := &JoinExternal{}
		return op, json.Unmarshal(params, op)
	},
	"Categorify": func(params json.RawMessage) (Op, error) {
		op := &Categorify{}
		return op, json.Unmarshal(params, op)
	},
	"Binarize": func(params json.RawMessage) (Op, error) {
		op := &Binarize{}
		return op, json.Unmarshal(params, op)
	},
}

func decodeOp(name string, params json.RawMessage) (Op, error) {
	ctor, ok := opRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", name)
	}
	op, err := ctor(params)
	if err != nil {
		return nil, fmt.Errorf("decoding %s parameters: %w", name, err)
	}
	return op, nil
}

// JoinExternal left-joins the input against an external table stored as
// parquet. Input rows without a match receive zero values and empty lists.
type JoinExternal struct {
	// Path of the external table.
	Path string `json:"path"`
	// On is the join key, present in both the input and the table.
	On string `json:"on"`
	// Columns of the table to add. Empty means every column but On.
	Columns []string `json:"columns,omitempty"`

	once  sync.Once
	table *frame.Frame
	index map[any]int
	err   error
}

// NewJoinExternal returns a JoinExternal against an already loaded table.
func NewJoinExternal(path string, table *frame.Frame, on string, columns ...string) *JoinExternal {
	j := &JoinExternal{Path: path, On: on, Columns: columns}
	j.once.Do(func() { j.err = j.build(table) })
	return j
}

func (j *JoinExternal) Name() string { return "JoinExternal" }

func (j *JoinExternal) load() error {
	j.once.Do(func() {
		table, err := frame.ReadParquet(j.Path)
		if err != nil {
			j.err = fmt.Errorf("reading join table: %w", err)
			return
		}
		j.err = j.build(table)
	})
	return j.err
}

func (j *JoinExternal) build(table *frame.Frame) error {
	key := table.Column(j.On)
	if key == nil {
		return fmt.Errorf("join table has no column %q", j.On)
	}
	if key.Kind != frame.Int64 && key.Kind != frame.String {
		return fmt.Errorf("join key %q is %s, want int64 or string", j.On, key.Kind)
	}
	if len(j.Columns) == 0 {
		for _, name := range table.Names() {
			if name != j.On {
				j.Columns = append(j.Columns, name)
			}
		}
	}
	for _, name := range j.Columns {
		if !table.Has(name) {
			return fmt.Errorf("join table has no column %q", name)
		}
	}
	j.table = table
	j.index = make(map[any]int, table.Len())
	for i := 0; i < table.Len(); i++ {
		k := key.Value(i)
		if _, dup := j.index[k]; !dup {
			j.index[k] = i
		}
	}
	return nil
}

func (j *JoinExternal) OutputSchema(in frame.Schema) (frame.Schema, error) {
	if err := j.load(); err != nil {
		return nil, err
	}
	inKey, ok := in.Lookup(j.On)
	if !ok {
		return nil, fmt.Errorf("join key %q is not among the input columns %v", j.On, in.Names())
	}
	tableKey, _ := j.table.Schema().Lookup(j.On)
	if inKey.Kind != tableKey.Kind {
		return nil, fmt.Errorf("join key %q is %s in the input and %s in the table", j.On, inKey.Kind, tableKey.Kind)
	}
	out := append(frame.Schema{}, in...)
	for _, name := range j.Columns {
		field, _ := j.table.Schema().Lookup(name)
		out = append(out, field)
	}
	return out, nil
}

func (j *JoinExternal) Transform(in *frame.Frame) (*frame.Frame, error) {
	if err := j.load(); err != nil {
		return nil, err
	}
	key := in.Column(j.On)
	if key == nil {
		return nil, fmt.Errorf("join key %q missing from input", j.On)
	}
	idx := make([]int, in.Len())
	for i := range idx {
		row, ok := j.index[key.Value(i)]
		if !ok {
			row = -1
		}
		idx[i] = row
	}
	out := in.Drop(j.Columns...)
	for _, name := range j.Columns {
		if err := out.AddColumn(takeOrZero(j.table.Column(name), idx)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// takeOrZero gathers rows of c by idx; a negative index yields the zero
// value of the column kind.
func takeOrZero(c *frame.Column, idx []int) *frame.Column {
	out := &frame.Column{Name: c.Name, Kind: c.Kind}
	switch c.Kind {
	case frame.Int64:
		out.Ints = make([]int64, len(idx))
		for i, j := range idx {
			if j >= 0 {
				out.Ints[i] = c.Ints[j]
			}
		}
	case frame.Float64:
		out.Floats = make([]float64, len(idx))
		for i, j := range idx {
			if j >= 0 {
				out.Floats[i] = c.Floats[j]
			}
		}
	case frame.String:
		out.Strings = make([]string, len(idx))
		for i, j := range idx {
			if j >= 0 {
				out.Strings[i] = c.Strings[j]
			}
		}
	case frame.Int64List:
		out.IntLists = make([][]int64, len(idx))
		for i, j := range idx {
			if j >= 0 {
				out.IntLists[i] = c.IntLists[j]
			} else {
				out.IntLists[i] = []int64{}
			}
		}
	case frame.StringList:
		out.StringLists = make([][]string, len(idx))
		for i, j := range idx {
			if j >= 0 {
				out.StringLists[i] = c.StringLists[j]
			} else {
				out.StringLists[i] = []string{}
			}
		}
	}
	return out
}

// Binarize maps each numeric input column to 1 where the value is strictly
// greater than Threshold, and 0 otherwise.
type Binarize struct {
	Threshold float64 `json:"threshold"`
}

func (b *Binarize) Name() string { return "Binarize" }

func (b *Binarize) OutputSchema(in frame.Schema) (frame.Schema, error) {
	out := make(frame.Schema, len(in))
	for i, f := range in {
		if f.Kind != frame.Int64 && f.Kind != frame.Float64 {
			return nil, fmt.Errorf("binarize: column %q is %s, want a numeric column", f.Name, f.Kind)
		}
		out[i] = frame.Field{Name: f.Name, Kind: frame.Int64}
	}
	return out, nil
}

func (b *Binarize) Transform(in *frame.Frame) (*frame.Frame, error) {
	out := &frame.Frame{}
	for _, name := range in.Names() {
		c := in.Column(name)
		labels := make([]int64, c.Len())
		switch c.Kind {
		case frame.Float64:
			for i, v := range c.Floats {
				if v > b.Threshold {
					labels[i] = 1
				}
			}
		case frame.Int64:
			for i, v := range c.Ints {
				if float64(v) > b.Threshold {
					labels[i] = 1
				}
			}
		default:
			return nil, fmt.Errorf("binarize: column %q is %s, want a numeric column", name, c.Kind)
		}
		if err := out.AddColumn(&frame.Column{Name: name, Kind: frame.Int64, Ints: labels}); err != nil {
			return nil, err
		}
	}
	return out, nil
}
