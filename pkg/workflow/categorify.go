package workflow

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/tabflow/movielens-multigpu/pkg/frame"
)

// Categorify encodes categorical columns as contiguous int64 codes. Codes
// 1..n are assigned to the distinct training values in sorted order; code 0
// is reserved for values never seen during fitting. List columns are
// encoded element-wise.
type Categorify struct {
	// Tables maps each encoded column to its category table file, relative
	// to the saved workflow directory. Filled in on save.
	Tables map[string]string `json:"tables,omitempty"`

	categories map[string]*Categories
}

// Categories is the fitted vocabulary of one column.
type Categories struct {
	Column string
	// Kind is the element kind, Int64 or String.
	Kind    frame.Kind
	Ints    []int64
	Strings []string
	// Counts holds the number of training occurrences of each value.
	Counts []int64

	intCodes map[int64]int64
	strCodes map[string]int64
}

// Cardinality is the number of distinct codes, including the unknown code.
func (c *Categories) Cardinality() int {
	return c.Len() + 1
}

// Len returns the number of known values.
func (c *Categories) Len() int {
	if c.Kind == frame.String {
		return len(c.Strings)
	}
	return len(c.Ints)
}

func (c *Categories) index() {
	if c.Kind == frame.String {
		c.strCodes = make(map[string]int64, len(c.Strings))
		for i, v := range c.Strings {
			c.strCodes[v] = int64(i) + 1
		}
		return
	}
	c.intCodes = make(map[int64]int64, len(c.Ints))
	for i, v := range c.Ints {
		c.intCodes[v] = int64(i) + 1
	}
}

// IntCode returns the code of v, 0 when unknown.
func (c *Categories) IntCode(v int64) int64 { return c.intCodes[v] }

// StringCode returns the code of v, 0 when unknown.
func (c *Categories) StringCode(v string) int64 { return c.strCodes[v] }

// Frame renders the vocabulary as a table of values and counts.
func (c *Categories) Frame() (*frame.Frame, error) {
	values := &frame.Column{Name: c.Column, Kind: c.Kind, Ints: c.Ints, Strings: c.Strings}
	return frame.New(values, &frame.Column{Name: c.Column + "_size", Kind: frame.Int64, Ints: c.Counts})
}

func categoriesFromFrame(column string, f *frame.Frame) (*Categories, error) {
	values := f.Column(column)
	counts := f.Column(column + "_size")
	if values == nil || counts == nil {
		return nil, fmt.Errorf("category table for %q has columns %v", column, f.Names())
	}
	if values.Kind != frame.Int64 && values.Kind != frame.String {
		return nil, fmt.Errorf("category table for %q has %s values", column, values.Kind)
	}
	c := &Categories{
		Column:  column,
		Kind:    values.Kind,
		Ints:    values.Ints,
		Strings: values.Strings,
		Counts:  counts.Ints,
	}
	c.index()
	return c, nil
}

// valueCounts is the partial statistic of one column.
type valueCounts struct {
	kind frame.Kind
	ints map[int64]int64
	strs map[string]int64
}

func newValueCounts(kind frame.Kind) *valueCounts {
	vc := &valueCounts{kind: kind}
	if kind == frame.String {
		vc.strs = make(map[string]int64)
	} else {
		vc.ints = make(map[int64]int64)
	}
	return vc
}

type categorifyPartial map[string]*valueCounts

func elementKind(k frame.Kind) (frame.Kind, error) {
	switch k {
	case frame.Int64, frame.Int64List:
		return frame.Int64, nil
	case frame.String, frame.StringList:
		return frame.String, nil
	}
	return 0, fmt.Errorf("cannot categorify a %s column", k)
}

func (c *Categorify) Name() string { return "Categorify" }

func (c *Categorify) OutputSchema(in frame.Schema) (frame.Schema, error) {
	out := make(frame.Schema, len(in))
	for i, f := range in {
		if _, err := elementKind(f.Kind); err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		kind := frame.Int64
		if f.Kind.IsList() {
			kind = frame.Int64List
		}
		out[i] = frame.Field{Name: f.Name, Kind: kind}
	}
	return out, nil
}

func (c *Categorify) Collect(in *frame.Frame) (Partial, error) {
	p := make(categorifyPartial, in.NumColumns())
	for _, name := range in.Names() {
		col := in.Column(name)
		kind, err := elementKind(col.Kind)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		vc := newValueCounts(kind)
		switch col.Kind {
		case frame.Int64:
			for _, v := range col.Ints {
				vc.ints[v]++
			}
		case frame.Int64List:
			for _, l := range col.IntLists {
				for _, v := range l {
					vc.ints[v]++
				}
			}
		case frame.String:
			for _, v := range col.Strings {
				vc.strs[v]++
			}
		case frame.StringList:
			for _, l := range col.StringLists {
				for _, v := range l {
					vc.strs[v]++
				}
			}
		}
		p[name] = vc
	}
	return p, nil
}

func (c *Categorify) Merge(a, b Partial) (Partial, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	pa, ok := a.(categorifyPartial)
	if !ok {
		return nil, fmt.Errorf("categorify: unexpected partial %T", a)
	}
	pb, ok := b.(categorifyPartial)
	if !ok {
		return nil, fmt.Errorf("categorify: unexpected partial %T", b)
	}
	out := make(categorifyPartial, len(pa))
	for name, va := range pa {
		out[name] = va
	}
	for name, vb := range pb {
		va, ok := out[name]
		if !ok {
			out[name] = vb
			continue
		}
		if va.kind != vb.kind {
			return nil, fmt.Errorf("categorify: column %q has kinds %s and %s across partitions", name, va.kind, vb.kind)
		}
		merged := newValueCounts(va.kind)
		for v, n := range va.ints {
			merged.ints[v] += n
		}
		for v, n := range vb.ints {
			merged.ints[v] += n
		}
		for v, n := range va.strs {
			merged.strs[v] += n
		}
		for v, n := range vb.strs {
			merged.strs[v] += n
		}
		out[name] = merged
	}
	return out, nil
}

func (c *Categorify) Finalize(p Partial) error {
	if p == nil {
		return fmt.Errorf("categorify: no statistics collected")
	}
	partial, ok := p.(categorifyPartial)
	if !ok {
		return fmt.Errorf("categorify: unexpected partial %T", p)
	}
	c.categories = make(map[string]*Categories, len(partial))
	for name, vc := range partial {
		cats := &Categories{Column: name, Kind: vc.kind}
		if vc.kind == frame.String {
			cats.Strings = sortedKeys(vc.strs)
			cats.Counts = make([]int64, len(cats.Strings))
			for i, v := range cats.Strings {
				cats.Counts[i] = vc.strs[v]
			}
		} else {
			cats.Ints = sortedKeys(vc.ints)
			cats.Counts = make([]int64, len(cats.Ints))
			for i, v := range cats.Ints {
				cats.Counts[i] = vc.ints[v]
			}
		}
		cats.index()
		c.categories[name] = cats
	}
	return nil
}

func sortedKeys[K cmp.Ordered](m map[K]int64) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (c *Categorify) Fitted() bool { return c.categories != nil }

// Categories returns the fitted vocabulary of a column.
func (c *Categorify) Categories(column string) (*Categories, bool) {
	cats, ok := c.categories[column]
	return cats, ok
}

func (c *Categorify) Transform(in *frame.Frame) (*frame.Frame, error) {
	if !c.Fitted() {
		return nil, ErrNotFitted
	}
	out := &frame.Frame{}
	for _, name := range in.Names() {
		col := in.Column(name)
		cats, ok := c.categories[name]
		if !ok {
			return nil, fmt.Errorf("categorify: column %q was not fitted", name)
		}
		encoded := &frame.Column{Name: name}
		switch col.Kind {
		case frame.Int64:
			encoded.Kind = frame.Int64
			encoded.Ints = make([]int64, len(col.Ints))
			for i, v := range col.Ints {
				encoded.Ints[i] = cats.IntCode(v)
			}
		case frame.String:
			encoded.Kind = frame.Int64
			encoded.Ints = make([]int64, len(col.Strings))
			for i, v := range col.Strings {
				encoded.Ints[i] = cats.StringCode(v)
			}
		case frame.Int64List:
			encoded.Kind = frame.Int64List
			encoded.IntLists = make([][]int64, len(col.IntLists))
			for i, l := range col.IntLists {
				codes := make([]int64, len(l))
				for j, v := range l {
					codes[j] = cats.IntCode(v)
				}
				encoded.IntLists[i] = codes
			}
		case frame.StringList:
			encoded.Kind = frame.Int64List
			encoded.IntLists = make([][]int64, len(col.StringLists))
			for i, l := range col.StringLists {
				codes := make([]int64, len(l))
				for j, v := range l {
					codes[j] = cats.StringCode(v)
				}
				encoded.IntLists[i] = codes
			}
		default:
			return nil, fmt.Errorf("categorify: cannot encode %s column %q", col.Kind, name)
		}
		if err := out.AddColumn(encoded); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Categorify) saveState(dir string) error {
	c.Tables = make(map[string]string, len(c.categories))
	for name, cats := range c.categories {
		f, err := cats.Frame()
		if err != nil {
			return err
		}
		rel := filepath.Join("categories", "unique."+name+".parquet")
		if err := frame.WriteParquet(filepath.Join(dir, rel), f); err != nil {
			return fmt.Errorf("writing categories of %q: %w", name, err)
		}
		c.Tables[name] = rel
	}
	return nil
}

func (c *Categorify) loadState(dir string) error {
	if len(c.Tables) == 0 {
		return nil
	}
	c.categories = make(map[string]*Categories, len(c.Tables))
	for name, rel := range c.Tables {
		path := filepath.Join(dir, rel)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("category table of %q: %w", name, err)
		}
		f, err := frame.ReadParquet(path)
		if err != nil {
			return fmt.Errorf("reading categories of %q: %w", name, err)
		}
		cats, err := categoriesFromFrame(name, f)
		if err != nil {
			return err
		}
		c.categories[name] = cats
	}
	return nil
}
