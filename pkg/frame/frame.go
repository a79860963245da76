// Package frame implements a small in-memory columnar table, and its
// persistence to parquet files. Every table that moves between the pipeline
// stages (items, interactions, ETL statistics, shards and spills) is a Frame.
package frame

import (
	"fmt"
	"slices"
)

// Kind is the physical type of a column.
type Kind int

const (
	Int64 Kind = iota
	Float64
	String
	Int64List
	StringList
)

func (k Kind) String() string {
	switch k {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case String:
		return "string"
	case Int64List:
		return "list<int64>"
	case StringList:
		return "list<string>"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses the String form of a Kind.
func ParseKind(s string) (Kind, error) {
	for k := Int64; k <= StringList; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown column kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsList reports whether values of this kind are multi-valued.
func (k Kind) IsList() bool {
	return k == Int64List || k == StringList
}

// Column is a named, typed vector. Exactly one of the value slices is
// populated, matching Kind.
type Column struct {
	Name        string
	Kind        Kind
	Ints        []int64
	Floats      []float64
	Strings     []string
	IntLists    [][]int64
	StringLists [][]string
}

// Len returns the number of values in the column.
func (c *Column) Len() int {
	switch c.Kind {
	case Int64:
		return len(c.Ints)
	case Float64:
		return len(c.Floats)
	case String:
		return len(c.Strings)
	case Int64List:
		return len(c.IntLists)
	case StringList:
		return len(c.StringLists)
	}
	return 0
}

// Value returns the i-th value boxed, used when rendering rows.
func (c *Column) Value(i int) any {
	switch c.Kind {
	case Int64:
		return c.Ints[i]
	case Float64:
		return c.Floats[i]
	case String:
		return c.Strings[i]
	case Int64List:
		if c.IntLists[i] == nil {
			return []int64{}
		}
		return c.IntLists[i]
	case StringList:
		if c.StringLists[i] == nil {
			return []string{}
		}
		return c.StringLists[i]
	}
	return nil
}

func (c *Column) take(idx []int) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind}
	switch c.Kind {
	case Int64:
		out.Ints = make([]int64, len(idx))
		for i, j := range idx {
			out.Ints[i] = c.Ints[j]
		}
	case Float64:
		out.Floats = make([]float64, len(idx))
		for i, j := range idx {
			out.Floats[i] = c.Floats[j]
		}
	case String:
		out.Strings = make([]string, len(idx))
		for i, j := range idx {
			out.Strings[i] = c.Strings[j]
		}
	case Int64List:
		out.IntLists = make([][]int64, len(idx))
		for i, j := range idx {
			out.IntLists[i] = c.IntLists[j]
		}
	case StringList:
		out.StringLists = make([][]string, len(idx))
		for i, j := range idx {
			out.StringLists[i] = c.StringLists[j]
		}
	}
	return out
}

func (c *Column) slice(i, j int) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind}
	switch c.Kind {
	case Int64:
		out.Ints = c.Ints[i:j]
	case Float64:
		out.Floats = c.Floats[i:j]
	case String:
		out.Strings = c.Strings[i:j]
	case Int64List:
		out.IntLists = c.IntLists[i:j]
	case StringList:
		out.StringLists = c.StringLists[i:j]
	}
	return out
}

func (c *Column) appendColumn(o *Column) {
	switch c.Kind {
	case Int64:
		c.Ints = append(c.Ints, o.Ints...)
	case Float64:
		c.Floats = append(c.Floats, o.Floats...)
	case String:
		c.Strings = append(c.Strings, o.Strings...)
	case Int64List:
		c.IntLists = append(c.IntLists, o.IntLists...)
	case StringList:
		c.StringLists = append(c.StringLists, o.StringLists...)
	}
}

// sizeBytes estimates the resident size of the column's values.
func (c *Column) sizeBytes() int64 {
	var n int64
	switch c.Kind {
	case Int64:
		n = int64(len(c.Ints)) * 8
	case Float64:
		n = int64(len(c.Floats)) * 8
	case String:
		for _, s := range c.Strings {
			n += int64(len(s)) + 16
		}
	case Int64List:
		for _, l := range c.IntLists {
			n += int64(len(l))*8 + 24
		}
	case StringList:
		for _, l := range c.StringLists {
			n += 24
			for _, s := range l {
				n += int64(len(s)) + 16
			}
		}
	}
	return n
}

// Field describes a column without its values.
type Field struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Schema is the ordered list of a frame's fields.
type Schema []Field

// Names returns the field names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Lookup returns the field with the given name.
func (s Schema) Lookup(name string) (Field, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Frame is an ordered set of equal-length named columns.
type Frame struct {
	cols  []*Column
	index map[string]int
	n     int
}

// New creates a frame from the given columns. All columns must have the
// same length and distinct names.
func New(cols ...*Column) (*Frame, error) {
	f := &Frame{index: make(map[string]int, len(cols))}
	for _, c := range cols {
		if err := f.AddColumn(c); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Empty returns a frame with zero rows and the given schema.
func Empty(schema Schema) *Frame {
	f := &Frame{index: make(map[string]int, len(schema))}
	for _, field := range schema {
		f.index[field.Name] = len(f.cols)
		f.cols = append(f.cols, &Column{Name: field.Name, Kind: field.Kind})
	}
	return f
}

// AddColumn appends a column to the frame, replacing any column with the
// same name.
func (f *Frame) AddColumn(c *Column) error {
	if f.index == nil {
		f.index = make(map[string]int)
	}
	if len(f.cols) > 0 && c.Len() != f.n {
		return fmt.Errorf("column %q has %d rows, frame has %d", c.Name, c.Len(), f.n)
	}
	if i, ok := f.index[c.Name]; ok {
		f.cols[i] = c
		return nil
	}
	f.index[c.Name] = len(f.cols)
	f.cols = append(f.cols, c)
	f.n = c.Len()
	return nil
}

// Column returns the named column, or nil.
func (f *Frame) Column(name string) *Column {
	i, ok := f.index[name]
	if !ok {
		return nil
	}
	return f.cols[i]
}

// Has reports whether the frame has a column with the given name.
func (f *Frame) Has(name string) bool {
	_, ok := f.index[name]
	return ok
}

// Names returns the column names in order.
func (f *Frame) Names() []string {
	names := make([]string, len(f.cols))
	for i, c := range f.cols {
		names[i] = c.Name
	}
	return names
}

// Schema returns the frame's fields in order.
func (f *Frame) Schema() Schema {
	s := make(Schema, len(f.cols))
	for i, c := range f.cols {
		s[i] = Field{Name: c.Name, Kind: c.Kind}
	}
	return s
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return f.n
}

// NumColumns returns the number of columns.
func (f *Frame) NumColumns() int {
	return len(f.cols)
}

// Take returns a new frame with the rows at idx, in that order.
func (f *Frame) Take(idx []int) *Frame {
	out := &Frame{index: make(map[string]int, len(f.cols)), n: len(idx)}
	for i, c := range f.cols {
		out.index[c.Name] = i
		out.cols = append(out.cols, c.take(idx))
	}
	return out
}

// Slice returns rows [i, j). The returned frame shares storage with f.
func (f *Frame) Slice(i, j int) *Frame {
	out := &Frame{index: make(map[string]int, len(f.cols)), n: j - i}
	for k, c := range f.cols {
		out.index[c.Name] = k
		out.cols = append(out.cols, c.slice(i, j))
	}
	return out
}

// Select returns a frame holding only the named columns, in the given
// order. It fails if a column is missing.
func (f *Frame) Select(names ...string) (*Frame, error) {
	out := &Frame{index: make(map[string]int, len(names)), n: f.n}
	for _, name := range names {
		c := f.Column(name)
		if c == nil {
			return nil, fmt.Errorf("column %q not found, have %v", name, f.Names())
		}
		out.index[name] = len(out.cols)
		out.cols = append(out.cols, c)
	}
	return out, nil
}

// Drop returns a frame without the named columns. Missing names are ignored.
func (f *Frame) Drop(names ...string) *Frame {
	out := &Frame{index: make(map[string]int, len(f.cols)), n: f.n}
	for _, c := range f.cols {
		if slices.Contains(names, c.Name) {
			continue
		}
		out.index[c.Name] = len(out.cols)
		out.cols = append(out.cols, c)
	}
	return out
}

// SizeBytes estimates the memory held by the frame's values.
func (f *Frame) SizeBytes() int64 {
	var n int64
	for _, c := range f.cols {
		n += c.sizeBytes()
	}
	return n
}

// Row returns the i-th row as a column name to value map.
func (f *Frame) Row(i int) map[string]any {
	row := make(map[string]any, len(f.cols))
	for _, c := range f.cols {
		row[c.Name] = c.Value(i)
	}
	return row
}

// Concat appends frames with identical schemas into a new frame.
func Concat(frames ...*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return Empty(nil), nil
	}
	schema := frames[0].Schema()
	out := Empty(schema)
	for i, fr := range frames {
		if !slices.Equal(fr.Schema(), schema) {
			return nil, fmt.Errorf("frame %d schema %v does not match %v", i, fr.Schema(), schema)
		}
		for j, c := range fr.cols {
			out.cols[j].appendColumn(c)
		}
		out.n += fr.n
	}
	return out, nil
}
