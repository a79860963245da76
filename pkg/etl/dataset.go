package etl

import (
	"errors"
	"fmt"

	"github.com/tabflow/movielens-multigpu/pkg/frame"
)

// Dataset is a set of parquet files read in partitions of at most PartSize
// rows.
type Dataset struct {
	Paths    []string
	PartSize int
}

// Partition is a contiguous row range of one file.
type Partition struct {
	Path   string
	Offset int64
	Rows   int64
}

func (p Partition) String() string {
	return fmt.Sprintf("%s[%d:%d]", p.Path, p.Offset, p.Offset+p.Rows)
}

// Read loads the partition's rows, restricted to columns when given.
func (p Partition) Read(columns ...string) (*frame.Frame, error) {
	f, err := frame.ReadParquetRows(p.Path, p.Offset, p.Rows, columns...)
	if err != nil {
		return nil, fmt.Errorf("reading partition %s: %w", p, err)
	}
	return f, nil
}

// Partitions splits every file into partitions. Empty files yield none.
func (d Dataset) Partitions() ([]Partition, error) {
	if len(d.Paths) == 0 {
		return nil, errors.New("dataset has no files")
	}
	if d.PartSize <= 0 {
		return nil, fmt.Errorf("partition size must be positive, got %d", d.PartSize)
	}
	var parts []Partition
	for _, path := range d.Paths {
		n, err := frame.NumRows(path)
		if err != nil {
			return nil, err
		}
		for off := int64(0); off < n; off += int64(d.PartSize) {
			parts = append(parts, Partition{Path: path, Offset: off, Rows: min(int64(d.PartSize), n-off)})
		}
	}
	return parts, nil
}

// Schema returns the schema of the dataset's first file.
func (d Dataset) Schema() (frame.Schema, error) {
	if len(d.Paths) == 0 {
		return nil, errors.New("dataset has no files")
	}
	return frame.ReadSchema(d.Paths[0])
}
