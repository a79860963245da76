package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/tabflow/movielens-multigpu/pkg/frame"
)

// A Spiller manages a directory of spill files.
type Spiller string

// NewSpiller creates a spiller backed by a fresh directory under parent.
func NewSpiller(parent, name string) (Spiller, error) {
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(parent, fmt.Sprintf("spiller-%s-", name))
	if err != nil {
		return "", err
	}
	return Spiller(dir), nil
}

// Spill writes the frame to a new parquet file in the spiller and returns
// the file's size.
func (dir Spiller) Spill(f *frame.Frame) (int64, error) {
	if err := os.MkdirAll(string(dir), 0755); err != nil {
		return 0, err
	}
	n, err := dir.count()
	if err != nil {
		return 0, err
	}
	path := filepath.Join(string(dir), fmt.Sprintf("spill-%06d.parquet", n))
	if err := frame.WriteParquet(path, f); err != nil {
		return 0, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (dir Spiller) files() ([]string, error) {
	entries, err := os.ReadDir(string(dir))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, filepath.Join(string(dir), e.Name()))
		}
	}
	slices.Sort(names)
	return names, nil
}

func (dir Spiller) count() (int, error) {
	files, err := dir.files()
	return len(files), err
}

// Frames reads back every spilled frame, in spill order.
func (dir Spiller) Frames() ([]*frame.Frame, error) {
	files, err := dir.files()
	if err != nil {
		return nil, err
	}
	frames := make([]*frame.Frame, len(files))
	for i, path := range files {
		f, err := frame.ReadParquet(path)
		if err != nil {
			return nil, fmt.Errorf("reading spill file %s: %w", path, err)
		}
		frames[i] = f
	}
	return frames, nil
}

// Cleanup removes the spiller's files.
func (dir Spiller) Cleanup() error {
	return os.RemoveAll(string(dir))
}
