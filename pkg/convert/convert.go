// Package convert turns the raw MovieLens CSV files into parquet tables and
// splits the interactions into training and validation sets.
package convert

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tabflow/movielens-multigpu/pkg/config"
	"github.com/tabflow/movielens-multigpu/pkg/frame"
	"golang.org/x/exp/rand"
)

// noGenres is the MovieLens marker for an item without genres.
const noGenres = "(no genres listed)"

func openCSV(path string, want ...string) (*os.File, *csv.Reader, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	r := csv.NewReader(bufio.NewReaderSize(f, 1<<20))
	r.ReuseRecord = true
	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	idx := make([]int, len(want))
	for i, name := range want {
		j := slices.Index(header, name)
		if j < 0 {
			f.Close()
			return nil, nil, nil, fmt.Errorf("%s: missing column %q in header %v", path, name, header)
		}
		idx[i] = j
	}
	return f, r, idx, nil
}

// ReadItems reads the item CSV (movieId,title,genres) into a frame with
// columns movieId and genres. Titles are dropped and genres split on '|'.
func ReadItems(path string) (*frame.Frame, error) {
	f, r, idx, err := openCSV(path, "movieId", "genres")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		ids    []int64
		genres [][]string
	)
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		id, err := strconv.ParseInt(rec[idx[0]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: parsing movieId: %w", path, line, err)
		}
		ids = append(ids, id)
		genres = append(genres, splitGenres(rec[idx[1]]))
	}
	return frame.New(
		&frame.Column{Name: "movieId", Kind: frame.Int64, Ints: ids},
		&frame.Column{Name: "genres", Kind: frame.StringList, StringLists: genres},
	)
}

func splitGenres(s string) []string {
	if s == "" || s == noGenres {
		return []string{}
	}
	return strings.Split(s, "|")
}

// ReadInteractions reads the ratings CSV (userId,movieId,rating,timestamp)
// into a frame with columns userId, movieId and rating. Timestamps are
// dropped.
func ReadInteractions(path string) (*frame.Frame, error) {
	f, r, idx, err := openCSV(path, "userId", "movieId", "rating")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		users   []int64
		items   []int64
		ratings []float64
		bar     = progressbar.Default(-1, "reading interactions")
	)
	defer bar.Finish()
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		u, err := strconv.ParseInt(rec[idx[0]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: parsing userId: %w", path, line, err)
		}
		m, err := strconv.ParseInt(rec[idx[1]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: parsing movieId: %w", path, line, err)
		}
		rt, err := strconv.ParseFloat(rec[idx[2]], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: parsing rating: %w", path, line, err)
		}
		users = append(users, u)
		items = append(items, m)
		ratings = append(ratings, rt)
		if line%100_000 == 0 {
			bar.Add(100_000)
		}
	}
	return frame.New(
		&frame.Column{Name: "userId", Kind: frame.Int64, Ints: users},
		&frame.Column{Name: "movieId", Kind: frame.Int64, Ints: items},
		&frame.Column{Name: "rating", Kind: frame.Float64, Floats: ratings},
	)
}

// Split samples floor(n*fraction) of the row indices [0, n) uniformly
// without replacement for validation and returns the rest for training.
// Both index lists are sorted so that row order is preserved.
func Split(n int, fraction float64, rng *rand.Rand) (train, valid []int, err error) {
	if fraction < 0 || fraction >= 1 {
		return nil, nil, fmt.Errorf("validation fraction must be in [0, 1), got %v", fraction)
	}
	k := int(float64(n) * fraction)
	perm := rng.Perm(n)
	valid = slices.Clone(perm[:k])
	train = slices.Clone(perm[k:])
	slices.Sort(valid)
	slices.Sort(train)
	return train, valid, nil
}

// Result summarises a conversion run.
type Result struct {
	Items     int
	Rows      int
	TrainRows int
	ValidRows int
	Seed      uint64
	Duration  time.Duration
	OutputDir string
	Outputs   []string
}

// Run reads the raw CSV files, writes the converted item table, the full
// interaction table, and the train / valid split as parquet.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Result, error) {
	layout := cfg.Layout()
	start := time.Now()

	items, err := ReadItems(filepath.Join(layout.SourceDir, cfg.Dataset.ItemsFile))
	if err != nil {
		return nil, fmt.Errorf("reading items: %w", err)
	}
	logger.Info("read items", slog.Int("rows", items.Len()))

	ratings, err := ReadInteractions(filepath.Join(layout.SourceDir, cfg.Dataset.RatingsFile))
	if err != nil {
		return nil, fmt.Errorf("reading interactions: %w", err)
	}
	logger.Info("read interactions", slog.Int("rows", ratings.Len()))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seed := cfg.Dataset.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	trainIdx, validIdx, err := Split(ratings.Len(), cfg.Dataset.ValidFraction, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, err
	}

	outputs := []struct {
		path string
		f    *frame.Frame
	}{
		{layout.Items, items},
		{layout.Interactions, ratings},
		{layout.Train, ratings.Take(trainIdx)},
		{layout.Valid, ratings.Take(validIdx)},
	}
	res := &Result{
		Items:     items.Len(),
		Rows:      ratings.Len(),
		TrainRows: len(trainIdx),
		ValidRows: len(validIdx),
		Seed:      seed,
		OutputDir: layout.ConvertedDir,
	}
	for _, out := range outputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := frame.WriteParquet(out.path, out.f); err != nil {
			return nil, fmt.Errorf("writing %s: %w", out.path, err)
		}
		logger.Debug("wrote table", slog.String("path", out.path), slog.Int("rows", out.f.Len()))
		res.Outputs = append(res.Outputs, out.path)
	}
	res.Duration = time.Since(start)
	logger.Info(
		"conversion complete",
		slog.Int("train_rows", res.TrainRows),
		slog.Int("valid_rows", res.ValidRows),
		slog.Duration("took", res.Duration),
	)
	return res, nil
}
