package etl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabflow/movielens-multigpu/pkg/cluster"
	"github.com/tabflow/movielens-multigpu/pkg/config"
	"github.com/tabflow/movielens-multigpu/pkg/convert"
	"github.com/tabflow/movielens-multigpu/pkg/frame"
	"github.com/tabflow/movielens-multigpu/pkg/metrics"
	"github.com/tabflow/movielens-multigpu/pkg/workflow"
	"golang.org/x/exp/rand"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTable(t *testing.T, path string, f *frame.Frame) {
	t.Helper()
	require.NoError(t, frame.WriteParquet(path, f))
}

func TestPartitions(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.parquet")
	b := filepath.Join(dir, "b.parquet")
	mk := func(n int) *frame.Frame {
		vals := make([]int64, n)
		f, err := frame.New(&frame.Column{Name: "x", Kind: frame.Int64, Ints: vals})
		require.NoError(t, err)
		return f
	}
	writeTable(t, a, mk(25))
	writeTable(t, b, mk(10))

	parts, err := Dataset{Paths: []string{a, b}, PartSize: 10}.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []Partition{
		{Path: a, Offset: 0, Rows: 10},
		{Path: a, Offset: 10, Rows: 10},
		{Path: a, Offset: 20, Rows: 5},
		{Path: b, Offset: 0, Rows: 10},
	}, parts)

	f, err := parts[2].Read()
	require.NoError(t, err)
	assert.Equal(t, 5, f.Len())

	_, err = Dataset{Paths: []string{a}}.Partitions()
	require.Error(t, err)
	_, err = Dataset{PartSize: 1}.Partitions()
	require.Error(t, err)
}

// interactions writes n ratings over the given users and items, with
// ratings cycling through 0.5 .. 5.
func interactions(t *testing.T, path string, n int, users, items []int64) *frame.Frame {
	t.Helper()
	u := make([]int64, n)
	m := make([]int64, n)
	r := make([]float64, n)
	for i := range n {
		u[i] = users[i%len(users)]
		m[i] = items[i%len(items)]
		r[i] = float64(i%10+1) / 2
	}
	f, err := frame.New(
		&frame.Column{Name: "userId", Kind: frame.Int64, Ints: u},
		&frame.Column{Name: "movieId", Kind: frame.Int64, Ints: m},
		&frame.Column{Name: "rating", Kind: frame.Float64, Floats: r},
	)
	require.NoError(t, err)
	writeTable(t, path, f)
	return f
}

func itemTable(t *testing.T, path string) {
	t.Helper()
	f, err := frame.New(
		&frame.Column{Name: "movieId", Kind: frame.Int64, Ints: []int64{1, 2, 3, 4, 5}},
		&frame.Column{Name: "genres", Kind: frame.StringList, StringLists: [][]string{
			{"Comedy"}, {"Drama", "Comedy"}, {}, {"Action"}, {"Horror", "Action"},
		}},
	)
	require.NoError(t, err)
	writeTable(t, path, f)
}

func readShards(t *testing.T, paths []string) *frame.Frame {
	t.Helper()
	var frames []*frame.Frame
	for _, p := range paths {
		f, err := frame.ReadParquet(p)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	all, err := frame.Concat(frames...)
	require.NoError(t, err)
	return all
}

func TestFitTransformOnCluster(t *testing.T) {
	dir := t.TempDir()
	items := filepath.Join(dir, "items.parquet")
	itemTable(t, items)
	train := filepath.Join(dir, "train.parquet")
	interactions(t, train, 300, []int64{10, 20, 30}, []int64{1, 2, 3, 4})
	valid := filepath.Join(dir, "valid.parquet")
	interactions(t, valid, 50, []int64{10, 40}, []int64{5, 1})

	var spilled atomic.Int64
	c, err := cluster.NewLocalCluster(cluster.Options{
		Workers:     3,
		MemoryLimit: 64,
		LocalDir:    filepath.Join(dir, "work"),
		OnSpill:     func(_ int, bytes int64) { spilled.Add(bytes) },
	}, discard())
	require.NoError(t, err)
	defer c.Close()

	wf, err := workflow.NewMovieLens(workflow.MovieLensOptions{
		ItemsPath: items,
		Cats:      []string{"userId", "movieId"},
		Labels:    []string{"rating"},
		Threshold: 3,
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = Transform(ctx, c, wf, Dataset{Paths: []string{train}, PartSize: 1}, TransformOptions{OutDir: dir, FilesPerWorker: 1}, discard())
	require.ErrorIs(t, err, workflow.ErrNotFitted)

	stats := filepath.Join(dir, "stats")
	require.NoError(t, Fit(ctx, c, wf, Dataset{Paths: []string{train}, PartSize: 32}, stats, discard()))
	assert.FileExists(t, filepath.Join(stats, "categories", "unique.userId.parquet"))

	sizes, err := wf.EmbeddingSizes()
	require.NoError(t, err)
	assert.Equal(t, 4, sizes["userId"].Cardinality)
	assert.Equal(t, 5, sizes["movieId"].Cardinality)
	// Item 5 and its Horror genre only appear in validation data.
	assert.Equal(t, 4, sizes["genres"].Cardinality)

	spilledBefore := spilled.Load()
	out, err := Transform(ctx, c, wf, Dataset{Paths: []string{valid}, PartSize: 7}, TransformOptions{
		Name:           "valid",
		OutDir:         filepath.Join(dir, "valid"),
		FilesPerWorker: 4,
		Seed:           1,
	}, discard())
	require.NoError(t, err)
	assert.Len(t, out.Files, 12)
	assert.EqualValues(t, 50, out.Rows)
	assert.Positive(t, out.SpilledBytes)
	assert.Equal(t, spilled.Load()-spilledBefore, out.SpilledBytes)
	for i, f := range out.Files {
		assert.Equal(t, ShardName(i/4, i%4), filepath.Base(f))
	}
	listed, err := ListShards(filepath.Join(dir, "valid"))
	require.NoError(t, err)
	assert.ElementsMatch(t, out.Files, listed)

	got := readShards(t, out.Files)
	require.Equal(t, 50, got.Len())
	for i, u := range got.Column("userId").Ints {
		m := got.Column("movieId").Ints[i]
		// Unseen user 40 and item 5 map to the unknown code.
		assert.Contains(t, []int64{0, 1}, u)
		assert.Contains(t, []int64{0, 1}, m)
	}
}

func TestTransformShuffleIsSeeded(t *testing.T) {
	rows, err := frame.New(&frame.Column{Name: "x", Kind: frame.Int64, Ints: []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}})
	require.NoError(t, err)

	shard := func(dir string, seed uint64) []int64 {
		paths, err := writeShards(rows, dir, 0, 3, seed)
		require.NoError(t, err)
		return readShards(t, paths).Column("x").Ints
	}
	a := shard(t.TempDir(), 7)
	b := shard(t.TempDir(), 7)
	assert.Equal(t, a, b)
	assert.ElementsMatch(t, rows.Column("x").Ints, a)
}

func TestFitFailsFast(t *testing.T) {
	dir := t.TempDir()
	train := filepath.Join(dir, "train.parquet")
	interactions(t, train, 20, []int64{1}, []int64{1})

	c, err := cluster.NewLocalCluster(cluster.Options{Workers: 2, MemoryLimit: 1 << 20, LocalDir: dir}, discard())
	require.NoError(t, err)
	defer c.Close()

	wf, err := workflow.NewMovieLens(workflow.MovieLensOptions{
		ItemsPath: filepath.Join(dir, "missing.parquet"),
		Cats:      []string{"userId", "movieId"},
	})
	require.NoError(t, err)
	err = Fit(context.Background(), c, wf, Dataset{Paths: []string{train}, PartSize: 5}, "", discard())
	require.Error(t, err)
	assert.False(t, wf.Fitted())
}

// TestEndToEnd converts a 1000 row interaction table over 2 users and 5
// items, runs the ETL, and checks the shards.
func TestEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.Dataset.Seed = 42
	cfg.ETL.PartSize = 64
	cfg.ETL.OutFilesPerProc = 3
	cfg.ETL.DeviceMemoryLimit = 4096
	layout := cfg.Layout()

	require.NoError(t, os.MkdirAll(layout.SourceDir, 0755))
	movies := "movieId,title,genres\n" +
		"1,A (1995),Comedy|Drama\n" +
		"2,B (1996),Action\n" +
		"3,C (1997),(no genres listed)\n" +
		"4,D (1998),Drama\n" +
		"5,E (1999),Horror|Action\n"
	require.NoError(t, os.WriteFile(filepath.Join(layout.SourceDir, cfg.Dataset.ItemsFile), []byte(movies), 0644))

	rng := rand.New(rand.NewSource(1))
	var sb strings.Builder
	sb.WriteString("userId,movieId,rating,timestamp\n")
	positives := 0
	for i := range 1000 {
		rating := float64(rng.Intn(10)+1) / 2
		if rating > 3 {
			positives++
		}
		fmt.Fprintf(&sb, "%d,%d,%.1f,%d\n", i%2+1, i%5+1, rating, 1_000_000+i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(layout.SourceDir, cfg.Dataset.RatingsFile), []byte(sb.String()), 0644))

	ctx := context.Background()
	conv, err := convert.Run(ctx, cfg, discard())
	require.NoError(t, err)
	assert.Equal(t, 800, conv.TrainRows)
	assert.Equal(t, 200, conv.ValidRows)

	m := metrics.New(nil)
	res, err := Run(ctx, cfg, m, discard())
	require.NoError(t, err)
	// At least one fit pass of 13 tasks, then 13 train and 4 valid
	// transform tasks.
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.ETLTasks), 30.0)
	assert.EqualValues(t, 800, res.Train.Rows)
	assert.EqualValues(t, 200, res.Valid.Rows)
	assert.Len(t, res.Train.Files, cfg.ETL.Workers*cfg.ETL.OutFilesPerProc)

	all := readShards(t, append(res.Train.Files, res.Valid.Files...))
	require.Equal(t, 1000, all.Len())
	ones := 0
	for _, l := range all.Column("rating").Ints {
		require.Contains(t, []int64{0, 1}, l)
		ones += int(l)
	}
	assert.Equal(t, positives, ones)

	assert.FileExists(t, filepath.Join(layout.WorkflowDir, workflow.FileName))
	assert.FileExists(t, filepath.Join(layout.ExportDir, ExportName, "config.pbtxt"))
	loaded, err := workflow.Load(layout.WorkflowDir)
	require.NoError(t, err)
	sizes, err := loaded.EmbeddingSizes()
	require.NoError(t, err)
	assert.Equal(t, res.Embeddings, sizes)
	assert.Equal(t, 3, sizes["userId"].Cardinality)
}
