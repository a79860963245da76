package acquire

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabflow/movielens-multigpu/pkg/config"
)

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serve(t *testing.T, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetchIsIdempotent(t *testing.T) {
	srv, hits := serve(t, []byte("payload"))
	dst := filepath.Join(t.TempDir(), "a", "archive.zip")

	downloaded, err := Fetch(context.Background(), srv.Client(), srv.URL, dst)
	require.NoError(t, err)
	assert.True(t, downloaded)

	downloaded, err = Fetch(context.Background(), srv.Client(), srv.URL, dst)
	require.NoError(t, err)
	assert.False(t, downloaded)
	assert.EqualValues(t, 1, hits.Load())

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.NoFileExists(t, dst+".tmp")
}

func TestFetchBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "archive.zip")
	_, err := Fetch(context.Background(), srv.Client(), srv.URL, dst)
	require.ErrorContains(t, err, "404")
	assert.NoFileExists(t, dst)
}

func TestExtract(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.zip")
	require.NoError(t, os.WriteFile(archive, zipBytes(t, map[string]string{
		"ml/movies.csv":  "movieId,title,genres\n",
		"ml/ratings.csv": "userId,movieId,rating,timestamp\n",
	}), 0644))

	paths, err := Extract(archive, dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "ml", "movies.csv"),
		filepath.Join(dir, "ml", "ratings.csv"),
	}, paths)

	// Second extraction keeps existing files.
	st, err := os.Stat(paths[0])
	require.NoError(t, err)
	_, err = Extract(archive, dir)
	require.NoError(t, err)
	st2, err := os.Stat(paths[0])
	require.NoError(t, err)
	assert.Equal(t, st.ModTime(), st2.ModTime())
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.zip")
	require.NoError(t, os.WriteFile(archive, zipBytes(t, map[string]string{
		"../evil.txt": "x",
	}), 0644))
	_, err := Extract(archive, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "evil.txt"))
}

func TestEnsure(t *testing.T) {
	srv, hits := serve(t, zipBytes(t, map[string]string{
		"ml-25m/movies.csv":  "movieId,title,genres\n",
		"ml-25m/ratings.csv": "userId,movieId,rating,timestamp\n",
	}))
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.Dataset.URL = srv.URL

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir, err := Ensure(context.Background(), cfg, logger)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.BaseDir, "ml-25m"), dir)

	_, err = Ensure(context.Background(), cfg, logger)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())
}
