// Package acquire downloads and unpacks the source dataset archive. Both
// steps are skipped when their outputs already exist, so re-running a
// pipeline never touches the network twice.
package acquire

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tabflow/movielens-multigpu/pkg/config"
)

// Fetch downloads url to dst unless dst already exists. It reports whether
// a download happened. The body is streamed to a temporary file next to dst
// and renamed into place once complete.
func Fetch(ctx context.Context, client *http.Client, url, dst string) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("checking %s: %w", dst, err)
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("new request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("fetching %s, got status %d: %s", url, resp.StatusCode, body)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, fmt.Errorf("creating directory: %w", err)
	}
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return false, fmt.Errorf("creating %s: %w", tmp, err)
	}
	bar := progressbar.DefaultBytes(resp.ContentLength, "downloading "+filepath.Base(dst))
	if _, err := io.Copy(io.MultiWriter(f, bar), resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return false, fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return false, fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return true, nil
}

// Extract unpacks a zip archive into dir and returns the paths of the
// extracted files. Files already present with the expected size are left
// alone.
func Extract(archive, dir string) ([]string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", archive, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range zr.File {
		dst := filepath.Join(root, entry.Name)
		if dst != root && !strings.HasPrefix(dst, root+string(os.PathSeparator)) {
			return nil, fmt.Errorf("archive entry %q escapes %s", entry.Name, dir)
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0755); err != nil {
				return nil, fmt.Errorf("creating directory %s: %w", dst, err)
			}
			continue
		}
		paths = append(paths, dst)
		if st, err := os.Stat(dst); err == nil && uint64(st.Size()) == entry.UncompressedSize64 {
			continue
		}
		if err := extractFile(entry, dst); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func extractFile(entry *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("opening archive entry %s: %w", entry.Name, err)
	}
	defer rc.Close()
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("extracting %s: %w", entry.Name, err)
	}
	return f.Close()
}

// Ensure makes sure the dataset archive is downloaded and extracted under
// the configured base directory, returning the source directory.
func Ensure(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, error) {
	layout := cfg.Layout()

	start := time.Now()
	downloaded, err := Fetch(ctx, http.DefaultClient, cfg.Dataset.URL, layout.Archive)
	if err != nil {
		return "", fmt.Errorf("fetching dataset: %w", err)
	}
	if downloaded {
		logger.Info(
			"download complete",
			slog.String("path", layout.Archive),
			slog.Duration("took", time.Since(start)),
		)
	} else {
		logger.Info("archive already present, skipping download", slog.String("path", layout.Archive))
	}

	files, err := Extract(layout.Archive, layout.Base)
	if err != nil {
		return "", fmt.Errorf("extracting dataset: %w", err)
	}
	logger.Debug("extracted archive", slog.Int("files", len(files)))

	for _, name := range []string{cfg.Dataset.ItemsFile, cfg.Dataset.RatingsFile} {
		p := filepath.Join(layout.SourceDir, name)
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("expected %s in archive: %w", p, err)
		}
	}
	return layout.SourceDir, nil
}
