package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabflow/movielens-multigpu/pkg/config"
	"github.com/tabflow/movielens-multigpu/pkg/metrics"
	"github.com/tabflow/movielens-multigpu/pkg/train"
)

func TestReportMergeAndPrint(t *testing.T) {
	r := Report{"b": 1}
	r.MergeOther(Report{"a": Report{"x": "y"}})
	assert.Panics(t, func() { r.MergeOther(Report{"b": 2}) })

	var buf bytes.Buffer
	r.PrintWithDepth(&buf, 0)
	assert.Equal(t, "a:\n  x: y\nb: 1\n", buf.String())
}

func TestSizeHistogram(t *testing.T) {
	s := sizeHistogram{1, 2, 3, 4, 10}
	assert.Equal(t, 1, s.min())
	assert.Equal(t, 10, s.max())
	assert.Equal(t, 3, s.percentile(50))
	assert.Equal(t, 10, s.percentile(100))
	assert.EqualValues(t, 20, s.sum())
	assert.InDelta(t, 4.0, s.avg(), 1e-9)
	assert.Panics(t, func() { s.percentile(101) })
	assert.Equal(t, Report{"shards": 0}, sizeHistogram{}.report())
}

func TestLoggingHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&loggingHandler{out: &buf, level: slog.LevelInfo})

	logger.Debug("hidden")
	logger.With(slog.String(stageAttrKey, stageETL), slog.Int("workers", 2)).
		Warn("spilling", slog.Int64("bytes", 10))
	line := buf.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "[WARN] \x1b[35m[etl]\x1b[0m spilling workers=2 bytes=10")
	assert.NotContains(t, line, stageAttrKey)

	buf.Reset()
	logger.Info("plain", slog.String(stageAttrKey, "unknown"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(buf.String()), "] plain"), buf.String())
}

func TestPlanKeepsPipelineOrder(t *testing.T) {
	pr := &pipelineRunner{cfg: config.Default()}
	var got []string
	for _, s := range pr.plan([]string{stageTrain, stageConvert}) {
		got = append(got, s.stage())
	}
	assert.Equal(t, []string{stageConvert, stageTrain}, got)
	assert.Empty(t, pr.plan(nil))
}

// writeSource writes a small MovieLens style source directory.
func writeSource(t *testing.T, cfg *config.Config) {
	t.Helper()
	layout := cfg.Layout()
	require.NoError(t, os.MkdirAll(layout.SourceDir, 0755))
	movies := "movieId,title,genres\n" +
		"1,A (1995),Comedy|Drama\n" +
		"2,B (1996),Action\n" +
		"3,C (1997),(no genres listed)\n" +
		"4,D (1998),Drama\n"
	require.NoError(t, os.WriteFile(filepath.Join(layout.SourceDir, cfg.Dataset.ItemsFile), []byte(movies), 0644))

	var sb strings.Builder
	sb.WriteString("userId,movieId,rating,timestamp\n")
	for i := range 400 {
		user, movie := i%4+1, i%4+1
		rating := 1.0
		if user <= 2 {
			rating = 4.5
		}
		fmt.Fprintf(&sb, "%d,%d,%.1f,%d\n", user, movie, rating, 1_000_000+i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(layout.SourceDir, cfg.Dataset.RatingsFile), []byte(sb.String()), 0644))
}

func TestPipelineInProcess(t *testing.T) {
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.Dataset.Seed = 3
	cfg.ETL.PartSize = 50
	cfg.ETL.OutFilesPerProc = 2
	cfg.ETL.DeviceMemoryLimit = 8192
	cfg.Train.Workers = 2
	cfg.Train.BatchSize = 32
	cfg.Train.Epochs = 2
	cfg.Train.HiddenDims = []int{8}
	cfg.Train.ChunkSize = 128
	cfg.Train.CollectiveTimeout = time.Minute
	writeSource(t, cfg)

	var out bytes.Buffer
	pr := &pipelineRunner{
		cfg:       cfg,
		metrics:   metrics.New(nil),
		reporter:  newReporter(&out, cfg.Layout().Report),
		inProcess: true,
		out:       &out,
	}
	logger := slog.New(&loggingHandler{out: io.Discard})
	steps := pr.plan([]string{stageConvert, stageETL, stageTrain})
	require.Len(t, steps, 3)
	require.NoError(t, pr.execute(context.Background(), logger, steps))
	require.NoError(t, pr.reporter.Stop())

	text := out.String()
	assert.Contains(t, text, "Running step 1: converting movies.csv and ratings.csv")
	assert.Contains(t, text, "Running step 3: training for 2 epochs")
	assert.Contains(t, text, "Epoch 00. Train loss: ")
	assert.Contains(t, text, "Epoch 01. Train loss: ")
	assert.Contains(t, text, "Training complete")
	assert.Contains(t, text, "Cumulative report for the entire pipeline (convert -> etl -> train):")

	b, err := os.ReadFile(cfg.Layout().Report)
	require.NoError(t, err)
	var report struct {
		Stages   map[string]map[string]any `json:"stages"`
		Training map[string]any            `json:"training"`
	}
	require.NoError(t, json.Unmarshal(b, &report))
	assert.Contains(t, report.Stages, stageETL)
	assert.EqualValues(t, 2, report.Training["epochs"])
	// The held out split never reaches training.
	assert.EqualValues(t, 2*320, report.Training["rows"])
	assert.Contains(t, report.Training, "step_latency_ms")
	assert.FileExists(t, filepath.Join(filepath.Dir(cfg.Layout().Report), "epochs.csv"))
	epochs, err := train.ReadEpochStats(cfg.Layout().Epochs)
	require.NoError(t, err)
	assert.Len(t, epochs, 2)
}

func TestReporterWithoutOutputDir(t *testing.T) {
	var out bytes.Buffer
	r := newReporter(&out, "")
	r.ReportStage(stageAcquire, time.Second, Report{"source_dir": "/x"})
	r.ReportEpochs([]train.EpochStats{{
		Epoch:       0,
		Loss:        0.5,
		Rows:        10,
		Took:        time.Second,
		Steps:       4,
		StepLatency: train.Quantiles{P25: 1, P50: 2, P75: 3, P90: 4, P99: 5},
	}})
	require.NoError(t, r.Stop())
	assert.Contains(t, out.String(), "source_dir: /x")
	assert.Contains(t, out.String(), "final_loss: 0.5")
	assert.Contains(t, out.String(), "epoch_durations: min=1000ms, p50=1000ms, p90=1000ms, max=1000ms")
	assert.Contains(t, out.String(), "step_latency_ms: p25=1.00, p50=2.00, p75=3.00, p90=4.00, p99=5.00")
}

func TestValidateStages(t *testing.T) {
	require.NoError(t, validateStages([]string{stageETL, stageTrain}))
	err := validateStages([]string{stageETL, "tarin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown stage "tarin"`)
}

type fakeLauncher func() error

func (f fakeLauncher) Run(context.Context) error { return f() }

func TestTrainStepReadsLaunchedEpochs(t *testing.T) {
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.Train.Workers = 2
	statsPath := cfg.Layout().Epochs
	stale := []train.EpochStats{{Epoch: 9, Loss: 9}}
	require.NoError(t, train.WriteEpochStats(statsPath, stale))

	var out bytes.Buffer
	step := &pipelineStepTrain{cfg: cfg, reporter: newReporter(&out, ""), out: &out}

	fresh := []train.EpochStats{
		{Epoch: 0, Loss: 0.7, Rows: 100, Took: time.Second, Steps: 4, StepLatency: train.Quantiles{P50: 2, P99: 3}},
		{Epoch: 1, Loss: 0.6, Rows: 100, Took: time.Second, Steps: 4, StepLatency: train.Quantiles{P50: 2, P99: 3}},
	}
	report, err := step.launch(context.Background(), fakeLauncher(func() error {
		_, err := os.Stat(statsPath)
		assert.True(t, os.IsNotExist(err), "stale stats are removed before launch")
		return train.WriteEpochStats(statsPath, fresh)
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, report["processes"])
	assert.Equal(t, 2, report["epochs"])
	assert.Equal(t, fresh, step.reporter.epochs)

	// A run that leaves no stats behind is an error, not an empty report.
	require.NoError(t, train.WriteEpochStats(statsPath, stale))
	_, err = step.launch(context.Background(), fakeLauncher(func() error { return nil }))
	require.Error(t, err)
}
