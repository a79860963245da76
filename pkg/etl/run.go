package etl

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tabflow/movielens-multigpu/pkg/cluster"
	"github.com/tabflow/movielens-multigpu/pkg/config"
	"github.com/tabflow/movielens-multigpu/pkg/metrics"
	"github.com/tabflow/movielens-multigpu/pkg/workflow"
)

// ExportName is the model name of the exported serving workflow.
const ExportName = "movielens_nvt"

// Result summarises an ETL run.
type Result struct {
	ClusterID  string                        `json:"cluster_id"`
	Workers    int                           `json:"workers"`
	Protocol   string                        `json:"protocol"`
	Train      *Output                       `json:"train"`
	Valid      *Output                       `json:"valid"`
	Embeddings map[string]workflow.Embedding `json:"embeddings"`
	Manifest   *workflow.Manifest            `json:"manifest"`
	FitTook    time.Duration                 `json:"fit_took"`
	Took       time.Duration                 `json:"took"`
}

// Run starts a local cluster, fits the MovieLens workflow on the training
// split only, transforms both splits into shards, and saves and exports the
// fitted workflow.
func Run(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Result, error) {
	layout := cfg.Layout()
	start := time.Now()

	c, err := cluster.NewLocalCluster(cluster.Options{
		Workers:     cfg.ETL.Workers,
		Devices:     cfg.ETL.Devices,
		MemoryLimit: cfg.ETL.DeviceMemoryLimit,
		Protocol:    cfg.ETL.Protocol,
		LocalDir:    layout.WorkDir,
		OnSpill:     m.Spilled,
		OnTask:      m.TaskDone,
		Progress:    true,
	}, logger)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	wf, err := workflow.NewMovieLens(workflow.MovieLensOptions{
		ItemsPath: layout.Items,
		Cats:      cfg.Train.Cats,
		Labels:    cfg.Train.Labels,
		Threshold: cfg.ETL.RatingThreshold,
	})
	if err != nil {
		return nil, err
	}

	train := Dataset{Paths: []string{layout.Train}, PartSize: cfg.ETL.PartSize}
	valid := Dataset{Paths: []string{layout.Valid}, PartSize: cfg.ETL.PartSize}

	if err := Fit(ctx, c, wf, train, layout.StatsDir, logger); err != nil {
		return nil, fmt.Errorf("fitting workflow: %w", err)
	}
	fitTook := time.Since(start)

	res := &Result{
		ClusterID: c.ID,
		Workers:   len(c.Workers),
		Protocol:  c.Protocol,
		FitTook:   fitTook,
	}
	seed := cfg.Dataset.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	for _, split := range []struct {
		name string
		ds   Dataset
		dir  string
		out  **Output
	}{
		{"train", train, layout.TrainShards, &res.Train},
		{"valid", valid, layout.ValidShards, &res.Valid},
	} {
		out, err := Transform(ctx, c, wf, split.ds, TransformOptions{
			Name:           split.name,
			OutDir:         split.dir,
			FilesPerWorker: cfg.ETL.OutFilesPerProc,
			Seed:           seed,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("transforming %s: %w", split.name, err)
		}
		m.ETLRows.WithLabelValues(split.name).Add(float64(out.Rows))
		*split.out = out
		logger.Info(
			"transformed split",
			slog.String("split", split.name),
			slog.Int64("rows", out.Rows),
			slog.Int("files", len(out.Files)),
		)
	}

	if err := wf.Save(layout.WorkflowDir); err != nil {
		return nil, err
	}
	if res.Embeddings, err = wf.EmbeddingSizes(); err != nil {
		return nil, err
	}
	res.Manifest, err = wf.Export(layout.ExportDir, workflow.ExportOptions{
		Name:         ExportName,
		MaxBatchSize: cfg.Train.BatchSize,
		Labels:       cfg.Train.Labels,
		Cats:         slices.Concat(cfg.Train.Cats, cfg.Train.CatsMH),
		Conts:        cfg.Train.Conts,
	})
	if err != nil {
		return nil, fmt.Errorf("exporting workflow: %w", err)
	}
	res.Took = time.Since(start)
	logger.Info(
		"etl complete",
		slog.String("workflow_dir", layout.WorkflowDir),
		slog.Duration("fit_took", res.FitTook),
		slog.Duration("took", res.Took),
	)
	return res, nil
}
