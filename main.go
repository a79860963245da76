package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tabflow/movielens-multigpu/pkg/acquire"
	"github.com/tabflow/movielens-multigpu/pkg/config"
	"github.com/tabflow/movielens-multigpu/pkg/convert"
	"github.com/tabflow/movielens-multigpu/pkg/etl"
	"github.com/tabflow/movielens-multigpu/pkg/launch"
	"github.com/tabflow/movielens-multigpu/pkg/metrics"
	"github.com/tabflow/movielens-multigpu/pkg/results"
	"github.com/tabflow/movielens-multigpu/pkg/train"
)

var allStages = []string{stageAcquire, stageConvert, stageETL, stageTrain}

func main() {
	flag.Parse()

	logger := newLogger()

	rctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var exitCode int
	if err := run(rctx, logger); err != nil {
		logger.Error("encountered top-level error", slog.String("error", err.Error()))
		exitCode = 1
	}

	os.Exit(exitCode)
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load(*configPath, overrides())
	if err != nil {
		return err
	}
	selected := config.SplitList(*stages)
	if err := validateStages(selected); err != nil {
		flag.Usage()
		return err
	}

	if err := logWarningIfFewerDevices(logger, cfg); err != nil {
		logger.Warn("failed to count accelerators", slog.String("error", err.Error()))
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Train.MetricsAddr != "" {
		shutdown, err := metrics.Serve(cfg.Train.MetricsAddr, reg)
		if err != nil {
			return fmt.Errorf("serving metrics: %w", err)
		}
		defer shutdown()
		logger.Debug("serving metrics", slog.String("addr", cfg.Train.MetricsAddr))
	}

	runner := &pipelineRunner{
		cfg:       cfg,
		metrics:   m,
		reporter:  newReporter(os.Stdout, cfg.Layout().Report),
		inProcess: *inProcess,
		out:       os.Stdout,
	}
	steps := runner.plan(selected)
	if len(steps) == 0 {
		logger.Warn("no pipeline stages to run, maybe check -stages?")
		return nil
	}
	if err := runner.execute(ctx, logger, steps); err != nil {
		return err
	}
	return runner.reporter.Stop()
}

// validateStages rejects stage names outside allStages.
func validateStages(selected []string) error {
	for _, s := range selected {
		if !slices.Contains(allStages, s) {
			return fmt.Errorf("unknown stage %q, valid stages are %s", s, strings.Join(allStages, ","))
		}
	}
	return nil
}

type pipelineRunner struct {
	cfg       *config.Config
	metrics   *metrics.Metrics
	reporter  *Reporter
	inProcess bool
	out       io.Writer
}

func (pr *pipelineRunner) plan(selected []string) []pipelineStep {
	var steps []pipelineStep
	for _, s := range allStages {
		if !slices.Contains(selected, s) {
			continue
		}
		switch s {
		case stageAcquire:
			steps = append(steps, &pipelineStepAcquire{cfg: pr.cfg})
		case stageConvert:
			steps = append(steps, &pipelineStepConvert{cfg: pr.cfg})
		case stageETL:
			steps = append(steps, &pipelineStepETL{cfg: pr.cfg, metrics: pr.metrics})
		case stageTrain:
			steps = append(steps, &pipelineStepTrain{
				cfg:       pr.cfg,
				metrics:   pr.metrics,
				reporter:  pr.reporter,
				inProcess: pr.inProcess,
				out:       pr.out,
			})
		}
	}
	return steps
}

func (pr *pipelineRunner) execute(ctx context.Context, logger *slog.Logger, steps []pipelineStep) error {
	for i, step := range steps {
		fmt.Fprintf(pr.out, "\nRunning step %d: %s\n\n", i+1, step.desc())
		start := time.Now()
		report, err := step.run(ctx, logger.With(slog.String(stageAttrKey, step.stage())))
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.stage(), err)
		}
		pr.reporter.ReportStage(step.stage(), time.Since(start), report)
	}
	return nil
}

type pipelineStep interface {
	stage() string
	desc() string
	run(ctx context.Context, logger *slog.Logger) (Report, error)
}

type pipelineStepAcquire struct {
	cfg *config.Config
}

func (a *pipelineStepAcquire) stage() string { return stageAcquire }

func (a *pipelineStepAcquire) desc() string {
	return fmt.Sprintf("fetching %s into %s", a.cfg.Dataset.URL, a.cfg.BaseDir)
}

func (a *pipelineStepAcquire) run(ctx context.Context, logger *slog.Logger) (Report, error) {
	dir, err := acquire.Ensure(ctx, a.cfg, logger)
	if err != nil {
		return nil, err
	}
	return Report{"source_dir": dir}, nil
}

type pipelineStepConvert struct {
	cfg *config.Config
}

func (c *pipelineStepConvert) stage() string { return stageConvert }

func (c *pipelineStepConvert) desc() string {
	return fmt.Sprintf(
		"converting %s and %s to parquet, holding out %.0f%% for validation",
		c.cfg.Dataset.ItemsFile,
		c.cfg.Dataset.RatingsFile,
		c.cfg.Dataset.ValidFraction*100,
	)
}

func (c *pipelineStepConvert) run(ctx context.Context, logger *slog.Logger) (Report, error) {
	res, err := convert.Run(ctx, c.cfg, logger)
	if err != nil {
		return nil, err
	}
	return Report{
		"items":      res.Items,
		"rows":       res.Rows,
		"train_rows": res.TrainRows,
		"valid_rows": res.ValidRows,
		"seed":       res.Seed,
	}, nil
}

type pipelineStepETL struct {
	cfg     *config.Config
	metrics *metrics.Metrics
}

func (e *pipelineStepETL) stage() string { return stageETL }

func (e *pipelineStepETL) desc() string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("preprocessing on %d workers:\n", e.cfg.ETL.Workers))
	builder.WriteString(fmt.Sprintf("   - protocol: %s\n", e.cfg.ETL.Protocol))
	builder.WriteString(fmt.Sprintf("   - device memory limit: %d bytes\n", e.cfg.ETL.DeviceMemoryLimit))
	builder.WriteString(fmt.Sprintf("   - partition size: %d rows\n", e.cfg.ETL.PartSize))
	builder.WriteString(fmt.Sprintf("   - output files per worker: %d\n", e.cfg.ETL.OutFilesPerProc))
	return builder.String()
}

func (e *pipelineStepETL) run(ctx context.Context, logger *slog.Logger) (Report, error) {
	res, err := etl.Run(ctx, e.cfg, e.metrics, logger)
	if err != nil {
		return nil, err
	}
	report := Report{
		"cluster_id": res.ClusterID,
		"fit_took":   res.FitTook.Round(time.Millisecond).String(),
	}
	for name, out := range map[string]*etl.Output{"train": res.Train, "valid": res.Valid} {
		sizes, err := shardSizes(out.Files)
		if err != nil {
			return nil, err
		}
		split := sizes.report()
		split["spilled_bytes"] = out.SpilledBytes
		report[name] = split
	}
	embeddings := make(Report, len(res.Embeddings))
	for col, emb := range res.Embeddings {
		embeddings[col] = fmt.Sprintf("%dx%d", emb.Cardinality, emb.Dim)
	}
	report["embeddings"] = embeddings
	return report, nil
}

type pipelineStepTrain struct {
	cfg       *config.Config
	metrics   *metrics.Metrics
	reporter  *Reporter
	inProcess bool
	out       io.Writer
}

func (t *pipelineStepTrain) stage() string { return stageTrain }

func (t *pipelineStepTrain) desc() string {
	mode := fmt.Sprintf("%d processes of %s", t.cfg.Train.Workers, t.cfg.Train.Trainer)
	if t.inProcess {
		mode = fmt.Sprintf("%d in-process ranks", t.cfg.Train.Workers)
	}
	return fmt.Sprintf(
		"training for %d epochs with batch size %d on %s",
		t.cfg.Train.Epochs,
		t.cfg.Train.BatchSize,
		mode,
	)
}

func (t *pipelineStepTrain) run(ctx context.Context, logger *slog.Logger) (Report, error) {
	if !t.inProcess {
		args := launch.TrainerArgs(t.cfg)
		if *configPath != "" {
			args = append([]string{"-config", *configPath}, args...)
		}
		l := &launch.Launcher{
			NP:      t.cfg.Train.Workers,
			Program: t.cfg.Train.Trainer,
			Args:    args,
			Logger:  logger,
		}
		return t.launch(ctx, l)
	}

	rec, err := results.Open(ctx, t.cfg.Results.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to MySQL: %w", err)
	}
	defer rec.Close()

	res, err := train.RunLocal(ctx, t.cfg, train.Options{
		Metrics:  t.metrics,
		Recorder: rec,
		Logger:   logger,
		Seed:     uint64(time.Now().UnixNano()),
	}, t.out)
	if err != nil {
		return nil, err
	}
	t.reporter.ReportEpochs(res.Epochs)
	return Report{"run_id": res.RunID, "ranks": res.Ranks}, nil
}

type launcher interface {
	Run(ctx context.Context) error
}

// launch runs the trainer processes and reads back the epochs the root
// rank wrote.
func (t *pipelineStepTrain) launch(ctx context.Context, l launcher) (Report, error) {
	statsPath := t.cfg.Layout().Epochs
	if err := os.Remove(statsPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("removing stale epoch stats: %w", err)
	}
	if err := l.Run(ctx); err != nil {
		return nil, err
	}
	epochs, err := train.ReadEpochStats(statsPath)
	if err != nil {
		return nil, err
	}
	t.reporter.ReportEpochs(epochs)
	return Report{"processes": t.cfg.Train.Workers, "epochs": len(epochs)}, nil
}
