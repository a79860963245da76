// Command trainer is one rank of a data-parallel training run. It is
// started by the launcher, which passes the group coordinates through the
// environment; flags override the shared configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tabflow/movielens-multigpu/pkg/config"
	"github.com/tabflow/movielens-multigpu/pkg/launch"
	"github.com/tabflow/movielens-multigpu/pkg/metrics"
	"github.com/tabflow/movielens-multigpu/pkg/results"
	"github.com/tabflow/movielens-multigpu/pkg/train"
)

var (
	configPath = flag.String(
		"config",
		"",
		"Path of a YAML configuration file (optional)",
	)
	dirIn = flag.String(
		"dir-in",
		"",
		"Base directory holding the workflow and the preprocessed shards",
	)
	batchSize = flag.Int(
		"batch-size",
		0,
		"Rows per training batch on each rank",
	)
	cats = flag.String(
		"cats",
		"",
		"Comma separated categorical columns",
	)
	catsMH = flag.String(
		"cats-mh",
		"",
		"Comma separated multi-hot categorical columns",
	)
	conts = flag.String(
		"conts",
		"",
		"Comma separated continuous columns",
	)
	labels = flag.String(
		"labels",
		"",
		"Label column",
	)
	epochs = flag.Int(
		"epochs",
		0,
		"Number of training epochs",
	)
	metricsAddr = flag.String(
		"metrics-addr",
		"",
		"Address to serve prometheus metrics on (optional)",
	)
	mysqlDsn = flag.String(
		"mysql-dsn",
		"",
		"The MySQL DSN to record epoch results in (optional)",
	)
)

func main() {
	flag.Parse()
	logger := newLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("top-level error", slog.Any("error", err))
		os.Exit(1)
	}
}

// overrides returns the koanf keys of the flags set on the command line.
func overrides() map[string]any {
	out := make(map[string]any)
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dir-in":
			out["base_dir"] = *dirIn
		case "batch-size":
			out["train.batch_size"] = *batchSize
		case "cats":
			out["train.cats"] = config.SplitList(*cats)
		case "cats-mh":
			out["train.cats_mh"] = config.SplitList(*catsMH)
		case "conts":
			out["train.conts"] = config.SplitList(*conts)
		case "labels":
			out["train.labels"] = config.SplitList(*labels)
		case "epochs":
			out["train.epochs"] = *epochs
		case "metrics-addr":
			out["train.metrics_addr"] = *metricsAddr
		case "mysql-dsn":
			out["results.mysql_dsn"] = *mysqlDsn
		}
	})
	return out
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load(*configPath, overrides())
	if err != nil {
		return err
	}
	env, err := launch.FromEnv(nil)
	if err != nil {
		return err
	}
	logger = logger.With(slog.Int("rank", env.Rank), slog.Int("world_size", env.WorldSize))
	logger.Debug(
		"starting trainer",
		slog.String("group", env.Group),
		slog.String("device", env.Device),
		slog.String("dir_in", cfg.BaseDir),
	)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Train.MetricsAddr != "" {
		shutdown, err := metrics.Serve(cfg.Train.MetricsAddr, reg)
		if err != nil {
			return fmt.Errorf("serving metrics: %w", err)
		}
		defer shutdown()
	}

	rec, err := results.Open(ctx, cfg.Results.MySQLDSN)
	if err != nil {
		return fmt.Errorf("connecting to MySQL: %w", err)
	}
	defer rec.Close()

	member, err := launch.Join(ctx, env, train.CollectiveOptions(cfg, logger))
	if err != nil {
		return fmt.Errorf("joining group %s: %w", env.Group, err)
	}
	defer member.Close()

	opts := train.OptionsFromConfig(cfg, env.Group)
	opts.Comm = member
	opts.Metrics = m
	opts.Recorder = rec
	opts.Out = os.Stdout
	opts.Logger = logger
	opts.Seed = uint64(time.Now().UnixNano())
	w, err := train.NewWorker(opts)
	if err != nil {
		return err
	}
	if _, err := w.Run(ctx); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	return nil
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func newLogger() *slog.Logger {
	var leveler slog.Leveler
	if l, ok := logLevels[strings.ToLower(os.Getenv("LOG_LEVEL"))]; ok {
		leveler = l
	}
	var handler slog.Handler
	if localDev() {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: leveler})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: leveler})
	}
	return slog.New(handler)
}

func localDev() bool {
	return runtime.GOOS == "darwin" || os.Getenv("MOVIELENS_LOCAL_DEV") != ""
}
