// Command launch runs a training group on this host:
//
//	launch -np 2 [-trainer path] [-- trainer flags]
//
// Trainer flags default to those derived from the configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"

	"github.com/tabflow/movielens-multigpu/pkg/config"
	"github.com/tabflow/movielens-multigpu/pkg/launch"
)

var (
	np = flag.Int(
		"np",
		0,
		"Number of training processes; defaults to train.workers",
	)
	trainer = flag.String(
		"trainer",
		"",
		"Path of the trainer binary; defaults to train.trainer",
	)
	configPath = flag.String(
		"config",
		"",
		"Path of a YAML configuration file (optional)",
	)
	devices = flag.String(
		"devices",
		"",
		"Comma separated device ids, one per process (optional)",
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

func run(ctx context.Context, logger *slog.Logger) error {
	overrides := make(map[string]any)
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "np":
			overrides["train.workers"] = *np
		case "trainer":
			overrides["train.trainer"] = *trainer
		}
	})
	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		return err
	}

	var ids []int
	for _, s := range config.SplitList(*devices) {
		id, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("parsing device %q: %w", s, err)
		}
		ids = append(ids, id)
	}

	args := flag.Args()
	if len(args) == 0 {
		args = launch.TrainerArgs(cfg)
	}
	if *configPath != "" {
		args = append([]string{"-config", *configPath}, args...)
	}
	l := &launch.Launcher{
		NP:      cfg.Train.Workers,
		Program: cfg.Train.Trainer,
		Args:    args,
		Devices: ids,
		Logger:  logger,
	}
	return l.Run(ctx)
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
