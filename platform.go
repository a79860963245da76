package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"

	"github.com/tabflow/movielens-multigpu/pkg/config"
)

// Device nodes created by the NVIDIA driver, one per visible GPU.
const deviceGlob = "/dev/nvidia*"

var deviceNode = regexp.MustCompile(`^nvidia[0-9]+$`)

func devicesOnHost() (int, error) {
	matches, err := filepath.Glob(deviceGlob)
	if err != nil {
		return 0, fmt.Errorf("listing device nodes: %w", err)
	}
	n := 0
	for _, m := range matches {
		if deviceNode.MatchString(filepath.Base(m)) {
			n++
		}
	}
	return n, nil
}

// logWarningIfFewerDevices warns when the host has fewer accelerators than
// the configuration asks for. Workers then bind to logical device ids only.
func logWarningIfFewerDevices(logger *slog.Logger, cfg *config.Config) error {
	n, err := devicesOnHost()
	if err != nil {
		return err
	}
	want := max(cfg.ETL.Workers, cfg.Train.Workers)
	if n < want {
		logger.Warn(
			"host has fewer accelerators than workers, devices are logical only",
			slog.Int("devices", n),
			slog.Int("etl_workers", cfg.ETL.Workers),
			slog.Int("train_workers", cfg.Train.Workers),
		)
	}
	return nil
}
