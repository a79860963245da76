// Package config holds the single configuration object shared by every
// pipeline stage. A Config is built once at process start (defaults, then an
// optional YAML file, then MOVIELENS_* environment variables, then explicit
// overrides) and is treated as read-only afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read into the config.
// Nested keys are separated by a double underscore, e.g.
// MOVIELENS_ETL__WORKERS=4.
const EnvPrefix = "MOVIELENS_"

// Config is the configuration for the whole pipeline.
type Config struct {
	BaseDir string        `koanf:"base_dir" validate:"required"`
	Dataset DatasetConfig `koanf:"dataset"`
	ETL     ETLConfig     `koanf:"etl"`
	Train   TrainConfig   `koanf:"train"`
	Results ResultsConfig `koanf:"results"`
}

// DatasetConfig describes the source archive and the train/valid split.
type DatasetConfig struct {
	URL         string `koanf:"url" validate:"required,url"`
	ArchiveName string `koanf:"archive_name" validate:"required"`
	// SourceDir is the directory name the archive extracts into.
	SourceDir     string  `koanf:"source_dir" validate:"required"`
	ItemsFile     string  `koanf:"items_file" validate:"required"`
	RatingsFile   string  `koanf:"ratings_file" validate:"required"`
	ValidFraction float64 `koanf:"valid_fraction" validate:"gte=0,lt=1"`
	// Seed for the split; 0 leaves the split unseeded.
	Seed uint64 `koanf:"seed"`
}

// ETLConfig configures the distributed preprocessing stage.
type ETLConfig struct {
	Workers int `koanf:"workers" validate:"min=1"`
	// Devices lists the accelerator ids workers bind to. When empty, worker
	// i binds to device i.
	Devices []int `koanf:"devices"`
	// DeviceMemoryLimit bounds each worker's resident buffer in bytes;
	// anything beyond spills to host disk.
	DeviceMemoryLimit int64  `koanf:"device_memory_limit" validate:"gt=0"`
	Protocol          string `koanf:"protocol" validate:"oneof=tcp ucx"`
	PartSize          int    `koanf:"part_size" validate:"min=1"`
	OutFilesPerProc   int    `koanf:"out_files_per_proc" validate:"min=1"`
	// RatingThreshold maps ratings strictly above it to label 1.
	RatingThreshold float64 `koanf:"rating_threshold"`
}

// TrainConfig configures the data-parallel training stage.
type TrainConfig struct {
	Workers       int      `koanf:"workers" validate:"min=1"`
	BatchSize     int      `koanf:"batch_size" validate:"min=1"`
	Epochs        int      `koanf:"epochs" validate:"min=1"`
	LearningRate  float64  `koanf:"learning_rate" validate:"gt=0"`
	HiddenDims    []int    `koanf:"hidden_dims" validate:"min=1,dive,min=1"`
	Cats          []string `koanf:"cats"`
	CatsMH        []string `koanf:"cats_mh"`
	Conts         []string `koanf:"conts"`
	Labels        []string `koanf:"labels" validate:"len=1"`
	BufferBatches int      `koanf:"buffer_batches" validate:"min=1"`
	// CollectiveTimeout bounds every barrier / all-reduce / broadcast.
	// Zero waits forever.
	CollectiveTimeout time.Duration `koanf:"collective_timeout" validate:"gte=0"`
	// ChunkSize caps the number of float64 values per transport message.
	ChunkSize   int    `koanf:"chunk_size" validate:"min=1"`
	MetricsAddr string `koanf:"metrics_addr"`
	// Trainer is the path of the worker binary spawned by the launcher.
	Trainer string `koanf:"trainer"`
}

// ResultsConfig configures where run results are recorded.
type ResultsConfig struct {
	MySQLDSN string `koanf:"mysql_dsn"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BaseDir: filepath.Join(os.TempDir(), "movielens"),
		Dataset: DatasetConfig{
			URL:           "https://files.grouplens.org/datasets/movielens/ml-25m.zip",
			ArchiveName:   "ml-25m.zip",
			SourceDir:     "ml-25m",
			ItemsFile:     "movies.csv",
			RatingsFile:   "ratings.csv",
			ValidFraction: 0.2,
		},
		ETL: ETLConfig{
			Workers:           2,
			DeviceMemoryLimit: 512 << 20,
			Protocol:          "tcp",
			PartSize:          1_000_000,
			OutFilesPerProc:   8,
			RatingThreshold:   3,
		},
		Train: TrainConfig{
			Workers:       2,
			BatchSize:     16384,
			Epochs:        1,
			LearningRate:  0.01,
			HiddenDims:    []int{128, 128, 128},
			Cats:          []string{"userId", "movieId"},
			CatsMH:        []string{"genres"},
			Labels:        []string{"rating"},
			BufferBatches: 4,
			ChunkSize:     1 << 16,
			Trainer:       "trainer",
		},
	}
}

// sliceKeys are parsed from comma separated strings when they come from the
// environment.
var sliceKeys = []string{
	"etl.devices",
	"train.hidden_dims",
	"train.cats",
	"train.cats_mh",
	"train.conts",
	"train.labels",
}

func envKey(s string) string {
	return strings.ReplaceAll(
		strings.ToLower(strings.TrimPrefix(s, EnvPrefix)),
		"__",
		".",
	)
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty), the environment, and finally overrides keyed by koanf
// path (e.g. "etl.workers").
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}
	if err := splitSliceKeys(k); err != nil {
		return nil, err
	}
	for key, val := range overrides {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("setting %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return cfg, nil
}

func splitSliceKeys(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		parts := SplitList(s)
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return nil
}

// SplitList splits a comma separated list, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var validate = validator.New()

// Validate checks field constraints and cross-field invariants.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if len(c.ETL.Devices) > 0 && len(c.ETL.Devices) != c.ETL.Workers {
		return fmt.Errorf("etl.devices lists %d devices for %d workers", len(c.ETL.Devices), c.ETL.Workers)
	}
	if len(c.Train.Cats)+len(c.Train.CatsMH)+len(c.Train.Conts) == 0 {
		return fmt.Errorf("train needs at least one input column")
	}
	seen := make(map[string]bool)
	for _, group := range [][]string{c.Train.Cats, c.Train.CatsMH, c.Train.Conts, c.Train.Labels} {
		for _, col := range group {
			if seen[col] {
				return fmt.Errorf("column %q is listed more than once", col)
			}
			seen[col] = true
		}
	}
	return nil
}
