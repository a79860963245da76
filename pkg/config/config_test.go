package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.2, cfg.Dataset.ValidFraction)
	assert.Equal(t, 2, cfg.ETL.Workers)
	assert.Equal(t, "tcp", cfg.ETL.Protocol)
	assert.Equal(t, []int{128, 128, 128}, cfg.Train.HiddenDims)
	assert.Equal(t, []string{"userId", "movieId"}, cfg.Train.Cats)
	assert.Equal(t, time.Duration(0), cfg.Train.CollectiveTimeout)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
base_dir: /data/from-file
etl:
  workers: 3
  protocol: ucx
train:
  epochs: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	t.Setenv("MOVIELENS_ETL__WORKERS", "4")
	t.Setenv("MOVIELENS_TRAIN__CATS", "userId, movieId ,")

	cfg, err := Load(path, map[string]any{"train.epochs": 7})
	require.NoError(t, err)
	assert.Equal(t, "/data/from-file", cfg.BaseDir)
	assert.Equal(t, 4, cfg.ETL.Workers, "environment overrides file")
	assert.Equal(t, "ucx", cfg.ETL.Protocol)
	assert.Equal(t, 7, cfg.Train.Epochs, "overrides win")
	assert.Equal(t, []string{"userId", "movieId"}, cfg.Train.Cats)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad protocol", func(c *Config) { c.ETL.Protocol = "udp" }},
		{"zero workers", func(c *Config) { c.ETL.Workers = 0 }},
		{"fraction of one", func(c *Config) { c.Dataset.ValidFraction = 1 }},
		{"device count mismatch", func(c *Config) { c.ETL.Devices = []int{0} }},
		{"two labels", func(c *Config) { c.Train.Labels = []string{"a", "b"} }},
		{"duplicate column", func(c *Config) { c.Train.CatsMH = []string{"userId"} }},
		{"no inputs", func(c *Config) {
			c.Train.Cats, c.Train.CatsMH, c.Train.Conts = nil, nil, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLayout(t *testing.T) {
	cfg := Default()
	cfg.BaseDir = "/base"
	l := cfg.Layout()
	assert.Equal(t, "/base/ml-25m.zip", l.Archive)
	assert.Equal(t, "/base/ml-25m", l.SourceDir)
	assert.Equal(t, "/base/converted/train.parquet", l.Train)
	assert.Equal(t, "/base/output/train", l.TrainShards)
	assert.Equal(t, "/base/output/valid", l.ValidShards)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitList(" a,,b "))
	assert.Nil(t, SplitList(""))
}
