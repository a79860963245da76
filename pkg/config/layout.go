package config

import "path/filepath"

// Layout is the filesystem layout of a pipeline run, derived from BaseDir.
type Layout struct {
	Base string
	// Archive is the downloaded source archive.
	Archive string
	// SourceDir holds the extracted CSV files.
	SourceDir string
	// ConvertedDir holds the parquet tables produced by conversion.
	ConvertedDir string
	Items        string
	Interactions string
	Train        string
	Valid        string
	// WorkDir is the ETL scratch space: worker local dirs and spills.
	WorkDir  string
	StatsDir string
	// OutputDir holds the transformed shards, under train/ and valid/.
	OutputDir   string
	TrainShards string
	ValidShards string
	WorkflowDir string
	ExportDir   string
	Report      string
	// Epochs is the JSON list of finished epochs kept by the root rank.
	Epochs string
}

// Layout returns the paths used by every stage for this configuration.
func (c *Config) Layout() Layout {
	base := c.BaseDir
	converted := filepath.Join(base, "converted")
	work := filepath.Join(base, "etl")
	out := filepath.Join(base, "output")
	return Layout{
		Base:         base,
		Archive:      filepath.Join(base, c.Dataset.ArchiveName),
		SourceDir:    filepath.Join(base, c.Dataset.SourceDir),
		ConvertedDir: converted,
		Items:        filepath.Join(converted, "movies_converted.parquet"),
		Interactions: filepath.Join(converted, "ratings.parquet"),
		Train:        filepath.Join(converted, "train.parquet"),
		Valid:        filepath.Join(converted, "valid.parquet"),
		WorkDir:      work,
		StatsDir:     filepath.Join(work, "stats"),
		OutputDir:    out,
		TrainShards:  filepath.Join(out, "train"),
		ValidShards:  filepath.Join(out, "valid"),
		WorkflowDir:  filepath.Join(base, "workflow"),
		ExportDir:    filepath.Join(base, "export"),
		Report:       filepath.Join(work, "report.json"),
		Epochs:       filepath.Join(work, "epochs.json"),
	}
}
