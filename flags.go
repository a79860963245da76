package main

import (
	"flag"
	"strings"
)

var configPath = flag.String(
	"config",
	"",
	"path of a YAML configuration file. flags override values from the file and the environment",
)

var baseDir = flag.String(
	"base-dir",
	"",
	"the directory holding the archive, converted tables, shards, workflow and export",
)

var stages = flag.String(
	"stages",
	strings.Join(allStages, ","),
	"comma separated pipeline stages to run, in order. any of acquire, convert, etl, train",
)

var etlWorkers = flag.Int(
	"etl-workers",
	0,
	"the number of ETL workers, one per device. defaults to etl.workers",
)

var trainWorkers = flag.Int(
	"train-workers",
	0,
	"the number of training ranks. defaults to train.workers",
)

var epochs = flag.Int(
	"epochs",
	0,
	"the number of training epochs. defaults to train.epochs",
)

var batchSize = flag.Int(
	"batch-size",
	0,
	"the per-rank training batch size. defaults to train.batch_size",
)

var inProcess = flag.Bool(
	"in-process",
	false,
	"train every rank inside this process instead of launching trainer processes",
)

var metricsAddr = flag.String(
	"metrics-addr",
	"",
	"address to serve prometheus metrics on while the pipeline runs (optional)",
)

var mysqlDsn = flag.String(
	"mysql-dsn",
	"",
	"the MySQL DSN to record training results in (optional)",
)

// overrides maps the flags set on the command line to configuration keys.
func overrides() map[string]any {
	out := make(map[string]any)
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "base-dir":
			out["base_dir"] = *baseDir
		case "etl-workers":
			out["etl.workers"] = *etlWorkers
		case "train-workers":
			out["train.workers"] = *trainWorkers
		case "epochs":
			out["train.epochs"] = *epochs
		case "batch-size":
			out["train.batch_size"] = *batchSize
		case "metrics-addr":
			out["train.metrics_addr"] = *metricsAddr
		case "mysql-dsn":
			out["results.mysql_dsn"] = *mysqlDsn
		}
	})
	return out
}
