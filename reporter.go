package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beorn7/perks/quantile"
	"github.com/goccy/go-json"
	"github.com/tabflow/movielens-multigpu/pkg/train"
	"gonum.org/v1/gonum/stat"
)

// Reporter collects the outcome of every pipeline stage and, at the end of
// the run, prints a cumulative report and writes it to disk.
type Reporter struct {
	sync.Mutex
	out        io.Writer
	reportPath string
	// outputDir receives report.json and epochs.csv; empty disables writing.
	outputDir string
	started   time.Time

	stages Report
	order  []string
	epochs []train.EpochStats
}

// Report is a JSON-serializable report of the pipeline run.
type Report map[string]any

// MergeOther merges another report into this one.
func (r Report) MergeOther(other Report) {
	for k, v := range other {
		if _, ok := r[k]; ok {
			panic(fmt.Sprintf("duplicate key in report: %s", k))
		}
		r[k] = v
	}
}

// PrintWithDepth prints a report with the given depth.
// Recursively prints sub-reports.
func (r Report) PrintWithDepth(w io.Writer, depth int) {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		v := r[k]
		if sub, ok := v.(Report); ok {
			fmt.Fprintf(w, "%s%s:\n", strings.Repeat("  ", depth), k)
			sub.PrintWithDepth(w, depth+1)
		} else {
			fmt.Fprintf(w, "%s%s: %v\n", strings.Repeat("  ", depth), k, v)
		}
	}
}

func newReporter(out io.Writer, reportPath string) *Reporter {
	r := &Reporter{
		out:        out,
		reportPath: reportPath,
		started:    time.Now(),
		stages:     make(Report),
	}
	if reportPath != "" {
		r.outputDir = filepath.Dir(reportPath)
	}
	return r
}

// ReportStage records a finished stage and prints its report.
func (r *Reporter) ReportStage(stage string, took time.Duration, details Report) {
	r.Lock()
	defer r.Unlock()
	report := Report{"took": took.Round(time.Millisecond).String()}
	report.MergeOther(details)
	r.stages[stage] = report
	r.order = append(r.order, stage)

	fmt.Fprintln(r.out, "")
	fmt.Fprintf(r.out, "Report for stage %s:\n", stage)
	report.PrintWithDepth(r.out, 1)
}

// ReportEpochs records the group-wide statistics of a training run.
func (r *Reporter) ReportEpochs(stats []train.EpochStats) {
	r.Lock()
	defer r.Unlock()
	r.epochs = append(r.epochs, stats...)
}

func (r *Reporter) trainingReport() Report {
	if len(r.epochs) == 0 {
		return nil
	}
	var (
		rows   int64
		total  time.Duration
		losses = make([]float64, len(r.epochs))

		minTook, maxTook = r.epochs[0].Took, r.epochs[0].Took
	)
	times := quantile.NewTargeted(map[float64]float64{
		0.50: 0.005,
		0.90: 0.001,
	})
	for i, e := range r.epochs {
		rows += e.Rows
		total += e.Took
		times.Insert(float64(e.Took.Milliseconds()))
		minTook = min(minTook, e.Took)
		maxTook = max(maxTook, e.Took)
		losses[i] = e.Loss
	}

	var durations strings.Builder
	durations.WriteString(fmt.Sprintf("min=%dms", minTook.Milliseconds()))
	for _, p := range []float64{50.0, 90.0} {
		durations.WriteString(fmt.Sprintf(", p%d=%.0fms", int(p), times.Query(p/100.0)))
	}
	durations.WriteString(fmt.Sprintf(", max=%dms", maxTook.Milliseconds()))

	last := r.epochs[len(r.epochs)-1]
	report := Report{
		"epochs":          len(r.epochs),
		"rows":            rows,
		"first_loss":      r.epochs[0].Loss,
		"final_loss":      last.Loss,
		"mean_loss":       stat.Mean(losses, nil),
		"epoch_durations": durations.String(),
		"step_latency_ms": last.StepLatency.String(),
	}
	if total > 0 {
		report["throughput"] = float64(rows) / total.Seconds()
	}
	if len(losses) > 1 {
		report["loss_stddev"] = stat.StdDev(losses, nil)
	}
	return report
}

// Stop prints the cumulative report and writes report.json and epochs.csv.
// Should be called at the end of a pipeline run.
func (r *Reporter) Stop() error {
	r.Lock()
	defer r.Unlock()

	finalReport := Report{
		"stages": r.stages,
		"took":   time.Since(r.started).Round(time.Millisecond).String(),
	}
	if tr := r.trainingReport(); len(tr) > 0 {
		finalReport.MergeOther(Report{"training": tr})
	}

	fmt.Fprintln(r.out, "")
	fmt.Fprintf(r.out, "Cumulative report for the entire pipeline (%s):\n", strings.Join(r.order, " -> "))
	finalReport.PrintWithDepth(r.out, 0)

	if r.outputDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(r.reportPath)
	if err != nil {
		return fmt.Errorf("failed to create report.json: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(finalReport); err != nil {
		return fmt.Errorf("failed to write report.json: %w", err)
	}
	if len(r.epochs) > 0 {
		if err := r.writeEpochs(filepath.Join(r.outputDir, "epochs.csv")); err != nil {
			return err
		}
	}
	fmt.Fprintf(r.out, "results written to: %s\n", r.outputDir)
	return nil
}

func (r *Reporter) writeEpochs(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create epochs.csv: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	headers := []string{"epoch", "loss", "rows", "duration_ms", "throughput", "step_p50_ms", "step_p90_ms", "step_p99_ms"}
	if err := w.Write(headers); err != nil {
		return fmt.Errorf("failed to write header to epochs.csv: %w", err)
	}
	for _, e := range r.epochs {
		if err := w.Write([]string{
			strconv.Itoa(e.Epoch),
			strconv.FormatFloat(e.Loss, 'f', 6, 64),
			strconv.FormatInt(e.Rows, 10),
			strconv.FormatInt(e.Took.Milliseconds(), 10),
			strconv.FormatFloat(e.Throughput(), 'f', 2, 64),
			strconv.FormatFloat(e.StepLatency.P50, 'f', 3, 64),
			strconv.FormatFloat(e.StepLatency.P90, 'f', 3, 64),
			strconv.FormatFloat(e.StepLatency.P99, 'f', 3, 64),
		}); err != nil {
			return fmt.Errorf("failed to write epoch to epochs.csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush epochs.csv: %w", err)
	}
	return nil
}
