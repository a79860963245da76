// Package metrics exposes prometheus collectors for ETL and training
// throughput.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector of a pipeline run.
type Metrics struct {
	ETLRows       *prometheus.CounterVec
	ETLSpillBytes *prometheus.CounterVec
	ETLTasks      prometheus.Counter

	TrainRows    *prometheus.CounterVec
	TrainLoss    *prometheus.GaugeVec
	EpochSeconds prometheus.Histogram
}

// New registers the collectors on reg. A nil reg registers nowhere, which
// keeps the collectors usable in tests and one-off runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ETLRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "movielens_etl_rows_total",
				Help: "Rows written by the ETL stage",
			},
			[]string{"split"},
		),
		ETLSpillBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "movielens_etl_spill_bytes_total",
				Help: "Bytes spilled to host disk by ETL workers",
			},
			[]string{"worker"},
		),
		ETLTasks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "movielens_etl_tasks_total",
				Help: "ETL partition tasks completed",
			},
		),
		TrainRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "movielens_train_rows_total",
				Help: "Rows consumed by training",
			},
			[]string{"rank"},
		),
		TrainLoss: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "movielens_train_loss",
				Help: "Mean training loss of the last epoch",
			},
			[]string{"rank"},
		),
		EpochSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "movielens_train_epoch_seconds",
				Help:    "Wall time of a training epoch",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),
	}
}

// Spilled records a spill of a worker buffer.
func (m *Metrics) Spilled(worker int, bytes int64) {
	m.ETLSpillBytes.WithLabelValues(strconv.Itoa(worker)).Add(float64(bytes))
}

// TaskDone records a finished ETL partition task.
func (m *Metrics) TaskDone(int) {
	m.ETLTasks.Inc()
}

// Epoch records one finished epoch of a training rank.
func (m *Metrics) Epoch(rank int, rows int64, loss float64, took time.Duration) {
	r := strconv.Itoa(rank)
	m.TrainRows.WithLabelValues(r).Add(float64(rows))
	m.TrainLoss.WithLabelValues(r).Set(loss)
	m.EpochSeconds.Observe(took.Seconds())
}

// Serve exposes the gatherer on addr under /metrics until the returned
// shutdown function is called.
func Serve(addr string, g prometheus.Gatherer) (func() error, error) {
	if addr == "" {
		return nil, errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return nil, err
	case <-time.After(50 * time.Millisecond):
	}
	return srv.Close, nil
}
