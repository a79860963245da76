package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Spilled(1, 100)
	m.Spilled(1, 50)
	m.Spilled(0, 7)
	assert.Equal(t, 150.0, testutil.ToFloat64(m.ETLSpillBytes.WithLabelValues("1")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ETLSpillBytes.WithLabelValues("0")))

	m.ETLRows.WithLabelValues("train").Add(800)
	m.TaskDone(0)
	m.TaskDone(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ETLTasks))

	m.Epoch(0, 1000, 0.69, 2*time.Second)
	m.Epoch(0, 1000, 0.5, time.Second)
	assert.Equal(t, 2000.0, testutil.ToFloat64(m.TrainRows.WithLabelValues("0")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.TrainLoss.WithLabelValues("0")))

	n, err := testutil.GatherAndCount(reg, "movielens_train_epoch_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestNilRegistry(t *testing.T) {
	m := New(nil)
	m.Spilled(0, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ETLSpillBytes.WithLabelValues("0")))
}
