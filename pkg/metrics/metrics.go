package metrics

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
)

// Metric names recorded by the connector lifecycle.
const (
	MetricTokenRefresh        = "crm_token_refresh"
	MetricTokenRefreshFailed  = "crm_token_refresh_failed"
	MetricActivationRuns      = "crm_activation_runs"
	MetricActivationFailed    = "crm_activation_failed"
	MetricDiagnoseRuns        = "crm_diagnose_runs"
	MetricFixesApplied        = "crm_fixes_applied"
	MetricDuplicatesRemoved   = "crm_duplicates_removed"
	MetricPlacementCallbacks  = "crm_placement_callbacks"
	MetricRemoteCalls         = "crm_remote_calls"
	MetricRemoteCallsFailed   = "crm_remote_calls_failed"
)

var (
	storage  tstorage.Storage
	initOnce sync.Once

	counterMux sync.Mutex
	counters   = map[string]float64{}
)

// InitMetrics opens the embedded time-series store under workdir.
func InitMetrics(workdir string) error {
	var err error
	initOnce.Do(func() {
		storage, err = tstorage.NewStorage(
			tstorage.WithDataPath(filepath.Join(workdir, "metrics")),
			tstorage.WithTimestampPrecision(tstorage.Seconds),
			tstorage.WithPartitionDuration(6*time.Hour),
		)
	})
	return err
}

// SetGauge records an instantaneous value for name.
func SetGauge(name string, value float64) {
	if storage == nil {
		return
	}
	_ = storage.InsertRows([]tstorage.Row{
		{Metric: name, DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: value}},
	})
}

// IncrCounter adds delta to a running counter and persists the new total.
func IncrCounter(name string, delta float64) {
	counterMux.Lock()
	counters[name] += delta
	total := counters[name]
	counterMux.Unlock()
	SetGauge(name, total)
}

// CounterValue returns the current in-process counter total.
func CounterValue(name string) float64 {
	counterMux.Lock()
	defer counterMux.Unlock()
	return counters[name]
}

// Select reads raw datapoints for name between start and end (unix seconds).
func Select(name string, start, end int64) ([]*tstorage.DataPoint, error) {
	if storage == nil {
		return nil, nil
	}
	return storage.Select(name, nil, start, end)
}

func Close() error {
	if storage == nil {
		return nil
	}
	return storage.Close()
}
