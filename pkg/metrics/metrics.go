// Package metrics exposes Prometheus metrics for the uploader.
//
// All metrics are registered on the default registry at package init and are
// labelled by target repository, so several schedulers in one process report
// separately:
//
//	c := metrics.NewCollector("org/dataset")
//	c.RecordsAppended(1)
//	timer := metrics.NewTimer("flush")
//	...
//	c.FlushCompleted(metrics.StatusSuccess, timer.Stop(), rows, bytes)
//
// Handler serves the registry for scraping.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Flush and asset outcomes used as label values
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusEmpty   = "empty"

	AssetEmbedded = "embedded"
	AssetMissing  = "missing"
)

var (
	// RecordsAppended counts records accepted into the buffer.
	// Labels: repo
	RecordsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubsync_records_appended_total",
			Help: "Total number of records appended to the buffer",
		},
		[]string{"repo"},
	)

	// RecordsUploaded counts records contained in uploaded files.
	// Labels: repo
	RecordsUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubsync_records_uploaded_total",
			Help: "Total number of records uploaded",
		},
		[]string{"repo"},
	)

	// RecordsRejected counts records of batches that failed before their
	// upload and were set aside.
	// Labels: repo
	RecordsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubsync_records_rejected_total",
			Help: "Total number of records set aside because their batch could not be encoded",
		},
		[]string{"repo"},
	)

	// Flushes counts flush attempts by outcome.
	// Labels: repo, status (success/failure/empty)
	Flushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubsync_flushes_total",
			Help: "Total number of flushes by outcome",
		},
		[]string{"repo", "status"},
	)

	// FlushDuration tracks the time from buffer swap to finished upload.
	// Labels: repo
	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hubsync_flush_duration_seconds",
			Help:    "Flush duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"repo"},
	)

	// FileBytes tracks the size of uploaded Parquet files.
	// Labels: repo
	FileBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hubsync_file_bytes",
			Help:    "Size of uploaded Parquet files in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB .. 256MiB
		},
		[]string{"repo"},
	)

	// PendingRecords is the current buffer length.
	// Labels: repo
	PendingRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hubsync_pending_records",
			Help: "Number of records waiting for the next flush",
		},
		[]string{"repo"},
	)

	// CoercionFailures counts cells stored as null because the value did
	// not fit the column type.
	// Labels: repo, column
	CoercionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubsync_coercion_failures_total",
			Help: "Total number of values that could not be stored in their column type",
		},
		[]string{"repo", "column"},
	)

	// Assets counts asset loads by outcome.
	// Labels: repo, status (embedded/missing)
	Assets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubsync_assets_total",
			Help: "Total number of asset files processed",
		},
		[]string{"repo", "status"},
	)

	// UploadRetries counts retried upload attempts.
	// Labels: destination
	UploadRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubsync_upload_retries_total",
			Help: "Total number of retried upload attempts",
		},
		[]string{"destination"},
	)
)

// Handler returns the HTTP handler exposing the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// Collector binds the package metrics to one repository
type Collector struct {
	repo      string
	startTime time.Time

	mu      sync.Mutex
	flushes map[string]int64
}

// NewCollector creates a collector for a repository
func NewCollector(repo string) *Collector {
	return &Collector{
		repo:      repo,
		startTime: time.Now(),
		flushes:   make(map[string]int64),
	}
}

// Repo returns the repository label
func (c *Collector) Repo() string {
	return c.repo
}

// RecordsAppended adds n appended records
func (c *Collector) RecordsAppended(n int) {
	RecordsAppended.WithLabelValues(c.repo).Add(float64(n))
}

// RecordsRejected adds n records set aside
func (c *Collector) RecordsRejected(n int) {
	RecordsRejected.WithLabelValues(c.repo).Add(float64(n))
}

// SetPending updates the buffer length gauge
func (c *Collector) SetPending(n int) {
	PendingRecords.WithLabelValues(c.repo).Set(float64(n))
}

// CoercionFailed counts a value stored as null in column
func (c *Collector) CoercionFailed(column string) {
	CoercionFailures.WithLabelValues(c.repo, column).Inc()
}

// AssetLoaded counts an asset by status
func (c *Collector) AssetLoaded(status string) {
	Assets.WithLabelValues(c.repo, status).Inc()
}

// FlushCompleted records the outcome of one flush
func (c *Collector) FlushCompleted(status string, d time.Duration, rows int, bytes int64) {
	Flushes.WithLabelValues(c.repo, status).Inc()

	c.mu.Lock()
	c.flushes[status]++
	c.mu.Unlock()

	if status == StatusEmpty {
		return
	}
	FlushDuration.WithLabelValues(c.repo).Observe(d.Seconds())
	if status == StatusSuccess {
		RecordsUploaded.WithLabelValues(c.repo).Add(float64(rows))
		FileBytes.WithLabelValues(c.repo).Observe(float64(bytes))
	}
}

// GetAll returns a snapshot of the collector state
func (c *Collector) GetAll() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	flushes := make(map[string]int64, len(c.flushes))
	for k, v := range c.flushes {
		flushes[k] = v
	}
	return map[string]interface{}{
		"repo":       c.repo,
		"start_time": c.startTime,
		"uptime":     time.Since(c.startTime).Seconds(),
		"flushes":    flushes,
	}
}

// Timer measures an operation from creation to Stop
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer name
func (t *Timer) Name() string {
	return t.name
}

// Stop returns the elapsed duration since creation. It may be called
// more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
