package telemetry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics provides Prometheus metrics for epm.
type Metrics struct {
	config MetricsConfig

	// Transaction metrics
	transactionsStarted   *prometheus.CounterVec
	transactionsCompleted *prometheus.CounterVec
	transactionDuration   *prometheus.HistogramVec
	resolveDuration       *prometheus.HistogramVec
	changes               *prometheus.CounterVec

	// Fetch metrics
	fetches    *prometheus.CounterVec
	fetchBytes *prometheus.CounterVec

	// Backend metrics
	backendCommits        *prometheus.CounterVec
	backendCommitDuration *prometheus.HistogramVec

	// Lock metrics
	lockWait *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeTransactions prometheus.Gauge
	installedPackages  *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transactionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_started_total",
				Help:      "Total number of transactions started",
			},
			[]string{"policy"},
		),
		transactionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_completed_total",
				Help:      "Total number of transactions completed",
			},
			[]string{"status"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Duration of transactions from resolution to commit in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		resolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_duration_seconds",
				Help:      "Duration of change set resolution in seconds",
				Buckets:   buckets,
			},
			[]string{"policy"},
		),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_total",
				Help:      "Total number of package changes committed",
			},
			[]string{"action"},
		),

		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetches_total",
				Help:      "Total number of artifact fetches",
			},
			[]string{"scheme", "status"},
		),
		fetchBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_bytes_total",
				Help:      "Total number of bytes fetched",
			},
			[]string{"scheme"},
		),

		backendCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_commits_total",
				Help:      "Total number of backend partition commits",
			},
			[]string{"backend", "status"},
		),
		backendCommitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_commit_duration_seconds",
				Help:      "Duration of backend partition commits in seconds",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),

		lockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for path locks in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeTransactions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_transactions",
				Help:      "Current number of active transactions",
			},
		),
		installedPackages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "installed_packages",
				Help:      "Number of installed packages per backend",
			},
			[]string{"backend"},
		),
	}

	registry.MustRegister(
		m.transactionsStarted,
		m.transactionsCompleted,
		m.transactionDuration,
		m.resolveDuration,
		m.changes,
		m.fetches,
		m.fetchBytes,
		m.backendCommits,
		m.backendCommitDuration,
		m.lockWait,
		m.errorsByClass,
		m.errorsByCode,
		m.activeTransactions,
		m.installedPackages,
	)

	return m, nil
}

// Transaction Metrics

// RecordTransactionStarted increments the counter for started transactions.
func (m *Metrics) RecordTransactionStarted(policy string) {
	if m.transactionsStarted == nil {
		return
	}
	m.transactionsStarted.WithLabelValues(policy).Inc()
	m.activeTransactions.Inc()
}

// RecordTransactionCompleted records a completed transaction with its status and duration.
func (m *Metrics) RecordTransactionCompleted(status string, duration time.Duration) {
	if m.transactionsCompleted == nil {
		return
	}
	m.transactionsCompleted.WithLabelValues(status).Inc()
	m.transactionDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeTransactions.Dec()
}

// RecordResolve records the duration of a resolution.
func (m *Metrics) RecordResolve(policy string, duration time.Duration) {
	if m.resolveDuration == nil {
		return
	}
	m.resolveDuration.WithLabelValues(policy).Observe(duration.Seconds())
}

// RecordChanges adds committed change counts by action.
func (m *Metrics) RecordChanges(counts map[string]int) {
	if m.changes == nil {
		return
	}
	for action, n := range counts {
		m.changes.WithLabelValues(action).Add(float64(n))
	}
}

// Fetch Metrics

// RecordFetch records one artifact fetch.
func (m *Metrics) RecordFetch(scheme string, ok bool, bytes int64) {
	if m.fetches == nil {
		return
	}
	status := "succeeded"
	if !ok {
		status = "failed"
	}
	m.fetches.WithLabelValues(scheme, status).Inc()
	if bytes > 0 {
		m.fetchBytes.WithLabelValues(scheme).Add(float64(bytes))
	}
}

// Backend Metrics

// RecordBackendCommit records a backend partition commit with its duration.
func (m *Metrics) RecordBackendCommit(backend string, ok bool, duration time.Duration) {
	if m.backendCommits == nil {
		return
	}
	status := "succeeded"
	if !ok {
		status = "failed"
	}
	m.backendCommits.WithLabelValues(backend, status).Inc()
	m.backendCommitDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// Lock Metrics

// RecordLockWait records time spent acquiring a path lock.
func (m *Metrics) RecordLockWait(exclusive bool, duration time.Duration) {
	if m.lockWait == nil {
		return
	}
	mode := "shared"
	if exclusive {
		mode = "exclusive"
	}
	m.lockWait.WithLabelValues(mode).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetInstalledPackages sets the number of installed packages of a backend.
func (m *Metrics) SetInstalledPackages(backend string, count int) {
	if m.installedPackages == nil {
		return
	}
	m.installedPackages.WithLabelValues(backend).Set(float64(count))
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteText writes every gathered metric family in Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	if m.registry == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteTextfile atomically replaces the configured textfile with the current
// metrics. It does nothing when no textfile path is configured.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil || m.config.TextfilePath == "" {
		return nil
	}
	dir := filepath.Dir(m.config.TextfilePath)
	tmp, err := os.CreateTemp(dir, ".epm-metrics-*")
	if err != nil {
		return fmt.Errorf("failed to create metrics textfile: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := m.WriteText(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.config.TextfilePath); err != nil {
		return fmt.Errorf("failed to replace metrics textfile: %w", err)
	}
	return nil
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
