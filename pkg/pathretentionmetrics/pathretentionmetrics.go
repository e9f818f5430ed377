package pathretentionmetrics

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/plog"
)

// Metrics defines the interface for collecting and reporting retention statistics.
type Metrics interface {
	AddSnapshotsDeleted(n int64)
	AddSnapshotsFailed(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// RetentionMetrics holds the atomic counters for tracking the progress of a prune pass.
type RetentionMetrics struct {
	SnapshotsDeleted atomic.Int64
	SnapshotsFailed  atomic.Int64
	// SnapshotsPending is the size of the purge set when the pass started.
	SnapshotsPending int64

	logger   *slog.Logger
	stopChan chan struct{}
}

// NewRetentionMetrics returns counters for a pass that deletes pending
// snapshots, reporting through logger or plog.Default when logger is nil.
func NewRetentionMetrics(pending int, logger *slog.Logger) *RetentionMetrics {
	return &RetentionMetrics{SnapshotsPending: int64(pending), logger: logger}
}

func (m *RetentionMetrics) AddSnapshotsDeleted(n int64) { m.SnapshotsDeleted.Add(n) }
func (m *RetentionMetrics) AddSnapshotsFailed(n int64)  { m.SnapshotsFailed.Add(n) }

func (m *RetentionMetrics) StartProgress(msg string, interval time.Duration) {
	stop := make(chan struct{})
	m.stopChan = stop
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

func (m *RetentionMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

func (m *RetentionMetrics) LogSummary(msg string) {
	plog.OrDefault(m.logger).Info(msg,
		"snapshots_deleted", m.SnapshotsDeleted.Load(),
		"snapshots_failed", m.SnapshotsFailed.Load(),
		"snapshots_pending", m.SnapshotsPending,
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddSnapshotsDeleted(n int64)                      {}
func (m *NoopMetrics) AddSnapshotsFailed(n int64)                       {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*RetentionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
