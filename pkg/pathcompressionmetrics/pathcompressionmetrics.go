package pathcompressionmetrics

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/plog"
)

// Metrics defines the interface for collecting and reporting export statistics.
type Metrics interface {
	AddEntriesProcessed(n int64)
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// CompressionMetrics holds the atomic counters for tracking the progress of
// one archive write. It is the concrete implementation of the Metrics interface.
type CompressionMetrics struct {
	EntriesProcessed atomic.Int64
	BytesRead        atomic.Int64
	BytesWritten     atomic.Int64

	logger   *slog.Logger
	stopChan chan struct{}
}

// NewCompressionMetrics returns counters that report through logger, or
// plog.Default when logger is nil.
func NewCompressionMetrics(logger *slog.Logger) *CompressionMetrics {
	return &CompressionMetrics{logger: logger}
}

func (m *CompressionMetrics) AddEntriesProcessed(n int64) { m.EntriesProcessed.Add(n) }
func (m *CompressionMetrics) AddBytesRead(n int64)        { m.BytesRead.Add(n) }
func (m *CompressionMetrics) AddBytesWritten(n int64)     { m.BytesWritten.Add(n) }

func (m *CompressionMetrics) StartProgress(msg string, interval time.Duration) {
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

func (m *CompressionMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary logs the current state of the metrics.
// This can be called by a background ticker or at the end of the run.
func (m *CompressionMetrics) LogSummary(msg string) {
	read := m.BytesRead.Load()
	written := m.BytesWritten.Load()

	// Calculate compression ratio (avoid division by zero)
	var ratio float64
	if read > 0 {
		ratio = float64(written) / float64(read) * 100.0
	}

	plog.OrDefault(m.logger).Info(msg,
		"entries_processed", m.EntriesProcessed.Load(),
		"bytes_read", read,
		"bytes_written", written,
		"ratio_pct", fmt.Sprintf("%.2f%%", ratio),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddEntriesProcessed(n int64)                      {}
func (m *NoopMetrics) AddBytesRead(n int64)                             {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*CompressionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
