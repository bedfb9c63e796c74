package statelog

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives operational metrics. Implement it to integrate
// with monitoring systems; both hooks must be safe for concurrent use.
type MetricsCollector interface {
	// RecordAppend is called after each append with the total duration and
	// whether the entry was persisted (vs. buffered).
	RecordAppend(duration time.Duration, persisted bool, err error)

	// RecordGet is called after each read.
	RecordGet(duration time.Duration, err error)

	// RecordFallback is called once if the paged backend fails to
	// initialize and the storage degrades to buffer-only mode.
	RecordFallback()
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAppend(time.Duration, bool, error) {}
func (NoopMetricsCollector) RecordGet(time.Duration, error)         {}
func (NoopMetricsCollector) RecordFallback()                        {}

// BasicMetricsCollector counts operations in memory. Useful for tests and
// debugging without an external monitoring system.
type BasicMetricsCollector struct {
	AppendCount      atomic.Int64
	AppendErrors     atomic.Int64
	AppendTotalNanos atomic.Int64
	Persisted        atomic.Int64
	GetCount         atomic.Int64
	GetErrors        atomic.Int64
	GetTotalNanos    atomic.Int64
	Fallbacks        atomic.Int64
}

// RecordAppend implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAppend(duration time.Duration, persisted bool, err error) {
	b.AppendCount.Add(1)
	b.AppendTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AppendErrors.Add(1)
	}
	if persisted {
		b.Persisted.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(duration time.Duration, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordFallback implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFallback() {
	b.Fallbacks.Add(1)
}
