package engine

import (
	"io"
	"sync"
	"time"
)

// ProgressSink receives the number of bytes of the current file unit moved
// so far. Those bytes are not confirmed until the unit completes.
type ProgressSink func(inFlight int64)

// CheckpointConfig defines when a TrackedWriter reports progress.
type CheckpointConfig struct {
	// BytesInterval triggers a report after this many bytes.
	BytesInterval int64
	// TimeInterval triggers a report after this much time.
	TimeInterval time.Duration
}

// DefaultCheckpointConfig reports every 4 MiB or every second.
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 4 * 1024 * 1024,
	TimeInterval:  time.Second,
}

// TrackedWriter wraps an io.Writer and reports bytes written to a sink.
type TrackedWriter struct {
	io.Writer
	sink   ProgressSink
	config CheckpointConfig
	now    func() time.Time

	mu             sync.Mutex
	bytesWritten   int64
	lastReported   int64
	lastReportedAt time.Time
}

// NewTrackedWriter wraps w. A nil sink disables reporting.
func NewTrackedWriter(w io.Writer, sink ProgressSink, config CheckpointConfig) *TrackedWriter {
	return &TrackedWriter{
		Writer:         w,
		sink:           sink,
		config:         config,
		now:            time.Now,
		lastReportedAt: time.Now(),
	}
}

// Write implements io.Writer and reports progress once a checkpoint
// threshold is crossed.
func (tw *TrackedWriter) Write(p []byte) (int, error) {
	n, err := tw.Writer.Write(p)
	if n > 0 {
		tw.mu.Lock()
		tw.bytesWritten += int64(n)

		needsReport := false
		if tw.config.BytesInterval > 0 && tw.bytesWritten-tw.lastReported >= tw.config.BytesInterval {
			needsReport = true
		} else if tw.config.TimeInterval > 0 && tw.now().Sub(tw.lastReportedAt) >= tw.config.TimeInterval {
			needsReport = true
		}
		current := tw.bytesWritten
		if needsReport {
			tw.lastReported = current
			tw.lastReportedAt = tw.now()
		}
		tw.mu.Unlock()

		if needsReport && tw.sink != nil {
			tw.sink(current)
		}
	}
	return n, err
}

// Flush reports any bytes written since the last report.
func (tw *TrackedWriter) Flush() {
	tw.mu.Lock()
	current := tw.bytesWritten
	pending := current != tw.lastReported
	tw.lastReported = current
	tw.lastReportedAt = tw.now()
	tw.mu.Unlock()

	if pending && tw.sink != nil {
		tw.sink(current)
	}
}
