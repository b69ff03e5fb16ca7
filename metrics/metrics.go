// Package metrics exports conveyor activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/franksops/gridconveyor/connection"
	"github.com/franksops/gridconveyor/engine"
	"github.com/franksops/gridconveyor/logging"
)

const namespace = "conveyor"

// Metrics is an engine.StatusListener that turns status events into
// Prometheus series.
type Metrics struct {
	events     *prometheus.CounterVec
	finished   *prometheus.CounterVec
	files      *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	processing prometheus.Gauge

	mu      sync.Mutex
	running map[string]runState
}

type runState struct {
	started   time.Time
	confirmed int64
}

var _ engine.StatusListener = (*Metrics)(nil)

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_events_total",
			Help:      "Status events emitted by the executor.",
		}, []string{"event"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "descriptors_finished_total",
			Help:      "Descriptors that left the executor, by type and outcome.",
		}, []string{"type", "outcome"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_transferred_total",
			Help:      "Files confirmed by the executor.",
		}, []string{"type"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Bytes of confirmed files.",
		}, []string{"type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "descriptor_duration_seconds",
			Help:      "Time from start to outcome of one descriptor attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 4, 8),
		}, []string{"type", "outcome"}),
		processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "descriptors_processing",
			Help:      "Descriptors currently being executed.",
		}),
		running: make(map[string]runState),
	}
	for _, c := range []prometheus.Collector{m.events, m.finished, m.files, m.bytes, m.duration, m.processing} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register conveyor metrics: %w", err)
		}
	}
	return m, nil
}

// OnStatus records ev.
func (m *Metrics) OnStatus(_ context.Context, ev engine.StatusEvent) error {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
	typ := string(ev.Descriptor.Type)
	id := ev.Descriptor.ID

	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case engine.EventStarted:
		m.running[id] = runState{started: ev.At, confirmed: ev.Descriptor.BytesTransferred}
		m.processing.Inc()
	case engine.EventFileComplete:
		rs := m.running[id]
		m.files.WithLabelValues(typ).Inc()
		if delta := ev.Descriptor.BytesTransferred - rs.confirmed; delta > 0 {
			m.bytes.WithLabelValues(typ).Add(float64(delta))
		}
		rs.confirmed = ev.Descriptor.BytesTransferred
		m.running[id] = rs
	case engine.EventCompleted, engine.EventFailed, engine.EventRetrying, engine.EventPaused, engine.EventCancelled:
		rs, ok := m.running[id]
		if !ok {
			return nil
		}
		delete(m.running, id)
		m.processing.Dec()
		outcome := string(ev.Kind)
		m.finished.WithLabelValues(typ, outcome).Inc()
		if !rs.started.IsZero() && !ev.At.IsZero() {
			m.duration.WithLabelValues(typ, outcome).Observe(ev.At.Sub(rs.started).Seconds())
		}
	}
	return nil
}

// RegisterCache exports the connection cache counters read from stats on
// every scrape.
func RegisterCache(reg prometheus.Registerer, stats func() connection.Stats) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := func(name, help string, f func(connection.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session_cache", Name: name, Help: help,
		}, func() float64 { return f(stats()) })
	}
	counter := func(name, help string, f func(connection.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session_cache", Name: name, Help: help,
		}, func() float64 { return f(stats()) })
	}
	collectors := []prometheus.Collector{
		gauge("sessions_open", "Open grid sessions, idle or in use.", func(s connection.Stats) float64 { return float64(s.Open) }),
		gauge("sessions_in_use", "Grid sessions checked out.", func(s connection.Stats) float64 { return float64(s.InUse) }),
		counter("hits_total", "Checkouts served by an idle session.", func(s connection.Stats) float64 { return float64(s.Hits) }),
		counter("misses_total", "Checkouts that opened a new session.", func(s connection.Stats) float64 { return float64(s.Misses) }),
		counter("evictions_total", "Sessions closed by expiry or capacity.", func(s connection.Stats) float64 { return float64(s.Evictions) }),
		counter("open_failures_total", "Session establishments that failed.", func(s connection.Stats) float64 { return float64(s.OpenFails) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register session cache metrics: %w", err)
		}
	}
	return nil
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, log logging.Logger) error {
	log = logging.OrNop(log)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info(ctx, "serving metrics", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
