// Package metrics emits engine metrics on a whitespace-delimited text
// protocol and mirrors them into Prometheus collectors.
//
// Protocol: `time type metric value attribute attribute_value` where type
// is counter or hist. Counters always carry value 1; histogram points
// carry exactly one attribute pair.
package metrics

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names the engine reports.
type Metric string

const (
	EventProcessingLatency Metric = "event_processing_latency"
	ProcessedEvents        Metric = "processed_events"
	DetectedMatches        Metric = "detected_matches"
	DroppedRows            Metric = "dropped_rows"
	ShedPartials           Metric = "shed_partials"
	Reoptimizations        Metric = "reoptimizations"
	ActivePartials         Metric = "active_partials"
)

var (
	counterTotals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cep_counter_total",
		Help: "engine counters keyed by metric name",
	}, []string{"metric"})

	histPoints = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cep_hist_points",
		Help:    "engine histogram points keyed by metric name",
		Buckets: prometheus.ExponentialBuckets(1, 4, 12),
	}, []string{"metric"})
)

// Sink is the single owner of the metric log. Writes are guarded by a
// mutex so concurrent workers can share one sink; the lock is never held
// across anything but the log write.
type Sink struct {
	mu      sync.Mutex
	w       io.Writer
	enabled bool
}

// NewSink creates a sink writing the text protocol to w.
func NewSink(w io.Writer) *Sink {
	if w == nil {
		w = os.Stdout
	}
	return &Sink{w: w, enabled: true}
}

// Nop returns a sink that only feeds the Prometheus collectors.
func Nop() *Sink {
	return &Sink{enabled: false}
}

// IncrementCounter logs a counter increment. When curTime is zero the
// current Unix time in nanoseconds is taken at call time.
func (s *Sink) IncrementCounter(metric Metric, curTime int64) {
	if curTime == 0 {
		curTime = time.Now().UnixNano()
	}
	s.log(curTime, "counter", metric, 1, "0", "0")
	counterTotals.WithLabelValues(string(metric)).Inc()
}

// MarkHistPoint logs a histogram observation with one attribute pair.
func (s *Sink) MarkHistPoint(metric Metric, value int64, attribute string, attributeValue any, curTime int64) {
	if curTime == 0 {
		curTime = time.Now().UnixNano()
	}
	s.log(curTime, "hist", metric, value, attribute, attributeValue)
	histPoints.WithLabelValues(string(metric)).Observe(float64(value))
}

func (s *Sink) log(curTime int64, kind string, metric Metric, value int64, attribute string, attributeValue any) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%d %s %s %d %v %v\n", curTime, kind, metric, value, attribute, attributeValue)
}
