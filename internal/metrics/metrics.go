// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/hylla/crc/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crc"

// Recorder implements app.Metrics on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	ingested     prometheus.Counter
	duplicates   prometheus.Counter
	transitions  *prometheus.CounterVec
	laneResults  *prometheus.CounterVec
	laneDuration *prometheus.HistogramVec
	merges       *prometheus.CounterVec
	sealed       prometheus.Counter
	archiveBytes *prometheus.CounterVec
}

// New registers the pipeline collectors plus Go runtime collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		ingested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_ingested_total",
			Help:      "Drops recorded by the ledger.",
		}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_duplicate_total",
			Help:      "Ingests short-circuited to an archived drop with the same content hash.",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drop_transitions_total",
			Help:      "Drop state transitions by destination state.",
		}, []string{"to"}),
		laneResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lane_results_total",
			Help:      "Lane validation results by lane and outcome.",
		}, []string{"lane", "outcome"}),
		laneDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lane_duration_seconds",
			Help:      "Wall time of a lane validation run.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"lane"}),
		merges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_decisions_total",
			Help:      "Merge decisions by resolution.",
		}, []string{"resolution"}),
		sealed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_sealed_total",
			Help:      "Drops sealed into the archive.",
		}),
		archiveBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_bytes_total",
			Help:      "Bytes sealed into the archive, before and after compression.",
		}, []string{"kind"}),
	}
}

// DropIngested counts an ingest call.
func (r *Recorder) DropIngested(duplicate bool) {
	if duplicate {
		r.duplicates.Inc()
		return
	}
	r.ingested.Inc()
}

// DropTransitioned counts a state change.
func (r *Recorder) DropTransitioned(_, to domain.State) {
	r.transitions.WithLabelValues(string(to)).Inc()
}

// LaneCompleted records a lane verdict and its duration.
func (r *Recorder) LaneCompleted(lane domain.Lane, passed bool, elapsed time.Duration) {
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	r.laneResults.WithLabelValues(string(lane), outcome).Inc()
	r.laneDuration.WithLabelValues(string(lane)).Observe(elapsed.Seconds())
}

// MergeResolved counts a merge decision.
func (r *Recorder) MergeResolved(resolution domain.Resolution) {
	r.merges.WithLabelValues(string(resolution)).Inc()
}

// DropSealed counts a seal and its sizes.
func (r *Recorder) DropSealed(originalSize, compressedSize int64) {
	r.sealed.Inc()
	r.archiveBytes.WithLabelValues("original").Add(float64(originalSize))
	r.archiveBytes.WithLabelValues("compressed").Add(float64(compressedSize))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
