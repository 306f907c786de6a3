// Package metrics exposes the prometheus gauges/counters the CLI serves
// under --metrics-addr: queue depth, active sandboxes, suites
// started/completed/failed, and frames decoded per wire type.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cklxx-labs/parallex/internal/wire"
)

// Registry wraps one prometheus.Registerer with the handful of series this
// engine reports. One Registry is created per run.
type Registry struct {
	reg prometheus.Registerer

	QueueDepth      prometheus.Gauge
	ActiveSandboxes prometheus.Gauge
	SuitesStarted   prometheus.Counter
	SuitesCompleted prometheus.Counter
	SuitesFailed    prometheus.Counter
	FramesDecoded   *prometheus.CounterVec
}

// New constructs a Registry backed by a fresh prometheus registry (not the
// global default, so multiple runs/tests never collide on metric names).
func New() *Registry {
	reg := prometheus.NewRegistry()
	return &Registry{
		reg: reg,
		QueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "parallex", Name: "queue_depth",
			Help: "Number of tasks queued or running in the scheduler.",
		}),
		ActiveSandboxes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "parallex", Name: "active_sandboxes",
			Help: "Number of sandboxes currently executing a suite.",
		}),
		SuitesStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "parallex", Name: "suites_started_total",
			Help: "Total number of suites started.",
		}),
		SuitesCompleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "parallex", Name: "suites_completed_total",
			Help: "Total number of suites that completed without error.",
		}),
		SuitesFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "parallex", Name: "suites_failed_total",
			Help: "Total number of suites that completed with an error.",
		}),
		FramesDecoded: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "parallex", Name: "frames_decoded_total",
			Help: "Total number of wire frames decoded, by type.",
		}, []string{"type"}),
	}
}

// ObserveFrame increments the per-type frame counter.
func (r *Registry) ObserveFrame(t wire.Type) {
	r.FramesDecoded.WithLabelValues(frameTypeLabel(t)).Inc()
}

func frameTypeLabel(t wire.Type) string {
	switch t {
	case wire.TypeLog:
		return "log"
	case wire.TypeError:
		return "error"
	case wire.TypeStatus:
		return "status"
	case wire.TypeAction:
		return "action"
	default:
		return "unknown"
	}
}

// Handler returns the HTTP handler to mount at --metrics-addr.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg.(*prometheus.Registry), promhttp.HandlerOpts{})
}
