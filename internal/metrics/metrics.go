// Package metrics exposes Prometheus instrumentation for the
// protection engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ValidationsTotal counts rule validations entered.
	ValidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "defkeep",
		Name:      "validations_total",
		Help:      "Rule validations entered.",
	})

	// ValidationsSkipped counts ticks dropped because a validation for
	// the same identifier was already in flight.
	ValidationsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "defkeep",
		Name:      "validations_skipped_total",
		Help:      "Validations skipped due to an in-flight pass for the same identifier.",
	})

	// DetectionsTotal counts detected divergences.
	DetectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "defkeep",
		Name:      "divergences_detected_total",
		Help:      "Association divergences detected.",
	})

	// RestoresTotal counts verified successful recoveries.
	RestoresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "defkeep",
		Name:      "restores_total",
		Help:      "Associations restored and verified.",
	})

	// RestoreFailuresTotal counts recoveries that exhausted all retries.
	RestoreFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "defkeep",
		Name:      "restore_failures_total",
		Help:      "Recoveries that failed after exhausting retries.",
	})

	// ObserverTicks counts change-observer triggers by source.
	ObserverTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "defkeep",
		Name:      "observer_ticks_total",
		Help:      "Change observer triggers by source.",
	}, []string{"source"})
)

// Serve starts the metrics HTTP listener. Blocks until the server
// fails; run it on its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
