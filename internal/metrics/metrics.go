// Package metrics exposes Prometheus instrumentation for the generation
// orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts job terminal transitions by outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gameforge",
		Name:      "jobs_total",
		Help:      "Jobs by terminal status.",
	}, []string{"status"})

	// SlotsInUse tracks the number of currently held concurrency slots.
	SlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gameforge",
		Name:      "slots_in_use",
		Help:      "Concurrency slots currently held.",
	})

	// AdmissionRejections counts slot acquisitions refused at admission.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gameforge",
		Name:      "admission_rejections_total",
		Help:      "Slot acquisitions rejected, by limit kind.",
	}, []string{"limit"})

	// ProviderFallbacks counts fast-provider failures that fell back to the
	// agentic provider.
	ProviderFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gameforge",
		Name:      "provider_fallbacks_total",
		Help:      "Generations that fell back to the agentic provider.",
	})

	// GenerationDuration observes end-to-end provider latency per generator.
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gameforge",
		Name:      "generation_duration_seconds",
		Help:      "Provider generation latency.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"generator"})
)
