package render

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rendersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_renders_total",
			Help: "Total number of step renders",
		},
		[]string{"channel", "result"}, // result: ok, skipped, rejected
	)

	renderIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_render_issues_total",
			Help: "Total number of content issues reported while rendering",
		},
		[]string{"kind"},
	)

	renderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_render_duration_seconds",
			Help:    "Duration of a single step render in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	translationLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_translation_lookups_total",
			Help: "Total number of translation content loads",
		},
		[]string{"result"}, // ok, error
	)
)
