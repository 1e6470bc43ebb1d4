// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the thumbnail cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RendersTotal counts successfully generated thumbnails.
	RendersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dearrow_renders_total",
		Help: "Total number of successfully generated thumbnails.",
	})

	// RenderFailures counts render attempts that failed.
	RenderFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dearrow_render_failures_total",
		Help: "Total number of failed render attempts.",
	})

	// RenderDuration tracks wall-clock time per successful render,
	// including resolution and extraction.
	RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dearrow_render_duration_seconds",
		Help:    "Time taken to generate one thumbnail.",
		Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 20, 30},
	})

	// ThumbnailRequests counts getThumbnail outcomes.
	ThumbnailRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dearrow_thumbnail_requests_total",
		Help: "Total thumbnail requests, by outcome.",
	}, []string{"outcome"})
)
