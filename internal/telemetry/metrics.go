/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint, and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimir_api_requests_total",
		Help: "Total HTTP requests handled by the control API.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes request latency in seconds.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mimir_api_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections tracks concurrently served requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mimir_api_active_connections",
		Help: "Number of in-flight HTTP requests.",
	})

	// DispatchesTotal counts fan-out dispatches by operation and outcome
	// (ok, partial, failed).
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimir_dispatches_total",
		Help: "Fan-out dispatches by operation and outcome.",
	}, []string{"operation", "outcome"})

	// DispatchFailures counts per-language command failures.
	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimir_dispatch_failures_total",
		Help: "Per-language command failures by operation.",
	}, []string{"operation", "language"})

	// RegisteredLanguages reports how many language backends are configured.
	RegisteredLanguages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mimir_registered_languages",
		Help: "Number of configured language backends.",
	})

	// SchedulerTicks counts scheduler evaluation passes.
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mimir_scheduler_ticks_total",
		Help: "Scheduler evaluation passes.",
	})

	// ScheduleEntriesFired counts schedule entries dispatched for playback.
	ScheduleEntriesFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mimir_schedule_entries_fired_total",
		Help: "Schedule entries dispatched for playback.",
	})

	// SchedulePending reports armed entries not yet fired.
	SchedulePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mimir_schedule_pending_entries",
		Help: "Armed schedule entries awaiting their fire time.",
	})

	// MediaSyncDownloads counts files downloaded by the media sync worker.
	MediaSyncDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimir_media_sync_downloads_total",
		Help: "Media files downloaded per language.",
	}, []string{"language"})

	// MediaSyncErrors counts failed sync passes per language.
	MediaSyncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimir_media_sync_errors_total",
		Help: "Failed media sync passes per language.",
	}, []string{"language"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
