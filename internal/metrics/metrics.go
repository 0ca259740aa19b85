// Package metrics defines the Prometheus metrics of the gifticon tracker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan metrics
var (
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gifticon_tracker_scans_total",
			Help: "Total number of gallery scan sessions by terminal status",
		},
		[]string{"status"},
	)

	ScansRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gifticon_tracker_scans_rejected_total",
			Help: "Total number of scan requests rejected before starting",
		},
		[]string{"reason"},
	)

	ScanInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gifticon_tracker_scan_in_progress",
			Help: "Whether a gallery scan is currently running (1 = yes, 0 = no)",
		},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gifticon_tracker_scan_duration_seconds",
			Help:    "Duration of gallery scan sessions",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	ScanItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gifticon_tracker_scan_items_total",
			Help: "Total number of gallery assets handled by outcome",
		},
		[]string{"outcome"},
	)
)

// Extraction metrics
var (
	ExtractionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gifticon_tracker_extraction_duration_seconds",
			Help:    "Duration of field extraction engine calls",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 90},
		},
		[]string{"result"},
	)

	ExtractionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gifticon_tracker_extraction_cache_hits_total",
			Help: "Total number of extractions answered from the content cache",
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gifticon_tracker_db_queries_total",
			Help: "Total number of record store queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gifticon_tracker_db_query_duration_seconds",
			Help:    "Record store query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	GifticonsSavedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gifticon_tracker_gifticons_saved_total",
			Help: "Total number of gifticon records created",
		},
		[]string{"source"},
	)
)

// Scan event stream metrics
var (
	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gifticon_tracker_event_subscribers",
			Help: "Number of connected scan progress subscribers",
		},
	)

	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gifticon_tracker_events_dropped_total",
			Help: "Total number of progress events dropped for slow subscribers",
		},
	)
)
