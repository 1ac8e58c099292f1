// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus instruments for dsymd.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SymbolicateTotal counts symbolication requests by outcome.
	SymbolicateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsymd_symbolicate_total",
		Help: "Total number of symbolication requests by outcome",
	}, []string{"outcome"})

	// SymbolicateDuration tracks end-to-end symbolication latency.
	SymbolicateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dsymd_symbolicate_duration_seconds",
		Help:    "Symbolication request latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	// SymbolicateAddresses tracks how many addresses each request carries.
	SymbolicateAddresses = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dsymd_symbolicate_addresses",
		Help:    "Addresses per symbolication request",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	// FrameSourceTotal counts resolved frames by resolution source.
	FrameSourceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsymd_frame_source_total",
		Help: "Resolved frames by source (dwarf, symtab, debugmap, none)",
	}, []string{"source"})

	// DSYMLookupTotal counts debug-info lookups by how they were satisfied.
	DSYMLookupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsymd_dsym_lookup_total",
		Help: "dSYM lookups by resolution path (sibling, index, fallback)",
	}, []string{"source"})

	// CacheEventTotal counts cache hits and misses per cache tier.
	CacheEventTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsymd_cache_event_total",
		Help: "Cache hits and misses by tier",
	}, []string{"tier", "event"})

	// IndexSize reports the number of images currently indexed.
	IndexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dsymd_index_images",
		Help: "Number of images in the dSYM index",
	})

	// ScanDuration tracks index scan latency.
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dsymd_index_scan_duration_seconds",
		Help:    "Index scan duration",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	// ScanIndexedTotal counts images indexed across all scans.
	ScanIndexedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsymd_index_scan_indexed_total",
		Help: "Total images stored by index scans",
	})
)

// ObserveSymbolicate records one symbolication request.
func ObserveSymbolicate(outcome string, addrs int, duration time.Duration) {
	SymbolicateTotal.WithLabelValues(outcome).Inc()
	SymbolicateDuration.Observe(duration.Seconds())
	SymbolicateAddresses.Observe(float64(addrs))
}

// IncFrameSource records the resolution source of one frame list.
func IncFrameSource(source string) {
	FrameSourceTotal.WithLabelValues(source).Inc()
}

// IncDSYMLookup records how a debug-info lookup was satisfied.
func IncDSYMLookup(source string) {
	DSYMLookupTotal.WithLabelValues(source).Inc()
}

// IncCacheHit records a cache hit for the given tier.
func IncCacheHit(tier string) {
	CacheEventTotal.WithLabelValues(tier, "hit").Inc()
}

// IncCacheMiss records a cache miss for the given tier.
func IncCacheMiss(tier string) {
	CacheEventTotal.WithLabelValues(tier, "miss").Inc()
}

// SetIndexSize publishes the current index size.
func SetIndexSize(n int) {
	IndexSize.Set(float64(n))
}

// ObserveScan records one completed index scan.
func ObserveScan(duration time.Duration, indexed int) {
	ScanDuration.Observe(duration.Seconds())
	ScanIndexedTotal.Add(float64(indexed))
}
