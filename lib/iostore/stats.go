// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const metricsNamespace = "bureau_iostore"

// metrics are the dispatcher's Prometheus collectors. Every dispatcher
// owns its own set; they are registered with Options.Registerer.
type metrics struct {
	requestsSubmitted prometheus.Counter
	requestsCompleted prometheus.Counter
	requestsFailed    *prometheus.CounterVec
	requestBytes      prometheus.Counter
	requestLatency    prometheus.Histogram

	rawBlocksQueued  prometheus.Counter
	diskReads        prometheus.Counter
	diskReadBytes    prometheus.Counter
	diskReadRetries  prometheus.Counter
	diskReadDuration prometheus.Histogram

	decodesQueued    prometheus.Counter
	decodesCompleted prometheus.Counter
	bytesScattered   prometheus.Counter
	signatureErrors  prometheus.Counter

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	cacheStores prometheus.Counter

	mappedRegions prometheus.Counter

	circuitBreaks *prometheus.CounterVec

	buffersInUse      prometheus.Gauge
	mountedContainers prometheus.Gauge
	mountedChunks     prometheus.Gauge
}

func newMetrics() *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: metricsNamespace, Name: name, Help: help})
	}
	return &metrics{
		requestsSubmitted: counter("requests_submitted_total", "Chunk reads submitted."),
		requestsCompleted: counter("requests_completed_total", "Chunk reads completed without error."),
		requestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_failed_total",
			Help:      "Chunk reads completed with an error, by cause.",
		}, []string{"cause"}),
		requestBytes: counter("request_bytes_total", "Bytes delivered to completed chunk reads."),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time from submission to completion of chunk reads.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),

		rawBlocksQueued: counter("raw_blocks_queued_total", "Raw block reads added to the read queue."),
		diskReads:       counter("disk_reads_total", "Raw block reads issued to partition files."),
		diskReadBytes:   counter("disk_read_bytes_total", "Bytes read from partition files."),
		diskReadRetries: counter("disk_read_retries_total", "Raw block reads retried after an error."),
		diskReadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "disk_read_duration_seconds",
			Help:      "Duration of raw block reads from partition files.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),

		decodesQueued:    counter("decodes_queued_total", "Encoded blocks whose raw blocks have all been read."),
		decodesCompleted: counter("decodes_completed_total", "Encoded blocks finalized."),
		bytesScattered:   counter("scattered_bytes_total", "Decoded bytes copied into request buffers."),
		signatureErrors:  counter("signature_errors_total", "Blocks that failed signature verification."),

		cacheHits:   counter("block_cache_hits_total", "Raw block reads served from the block cache."),
		cacheMisses: counter("block_cache_misses_total", "Raw block reads not found in the block cache."),
		cacheStores: counter("block_cache_stores_total", "Raw blocks stored in the block cache."),

		mappedRegions: counter("mapped_regions_total", "Chunk ranges memory-mapped with OpenMapped."),

		circuitBreaks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_circuit_breaks_total",
			Help:      "Offset-ordered pops that fell back to the oldest read, by breaker.",
		}, []string{"breaker"}),

		buffersInUse:      gauge("buffers_in_use", "Read buffers currently allocated from the pool."),
		mountedContainers: gauge("mounted_containers", "Containers currently mounted."),
		mountedChunks:     gauge("mounted_chunks", "Chunks in currently mounted containers."),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requestsSubmitted, m.requestsCompleted, m.requestsFailed, m.requestBytes, m.requestLatency,
		m.rawBlocksQueued, m.diskReads, m.diskReadBytes, m.diskReadRetries, m.diskReadDuration,
		m.decodesQueued, m.decodesCompleted, m.bytesScattered, m.signatureErrors,
		m.cacheHits, m.cacheMisses, m.cacheStores,
		m.mappedRegions,
		m.circuitBreaks,
		m.buffersInUse, m.mountedContainers, m.mountedChunks,
	}
}

func (m *metrics) register(registerer prometheus.Registerer) error {
	for _, collector := range m.collectors() {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Failure causes recorded in requests_failed_total.
const (
	causeNotFound     = "not_found"
	causeInvalidRange = "invalid_range"
	causeCancelled    = "cancelled"
	causeBlock        = "block"
	causeSignature    = "signature"
	causeClosed       = "closed"
)

// Stats is a point-in-time snapshot of the dispatcher's counters.
type Stats struct {
	RequestsSubmitted uint64
	RequestsCompleted uint64
	RequestsFailed    uint64
	RawBlocksQueued   uint64
	DiskReads         uint64
	DiskReadBytes     uint64
	DecodesCompleted  uint64
	BytesScattered    uint64
	SignatureErrors   uint64
	CacheHits         uint64
	CacheMisses       uint64
	CacheStores       uint64
	MappedRegions     uint64
	LatencyBreaks     uint64
	SeekBreaks        uint64

	BuffersFree     int
	BuffersCapacity int
	CachedBlocks    int

	// Live tracker objects. All three return to zero once every
	// request has completed and released its blocks.
	LiveRequests      int64
	LiveEncodedBlocks int64
	LiveRawBlocks     int64
}

func counterValue(collector prometheus.Metric) uint64 {
	var sample dto.Metric
	if err := collector.Write(&sample); err != nil {
		return 0
	}
	return uint64(sample.GetCounter().GetValue())
}

func (m *metrics) snapshot() Stats {
	var failed uint64
	for _, cause := range []string{causeNotFound, causeInvalidRange, causeCancelled, causeBlock, causeSignature, causeClosed} {
		failed += counterValue(m.requestsFailed.WithLabelValues(cause))
	}
	return Stats{
		RequestsSubmitted: counterValue(m.requestsSubmitted),
		RequestsCompleted: counterValue(m.requestsCompleted),
		RequestsFailed:    failed,
		RawBlocksQueued:   counterValue(m.rawBlocksQueued),
		DiskReads:         counterValue(m.diskReads),
		DiskReadBytes:     counterValue(m.diskReadBytes),
		DecodesCompleted:  counterValue(m.decodesCompleted),
		BytesScattered:    counterValue(m.bytesScattered),
		SignatureErrors:   counterValue(m.signatureErrors),
		CacheHits:         counterValue(m.cacheHits),
		CacheMisses:       counterValue(m.cacheMisses),
		CacheStores:       counterValue(m.cacheStores),
		MappedRegions:     counterValue(m.mappedRegions),
		LatencyBreaks:     counterValue(m.circuitBreaks.WithLabelValues("latency")),
		SeekBreaks:        counterValue(m.circuitBreaks.WithLabelValues("seek")),
	}
}
