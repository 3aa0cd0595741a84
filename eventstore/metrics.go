// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package eventstore

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics mirrors the teacher's walMetrics shape (metrics.go),
// extended with the index/layer counters this domain needs.
type engineMetrics struct {
	bytesWritten          prometheus.Counter
	eventsWritten         prometheus.Counter
	appends               prometheus.Counter
	tokensAssigned        prometheus.Counter
	eventsRead            prometheus.Counter
	segmentRotations      prometheus.Counter
	indexRebuilds         prometheus.Counter
	lastSegmentAgeSeconds prometheus.Gauge
	eventSourceOpens      *prometheus.GaugeVec
	sequenceCacheHits     prometheus.Counter
	sequenceCacheMisses   prometheus.Counter
	validationFailures    prometheus.Counter

	// latency is an ad hoc HdrHistogram recorder for store_batch completion
	// latency, kept outside the Prometheus registry rather than scraped.
	latency *hdrhistogram.Histogram
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	return &engineMetrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventstore_bytes_written",
			Help: "Bytes of encoded transaction appended to segment files.",
		}),
		eventsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventstore_events_written",
			Help: "Number of events durably appended.",
		}),
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventstore_appends",
			Help: "Number of store_batch calls that completed successfully.",
		}),
		tokensAssigned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventstore_tokens_assigned",
			Help: "Number of global tokens assigned to appended events.",
		}),
		eventsRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventstore_events_read",
			Help: "Number of events returned by any read path.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventstore_segment_rotations",
			Help: "Number of times the primary segment has rolled over.",
		}),
		indexRebuilds: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventstore_index_rebuilds",
			Help: "Number of segment indices rebuilt during startup recovery.",
		}),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "eventstore_last_segment_age_seconds",
			Help: "Seconds between creation and seal of the most recently rotated segment.",
		}),
		eventSourceOpens: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventstore_event_source_opens",
			Help: "Current count of borrowed EventSource handles, by layer kind.",
		}, []string{"layer"}),
		sequenceCacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventstore_sequence_cache_hits",
			Help: "Sequence reservations served from the in-memory cache.",
		}),
		sequenceCacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventstore_sequence_cache_misses",
			Help: "Sequence reservations that required an index lookup.",
		}),
		validationFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "eventstore_validation_failures",
			Help: "Startup validation failures (gaps in the segment chain).",
		}),
		latency: hdrhistogram.New(1, (10 * time.Second).Microseconds(), 3),
	}
}

func (m *engineMetrics) recordAppendLatency(d time.Duration) {
	_ = m.latency.RecordValue(d.Microseconds())
}
