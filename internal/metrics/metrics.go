// Package metrics exposes the Prometheus collectors of the network
// server. Collectors are package-level so every pipeline can stamp them
// without wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UplinkFrames counts deduplicated uplinks entering the pipeline,
	// by region and message type.
	UplinkFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ns_uplink_frames_total",
		Help: "Deduplicated uplink frames processed, by region and message type.",
	}, []string{"region", "m_type"})

	// UplinkDropped counts uplinks the pipeline refused, by reason.
	UplinkDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ns_uplink_dropped_total",
		Help: "Uplink frames dropped before the pipeline completed, by reason.",
	}, []string{"reason"})

	// DedupGatewayCount observes how many gateways contributed to each
	// deduplicated uplink.
	DedupGatewayCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ns_dedup_gateway_count",
		Help:    "Number of gateways that reported each deduplicated uplink.",
		Buckets: []float64{1, 2, 3, 4, 5, 8, 12, 20},
	})

	// DownlinkFrames counts downlinks sent to gateway backends, by
	// region and device class.
	DownlinkFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ns_downlink_frames_total",
		Help: "Downlink frames sent to gateways, by region and device class.",
	}, []string{"region", "class"})

	// DownlinkErrors counts negative tx-acks, by error code.
	DownlinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ns_downlink_errors_total",
		Help: "Negative gateway tx-acks, by error code.",
	}, []string{"error"})

	// DeviceJoins counts accepted join-requests.
	DeviceJoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ns_device_joins_total",
		Help: "Accepted join-requests.",
	})

	// IntegrationErrors counts failed sink deliveries, by sink name.
	IntegrationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ns_integration_errors_total",
		Help: "Failed integration sink deliveries, by sink.",
	}, []string{"sink"})

	// SchedulerBatchSize observes the Class-B/C devices claimed per tick.
	SchedulerBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ns_scheduler_batch_size",
		Help:    "Class-B/C devices claimed per scheduler tick.",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
	})

	// GatewayStatsReceived counts gateway stat reports, by region.
	GatewayStatsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ns_gateway_stats_total",
		Help: "Gateway statistics reports processed, by region.",
	}, []string{"region"})
)
