package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	PacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshbridge_packets_total",
			Help: "Total number of packets ingested by provenance and port",
		},
		[]string{"provenance", "port"},
	)

	MalformedFieldsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshbridge_malformed_fields_total",
			Help: "Total number of decoded fields dropped as malformed, by port",
		},
		[]string{"port"},
	)

	ClassifierFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshbridge_classifier_fallbacks_total",
			Help: "Total number of packets whose source fell back to the default network",
		},
	)

	// Interface metrics
	InterfaceConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshbridge_interface_connected",
			Help: "Whether the radio interface is connected (1 = connected, 0 = not)",
		},
		[]string{"interface"},
	)

	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshbridge_reconnects_total",
			Help: "Total number of reconnect attempts by interface",
		},
		[]string{"interface"},
	)

	IdleTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshbridge_idle_timeouts_total",
			Help: "Total number of idle read timeouts by interface",
		},
		[]string{"interface"},
	)

	// Registry metrics
	NodesKnown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshbridge_nodes_known",
			Help: "Number of known nodes by provenance",
		},
		[]string{"provenance"},
	)

	NodesWithKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshbridge_nodes_with_keys",
			Help: "Number of known nodes holding public key material by provenance",
		},
		[]string{"provenance"},
	)

	BufferedPackets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshbridge_buffered_packets",
			Help: "Number of packet records held in the in-memory buffer",
		},
	)

	// Key synchronizer metrics
	KeysLearnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshbridge_keys_learned_total",
			Help: "Total number of new or changed public keys by provenance",
		},
		[]string{"provenance"},
	)

	KeysInjectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshbridge_keys_injected_total",
			Help: "Total number of public keys written into interface node caches",
		},
		[]string{"interface"},
	)

	// Topology loader metrics
	TopologyLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshbridge_topology_load_duration_seconds",
			Help:    "Time spent waiting for an interface node cache to stabilize",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 90, 120, 180},
		},
		[]string{"interface"},
	)

	// Storage metrics
	StoreDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshbridge_store_degraded",
			Help: "Whether the store has degraded to memory-only operation (1 = degraded)",
		},
	)

	StoreWriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshbridge_store_write_errors_total",
			Help: "Total number of failed store writes",
		},
	)

	StoreWritesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshbridge_store_writes_dropped_total",
			Help: "Total number of store writes skipped while degraded or saturated",
		},
	)

	RetentionPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshbridge_retention_purged_total",
			Help: "Total number of packet records removed by the retention sweep",
		},
	)

	// Maintenance metrics
	MaintenanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshbridge_maintenance_duration_seconds",
			Help:    "Maintenance cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MaintenanceCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshbridge_maintenance_cycles_total",
			Help: "Total number of maintenance cycles run",
		},
	)

	// Query metrics
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshbridge_query_duration_seconds",
			Help:    "Topology query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	QueryTruncatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshbridge_query_truncated_total",
			Help: "Total number of in-memory queries whose window reached past the packet buffer",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PacketsTotal)
	prometheus.MustRegister(MalformedFieldsTotal)
	prometheus.MustRegister(ClassifierFallbacksTotal)
	prometheus.MustRegister(InterfaceConnected)
	prometheus.MustRegister(ReconnectsTotal)
	prometheus.MustRegister(IdleTimeoutsTotal)
	prometheus.MustRegister(NodesKnown)
	prometheus.MustRegister(NodesWithKeys)
	prometheus.MustRegister(BufferedPackets)
	prometheus.MustRegister(KeysLearnedTotal)
	prometheus.MustRegister(KeysInjectedTotal)
	prometheus.MustRegister(TopologyLoadDuration)
	prometheus.MustRegister(StoreDegraded)
	prometheus.MustRegister(StoreWriteErrorsTotal)
	prometheus.MustRegister(StoreWritesDroppedTotal)
	prometheus.MustRegister(RetentionPurgedTotal)
	prometheus.MustRegister(MaintenanceDuration)
	prometheus.MustRegister(MaintenanceCyclesTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTruncatedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
