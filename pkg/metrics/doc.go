/*
Package metrics provides Prometheus metrics and component health for
meshbridge.

Every collector is a package-level variable registered with the default
Prometheus registry in init, so any package can record a sample without
plumbing a registry through constructors. The /metrics endpoint serves
Handler(); /health and /ready serve the component health tracked here.

# Architecture

	┌─────────────── ingest ───────────────┐
	│ packets, malformed fields, reconnects │──┐
	└───────────────────────────────────────┘  │
	┌──────────── loader / keysync ─────────┐  │   ┌──────────────────┐
	│ load duration, keys learned/injected  │──┼──▶│ DefaultRegistry  │──▶ /metrics
	└───────────────────────────────────────┘  │   └──────────────────┘
	┌────────── storage / maintenance ──────┐  │
	│ degraded, write errors, purged rows   │──┘
	└───────────────────────────────────────┘

	RegisterComponent / UpdateComponent ──▶ HealthChecker ──▶ /health, /ready

# Metrics Catalog

Ingestion:

meshbridge_packets_total{provenance, port}:
  - Type: Counter
  - Packets ingested, by network and port

meshbridge_malformed_fields_total{port}:
  - Type: Counter
  - Optional fields skipped because they could not be read

meshbridge_classifier_fallbacks_total:
  - Type: Counter
  - Packets whose network was guessed from the enabled interfaces

meshbridge_interface_connected{interface}:
  - Type: Gauge
  - 1 while the interface has a live session

meshbridge_reconnects_total{interface} and meshbridge_idle_timeouts_total{interface}:
  - Type: Counter

Registry and keys:

meshbridge_nodes_known{provenance}, meshbridge_nodes_with_keys{provenance}:
  - Type: Gauge
  - Refreshed by the maintenance loop through Collector

meshbridge_buffered_packets:
  - Type: Gauge
  - Packets held in the in-memory ring buffer

meshbridge_keys_learned_total{provenance}, meshbridge_keys_injected_total{interface}:
  - Type: Counter

meshbridge_topology_load_duration_seconds{interface}:
  - Type: Histogram
  - Buckets: 1s to 180s, matching the loader's maximum wait

Storage and maintenance:

meshbridge_store_degraded:
  - Type: Gauge
  - 1 once the writer stopped accepting writes

meshbridge_store_write_errors_total, meshbridge_store_writes_dropped_total,
meshbridge_retention_purged_total, meshbridge_maintenance_cycles_total:
  - Type: Counter

meshbridge_maintenance_duration_seconds, meshbridge_query_duration_seconds{query}:
  - Type: Histogram

meshbridge_query_truncated_total:
  - Type: Counter
  - Queries answered from the packet buffer after it overflowed inside the window

# Component Health

Readers register one component per interface ("interface:<name>"); the
storage writer registers "storage". Storage is critical: when it fails the
bridge reports unhealthy. A failed interface only degrades it, since the
other network keeps ingesting.

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "propagation")

	metrics.PacketsTotal.WithLabelValues("meshtastic", "TEXT_MESSAGE_APP").Inc()

	metrics.RegisterComponent(metrics.InterfaceComponent("radio0"), false, "not connected")

	http.Handle("/metrics", metrics.Handler())
	http.Handle("/health", metrics.HealthHandler())
*/
package metrics
