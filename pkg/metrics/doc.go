/*
Package metrics exposes Prometheus instrumentation and health endpoints.

Metrics are package-level collectors registered at init; components update
them directly. The Collector periodically refreshes queue depth gauges from
storage so dashboards stay current even when a queue sees no traffic.

	┌──────────────── METRICS & HEALTH ────────────────┐
	│                                                   │
	│  engine / buffer / bus ──▶ counters, histograms   │
	│  Collector (15s tick)  ──▶ queue depth gauges     │
	│                                                   │
	│  GET /metrics   prometheus exposition             │
	│  GET /healthz   component health (JSON)           │
	│  GET /readyz    storage + listener + reaper ready │
	└───────────────────────────────────────────────────┘

Key series:

	courier_queue_depth{queue,status}       gauge
	courier_operations_total{queue,action}  counter
	courier_operation_duration_seconds      histogram by action
	courier_anomalies_total{type,severity}  counter
	courier_messages_reaped_total           counter
	courier_buffer_size                     gauge
	courier_buffer_flushes_total{result}    counter
	courier_events_dropped_total            counter

Components report health via RegisterComponent/UpdateComponent; readiness
requires storage, listener, and reaper to all be healthy.
*/
package metrics
