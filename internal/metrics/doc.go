/*
Package metrics exports cache engine statistics to Prometheus.

# Overview

Collector implements types.StatsExporter. The engine pushes a types.Stats
snapshot every stats interval; every exported series reads the latest
snapshot, so a scrape never blocks the engine.

	┌─────────────┐   Export(Stats)   ┌─────────────┐
	│    Cache    │ ────────────────► │  Collector  │
	└─────────────┘                   └──────┬──────┘
	                                         │
	                              ┌──────────┴──────────┐
	                              │   HTTP endpoints    │
	                              │  /metrics           │
	                              │  /health            │
	                              │  /debug/stats       │
	                              └─────────────────────┘

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9100,
		Path:      "/metrics",
		Namespace: "pfcache",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

	origin = metrics.InstrumentFetcher(origin, collector)
	c, err := cache.New(cfg, storage, origin, cache.WithStatsExporter(collector))

# Exported Series

Gauges:
  - pfcache_ram_budget_bytes, pfcache_ram_used_bytes, pfcache_ram_queued_bytes
  - pfcache_write_queue_depth, pfcache_active_files, pfcache_prefetch_in_flight
  - pfcache_disk_total_bytes, pfcache_disk_used_bytes, pfcache_file_usage_bytes
  - pfcache_origin_circuit_state (0 closed, 1 open, 2 half-open)

Counters:
  - pfcache_bytes_hit_total, pfcache_bytes_missed_total, pfcache_bytes_bypassed_total
  - pfcache_bytes_written_total, pfcache_write_failures_total
  - pfcache_prefetch_blocks_total
  - pfcache_purge_cycles_total, pfcache_files_purged_total, pfcache_bytes_purged_total
  - pfcache_origin_requests_total{operation,status}
  - pfcache_origin_errors_total{operation,code}
  - pfcache_origin_bytes_total

Histograms:
  - pfcache_origin_request_duration_seconds{operation}

Origin series are only populated when the origin is wrapped with
InstrumentFetcher. Labels from Config.Labels are attached to every series.
*/
package metrics
