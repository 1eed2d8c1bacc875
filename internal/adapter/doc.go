/*
Package adapter assembles a pfcache process from its configuration.

The Adapter owns the lifecycle of every component the daemon runs:

	┌─────────────────────────────────────────────┐
	│           config.Configuration              │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              ADAPTER LAYER                  │ ← This Package
	└─────────────────────────────────────────────┘
	        │            │            │           │
	┌───────┴─────┐ ┌────┴─────┐ ┌────┴────┐ ┌────┴─────┐
	│ local       │ │ S3       │ │ cache   │ │ metrics  │
	│ storage     │ │ origin   │ │ engine  │ │ server   │
	└─────────────┘ └──────────┘ └─────────┘ └──────────┘

Start order:

 1. Open the storage directory and read the filesystem size.
 2. Resolve the configuration against that size (fractional watermarks
    become byte counts).
 3. Build the metrics collector and the S3 origin. The origin is wrapped
    in a circuit breaker (origin.circuit_breaker) and then instrumented,
    so rejected requests are measured too.
 4. Build the cache engine with the collector as statistics exporter.
 5. Serve metrics, then start the engine's background loops.

Stop runs in reverse: the engine drains its write queue and saves open
files' metadata, the metrics server shuts down and pooled S3 clients are
released.

One-shot commands (purge, stats) call Cache without Start: the engine is
built but no prefetch, purge or metrics loop runs.

# Usage

	a, err := adapter.New(ctx, "s3://physics-data/store", cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(ctx)

Tests and embedders can supply their own origin with WithOrigin.
*/
package adapter
