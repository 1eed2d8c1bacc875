/*
Package types provides the core interfaces, data structures, and type definitions for pfcache.

This package defines the contracts between the cache engine and the collaborators it is
handed at construction time. The engine never reaches for a global; every dependency
below arrives as one of these interfaces.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│          Host data-serving process          │
	│      (cmd/pfcached, internal/adapter)       │
	└─────────────────────────────────────────────┘
	                      │ Attach / Stat / Unlink / Prepare
	┌─────────────────────────────────────────────┐
	│             Cache engine facade             │
	│              (internal/cache)               │
	└─────────────────────────────────────────────┘
	     │           │            │           │
	┌────┴────┐ ┌────┴─────┐ ┌────┴────┐ ┌────┴─────┐
	│ Buffer  │ │  Purge   │ │Prefetch │ │ Metrics  │
	│ + Queue │ │Controller│ │Scheduler│ │ exporter │
	└─────────┘ └──────────┘ └─────────┘ └──────────┘
	     │           │            │
	┌────┴───────────┴──┐   ┌─────┴────────┐
	│  Storage (local)  │   │ Fetcher (S3) │
	└───────────────────┘   └──────────────┘

# Core Interfaces

Storage:
The local byte store. Data files take partial-range writes; metadata files are
replaced whole. Usage reports the filesystem capacity the purge controller measures
its watermarks against.

Fetcher:
Raw ranged reads from the remote origin. An origin that can vouch for the integrity
of what it returns also implements ChecksumFetcher.

Decision:
Zero or more hooks consulted on attach. A file is cached only if no hook vetoes it.

PurgePin:
At most one hook that can take over candidate selection and ordering for purge.

StatsExporter:
Receives a Stats snapshot periodically. Export must not block.

# Thread Safety

All interfaces in this package are called concurrently by the engine's write
workers, the purge loop, the prefetch loop and host callers. Implementations
must be safe for concurrent use.
*/
package types
