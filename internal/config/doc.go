/*
Package config provides configuration management for pfcache with multi-source support.

Configuration is layered, lowest priority first:

	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← NewDefault()
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │ ← LoadFromFile()
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← LoadFromEnv()
	│           (PFCACHE_*)                       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│          Command-line flags                 │ ← cmd/pfcached
	└─────────────────────────────────────────────┘

Validate checks what can be checked without looking at the disk. Resolve
finishes the job once the size of the cache filesystem is known and returns
the immutable EngineConfig every engine component is built from.

# Sizes and fractions

Watermarks and file usage limits accept either a fraction of the cache
filesystem or an absolute size:

	cache:
	  disk_low_watermark: "0.90"     # 90% of the filesystem
	  disk_high_watermark: "950GB"   # absolute
	  files_baseline: "0.50"
	  files_nominal: "0.60"
	  files_max: "0.70"

A plain number below 1.0 is a fraction; anything else goes through
go-humanize, so both SI ("GB") and IEC ("GiB") units work.

# Example file

	global:
	  log_level: INFO
	  log_format: json
	  metrics_port: 9100

	storage:
	  directory: /var/cache/pfcache

	origin:
	  bucket: physics-data
	  region: us-east-1
	  pool_size: 8

	cache:
	  ram: 4GiB
	  buffer_size: 1MiB
	  write_queue_threads: 4
	  prefetch_max_blocks: 10
	  purge_interval: 5m
	  purge_cold_files_age: 168h
	  purge_age_based_period: 10
	  uvkeep: 72h
	  checksum: cache
	  allow_commands: false

Environment variable mapping:

	PFCACHE_LOG_LEVEL="DEBUG"
	PFCACHE_STORAGE_DIR="/mnt/ssd/pfc"
	PFCACHE_RAM="8GiB"
	PFCACHE_DISK_LWM="0.85"
	PFCACHE_DISK_HWM="0.92"
	PFCACHE_CHECKSUM="both"
	PFCACHE_ALLOW_COMMANDS="true"

Every validation failure is an errors.ErrCodeInvalidConfig error and is
fatal at startup.
*/
package config
