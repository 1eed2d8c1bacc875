/*
Package cache implements the proxy file cache engine: files read from an
origin are split into fixed-size blocks, served to clients from RAM while
in flight and persisted to local storage for later reads.

# Architecture

	┌─────────────────────────────────────────────┐
	│                   Host                      │
	│     Attach / ReadAt / Detach / Stat         │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                  Cache                      │  ← This Package
	│   decision hooks, registry, admin commands  │
	└─────────────────────────────────────────────┘
	        │                 │               │
	┌──────────────┐  ┌───────────────┐  ┌──────────────┐
	│     File     │  │   Prefetch    │  │    Purge     │
	│ blocks, Info │  │   scheduler   │  │  controller  │
	└──────────────┘  └───────────────┘  └──────────────┘
	        │
	┌─────────────────────────────────────────────┐
	│   Buffer pool  →  Write queue  →  Storage   │
	└─────────────────────────────────────────────┘

# Files and Blocks

A cached file is two storage objects: the data file, holding resident
blocks at their natural offsets, and a metadata file (path plus the
configured suffix) holding an Info: the block bitmap, per-block digests,
the checksum state and a bounded access history.

A read that misses reserves a buffer from the RAM budget, downloads the
block, copies it to every waiting reader and hands it to the write queue.
Once written, the block's bit is set. When no RAM is available the read
goes straight to the origin and nothing is stored.

# Registry

At most one File exists per path. Opens of the same path share it;
opens racing with a purge of that path wait until the purge ends. A file
detached by its last reader is protected from purge until the end of the
next purge pass.

# Usage

	c, err := cache.New(cfg, storage, origin,
		cache.WithLogger(logger),
		cache.WithStatsExporter(exporter))
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop(ctx, true)

	h, err := c.Attach(ctx, types.Request{Path: "/store/run42/events.root"})
	if err != nil {
		return err
	}
	defer c.Detach(ctx, h)
	n, err := h.ReadAt(ctx, buf, off)
*/
package cache
