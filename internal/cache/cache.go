package cache

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/pfcache/internal/buffer"
	"github.com/objectfs/pfcache/internal/config"
	"github.com/objectfs/pfcache/internal/prefetch"
	"github.com/objectfs/pfcache/internal/purge"
	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
	"github.com/objectfs/pfcache/pkg/utils"
)

// Option configures a Cache
type Option func(*Cache)

// WithLogger sets the base logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithDecision adds a hook that may veto caching of a file. Hooks are
// consulted in the order they were added.
func WithDecision(d types.Decision) Option {
	return func(c *Cache) {
		c.decisions = append(c.decisions, d)
	}
}

// WithPurgePin installs the hook that takes over purge candidate selection.
// A later call replaces an earlier one.
func WithPurgePin(pin types.PurgePin) Option {
	return func(c *Cache) {
		c.pin = pin
	}
}

// WithStatsExporter adds a receiver of periodic statistics
func WithStatsExporter(e types.StatsExporter) Option {
	return func(c *Cache) {
		c.exporters = append(c.exporters, e)
	}
}

// Cache is the engine handle. It serves reads of remote files through a
// block cache on local storage.
type Cache struct {
	cfg     *config.EngineConfig
	storage types.Storage
	origin  types.Fetcher
	logger  *slog.Logger

	decisions []types.Decision
	pin       types.PurgePin
	exporters []types.StatsExporter

	counters   counters
	env        *env
	pool       *buffer.Pool
	queue      *buffer.WriteQueue
	registry   *Registry
	prefetcher *prefetch.Scheduler
	purger     *purge.Controller

	sizes     *ristretto.Cache[string, int64]
	metaGroup singleflight.Group

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a cache engine over storage and origin. Background loops do
// not run until Start.
func New(cfg *config.EngineConfig, storage types.Storage, origin types.Fetcher, opts ...Option) (*Cache, error) {
	if cfg == nil || cfg.BufferSize <= 0 || cfg.RAMBytes < cfg.BufferSize {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "RAM budget must hold at least one block").
			WithComponent("cache").WithOperation("new")
	}
	if storage == nil || origin == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "storage and origin are required").
			WithComponent("cache").WithOperation("new")
	}

	c := &Cache{
		cfg:     cfg,
		storage: storage,
		origin:  origin,
	}
	for _, opt := range opts {
		opt(c)
	}
	base := c.logger
	c.logger = utils.ComponentLogger(base, "cache")

	entries := cfg.StatCacheEntries
	if entries <= 0 {
		entries = 1024
	}
	sizes, err := ristretto.NewCache(&ristretto.Config[string, int64]{
		NumCounters: int64(entries) * 10,
		MaxCost:     int64(entries),
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "failed to create stat cache").
			WithComponent("cache").WithOperation("new").WithCause(err)
	}
	c.sizes = sizes

	c.pool = buffer.NewPool(buffer.PoolConfig{
		Budget:        cfg.RAMBytes,
		BlockSize:     cfg.BufferSize,
		KeepStdBlocks: cfg.StdBlocksKeep,
		Logger:        base,
	})
	c.queue = buffer.NewWriteQueue(buffer.WriteQueueConfig{
		Workers:        cfg.WriteQueueThreads,
		BlocksPerCycle: cfg.WriteQueueBlocksPerCycle,
		MaxBlocks:      cfg.WriteQueueMaxBlocks,
		Logger:         base,
	}, storage, c.pool)

	c.env = &env{
		cfg:      cfg,
		storage:  storage,
		origin:   origin,
		pool:     c.pool,
		queue:    c.queue,
		counters: &c.counters,
		logger:   c.logger,
	}

	c.prefetcher = prefetch.NewScheduler(prefetch.Config{
		MaxInFlight: int64(cfg.PrefetchGlobalMax),
		Logger:      base,
	})
	c.registry = NewRegistry(RegistryConfig{
		OpenWaitTimeout: cfg.OpenWaitTimeout,
		Open:            c.openFile,
		Close:           c.closeFile,
		Finish:          c.finishFile,
		Reattach:        (*File).resumePrefetch,
		Logger:          base,
	})
	c.env.prefetcher = c.prefetcher
	c.env.drained = c.registry.Drained
	c.purger = purge.NewController(purge.Config{
		Interval:       cfg.PurgeInterval,
		DiskLWM:        cfg.DiskLWM,
		DiskHWM:        cfg.DiskHWM,
		FilesBaseline:  cfg.FilesBaseline,
		FilesNominal:   cfg.FilesNominal,
		FilesMax:       cfg.FilesMax,
		ColdFilesAge:   cfg.ColdFilesAge,
		AgeBasedPeriod: cfg.AgeBasedPeriod,
		UVKeep:         cfg.UVKeep,
		Logger:         base,
	}, c.registry, &catalog{c: c}, storageUsage{storage}, c.queue, c.pin)

	return c, nil
}

// Start launches the prefetch, purge and statistics loops.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.ErrEngineStopped
	}
	if c.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "cache already started").
			WithComponent("cache").WithOperation("start")
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.prefetcher.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.purger.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.maintenance(ctx)
	}()

	c.logger.Info("cache started",
		"ram", utils.FormatBytes(c.cfg.RAMBytes),
		"block_size", utils.FormatBytes(c.cfg.BufferSize),
		"disk_lwm", utils.FormatBytes(c.cfg.DiskLWM),
		"disk_hwm", utils.FormatBytes(c.cfg.DiskHWM),
		"file_usage_limits", c.cfg.FileUsageLimits(),
		"checksum", c.cfg.Checksum.String())
	return nil
}

// Stop ends the background loops, then drains the write queue (or discards
// it when drain is false) and saves the metadata of files still attached.
func (c *Cache) Stop(ctx context.Context, drain bool) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	err := c.queue.Close(ctx, drain)
	for _, f := range c.registry.Files() {
		if serr := f.sync(context.WithoutCancel(ctx)); serr != nil {
			c.logger.Error("failed to save metadata at shutdown", "path", f.Path(), "error", serr)
		}
	}
	c.sizes.Close()

	stats := c.Stats()
	c.logger.Info("cache stopped",
		"active_files", stats.ActiveFiles,
		"bytes_hit", utils.FormatBytes(stats.BytesHit),
		"bytes_missed", utils.FormatBytes(stats.BytesMissed),
		"bytes_written", utils.FormatBytes(stats.BytesWritten))
	return err
}

func (c *Cache) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// shouldCache reports whether no decision hook vetoes req
func (c *Cache) shouldCache(req types.Request) bool {
	for _, d := range c.decisions {
		if !d.ShouldCache(req) {
			return false
		}
	}
	return true
}

// Attach opens path for reading. The returned handle must be passed to
// Detach. A vetoed file gets a handle that reads straight from the origin.
func (c *Cache) Attach(ctx context.Context, req types.Request) (Handle, error) {
	if c.isStopped() {
		return nil, errors.ErrEngineStopped
	}
	path, err := utils.CleanLogicalPath(req.Path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeFileNotFound, "invalid path").
			WithComponent("cache").WithOperation("attach").WithPath(req.Path).WithCause(err)
	}
	req.Path = path

	if !c.shouldCache(req) {
		size := req.Size
		if size <= 0 {
			if size, err = c.originSize(ctx, path); err != nil {
				return nil, err
			}
		}
		c.logger.Debug("caching vetoed, reading directly", "path", path)
		return &directHandle{path: path, size: size, origin: c.origin, counters: &c.counters}, nil
	}

	f, err := c.registry.GetOrOpen(ctx, path, req.Size)
	if err != nil {
		return nil, err
	}
	return &fileHandle{file: f}, nil
}

// Detach releases a handle returned by Attach. The last detach of a file
// waits for its blocks to be written unless ctx expires first, in which
// case the writes already queued finish in the background and the path
// stays out of reach of purge until they do.
func (c *Cache) Detach(ctx context.Context, h Handle) error {
	switch h := h.(type) {
	case *fileHandle:
		if !h.detached.CompareAndSwap(false, true) {
			return nil
		}
		c.registry.Release(ctx, h.file)
	case *directHandle:
	default:
		return errors.NewError(errors.ErrCodeInternalError, "unknown handle type").
			WithComponent("cache").WithOperation("detach")
	}
	return nil
}

func (c *Cache) openFile(ctx context.Context, path string, sizeHint int64) (*File, error) {
	now := time.Now()
	metaPath := c.env.infoPath(path)

	info, err := LoadInfo(ctx, c.storage, metaPath)
	switch {
	case err == nil:
		if info.BufferSize != c.cfg.BufferSize || (sizeHint > 0 && info.FileSize != sizeHint) {
			c.logger.Info("cached file layout changed, starting over",
				"path", path, "cached_size", info.FileSize, "size", sizeHint,
				"cached_block_size", info.BufferSize)
			info = nil
		}
	case stderrors.Is(err, errors.ErrFileNotFound):
		info = nil
	default:
		c.logger.Warn("unreadable metadata, starting over", "path", path, "error", err)
		info = nil
	}

	if info == nil {
		size := sizeHint
		if size <= 0 {
			if size, err = c.originSize(ctx, path); err != nil {
				return nil, err
			}
		}
		if err := c.storage.Delete(ctx, path); err != nil {
			return nil, err
		}
		info = NewInfo(c.cfg.BufferSize, size, c.cfg.Checksum, now)
		data, err := info.Marshal()
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeInternalError, "failed to encode metadata").
				WithComponent("cache").WithOperation("open").WithPath(path).WithCause(err)
		}
		if err := SaveInfo(ctx, c.storage, metaPath, data); err != nil {
			return nil, err
		}
	}
	c.sizes.Set(path, info.FileSize, 1)

	f := newFile(c.env, path, info, now)
	c.counters.filesOpened.Add(1)
	if c.cfg.PrefetchMaxBlocks > 0 && !info.IsComplete() {
		c.prefetcher.Register(f)
	}
	c.logger.Debug("opened file", "path", path,
		"size", utils.FormatBytes(info.FileSize),
		"on_disk", utils.FormatBytes(info.BytesOnDisk()))
	return f, nil
}

func (c *Cache) closeFile(ctx context.Context, f *File) bool {
	c.prefetcher.Deregister(f)
	pending, err := f.close(ctx)
	if err != nil {
		c.logger.Error("failed to save metadata on close", "path", f.Path(), "error", err)
	}
	return pending
}

// finishFile saves a detached file once its pending writes have landed.
func (c *Cache) finishFile(f *File) {
	if err := f.sync(context.Background()); err != nil {
		c.logger.Error("failed to save metadata after drain", "path", f.Path(), "error", err)
		return
	}
	c.logger.Debug("detached file drained", "path", f.Path())
}

// originSize returns the origin's size of path, remembered across calls.
func (c *Cache) originSize(ctx context.Context, path string) (int64, error) {
	if size, ok := c.sizes.Get(path); ok {
		return size, nil
	}
	v, err, _ := c.metaGroup.Do("size:"+path, func() (interface{}, error) {
		size, err := c.origin.Size(ctx, path)
		if err != nil {
			return int64(0), err
		}
		c.sizes.Set(path, size, 1)
		return size, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// loadInfo reads the metadata of an inactive path. Concurrent callers for
// one path share a read.
func (c *Cache) loadInfo(ctx context.Context, path string) (*Info, error) {
	v, err, _ := c.metaGroup.Do("info:"+path, func() (interface{}, error) {
		return LoadInfo(ctx, c.storage, c.env.infoPath(path))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Info), nil
}

// FileStat describes a file as the cache sees it
type FileStat struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	BytesOnDisk int64  `json:"bytes_on_disk"`
	Complete    bool   `json:"complete"`
	Active      bool   `json:"active"`
	// Local is set when the answer came without contacting the origin
	Local bool `json:"local"`
}

// Stat returns the size of path, from the open file or the metadata when
// the cache knows the file and from the origin otherwise.
func (c *Cache) Stat(ctx context.Context, path string) (FileStat, error) {
	path, err := utils.CleanLogicalPath(path)
	if err != nil {
		return FileStat{}, errors.NewError(errors.ErrCodeFileNotFound, "invalid path").
			WithComponent("cache").WithOperation("stat").WithCause(err)
	}

	if f, ok := c.registry.Lookup(path); ok {
		info := f.snapshot()
		return FileStat{Path: path, Size: info.FileSize, BytesOnDisk: info.BytesOnDisk(),
			Complete: info.IsComplete(), Active: true, Local: true}, nil
	}

	info, err := c.loadInfo(ctx, path)
	if err == nil {
		return FileStat{Path: path, Size: info.FileSize, BytesOnDisk: info.BytesOnDisk(),
			Complete: info.IsComplete(), Local: true}, nil
	}
	if !stderrors.Is(err, errors.ErrFileNotFound) {
		c.logger.Warn("unreadable metadata", "path", path, "error", err)
	}

	size, err := c.originSize(ctx, path)
	if err != nil {
		return FileStat{}, err
	}
	return FileStat{Path: path, Size: size}, nil
}

// Prepare reports whether the cache already holds metadata for path, so
// the host can skip contacting the origin before an Attach.
func (c *Cache) Prepare(ctx context.Context, path string) (bool, error) {
	path, err := utils.CleanLogicalPath(path)
	if err != nil {
		return false, nil
	}
	if _, ok := c.registry.Lookup(path); ok {
		return true, nil
	}
	if _, err := c.loadInfo(ctx, path); err != nil {
		if stderrors.Is(err, errors.ErrFileNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ConsiderCached reports whether path counts as cached for only-if-cached
// requests: empty, fully resident, or holding at least the configured
// minimum bytes and fraction.
func (c *Cache) ConsiderCached(ctx context.Context, path string) (bool, error) {
	st, err := c.Stat(ctx, path)
	if err != nil {
		return false, err
	}
	if !st.Local {
		return false, nil
	}
	return considerCached(st, c.cfg.OnlyIfCachedMinSize, c.cfg.OnlyIfCachedMinFrac), nil
}

func considerCached(st FileStat, minSize int64, minFrac float64) bool {
	if st.Size == 0 || st.Complete {
		return true
	}
	frac := float64(st.BytesOnDisk) / float64(st.Size)
	return st.BytesOnDisk >= minSize && frac >= minFrac
}

// Unlink removes the cached data and metadata of path. It fails with
// errors.ErrFileBusy while the file is attached or being purged. Writes
// still queued for a detached file are dropped.
func (c *Cache) Unlink(ctx context.Context, path string) error {
	path, err := utils.CleanLogicalPath(path)
	if err != nil {
		return errors.NewError(errors.ErrCodeFileNotFound, "invalid path").
			WithComponent("cache").WithOperation("unlink").WithCause(err)
	}
	if !c.beginUnlink(path) {
		return errors.NewError(errors.ErrCodeFileBusy, "file is in use").
			WithComponent("cache").WithOperation("unlink").WithPath(path)
	}
	defer c.registry.EndPurge(path)

	freed, err := c.removeFiles(ctx, path)
	if err != nil {
		return err
	}
	c.sizes.Del(path)
	c.logger.Info("unlinked cached file", "path", path, "freed", utils.FormatBytes(freed))
	return nil
}

// beginUnlink claims path for deletion. A file detached with writes still
// queued loses them: it is discarded and leaves the registry.
func (c *Cache) beginUnlink(path string) bool {
	draining, ok := c.registry.TryBeginUnlink(path)
	if !ok {
		return false
	}
	if draining != nil {
		freed := draining.discard()
		c.registry.Remove(draining)
		c.logger.Info("dropped pending writes of unlinked file",
			"path", path, "freed", utils.FormatBytes(freed))
	}
	return true
}

// removeFiles deletes the data and metadata files of path and returns the
// bytes they held. The caller must hold the purge claim.
func (c *Cache) removeFiles(ctx context.Context, path string) (int64, error) {
	var freed int64
	for _, p := range []string{path, c.env.infoPath(path)} {
		if st, err := c.storage.Stat(ctx, p); err == nil {
			freed += st.OnDisk
		}
		if err := c.storage.Delete(ctx, p); err != nil {
			return freed, errors.NewError(errors.ErrCodeBackendDelete, "failed to delete cached file").
				WithComponent("cache").WithOperation("remove").WithPath(p).WithCause(err)
		}
	}
	return freed, nil
}

// Purge runs a purge pass now, independently of the purge interval.
func (c *Cache) Purge(ctx context.Context) (purge.Result, error) {
	if c.isStopped() {
		return purge.Result{}, errors.ErrEngineStopped
	}
	return c.purger.RunOnce(ctx)
}

// Stats returns a snapshot of engine statistics
func (c *Cache) Stats() types.Stats {
	ps := c.pool.GetStats()
	qs := c.queue.GetStats()
	us := c.purger.GetStats()

	return types.Stats{
		Timestamp:        time.Now(),
		RAMBudget:        ps.Budget,
		RAMUsed:          ps.Used,
		RAMQueued:        ps.Queued,
		WriteQueueDepth:  qs.Depth,
		BytesWritten:     qs.BytesWritten,
		WriteFailures:    int64(qs.WriteFailures),
		ActiveFiles:      c.registry.Len(),
		BytesHit:         c.counters.bytesHit.Load(),
		BytesMissed:      c.counters.bytesMissed.Load(),
		BytesBypassed:    c.counters.bytesBypassed.Load(),
		PrefetchBlocks:   c.counters.prefetchBlocks.Load(),
		PrefetchInFlight: c.prefetcher.InFlight(),
		PurgeCycles:      us.Cycles,
		FilesPurged:      us.FilesPurged,
		BytesPurged:      us.BytesPurged,
		DiskTotal:        us.DiskTotal,
		DiskUsed:         us.DiskUsed,
		FileUsage:        us.FileUsage,
	}
}

// maintenance saves dirty metadata of open files and pushes statistics to
// the exporters every StatsInterval.
func (c *Cache) maintenance(ctx context.Context) {
	interval := c.cfg.StatsInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, f := range c.registry.Files() {
			if err := f.sync(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("failed to save metadata", "path", f.Path(), "error", err)
			}
		}
		c.exportStats()
	}
}

func (c *Cache) exportStats() {
	if len(c.exporters) == 0 {
		return
	}
	stats := c.Stats()
	for _, e := range c.exporters {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("stats exporter panicked", "panic", r)
				}
			}()
			e.Export(stats)
		}()
	}
}

// storageUsage adapts types.Storage to purge.UsageSource
type storageUsage struct {
	storage types.Storage
}

func (s storageUsage) Usage(ctx context.Context) (types.Usage, error) {
	u, err := s.storage.Usage(ctx)
	if err != nil {
		return u, errors.NewError(errors.ErrCodeBackendStat, "failed to query disk usage").
			WithComponent("cache").WithOperation("usage").WithCause(err)
	}
	return u, nil
}
