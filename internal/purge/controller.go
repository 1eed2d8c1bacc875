package purge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/objectfs/pfcache/pkg/types"
	"github.com/objectfs/pfcache/pkg/utils"
)

// Guard decides whether a path may be deleted. TryBeginPurge must check
// protection and claim the path atomically; openers of a claimed path wait
// until EndPurge.
type Guard interface {
	TryBeginPurge(path string) bool
	EndPurge(path string)
	ClearProtected()
}

// Catalog lists cached files and removes them.
type Catalog interface {
	Scan(ctx context.Context) ([]types.FileRecord, error)
	// Remove deletes data and metadata of path and returns the bytes freed.
	Remove(ctx context.Context, path string) (int64, error)
}

// UsageSource reports disk usage.
type UsageSource interface {
	Usage(ctx context.Context) (types.Usage, error)
}

// WriteCounter reports bytes queued for writing since the previous call.
type WriteCounter interface {
	WritesSinceLastCall() int64
}

// Config represents purge controller configuration. Sizes are bytes.
type Config struct {
	Interval time.Duration

	DiskLWM int64
	DiskHWM int64

	// File usage limits apply only when FilesMax > 0
	FilesBaseline int64
	FilesNominal  int64
	FilesMax      int64

	// ColdFilesAge of zero disables the cold-file pass
	ColdFilesAge time.Duration
	// AgeBasedPeriod runs the age passes every Nth cycle
	AgeBasedPeriod int
	// UVKeep is how long a file may stay unverified. Zero or less disables
	// the unverified-checksum pass.
	UVKeep time.Duration

	Logger *slog.Logger
}

// Stats tracks purge activity
type Stats struct {
	Cycles        int64     `json:"cycles"`
	FilesPurged   int64     `json:"files_purged"`
	BytesPurged   int64     `json:"bytes_purged"`
	DeleteErrors  int64     `json:"delete_errors"`
	SkippedActive int64     `json:"skipped_active"`
	DiskTotal     int64     `json:"disk_total"`
	DiskUsed      int64     `json:"disk_used"`
	FileUsage     int64     `json:"file_usage"`
	LastRun       time.Time `json:"last_run"`
}

// Result summarizes one purge pass
type Result struct {
	Usage         types.Usage
	FileUsage     int64
	BytesToRemove int64
	AgeBased      bool
	Removed       []string
	BytesRemoved  int64
	Skipped       int
	Errors        int
}

// Controller runs periodic purge passes over the cache directory.
type Controller struct {
	config  Config
	guard   Guard
	catalog Catalog
	usage   UsageSource
	writes  WriteCounter
	pin     types.PurgePin
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	cycle   int
	stats   Stats
	trigger chan struct{}
	running sync.Mutex
}

// NewController creates a purge controller. writes and pin may be nil.
func NewController(cfg Config, guard Guard, catalog Catalog, usage UsageSource, writes WriteCounter, pin types.PurgePin) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Controller{
		config:  cfg,
		guard:   guard,
		catalog: catalog,
		usage:   usage,
		writes:  writes,
		pin:     pin,
		now:     time.Now,
		logger:  utils.ComponentLogger(cfg.Logger, "purge"),
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a pass as soon as possible
func (c *Controller) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run executes passes until ctx is done. Passes come every Interval, or
// every Interval/4 while the cache is being written faster than half the
// watermark gap per interval.
func (c *Controller) Run(ctx context.Context) {
	timer := time.NewTimer(c.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-c.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("purge pass failed", "error", err)
		}
		timer.Reset(c.nextDelay())
	}
}

func (c *Controller) nextDelay() time.Duration {
	if c.writes == nil {
		return c.config.Interval
	}
	written := c.writes.WritesSinceLastCall()
	if gap := c.config.DiskHWM - c.config.DiskLWM; gap > 0 && written > gap/2 {
		c.logger.Debug("heavy write load, next purge pass early",
			"written", utils.FormatBytes(written))
		return c.config.Interval / 4
	}
	return c.config.Interval
}

// RunOnce executes one purge pass: a space pass when usage is above the
// limits and, every AgeBasedPeriod cycles, the cold-file and unverified
// checksum passes. Files claimed by other users are skipped.
func (c *Controller) RunOnce(ctx context.Context) (Result, error) {
	c.running.Lock()
	defer c.running.Unlock()
	defer c.guard.ClearProtected()

	var res Result
	usage, err := c.usage.Usage(ctx)
	if err != nil {
		return res, err
	}
	records, err := c.catalog.Scan(ctx)
	if err != nil {
		return res, err
	}

	c.mu.Lock()
	c.cycle++
	cycle := c.cycle
	c.mu.Unlock()

	res.Usage = usage
	for _, r := range records {
		res.FileUsage += r.BytesOnDisk
	}
	res.BytesToRemove = c.BytesToRemove(usage, res.FileUsage)
	res.AgeBased = c.config.AgeBasedPeriod > 0 && cycle%c.config.AgeBasedPeriod == 0

	ordered := OrderLRU(records)
	removed := make(map[string]bool)

	candidates, limit := c.spaceCandidates(ctx, ordered, usage, &res)
	for _, r := range candidates {
		if limit > 0 && res.BytesRemoved >= limit {
			break
		}
		c.purgeOne(ctx, r, &res, removed)
	}

	if res.AgeBased {
		now := c.now()
		for _, r := range ordered {
			if removed[r.Path] {
				continue
			}
			if c.isCold(r, now) || c.uvExpired(r, now) {
				c.purgeOne(ctx, r, &res, removed)
			}
		}
	}

	c.mu.Lock()
	c.stats.Cycles++
	c.stats.FilesPurged += int64(len(res.Removed))
	c.stats.BytesPurged += res.BytesRemoved
	c.stats.DeleteErrors += int64(res.Errors)
	c.stats.SkippedActive += int64(res.Skipped)
	c.stats.DiskTotal = usage.TotalBytes
	c.stats.DiskUsed = usage.UsedBytes - res.BytesRemoved
	c.stats.FileUsage = res.FileUsage - res.BytesRemoved
	c.stats.LastRun = c.now()
	c.mu.Unlock()

	if len(res.Removed) > 0 || res.BytesToRemove > 0 {
		c.logger.Info("purge pass finished",
			"cycle", cycle,
			"disk_used", utils.FormatBytes(usage.UsedBytes),
			"disk_fraction", usage.Fraction(),
			"to_remove", utils.FormatBytes(res.BytesToRemove),
			"removed", utils.FormatBytes(res.BytesRemoved),
			"files", len(res.Removed),
			"skipped", res.Skipped,
			"errors", res.Errors,
			"age_based", res.AgeBased)
	}
	return res, nil
}

// spaceCandidates returns the files the space pass walks and the byte count
// at which it stops, zero meaning the whole list. A purge pin, when
// consulted, replaces the LRU order and its list is taken whole.
func (c *Controller) spaceCandidates(ctx context.Context, ordered []types.FileRecord, usage types.Usage, res *Result) ([]types.FileRecord, int64) {
	if c.pin != nil && (res.BytesToRemove > 0 || c.pin.CallPeriodically()) {
		picked, pinBytes := c.pin.SelectCandidates(ctx, ordered, usage)
		res.BytesToRemove = max(res.BytesToRemove, pinBytes)
		return picked, 0
	}
	if res.BytesToRemove <= 0 {
		return nil, 0
	}
	return ordered, res.BytesToRemove
}

// BytesToRemove returns how much the space pass must free: enough to bring
// disk usage from above HWM down to LWM, or file usage from above the max
// down to nominal (or to baseline while the disk is above LWM), whichever
// is larger.
func (c *Controller) BytesToRemove(usage types.Usage, fileUsage int64) int64 {
	var disk int64
	if usage.UsedBytes >= c.config.DiskHWM {
		disk = usage.UsedBytes - c.config.DiskLWM
	}

	var files int64
	if c.config.FilesMax > 0 {
		switch {
		case fileUsage > c.config.FilesMax:
			files = fileUsage - c.config.FilesNominal
		case usage.UsedBytes > c.config.DiskLWM && fileUsage > c.config.FilesBaseline:
			files = fileUsage - c.config.FilesBaseline
		}
	}

	return max(disk, files)
}

func (c *Controller) isCold(r types.FileRecord, now time.Time) bool {
	return c.config.ColdFilesAge > 0 && now.Sub(r.LastAccess) > c.config.ColdFilesAge
}

// uvExpired reports whether r has been unverified for longer than UVKeep.
func (c *Controller) uvExpired(r types.FileRecord, now time.Time) bool {
	return c.config.UVKeep > 0 && r.Unverified && now.Sub(r.NoCkSumTime) > c.config.UVKeep
}

func (c *Controller) purgeOne(ctx context.Context, r types.FileRecord, res *Result, removed map[string]bool) {
	if removed[r.Path] {
		return
	}
	if !c.guard.TryBeginPurge(r.Path) {
		res.Skipped++
		return
	}
	freed, err := c.catalog.Remove(ctx, r.Path)
	c.guard.EndPurge(r.Path)

	if err != nil {
		res.Errors++
		c.logger.Warn("failed to purge file, will retry next pass", "path", r.Path, "error", err)
		return
	}
	removed[r.Path] = true
	res.Removed = append(res.Removed, r.Path)
	res.BytesRemoved += freed
	c.logger.Debug("purged file", "path", r.Path, "bytes", utils.FormatBytes(freed))
}

// GetStats returns purge statistics
func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// lruItem orders records by last access, oldest first, then by path.
type lruItem types.FileRecord

func (a lruItem) Less(than btree.Item) bool {
	b := than.(lruItem)
	if !a.LastAccess.Equal(b.LastAccess) {
		return a.LastAccess.Before(b.LastAccess)
	}
	return a.Path < b.Path
}

// OrderLRU returns records sorted least recently used first, ties broken
// by path. Identical input always yields identical order.
func OrderLRU(records []types.FileRecord) []types.FileRecord {
	tree := btree.New(2)
	for _, r := range records {
		tree.ReplaceOrInsert(lruItem(r))
	}
	out := make([]types.FileRecord, 0, tree.Len())
	tree.Ascend(func(i btree.Item) bool {
		out = append(out, types.FileRecord(i.(lruItem)))
		return true
	})
	return out
}
