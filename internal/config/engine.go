package config

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/objectfs/pfcache/pkg/types"
	"github.com/objectfs/pfcache/pkg/utils"
)

const (
	minBufferSize = 4 << 10
	maxBufferSize = 512 << 20
)

// EngineConfig is the resolved, immutable configuration handed to the
// cache engine. All sizes are in bytes.
type EngineConfig struct {
	RAMBytes       int64
	BufferSize     int64
	StdBlocksKeep  int
	WaitForBuffers bool

	WriteQueueThreads        int
	WriteQueueBlocksPerCycle int
	WriteQueueMaxBlocks      int

	PrefetchMaxBlocks int
	PrefetchGlobalMax int

	DiskTotal int64
	DiskLWM   int64
	DiskHWM   int64

	// Zero when file usage limits are not configured.
	FilesBaseline int64
	FilesNominal  int64
	FilesMax      int64

	PurgeInterval  time.Duration
	ColdFilesAge   time.Duration
	AgeBasedPeriod int
	// UVKeep of zero or less disables purging of unverified files.
	UVKeep time.Duration

	Checksum          types.ChecksumPolicy
	AccessHistorySize int
	MetaSuffix        string

	OnlyIfCachedMinSize int64
	OnlyIfCachedMinFrac float64
	AllowCommands       bool
	OpenWaitTimeout     time.Duration
	StatsInterval       time.Duration
	StatCacheEntries    int
}

// FileUsageLimits reports whether baseline/nominal/max were configured.
func (e *EngineConfig) FileUsageLimits() bool {
	return e.FilesMax > 0
}

// Resolve validates c and converts it into an EngineConfig for a cache
// filesystem of totalDisk bytes.
func (c *Configuration) Resolve(totalDisk int64) (*EngineConfig, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if totalDisk <= 0 {
		return nil, invalid("cache filesystem reports no capacity")
	}

	cc := c.Cache
	bufSize, _ := utils.ParseBytes(cc.BufferSize)
	ram, _ := utils.ParseBytes(cc.RAM)
	minSize, _ := utils.ParseBytes(cc.OnlyIfCachedMinSize)
	checksum, _ := types.ParseChecksumPolicy(cc.Checksum)

	lwm, err := SizeOrFraction(cc.DiskLowWatermark, totalDisk)
	if err != nil {
		return nil, invalid("cache.disk_low_watermark: %v", err)
	}
	hwm, err := SizeOrFraction(cc.DiskHighWatermark, totalDisk)
	if err != nil {
		return nil, invalid("cache.disk_high_watermark: %v", err)
	}
	if lwm <= 0 || lwm >= hwm {
		return nil, invalid("disk low watermark (%s) must be positive and below the high watermark (%s)",
			utils.FormatBytes(lwm), utils.FormatBytes(hwm))
	}
	if hwm > totalDisk {
		return nil, invalid("disk high watermark (%s) exceeds filesystem size (%s)",
			utils.FormatBytes(hwm), utils.FormatBytes(totalDisk))
	}

	ec := &EngineConfig{
		RAMBytes:                 ram,
		BufferSize:               bufSize,
		StdBlocksKeep:            cc.StdBlocksKeep,
		WaitForBuffers:           cc.WaitForBuffers,
		WriteQueueThreads:        cc.WriteQueueThreads,
		WriteQueueBlocksPerCycle: cc.WriteQueueBlocks,
		WriteQueueMaxBlocks:      cc.WriteQueueMaxBlocks,
		PrefetchMaxBlocks:        cc.PrefetchMaxBlocks,
		PrefetchGlobalMax:        cc.PrefetchGlobalMax,
		DiskTotal:                totalDisk,
		DiskLWM:                  lwm,
		DiskHWM:                  hwm,
		PurgeInterval:            cc.PurgeInterval,
		ColdFilesAge:             cc.PurgeColdFilesAge,
		AgeBasedPeriod:           cc.PurgeAgeBasedPeriod,
		UVKeep:                   cc.UVKeep,
		Checksum:                 checksum,
		AccessHistorySize:        cc.AccessHistorySize,
		MetaSuffix:               c.Storage.MetaSuffix,
		OnlyIfCachedMinSize:      minSize,
		OnlyIfCachedMinFrac:      cc.OnlyIfCachedMinFrac,
		AllowCommands:            cc.AllowCommands,
		OpenWaitTimeout:          cc.OpenWaitTimeout,
		StatsInterval:            cc.StatsInterval,
		StatCacheEntries:         cc.StatCacheEntries,
	}

	if ec.StdBlocksKeep == 0 {
		ec.StdBlocksKeep = int(ram/bufSize) / 4
		if ec.StdBlocksKeep < 1 {
			ec.StdBlocksKeep = 1
		}
	}

	if err := ec.resolveFileUsage(cc, totalDisk); err != nil {
		return nil, err
	}

	return ec, nil
}

func (e *EngineConfig) resolveFileUsage(cc CacheConfig, totalDisk int64) error {
	set := 0
	for _, v := range []string{cc.FilesBaseline, cc.FilesNominal, cc.FilesMax} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set == 0 {
		return nil
	}
	if set != 3 {
		return invalid("files_baseline, files_nominal and files_max must be set together")
	}

	var err error
	if e.FilesBaseline, err = SizeOrFraction(cc.FilesBaseline, totalDisk); err != nil {
		return invalid("cache.files_baseline: %v", err)
	}
	if e.FilesNominal, err = SizeOrFraction(cc.FilesNominal, totalDisk); err != nil {
		return invalid("cache.files_nominal: %v", err)
	}
	if e.FilesMax, err = SizeOrFraction(cc.FilesMax, totalDisk); err != nil {
		return invalid("cache.files_max: %v", err)
	}

	if !(e.FilesBaseline < e.FilesNominal && e.FilesNominal < e.FilesMax) {
		return invalid("file usage limits must satisfy baseline < nominal < max (%s, %s, %s)",
			utils.FormatBytes(e.FilesBaseline), utils.FormatBytes(e.FilesNominal), utils.FormatBytes(e.FilesMax))
	}
	if e.FilesMax > e.DiskHWM {
		return invalid("files_max (%s) must not exceed the disk high watermark (%s)",
			utils.FormatBytes(e.FilesMax), utils.FormatBytes(e.DiskHWM))
	}
	return nil
}

// SizeOrFraction interprets v as a fraction of total when it is a plain
// number below 1.0, and as an absolute byte size otherwise.
func SizeOrFraction(v string, total int64) (int64, error) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil && f < 1.0 {
		if f < 0 {
			return 0, invalid("negative value %q", v)
		}
		return int64(math.Round(f * float64(total))), nil
	}
	return utils.ParseBytes(v)
}
