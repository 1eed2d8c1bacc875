package types

import (
	"fmt"
	"strings"
	"time"
)

// StorageInfo describes one file held by a Storage.
type StorageInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	OnDisk  int64     `json:"on_disk"`
	ModTime time.Time `json:"mod_time"`
}

// Usage describes the filesystem the cache lives on.
type Usage struct {
	TotalBytes int64 `json:"total_bytes"`
	UsedBytes  int64 `json:"used_bytes"`
}

// Fraction returns UsedBytes/TotalBytes, or 0 for an empty filesystem.
func (u Usage) Fraction() float64 {
	if u.TotalBytes <= 0 {
		return 0
	}
	return float64(u.UsedBytes) / float64(u.TotalBytes)
}

// Request carries what decision hooks know about a file being attached.
type Request struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	// Opaque is the host's per-request tag, passed through unchanged.
	Opaque string `json:"opaque,omitempty"`
}

// FileRecord is the purge controller's view of one cached file.
type FileRecord struct {
	Path        string    `json:"path"`
	FileSize    int64     `json:"file_size"`
	BytesOnDisk int64     `json:"bytes_on_disk"`
	LastAccess  time.Time `json:"last_access"`
	// Unverified is set when stored blocks lack a checksum bit the
	// configuration requires; NoCkSumTime is when that first happened.
	Unverified  bool      `json:"unverified"`
	NoCkSumTime time.Time `json:"no_cksum_time"`
}

// ChecksumPolicy is a bit set of where block checksums are verified.
type ChecksumPolicy uint8

const (
	ChecksumNone  ChecksumPolicy = 0
	ChecksumCache ChecksumPolicy = 1
	ChecksumNet   ChecksumPolicy = 2
	ChecksumBoth  ChecksumPolicy = ChecksumCache | ChecksumNet
)

// Has reports whether every bit of o is set in p.
func (p ChecksumPolicy) Has(o ChecksumPolicy) bool { return p&o == o }

func (p ChecksumPolicy) String() string {
	switch p {
	case ChecksumNone:
		return "none"
	case ChecksumCache:
		return "cache"
	case ChecksumNet:
		return "net"
	case ChecksumBoth:
		return "both"
	default:
		return fmt.Sprintf("ChecksumPolicy(%d)", uint8(p))
	}
}

// ParseChecksumPolicy parses none, cache, net or both.
func ParseChecksumPolicy(s string) (ChecksumPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return ChecksumNone, nil
	case "cache":
		return ChecksumCache, nil
	case "net":
		return ChecksumNet, nil
	case "both", "all":
		return ChecksumBoth, nil
	default:
		return ChecksumNone, fmt.Errorf("unknown checksum policy %q", s)
	}
}

// Stats is a point-in-time snapshot of engine counters. Counters are
// cumulative since engine start; gauges are current values.
type Stats struct {
	Timestamp time.Time `json:"timestamp"`

	// Buffer pool gauges
	RAMBudget int64 `json:"ram_budget"`
	RAMUsed   int64 `json:"ram_used"`
	RAMQueued int64 `json:"ram_queued"`

	// Write queue
	WriteQueueDepth int   `json:"write_queue_depth"`
	BytesWritten    int64 `json:"bytes_written"`
	WriteFailures   int64 `json:"write_failures"`

	// Client IO
	ActiveFiles   int   `json:"active_files"`
	BytesHit      int64 `json:"bytes_hit"`
	BytesMissed   int64 `json:"bytes_missed"`
	BytesBypassed int64 `json:"bytes_bypassed"`

	// Prefetch
	PrefetchBlocks   int64 `json:"prefetch_blocks"`
	PrefetchInFlight int64 `json:"prefetch_in_flight"`

	// Purge
	PurgeCycles int64 `json:"purge_cycles"`
	FilesPurged int64 `json:"files_purged"`
	BytesPurged int64 `json:"bytes_purged"`
	DiskTotal   int64 `json:"disk_total"`
	DiskUsed    int64 `json:"disk_used"`
	FileUsage   int64 `json:"file_usage"`
}
