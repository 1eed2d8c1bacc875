package types

import (
	"context"
)

// Storage defines the interface for the local byte store backing the cache.
// Missing paths are reported with an error matching errors.ErrFileNotFound.
type Storage interface {
	// Data file operations
	WriteAt(ctx context.Context, path string, offset int64, data []byte) error
	ReadAt(ctx context.Context, path string, offset int64, buf []byte) (int, error)
	Truncate(ctx context.Context, path string, size int64) error

	// Whole-file operations used for metadata
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)

	Stat(ctx context.Context, path string) (*StorageInfo, error)

	// Delete removes path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error

	// Walk calls fn for every regular file held by the store.
	Walk(ctx context.Context, fn func(info StorageInfo) error) error

	// Usage reports capacity of the filesystem the store lives on.
	Usage(ctx context.Context) (Usage, error)
}

// Fetcher reads raw byte ranges from the remote origin.
type Fetcher interface {
	// Fetch reads up to len(buf) bytes at offset. A short count with a nil
	// error means end of file.
	Fetch(ctx context.Context, path string, offset int64, buf []byte) (int, error)
	Size(ctx context.Context, path string) (int64, error)
}

// ChecksumFetcher is a Fetcher whose FetchVerified guarantees the returned
// bytes match what the origin holds, or fails with errors.ErrChecksumMismatch.
type ChecksumFetcher interface {
	Fetcher
	FetchVerified(ctx context.Context, path string, offset int64, buf []byte) (int, error)
}

// Decision vetoes caching of individual files.
type Decision interface {
	ShouldCache(req Request) bool
}

// DecisionFunc adapts a plain function to Decision.
type DecisionFunc func(req Request) bool

// ShouldCache calls f(req).
func (f DecisionFunc) ShouldCache(req Request) bool { return f(req) }

// PurgePin takes over candidate selection for the purge controller.
type PurgePin interface {
	// CallPeriodically reports whether the pin is consulted on every purge
	// cycle rather than only when space must be recovered.
	CallPeriodically() bool

	// SelectCandidates returns files to remove in removal order, and how many
	// bytes the pin itself wants freed. files arrives in LRU order.
	SelectCandidates(ctx context.Context, files []FileRecord, usage Usage) ([]FileRecord, int64)
}

// StatsExporter receives periodic engine statistics.
type StatsExporter interface {
	Export(stats Stats)
}
