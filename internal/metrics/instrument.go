package metrics

import (
	"context"
	"time"

	"github.com/objectfs/pfcache/pkg/types"
)

// InstrumentFetcher wraps f so every origin request is recorded in c. The
// result implements types.ChecksumFetcher when f does.
func InstrumentFetcher(f types.Fetcher, c *Collector) types.Fetcher {
	base := &instrumentedFetcher{next: f, c: c}
	if cf, ok := f.(types.ChecksumFetcher); ok {
		return &instrumentedChecksumFetcher{instrumentedFetcher: base, verified: cf}
	}
	return base
}

type instrumentedFetcher struct {
	next types.Fetcher
	c    *Collector
}

func (f *instrumentedFetcher) Fetch(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	start := time.Now()
	n, err := f.next.Fetch(ctx, path, offset, buf)
	f.c.RecordOriginRequest("fetch", time.Since(start), int64(n), err)
	return n, err
}

func (f *instrumentedFetcher) Size(ctx context.Context, path string) (int64, error) {
	start := time.Now()
	size, err := f.next.Size(ctx, path)
	f.c.RecordOriginRequest("size", time.Since(start), 0, err)
	return size, err
}

type instrumentedChecksumFetcher struct {
	*instrumentedFetcher
	verified types.ChecksumFetcher
}

func (f *instrumentedChecksumFetcher) FetchVerified(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	start := time.Now()
	n, err := f.verified.FetchVerified(ctx, path, offset, buf)
	f.c.RecordOriginRequest("fetch_verified", time.Since(start), int64(n), err)
	return n, err
}
