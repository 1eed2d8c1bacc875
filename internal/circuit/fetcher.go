package circuit

import (
	"context"

	"github.com/objectfs/pfcache/pkg/types"
)

// WrapFetcher routes every request to f through b. The result implements
// types.ChecksumFetcher when f does.
func WrapFetcher(f types.Fetcher, b *Breaker) types.Fetcher {
	base := &fetcher{next: f, b: b}
	if cf, ok := f.(types.ChecksumFetcher); ok {
		return &checksumFetcher{fetcher: base, verified: cf}
	}
	return base
}

type fetcher struct {
	next types.Fetcher
	b    *Breaker
}

func (f *fetcher) Fetch(ctx context.Context, path string, offset int64, buf []byte) (n int, err error) {
	err = f.b.Execute(ctx, func(ctx context.Context) error {
		var ferr error
		n, ferr = f.next.Fetch(ctx, path, offset, buf)
		return ferr
	})
	return n, err
}

func (f *fetcher) Size(ctx context.Context, path string) (size int64, err error) {
	err = f.b.Execute(ctx, func(ctx context.Context) error {
		var serr error
		size, serr = f.next.Size(ctx, path)
		return serr
	})
	return size, err
}

type checksumFetcher struct {
	*fetcher
	verified types.ChecksumFetcher
}

func (f *checksumFetcher) FetchVerified(ctx context.Context, path string, offset int64, buf []byte) (n int, err error) {
	err = f.b.Execute(ctx, func(ctx context.Context) error {
		var ferr error
		n, ferr = f.verified.FetchVerified(ctx, path, offset, buf)
		return ferr
	})
	return n, err
}
