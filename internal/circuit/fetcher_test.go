package circuit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
)

type stubOrigin struct {
	err   error
	calls int
}

func (o *stubOrigin) Fetch(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	o.calls++
	if o.err != nil {
		return 0, o.err
	}
	return copy(buf, "payload"), nil
}

func (o *stubOrigin) Size(ctx context.Context, path string) (int64, error) {
	o.calls++
	return 7, o.err
}

type stubVerifiedOrigin struct{ stubOrigin }

func (o *stubVerifiedOrigin) FetchVerified(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	return o.Fetch(ctx, path, offset, buf)
}

func TestWrapFetcher_PreservesChecksumFetcher(t *testing.T) {
	b := NewBreaker("origin", Config{})

	_, ok := WrapFetcher(&stubOrigin{}, b).(types.ChecksumFetcher)
	assert.False(t, ok)

	wrapped, ok := WrapFetcher(&stubVerifiedOrigin{}, b).(types.ChecksumFetcher)
	require.True(t, ok)
	buf := make([]byte, 16)
	n, err := wrapped.FetchVerified(context.Background(), "/a", 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
}

func TestWrapFetcher_OpensOnFailures(t *testing.T) {
	origin := &stubOrigin{err: errors.NewError(errors.ErrCodeOriginFetch, "503")}
	b := NewBreaker("origin", Config{ReadyToTrip: TripOnRatio(2, 1)})
	f := WrapFetcher(origin, b)
	ctx := context.Background()

	_, err := f.Size(ctx, "/a")
	assert.Equal(t, errors.ErrCodeOriginFetch, errors.CodeOf(err))
	_, err = f.Fetch(ctx, "/a", 0, make([]byte, 4))
	assert.Equal(t, errors.ErrCodeOriginFetch, errors.CodeOf(err))
	require.Equal(t, StateOpen, b.State())

	_, err = f.Fetch(ctx, "/a", 0, make([]byte, 4))
	assert.Equal(t, errors.ErrCodeOriginUnavailable, errors.CodeOf(err))
	assert.Equal(t, 2, origin.calls)
}
