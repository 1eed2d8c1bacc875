package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
)

type stubFetcher struct {
	data []byte
}

func (s *stubFetcher) Fetch(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	if path != "/f" {
		return 0, errors.NewError(errors.ErrCodeOriginNotFound, "missing").WithPath(path)
	}
	if offset >= int64(len(s.data)) {
		return 0, nil
	}
	return copy(buf, s.data[offset:]), nil
}

func (s *stubFetcher) Size(ctx context.Context, path string) (int64, error) {
	return int64(len(s.data)), nil
}

type stubChecksumFetcher struct {
	stubFetcher
	verified int
}

func (s *stubChecksumFetcher) FetchVerified(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	s.verified++
	return s.Fetch(ctx, path, offset, buf)
}

func TestInstrumentFetcher(t *testing.T) {
	ctx := context.Background()
	c := newTestCollector(t)

	plain := InstrumentFetcher(&stubFetcher{data: []byte("hello")}, c)
	_, ok := plain.(types.ChecksumFetcher)
	assert.False(t, ok)

	buf := make([]byte, 8)
	n, err := plain.Fetch(ctx, "/f", 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	_, err = plain.Fetch(ctx, "/missing", 0, buf)
	assert.Error(t, err)

	inner := &stubChecksumFetcher{stubFetcher: stubFetcher{data: []byte("world")}}
	wrapped := InstrumentFetcher(inner, c)
	cf, ok := wrapped.(types.ChecksumFetcher)
	require.True(t, ok)
	n, err = cf.FetchVerified(ctx, "/f", 1, buf)
	require.NoError(t, err)
	assert.Equal(t, "orld", string(buf[:n]))
	assert.Equal(t, 1, inner.verified)

	families := gather(t, c)
	requests := families["test_origin_requests_total"]
	require.NotNil(t, requests)
	byOp := make(map[string]float64)
	for _, m := range requests.GetMetric() {
		var op, status string
		for _, l := range m.GetLabel() {
			switch l.GetName() {
			case "operation":
				op = l.GetValue()
			case "status":
				status = l.GetValue()
			}
		}
		byOp[op+"/"+status] += m.GetCounter().GetValue()
	}
	assert.Equal(t, float64(1), byOp["fetch/success"])
	assert.Equal(t, float64(1), byOp["fetch/error"])
	assert.Equal(t, float64(1), byOp["fetch_verified/success"])
	assert.Equal(t, float64(9), families["test_origin_bytes_total"].GetMetric()[0].GetCounter().GetValue())
}
