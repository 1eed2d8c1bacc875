package adapter

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/pfcache/internal/config"
	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
)

type memOrigin struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (o *memOrigin) Fetch(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.files[path]
	if !ok {
		return 0, errors.NewError(errors.ErrCodeOriginNotFound, "missing").WithPath(path)
	}
	if offset >= int64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

func (o *memOrigin) Size(ctx context.Context, path string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.files[path]
	if !ok {
		return 0, errors.NewError(errors.ErrCodeOriginNotFound, "missing").WithPath(path)
	}
	return int64(len(data)), nil
}

func createTestConfig(t *testing.T) *config.Configuration {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Storage.Directory = t.TempDir()
	cfg.Global.MetricsPort = 0
	cfg.Cache.RAM = "1MiB"
	cfg.Cache.BufferSize = "64KiB"
	cfg.Cache.PrefetchMaxBlocks = 0
	cfg.Cache.AllowCommands = true
	return cfg
}

func TestParseOriginURI(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		wantBucket string
		wantPrefix string
		wantErr    string
	}{
		{name: "bucket only", uri: "s3://my-bucket", wantBucket: "my-bucket"},
		{name: "bucket with prefix", uri: "s3://my-bucket/path/to/prefix", wantBucket: "my-bucket", wantPrefix: "path/to/prefix/"},
		{name: "trailing slash", uri: "s3://my.bucket/data/", wantBucket: "my.bucket", wantPrefix: "data/"},
		{name: "missing bucket", uri: "s3://", wantErr: "bucket name"},
		{name: "unsupported scheme", uri: "gcs://my-bucket", wantErr: "unsupported origin scheme"},
		{name: "empty", uri: "", wantErr: "unsupported origin scheme"},
		{name: "unparsable", uri: "://invalid", wantErr: "failed to parse URI"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, prefix, err := parseOriginURI(tt.uri)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantPrefix, prefix)
		})
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("origin URI overrides configuration", func(t *testing.T) {
		cfg := createTestConfig(t)
		a, err := New(ctx, "s3://data-bucket/store", cfg)
		require.NoError(t, err)
		assert.Equal(t, "data-bucket", a.config.Origin.Bucket)
		assert.Equal(t, "store/", a.config.Origin.Prefix)

		oc := a.originConfig()
		assert.Equal(t, "data-bucket", oc.Bucket)
		assert.Equal(t, "store/", oc.Prefix)
		assert.Equal(t, cfg.Origin.Retry.MaxAttempts, oc.Retry.MaxAttempts)
		assert.Equal(t, cfg.Origin.Timeout, oc.RequestTimeout)
	})

	t.Run("invalid origin URI", func(t *testing.T) {
		_, err := New(ctx, "gcs://bucket", createTestConfig(t))
		assert.True(t, stderrors.Is(err, errors.ErrInvalidConfig))
	})

	t.Run("bucket required without injected origin", func(t *testing.T) {
		_, err := New(ctx, "", createTestConfig(t))
		assert.True(t, stderrors.Is(err, errors.ErrInvalidConfig))
	})

	t.Run("invalid configuration", func(t *testing.T) {
		cfg := createTestConfig(t)
		cfg.Cache.AccessHistorySize = 0
		_, err := New(ctx, "s3://bucket", cfg)
		assert.True(t, stderrors.Is(err, errors.ErrInvalidConfig))
	})
}

func TestAdapter_StartServeStop(t *testing.T) {
	ctx := context.Background()
	origin := &memOrigin{files: map[string][]byte{"/run/events": []byte("0123456789")}}

	a, err := New(ctx, "", createTestConfig(t), WithOrigin(origin))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	assert.NotEmpty(t, a.MetricsAddr())

	err = a.Start(ctx)
	assert.Equal(t, errors.ErrCodeAlreadyStarted, errors.CodeOf(err))

	c, err := a.Cache(ctx)
	require.NoError(t, err)
	h, err := c.Attach(ctx, types.Request{Path: "/run/events"})
	require.NoError(t, err)
	buf := make([]byte, 10)
	n, err := h.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(buf[:n]))
	require.NoError(t, c.Detach(ctx, h))

	require.NoError(t, a.Stop(ctx))
	assert.NoError(t, a.Stop(ctx))
	assert.True(t, stderrors.Is(a.Start(ctx), errors.ErrEngineStopped))

	st, err := a.storage.Stat(ctx, "/run/events")
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Size)
}

func TestAdapter_CacheWithoutStart(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, "", createTestConfig(t), WithOrigin(&memOrigin{files: map[string][]byte{}}))
	require.NoError(t, err)

	c, err := a.Cache(ctx)
	require.NoError(t, err)
	assert.Empty(t, a.MetricsAddr())

	out, err := c.ExecuteCommand(ctx, "create-file /synthetic 1MiB")
	require.NoError(t, err)
	assert.Contains(t, out, "/synthetic")

	require.NoError(t, a.Stop(ctx))
	_, err = a.Cache(ctx)
	assert.True(t, stderrors.Is(err, errors.ErrEngineStopped))
}

type downOrigin struct {
	mu    sync.Mutex
	calls int
}

func (o *downOrigin) fail(path string) error {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	return errors.NewError(errors.ErrCodeOriginFetch, "503 slow down").WithPath(path)
}

func (o *downOrigin) Fetch(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	return 0, o.fail(path)
}

func (o *downOrigin) Size(ctx context.Context, path string) (int64, error) {
	return 0, o.fail(path)
}

func TestAdapter_CircuitBreakerShieldsOrigin(t *testing.T) {
	ctx := context.Background()
	cfg := createTestConfig(t)
	cfg.Metrics.Enabled = false
	cfg.Origin.CircuitBreaker = config.BreakerConfig{
		Enabled:      true,
		MinRequests:  2,
		FailureRatio: 1,
		Interval:     time.Minute,
		Timeout:      time.Hour,
	}
	origin := &downOrigin{}
	a, err := New(ctx, "", cfg, WithOrigin(origin))
	require.NoError(t, err)
	defer a.Stop(ctx)

	c, err := a.Cache(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = c.Attach(ctx, types.Request{Path: "/run/missing"})
		assert.Equal(t, errors.ErrCodeOriginFetch, errors.CodeOf(err))
	}
	_, err = c.Attach(ctx, types.Request{Path: "/run/missing"})
	assert.True(t, stderrors.Is(err, errors.ErrOriginUnavailable))

	origin.mu.Lock()
	defer origin.mu.Unlock()
	assert.Equal(t, 2, origin.calls)
}
