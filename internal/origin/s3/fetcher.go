package s3

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/retry"
	"github.com/objectfs/pfcache/pkg/utils"
)

// Fetcher reads origin files from an S3 bucket. It implements
// types.ChecksumFetcher.
type Fetcher struct {
	bucket  string
	prefix  string
	timeout time.Duration

	pool    *ClientPool
	retryer *retry.Retryer
	logger  *slog.Logger

	mu      sync.RWMutex
	objects map[string]objectInfo
	metrics FetcherMetrics
}

type objectInfo struct {
	size int64
	etag string
}

// FetcherMetrics tracks origin request metrics
type FetcherMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// New loads AWS configuration, checks the bucket is reachable and returns a
// Fetcher for it.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Fetcher, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3-origin")
	}

	factory, err := clientFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pool, err := NewClientPool(cfg.PoolSize, factory)
	if err != nil {
		return nil, err
	}

	f := NewFetcher(cfg, pool, logger)
	if err := f.HealthCheck(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	f.logger.Info("S3 origin ready",
		"endpoint", cfg.Endpoint,
		"prefix", cfg.Prefix,
		"pool_size", cfg.PoolSize)
	return f, nil
}

// NewFetcher builds a Fetcher over an existing client pool
func NewFetcher(cfg *Config, pool *ClientPool, logger *slog.Logger) *Fetcher {
	retryCfg := cfg.Retry
	if len(retryCfg.RetryableErrors) == 0 {
		retryCfg.RetryableErrors = retry.DefaultConfig().RetryableErrors
	}

	f := &Fetcher{
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		timeout: cfg.RequestTimeout,
		pool:    pool,
		objects: make(map[string]objectInfo),
		logger:  utils.ComponentLogger(logger, "s3-origin").With("bucket", cfg.Bucket),
	}
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		f.logger.Debug("retrying origin request", "attempt", attempt, "delay", delay, "error", err)
	}
	f.retryer = retry.New(retryCfg)
	return f
}

// Key returns the object key for a cache path
func (f *Fetcher) Key(path string) string {
	return f.prefix + strings.TrimPrefix(path, "/")
}

// Fetch reads up to len(buf) bytes of path at offset
func (f *Fetcher) Fetch(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	return f.fetch(ctx, path, offset, buf, "")
}

// FetchVerified is Fetch pinned to the object version seen by Size. If the
// object changed since, it fails with errors.ErrChecksumMismatch.
func (f *Fetcher) FetchVerified(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	info, err := f.head(ctx, path)
	if err != nil {
		return 0, err
	}
	if info.etag == "" {
		return 0, errors.NewError(errors.ErrCodeChecksumMismatch, "origin returned no ETag").
			WithComponent("s3-origin").WithOperation("fetch-verified").WithPath(path)
	}

	n, err := f.fetch(ctx, path, offset, buf, info.etag)
	if stderrors.Is(err, errors.ErrChecksumMismatch) {
		f.forget(path)
	}
	return n, err
}

// Size returns the object size, from cache when the object was seen before
func (f *Fetcher) Size(ctx context.Context, path string) (int64, error) {
	info, err := f.head(ctx, path)
	if err != nil {
		return 0, err
	}
	return info.size, nil
}

func (f *Fetcher) fetch(ctx context.Context, path string, offset int64, buf []byte, ifMatch string) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	key := f.Key(path)
	input := &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1)),
	}
	if ifMatch != "" {
		input.IfMatch = aws.String(ifMatch)
	}

	var n int
	err := f.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		start := time.Now()
		client, err := f.pool.Get(ctx)
		if err != nil {
			return err
		}
		defer f.pool.Put(client)

		rctx, cancel := f.requestContext(ctx)
		defer cancel()

		result, err := client.GetObject(rctx, input)
		if err != nil {
			if isAPIError(err, "InvalidRange") {
				n = 0
				f.recordMetrics(time.Since(start), nil)
				return nil
			}
			err = f.translateError(err, "fetch", path)
			f.recordMetrics(time.Since(start), err)
			return err
		}
		defer func() { _ = result.Body.Close() }()

		n, err = io.ReadFull(result.Body, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			err = f.translateError(err, "fetch", path)
		}
		f.recordMetrics(time.Since(start), err)
		return err
	})
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	f.metrics.BytesDownloaded += int64(n)
	f.mu.Unlock()
	return n, nil
}

func (f *Fetcher) head(ctx context.Context, path string) (objectInfo, error) {
	f.mu.RLock()
	info, ok := f.objects[path]
	f.mu.RUnlock()
	if ok {
		return info, nil
	}

	input := &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.Key(path)),
	}
	err := f.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		start := time.Now()
		client, err := f.pool.Get(ctx)
		if err != nil {
			return err
		}
		defer f.pool.Put(client)

		rctx, cancel := f.requestContext(ctx)
		defer cancel()

		result, err := client.HeadObject(rctx, input)
		if err != nil {
			err = f.translateError(err, "head", path)
			f.recordMetrics(time.Since(start), err)
			return err
		}
		info = objectInfo{
			size: aws.ToInt64(result.ContentLength),
			etag: aws.ToString(result.ETag),
		}
		f.recordMetrics(time.Since(start), nil)
		return nil
	})
	if err != nil {
		return objectInfo{}, err
	}

	f.mu.Lock()
	f.objects[path] = info
	f.mu.Unlock()
	return info, nil
}

// forget drops what is known about path so the next Size asks the origin.
func (f *Fetcher) forget(path string) {
	f.mu.Lock()
	delete(f.objects, path)
	f.mu.Unlock()
}

func (f *Fetcher) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.timeout)
}

// HealthCheck verifies the bucket is reachable
func (f *Fetcher) HealthCheck(ctx context.Context) error {
	client, err := f.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer f.pool.Put(client)

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(f.bucket)})
	if err != nil {
		return errors.NewError(errors.ErrCodeOriginFetch, "S3 health check failed").
			WithComponent("s3-origin").WithOperation("health-check").WithCause(err)
	}
	return nil
}

// GetMetrics returns current request metrics
func (f *Fetcher) GetMetrics() FetcherMetrics {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.metrics
}

// Close releases pooled clients
func (f *Fetcher) Close() error {
	return f.pool.Close()
}

func (f *Fetcher) recordMetrics(duration time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.metrics.Requests++
	if err != nil {
		f.metrics.Errors++
		f.metrics.LastError = err.Error()
		f.metrics.LastErrorTime = time.Now()
	}

	if f.metrics.Requests == 1 {
		f.metrics.AverageLatency = duration
	} else {
		f.metrics.AverageLatency = time.Duration(
			(int64(f.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (f *Fetcher) translateError(err error, operation, path string) error {
	var code errors.ErrorCode
	retryable := false

	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		code = errors.ErrCodeOriginNotFound
	case isErrorType[*s3types.NoSuchBucket](err):
		code = errors.ErrCodeOriginNotFound
	case isAPIError(err, "PreconditionFailed"):
		code = errors.ErrCodeChecksumMismatch
	case stderrors.Is(err, context.DeadlineExceeded):
		code = errors.ErrCodeOriginTimeout
		retryable = true
	case stderrors.Is(err, context.Canceled):
		code = errors.ErrCodeOriginFetch
	default:
		code = errors.ErrCodeOriginFetch
		retryable = true
	}

	return errors.NewError(code, operation+" failed").
		WithComponent("s3-origin").
		WithOperation(operation).
		WithPath(path).
		WithDetail("key", f.Key(path)).
		WithRetryable(retryable).
		WithCause(err)
}

func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}

func isAPIError(err error, code string) bool {
	var apiErr smithy.APIError
	return stderrors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
