package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/objectfs/pfcache/internal/cache"
	"github.com/objectfs/pfcache/internal/circuit"
	"github.com/objectfs/pfcache/internal/config"
	"github.com/objectfs/pfcache/internal/metrics"
	s3origin "github.com/objectfs/pfcache/internal/origin/s3"
	"github.com/objectfs/pfcache/internal/storage/local"
	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/retry"
	"github.com/objectfs/pfcache/pkg/types"
	"github.com/objectfs/pfcache/pkg/utils"
)

// Adapter assembles a cache process: local storage, the S3 origin, the
// cache engine and the metrics server.
type Adapter struct {
	config *config.Configuration
	base   *slog.Logger
	logger *slog.Logger

	origin    types.Fetcher
	s3        *s3origin.Fetcher
	storage   *local.Storage
	collector *metrics.Collector
	cache     *cache.Cache
	engineCfg *config.EngineConfig

	mu      sync.Mutex
	started bool
	closed  bool
}

// Option configures an Adapter
type Option func(*Adapter)

// WithOrigin replaces the S3 origin built from the configuration
func WithOrigin(f types.Fetcher) Option {
	return func(a *Adapter) { a.origin = f }
}

// WithLogger sets the base logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.base = logger }
}

// New validates cfg and returns an unstarted Adapter. A non-empty
// originURI ("s3://bucket/prefix") overrides the configured bucket and
// prefix.
func New(ctx context.Context, originURI string, cfg *config.Configuration, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if originURI != "" {
		bucket, prefix, err := parseOriginURI(originURI)
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid origin URI").
				WithComponent("adapter").WithDetail("uri", originURI).WithCause(err)
		}
		cfg.Origin.Bucket = bucket
		cfg.Origin.Prefix = prefix
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Adapter{config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.base == nil {
		a.base = slog.Default()
	}
	a.logger = utils.ComponentLogger(a.base, "adapter")
	if a.origin == nil && cfg.Origin.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "origin bucket is required").
			WithComponent("adapter")
	}
	return a, nil
}

// Start builds and starts every component. Components started before a
// failure are stopped again.
func (a *Adapter) Start(ctx context.Context) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "adapter already started").
			WithComponent("adapter")
	}
	if a.closed {
		return errors.ErrEngineStopped
	}

	defer func() {
		if err != nil {
			_ = a.teardown(context.WithoutCancel(ctx))
		}
	}()

	if err := a.buildCache(ctx); err != nil {
		return err
	}
	if err := a.collector.Start(ctx); err != nil {
		return err
	}
	if err := a.cache.Start(ctx); err != nil {
		return err
	}

	a.started = true
	a.logger.Info("pfcache started",
		"storage", a.storage.Root(),
		"bucket", a.config.Origin.Bucket,
		"disk_total", utils.FormatBytes(a.engineCfg.DiskTotal),
		"ram", utils.FormatBytes(a.engineCfg.RAMBytes))
	return nil
}

// buildCache constructs the engine and its collaborators without starting
// any background work.
func (a *Adapter) buildCache(ctx context.Context) error {
	if a.cache != nil {
		return nil
	}

	storage, err := local.New(local.Config{Directory: a.config.Storage.Directory, Logger: a.base})
	if err != nil {
		return err
	}
	a.storage = storage

	usage, err := storage.Usage(ctx)
	if err != nil {
		return err
	}
	engineCfg, err := a.config.Resolve(usage.TotalBytes)
	if err != nil {
		return err
	}
	a.engineCfg = engineCfg

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   a.config.Metrics.Enabled,
		Port:      a.config.Global.MetricsPort,
		Path:      a.config.Metrics.Path,
		Namespace: a.config.Metrics.Namespace,
		Labels:    a.config.Metrics.Labels,
		Logger:    a.base,
	})
	if err != nil {
		return err
	}
	a.collector = collector

	if a.origin == nil {
		fetcher, err := s3origin.New(ctx, a.originConfig(), a.base)
		if err != nil {
			return err
		}
		a.s3 = fetcher
		a.origin = fetcher
	}

	origin := a.origin
	if bc := a.config.Origin.CircuitBreaker; bc.Enabled {
		origin = circuit.WrapFetcher(origin, a.newBreaker(bc))
	}

	c, err := cache.New(engineCfg, storage, metrics.InstrumentFetcher(origin, collector),
		cache.WithLogger(a.base),
		cache.WithStatsExporter(collector))
	if err != nil {
		return err
	}
	a.cache = c
	return nil
}

func (a *Adapter) newBreaker(bc config.BreakerConfig) *circuit.Breaker {
	logger := utils.ComponentLogger(a.base, "circuit")
	return circuit.NewBreaker("origin", circuit.Config{
		MaxRequests: bc.MaxTrials,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: circuit.TripOnRatio(bc.MinRequests, bc.FailureRatio),
		OnStateChange: func(name string, from, to circuit.State) {
			a.collector.SetOriginCircuitState(int(to))
			if to == circuit.StateOpen {
				logger.Warn("origin circuit opened", "breaker", name, "retry_in", bc.Timeout)
			} else {
				logger.Info("origin circuit state changed", "breaker", name, "from", from, "to", to)
			}
		},
	})
}

func (a *Adapter) originConfig() *s3origin.Config {
	oc := a.config.Origin
	cfg := s3origin.NewDefaultConfig()
	cfg.Bucket = oc.Bucket
	cfg.Region = oc.Region
	cfg.Endpoint = oc.Endpoint
	cfg.Prefix = oc.Prefix
	cfg.ForcePathStyle = oc.ForcePathStyle
	cfg.AccessKeyID = oc.AccessKey
	cfg.SecretAccessKey = oc.SecretKey
	if oc.PoolSize > 0 {
		cfg.PoolSize = oc.PoolSize
	}
	if oc.Timeout > 0 {
		cfg.RequestTimeout = oc.Timeout
	}
	cfg.Retry = retry.DefaultConfig()
	if oc.Retry.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = oc.Retry.MaxAttempts
	}
	if oc.Retry.BaseDelay > 0 {
		cfg.Retry.InitialDelay = oc.Retry.BaseDelay
	}
	if oc.Retry.MaxDelay > 0 {
		cfg.Retry.MaxDelay = oc.Retry.MaxDelay
	}
	return cfg
}

// Stop drains the cache and stops the metrics server. It also releases an
// engine obtained through Cache without Start.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	return a.teardown(ctx)
}

func (a *Adapter) teardown(ctx context.Context) error {
	if a.closed || a.cache == nil && a.collector == nil && a.s3 == nil {
		return nil
	}
	a.closed = true

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.cache != nil {
		keep(a.cache.Stop(ctx, true))
	}
	if a.collector != nil {
		keep(a.collector.Stop(ctx))
	}
	if a.s3 != nil {
		keep(a.s3.Close())
	}
	if firstErr != nil {
		a.logger.Error("shutdown incomplete", "error", firstErr)
	} else {
		a.logger.Info("pfcache stopped")
	}
	return firstErr
}

// Cache returns the engine, building it without starting background work
// when the adapter has not been started. Used by one-shot commands.
func (a *Adapter) Cache(ctx context.Context) (*cache.Cache, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errors.ErrEngineStopped
	}
	if err := a.buildCache(ctx); err != nil {
		return nil, err
	}
	return a.cache, nil
}

// MetricsAddr returns the metrics server address, empty when not serving
func (a *Adapter) MetricsAddr() string {
	if a.collector == nil {
		return ""
	}
	return a.collector.Addr()
}

// parseOriginURI splits s3://bucket/prefix into bucket and prefix. The
// prefix, when present, ends with a slash.
func parseOriginURI(uri string) (string, string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse URI: %w", err)
	}

	switch parsed.Scheme {
	case "s3":
		if parsed.Host == "" {
			return "", "", fmt.Errorf("S3 URI must include bucket name")
		}
	default:
		return "", "", fmt.Errorf("unsupported origin scheme: %q (only s3:// supported)", parsed.Scheme)
	}

	prefix := strings.Trim(parsed.Path, "/")
	if prefix != "" {
		prefix += "/"
	}
	return parsed.Host, prefix, nil
}
