package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
	"github.com/objectfs/pfcache/pkg/utils"
)

// Collector exports engine statistics to Prometheus. It implements
// types.StatsExporter: the engine pushes a snapshot every stats interval
// and scrapes read the latest one.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	last    types.Stats
	exports int64

	// Origin requests, recorded by InstrumentFetcher
	originRequests *prometheus.CounterVec
	originDuration *prometheus.HistogramVec
	originBytes    prometheus.Counter
	originErrors   *prometheus.CounterVec
	originCircuit  prometheus.Gauge

	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Logger    *slog.Logger      `yaml:"-"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9100,
			Path:      "/metrics",
			Namespace: "pfcache",
			Labels:    make(map[string]string),
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	c := &Collector{
		config: config,
		logger: utils.ComponentLogger(config.Logger, "metrics"),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initOriginMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "failed to register metrics").
			WithComponent("metrics").WithCause(err)
	}
	return c, nil
}

// Export implements types.StatsExporter
func (c *Collector) Export(stats types.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = stats
	c.exports++
}

// Snapshot returns the last exported statistics
func (c *Collector) Snapshot() types.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Registry returns the Prometheus registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics and debug endpoints
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/stats", c.debugStatsHandler)
	return mux
}

// Start serves the metrics endpoint on the configured port until Stop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to listen for metrics").
			WithComponent("metrics").WithDetail("port", c.config.Port).WithCause(err)
	}

	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", "error", err)
		}
	}()
	c.logger.Info("serving metrics", "addr", ln.Addr().String(), "path", c.config.Path)
	return nil
}

// Addr returns the address the server listens on, empty before Start
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.RLock()
	server := c.server
	c.mu.RUnlock()
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordOriginRequest records one request to the origin
func (c *Collector) RecordOriginRequest(operation string, duration time.Duration, size int64, err error) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
		c.originErrors.With(prometheus.Labels{
			"operation": operation,
			"code":      string(errors.CodeOf(err)),
		}).Inc()
	}
	c.originRequests.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.originDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.originBytes.Add(float64(size))
	}
}

// SetOriginCircuitState records the origin circuit breaker state
// (0 closed, 1 open, 2 half-open).
func (c *Collector) SetOriginCircuitState(state int) {
	if !c.config.Enabled {
		return
	}
	c.originCircuit.Set(float64(state))
}

func (c *Collector) initOriginMetrics() {
	c.originRequests = prometheus.NewCounterVec(
		c.counterOpts("origin_requests_total", "Total number of origin requests"),
		[]string{"operation", "status"},
	)
	c.originDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "origin_request_duration_seconds",
			Help:        "Duration of origin requests in seconds",
			ConstLabels: c.config.Labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"operation"},
	)
	c.originBytes = prometheus.NewCounter(c.counterOpts("origin_bytes_total", "Bytes read from the origin"))
	c.originErrors = prometheus.NewCounterVec(
		c.counterOpts("origin_errors_total", "Origin request failures by error code"),
		[]string{"operation", "code"},
	)
	c.originCircuit = prometheus.NewGauge(c.gaugeOpts("origin_circuit_state",
		"Origin circuit breaker state (0 closed, 1 open, 2 half-open)"))
}

func (c *Collector) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}
}

func (c *Collector) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}
}

// stat reads one field of the last snapshot
func (c *Collector) stat(field func(types.Stats) int64) func() float64 {
	return func() float64 {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return float64(field(c.last))
	}
}

func (c *Collector) registerMetrics() error {
	gauges := []struct {
		name, help string
		field      func(types.Stats) int64
	}{
		{"ram_budget_bytes", "RAM budget for block buffers", func(s types.Stats) int64 { return s.RAMBudget }},
		{"ram_used_bytes", "RAM held by block buffers", func(s types.Stats) int64 { return s.RAMUsed }},
		{"ram_queued_bytes", "RAM held by blocks waiting to be written", func(s types.Stats) int64 { return s.RAMQueued }},
		{"write_queue_depth", "Blocks waiting in the write queue", func(s types.Stats) int64 { return int64(s.WriteQueueDepth) }},
		{"active_files", "Files currently attached", func(s types.Stats) int64 { return int64(s.ActiveFiles) }},
		{"prefetch_in_flight", "Prefetch downloads running", func(s types.Stats) int64 { return s.PrefetchInFlight }},
		{"disk_total_bytes", "Size of the cache filesystem", func(s types.Stats) int64 { return s.DiskTotal }},
		{"disk_used_bytes", "Used bytes of the cache filesystem", func(s types.Stats) int64 { return s.DiskUsed }},
		{"file_usage_bytes", "Bytes held by cached files", func(s types.Stats) int64 { return s.FileUsage }},
	}
	counters := []struct {
		name, help string
		field      func(types.Stats) int64
	}{
		{"bytes_written_total", "Bytes persisted by the write queue", func(s types.Stats) int64 { return s.BytesWritten }},
		{"write_failures_total", "Blocks that failed to persist", func(s types.Stats) int64 { return s.WriteFailures }},
		{"bytes_hit_total", "Bytes served from RAM or disk", func(s types.Stats) int64 { return s.BytesHit }},
		{"bytes_missed_total", "Bytes fetched from the origin for clients", func(s types.Stats) int64 { return s.BytesMissed }},
		{"bytes_bypassed_total", "Bytes read from the origin without caching", func(s types.Stats) int64 { return s.BytesBypassed }},
		{"prefetch_blocks_total", "Blocks downloaded by prefetch", func(s types.Stats) int64 { return s.PrefetchBlocks }},
		{"purge_cycles_total", "Purge passes run", func(s types.Stats) int64 { return s.PurgeCycles }},
		{"files_purged_total", "Files removed by purge", func(s types.Stats) int64 { return s.FilesPurged }},
		{"bytes_purged_total", "Bytes removed by purge", func(s types.Stats) int64 { return s.BytesPurged }},
	}

	metrics := []prometheus.Collector{
		c.originRequests,
		c.originDuration,
		c.originBytes,
		c.originErrors,
		c.originCircuit,
	}
	for _, g := range gauges {
		metrics = append(metrics, prometheus.NewGaugeFunc(c.gaugeOpts(g.name, g.help), c.stat(g.field)))
	}
	for _, k := range counters {
		metrics = append(metrics, prometheus.NewCounterFunc(c.counterOpts(k.name, k.help), c.stat(k.field)))
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"pfcache"}`))
}

func (c *Collector) debugStatsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	stats := c.last
	exports := c.exports
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Exports int64       `json:"exports"`
		Stats   types.Stats `json:"stats"`
	}{exports, stats})
}
