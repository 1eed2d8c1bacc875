package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
	"github.com/objectfs/pfcache/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Storage StorageConfig `yaml:"storage"`
	Origin  OriginConfig  `yaml:"origin"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// StorageConfig describes the local directory holding data and metadata files
type StorageConfig struct {
	Directory  string `yaml:"directory"`
	MetaSuffix string `yaml:"meta_suffix"`
}

// OriginConfig represents the S3 origin the cache fronts
type OriginConfig struct {
	Bucket         string        `yaml:"bucket"`
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	Prefix         string        `yaml:"prefix"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	AccessKey      string        `yaml:"access_key"`
	SecretKey      string        `yaml:"secret_key"`
	PoolSize       int           `yaml:"pool_size"`
	Timeout        time.Duration `yaml:"timeout"`
	Retry          RetryConfig   `yaml:"retry"`
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig controls the circuit breaker in front of the origin
type BreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxTrials    uint32        `yaml:"max_trials"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// CacheConfig holds the engine knobs. Disk and file-usage limits accept
// either a fraction of the filesystem ("0.90") or an absolute size ("500GB").
type CacheConfig struct {
	// Memory
	RAM            string `yaml:"ram"`
	BufferSize     string `yaml:"buffer_size"`
	StdBlocksKeep  int    `yaml:"std_blocks_keep"`
	WaitForBuffers bool   `yaml:"wait_for_buffers"`

	// Write queue
	WriteQueueThreads   int `yaml:"write_queue_threads"`
	WriteQueueBlocks    int `yaml:"write_queue_blocks"`
	WriteQueueMaxBlocks int `yaml:"write_queue_max_blocks"`

	// Prefetch
	PrefetchMaxBlocks int `yaml:"prefetch_max_blocks"`
	PrefetchGlobalMax int `yaml:"prefetch_global_max"`

	// Purge
	DiskLowWatermark    string        `yaml:"disk_low_watermark"`
	DiskHighWatermark   string        `yaml:"disk_high_watermark"`
	FilesBaseline       string        `yaml:"files_baseline"`
	FilesNominal        string        `yaml:"files_nominal"`
	FilesMax            string        `yaml:"files_max"`
	PurgeInterval       time.Duration `yaml:"purge_interval"`
	PurgeColdFilesAge   time.Duration `yaml:"purge_cold_files_age"`
	PurgeAgeBasedPeriod int           `yaml:"purge_age_based_period"`
	UVKeep              time.Duration `yaml:"uvkeep"` // zero or less keeps unverified files

	// Checksums and metadata
	Checksum          string `yaml:"checksum"`
	AccessHistorySize int    `yaml:"access_history_size"`

	// Facade
	OnlyIfCachedMinSize string        `yaml:"only_if_cached_min_size"`
	OnlyIfCachedMinFrac float64       `yaml:"only_if_cached_min_frac"`
	AllowCommands       bool          `yaml:"allow_commands"`
	OpenWaitTimeout     time.Duration `yaml:"open_wait_timeout"`
	StatsInterval       time.Duration `yaml:"stats_interval"`
	StatCacheEntries    int           `yaml:"stat_cache_entries"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			LogFile:     "",
			MetricsPort: 9100,
		},
		Storage: StorageConfig{
			Directory:  "/var/cache/pfcache",
			MetaSuffix: ".cinfo",
		},
		Origin: OriginConfig{
			Region:   "us-east-1",
			PoolSize: 8,
			Timeout:  30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: BreakerConfig{
				Enabled:      true,
				MinRequests:  20,
				FailureRatio: 0.5,
				Interval:     time.Minute,
				Timeout:      30 * time.Second,
				MaxTrials:    1,
			},
		},
		Cache: CacheConfig{
			RAM:                 "1GiB",
			BufferSize:          "1MiB",
			StdBlocksKeep:       0,
			WaitForBuffers:      false,
			WriteQueueThreads:   4,
			WriteQueueBlocks:    16,
			WriteQueueMaxBlocks: 1024,
			PrefetchMaxBlocks:   10,
			PrefetchGlobalMax:   128,
			DiskLowWatermark:    "0.90",
			DiskHighWatermark:   "0.95",
			PurgeInterval:       5 * time.Minute,
			PurgeColdFilesAge:   0,
			PurgeAgeBasedPeriod: 10,
			UVKeep:              -1,
			Checksum:            "none",
			AccessHistorySize:   20,
			OnlyIfCachedMinSize: "1MiB",
			OnlyIfCachedMinFrac: 1.0,
			AllowCommands:       false,
			OpenWaitTimeout:     30 * time.Second,
			StatsInterval:       time.Minute,
			StatCacheEntries:    10000,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "pfcache",
			Labels: map[string]string{
				"service": "pfcache",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").WithContext("file", filename).WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").WithContext("file", filename).WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration from PFCACHE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("PFCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("PFCACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("PFCACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("PFCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	// Storage and origin
	if val := os.Getenv("PFCACHE_STORAGE_DIR"); val != "" {
		c.Storage.Directory = val
	}
	if val := os.Getenv("PFCACHE_ORIGIN_BUCKET"); val != "" {
		c.Origin.Bucket = val
	}
	if val := os.Getenv("PFCACHE_ORIGIN_REGION"); val != "" {
		c.Origin.Region = val
	}
	if val := os.Getenv("PFCACHE_ORIGIN_ENDPOINT"); val != "" {
		c.Origin.Endpoint = val
	}

	// Cache settings
	if val := os.Getenv("PFCACHE_RAM"); val != "" {
		c.Cache.RAM = val
	}
	if val := os.Getenv("PFCACHE_BUFFER_SIZE"); val != "" {
		c.Cache.BufferSize = val
	}
	if val := os.Getenv("PFCACHE_DISK_LWM"); val != "" {
		c.Cache.DiskLowWatermark = val
	}
	if val := os.Getenv("PFCACHE_DISK_HWM"); val != "" {
		c.Cache.DiskHighWatermark = val
	}
	if val := os.Getenv("PFCACHE_PURGE_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Cache.PurgeInterval = duration
		}
	}
	if val := os.Getenv("PFCACHE_CHECKSUM"); val != "" {
		c.Cache.Checksum = val
	}
	if val := os.Getenv("PFCACHE_ALLOW_COMMANDS"); val != "" {
		c.Cache.AllowCommands = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Errorf(errors.ErrCodeInvalidConfig, format, args...).WithComponent("config")
}

// Validate checks everything that does not depend on the size of the
// cache filesystem. Resolve performs the remaining checks.
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if c.Storage.Directory == "" {
		return invalid("storage.directory is required")
	}
	if c.Storage.MetaSuffix == "" {
		return invalid("storage.meta_suffix is required")
	}

	if cb := c.Origin.CircuitBreaker; cb.Enabled {
		if cb.FailureRatio <= 0 || cb.FailureRatio > 1 {
			return invalid("origin.circuit_breaker.failure_ratio must be within (0, 1]")
		}
		if cb.Timeout <= 0 {
			return invalid("origin.circuit_breaker.timeout must be positive")
		}
	}

	cc := c.Cache
	bufSize, err := utils.ParseBytes(cc.BufferSize)
	if err != nil {
		return invalid("cache.buffer_size: %v", err)
	}
	if bufSize < minBufferSize || bufSize > maxBufferSize || bufSize%minBufferSize != 0 {
		return invalid("cache.buffer_size must be a multiple of %s between %s and %s",
			utils.FormatBytes(minBufferSize), utils.FormatBytes(minBufferSize), utils.FormatBytes(maxBufferSize))
	}
	ram, err := utils.ParseBytes(cc.RAM)
	if err != nil {
		return invalid("cache.ram: %v", err)
	}
	if ram < bufSize {
		return invalid("cache.ram (%s) must hold at least one buffer (%s)", utils.FormatBytes(ram), utils.FormatBytes(bufSize))
	}
	if cc.StdBlocksKeep < 0 {
		return invalid("cache.std_blocks_keep must not be negative")
	}
	if cc.WriteQueueThreads <= 0 {
		return invalid("cache.write_queue_threads must be greater than 0")
	}
	if cc.WriteQueueBlocks <= 0 {
		return invalid("cache.write_queue_blocks must be greater than 0")
	}
	if cc.WriteQueueMaxBlocks < 0 {
		return invalid("cache.write_queue_max_blocks must not be negative")
	}
	if cc.PrefetchMaxBlocks < 0 || cc.PrefetchGlobalMax < 0 {
		return invalid("prefetch limits must not be negative")
	}
	if cc.PurgeInterval <= 0 {
		return invalid("cache.purge_interval must be positive")
	}
	if cc.PurgeAgeBasedPeriod <= 0 {
		return invalid("cache.purge_age_based_period must be greater than 0")
	}
	if cc.PurgeColdFilesAge < 0 {
		return invalid("cache.purge_cold_files_age must not be negative")
	}
	if _, err := types.ParseChecksumPolicy(cc.Checksum); err != nil {
		return invalid("cache.checksum: %v", err)
	}
	if cc.AccessHistorySize <= 0 {
		return invalid("cache.access_history_size must be greater than 0")
	}
	if cc.OnlyIfCachedMinFrac < 0 || cc.OnlyIfCachedMinFrac > 1 {
		return invalid("cache.only_if_cached_min_frac must be within [0, 1]")
	}
	if _, err := utils.ParseBytes(cc.OnlyIfCachedMinSize); err != nil {
		return invalid("cache.only_if_cached_min_size: %v", err)
	}
	if cc.OpenWaitTimeout <= 0 {
		return invalid("cache.open_wait_timeout must be positive")
	}

	return nil
}
