package config

import (
	stderrors "errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
)

const (
	gib = int64(1) << 30
	tib = int64(1) << 40
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Storage.MetaSuffix != ".cinfo" {
		t.Errorf("Expected MetaSuffix to be .cinfo, got %s", cfg.Storage.MetaSuffix)
	}
	if cfg.Cache.DiskLowWatermark != "0.90" || cfg.Cache.DiskHighWatermark != "0.95" {
		t.Errorf("unexpected watermark defaults: %s / %s", cfg.Cache.DiskLowWatermark, cfg.Cache.DiskHighWatermark)
	}
	if cfg.Cache.UVKeep >= 0 {
		t.Errorf("Expected uvkeep to be disabled by default, got %v", cfg.Cache.UVKeep)
	}
	if cfg.Cache.AllowCommands {
		t.Error("Expected administrative commands to be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Configuration)
		wantErr bool
	}{
		{name: "valid config", modify: func(c *Configuration) {}},
		{name: "invalid log level", modify: func(c *Configuration) { c.Global.LogLevel = "LOUD" }, wantErr: true},
		{name: "missing directory", modify: func(c *Configuration) { c.Storage.Directory = "" }, wantErr: true},
		{name: "buffer too small", modify: func(c *Configuration) { c.Cache.BufferSize = "1KiB" }, wantErr: true},
		{name: "buffer not 4k aligned", modify: func(c *Configuration) { c.Cache.BufferSize = "10000" }, wantErr: true},
		{name: "ram below one buffer", modify: func(c *Configuration) { c.Cache.RAM = "512KiB" }, wantErr: true},
		{name: "no write threads", modify: func(c *Configuration) { c.Cache.WriteQueueThreads = 0 }, wantErr: true},
		{name: "zero age period", modify: func(c *Configuration) { c.Cache.PurgeAgeBasedPeriod = 0 }, wantErr: true},
		{name: "bad checksum", modify: func(c *Configuration) { c.Cache.Checksum = "md5" }, wantErr: true},
		{name: "frac above one", modify: func(c *Configuration) { c.Cache.OnlyIfCachedMinFrac = 1.5 }, wantErr: true},
		{name: "zero history", modify: func(c *Configuration) { c.Cache.AccessHistorySize = 0 }, wantErr: true},
		{name: "breaker ratio zero", modify: func(c *Configuration) { c.Origin.CircuitBreaker.FailureRatio = 0 }, wantErr: true},
		{name: "breaker without timeout", modify: func(c *Configuration) { c.Origin.CircuitBreaker.Timeout = 0 }, wantErr: true},
		{name: "breaker disabled", modify: func(c *Configuration) {
			c.Origin.CircuitBreaker = BreakerConfig{}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !stderrors.Is(err, errors.ErrInvalidConfig) {
				t.Errorf("Validate() error should be INVALID_CONFIG, got %v", err)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	cfg := NewDefault()
	cfg.Cache.Checksum = "both"

	ec, err := cfg.Resolve(tib)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	total := float64(tib)
	if ec.DiskLWM != int64(math.Round(0.90*total)) {
		t.Errorf("DiskLWM = %d", ec.DiskLWM)
	}
	if ec.DiskHWM != int64(math.Round(0.95*total)) {
		t.Errorf("DiskHWM = %d", ec.DiskHWM)
	}
	if ec.BufferSize != 1<<20 || ec.RAMBytes != gib {
		t.Errorf("unexpected sizes: buffer=%d ram=%d", ec.BufferSize, ec.RAMBytes)
	}
	if ec.StdBlocksKeep != 256 {
		t.Errorf("StdBlocksKeep = %d, want 256", ec.StdBlocksKeep)
	}
	if ec.Checksum != types.ChecksumBoth {
		t.Errorf("Checksum = %v", ec.Checksum)
	}
	if ec.FileUsageLimits() {
		t.Error("file usage limits should be off by default")
	}
	if ec.OnlyIfCachedMinSize != 1<<20 {
		t.Errorf("OnlyIfCachedMinSize = %d", ec.OnlyIfCachedMinSize)
	}
}

func TestResolveWatermarks(t *testing.T) {
	tests := []struct {
		name    string
		lwm     string
		hwm     string
		wantLWM int64
		wantHWM int64
		wantErr bool
	}{
		{name: "fractions", lwm: "0.5", hwm: "0.75", wantLWM: 50 * gib, wantHWM: 75 * gib},
		{name: "absolute sizes", lwm: "40GiB", hwm: "60GiB", wantLWM: 40 * gib, wantHWM: 60 * gib},
		{name: "mixed", lwm: "0.5", hwm: "80GiB", wantLWM: 50 * gib, wantHWM: 80 * gib},
		{name: "low above high", lwm: "0.95", hwm: "0.90", wantErr: true},
		{name: "equal", lwm: "0.9", hwm: "0.9", wantErr: true},
		{name: "high beyond disk", lwm: "0.5", hwm: "200GiB", wantErr: true},
		{name: "garbage", lwm: "half", hwm: "0.9", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			cfg.Cache.DiskLowWatermark = tt.lwm
			cfg.Cache.DiskHighWatermark = tt.hwm

			ec, err := cfg.Resolve(100 * gib)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !stderrors.Is(err, errors.ErrInvalidConfig) {
					t.Errorf("expected INVALID_CONFIG, got %v", err)
				}
				return
			}
			if ec.DiskLWM != tt.wantLWM || ec.DiskHWM != tt.wantHWM {
				t.Errorf("got lwm=%d hwm=%d, want lwm=%d hwm=%d", ec.DiskLWM, ec.DiskHWM, tt.wantLWM, tt.wantHWM)
			}
		})
	}
}

func TestResolveFileUsage(t *testing.T) {
	tests := []struct {
		name                       string
		baseline, nominal, max     string
		wantErr                    bool
		wantBase, wantNom, wantMax int64
	}{
		{name: "ordered", baseline: "0.5", nominal: "0.6", max: "0.7", wantBase: 50 * gib, wantNom: 60 * gib, wantMax: 70 * gib},
		{name: "partial", baseline: "0.5", wantErr: true},
		{name: "unordered", baseline: "0.6", nominal: "0.5", max: "0.7", wantErr: true},
		{name: "max above hwm", baseline: "0.5", nominal: "0.6", max: "99GiB", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			cfg.Cache.FilesBaseline = tt.baseline
			cfg.Cache.FilesNominal = tt.nominal
			cfg.Cache.FilesMax = tt.max

			ec, err := cfg.Resolve(100 * gib)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !ec.FileUsageLimits() {
				t.Fatal("expected file usage limits to be active")
			}
			if ec.FilesBaseline != tt.wantBase || ec.FilesNominal != tt.wantNom || ec.FilesMax != tt.wantMax {
				t.Errorf("got %d/%d/%d", ec.FilesBaseline, ec.FilesNominal, ec.FilesMax)
			}
		})
	}
}

func TestSizeOrFraction(t *testing.T) {
	tests := []struct {
		input   string
		total   int64
		want    int64
		wantErr bool
	}{
		{input: "0.25", total: 1000, want: 250},
		{input: "0", total: 1000, want: 0},
		{input: "1", total: 1000, want: 1},
		{input: "2KiB", total: 1000, want: 2048},
		{input: "-0.5", total: 1000, wantErr: true},
	}

	for _, tt := range tests {
		got, err := SizeOrFraction(tt.input, tt.total)
		if (err != nil) != tt.wantErr {
			t.Errorf("SizeOrFraction(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("SizeOrFraction(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "pfcache.yaml")

	configContent := `
global:
  log_level: DEBUG
  metrics_port: 9200
storage:
  directory: /data/pfc
cache:
  ram: 256MiB
  buffer_size: 512KiB
  disk_low_watermark: "0.80"
  disk_high_watermark: "0.85"
  purge_interval: 30s
  uvkeep: 48h
  checksum: cache
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Storage.Directory != "/data/pfc" {
		t.Errorf("Expected directory /data/pfc, got %s", cfg.Storage.Directory)
	}
	if cfg.Cache.PurgeInterval != 30*time.Second {
		t.Errorf("Expected purge interval 30s, got %v", cfg.Cache.PurgeInterval)
	}
	if cfg.Cache.UVKeep != 48*time.Hour {
		t.Errorf("Expected uvkeep 48h, got %v", cfg.Cache.UVKeep)
	}
	// Unset keys keep defaults
	if cfg.Cache.WriteQueueThreads != 4 {
		t.Errorf("Expected default write threads, got %d", cfg.Cache.WriteQueueThreads)
	}

	ec, err := cfg.Resolve(100 * gib)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if ec.BufferSize != 512<<10 || ec.DiskHWM != 85*gib {
		t.Errorf("unexpected resolved values: buffer=%d hwm=%d", ec.BufferSize, ec.DiskHWM)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || errors.CodeOf(err) != errors.ErrCodeConfigLoad {
		t.Errorf("expected CONFIG_LOAD error, got %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("cache: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := cfg.LoadFromFile(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PFCACHE_LOG_LEVEL", "WARN")
	t.Setenv("PFCACHE_STORAGE_DIR", "/mnt/cache")
	t.Setenv("PFCACHE_DISK_HWM", "0.97")
	t.Setenv("PFCACHE_PURGE_INTERVAL", "90s")
	t.Setenv("PFCACHE_ALLOW_COMMANDS", "true")
	t.Setenv("PFCACHE_METRICS_PORT", "not-a-number")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Global.LogLevel != "WARN" {
		t.Errorf("Expected LogLevel WARN, got %s", cfg.Global.LogLevel)
	}
	if cfg.Storage.Directory != "/mnt/cache" {
		t.Errorf("Expected directory /mnt/cache, got %s", cfg.Storage.Directory)
	}
	if cfg.Cache.DiskHighWatermark != "0.97" {
		t.Errorf("Expected HWM 0.97, got %s", cfg.Cache.DiskHighWatermark)
	}
	if cfg.Cache.PurgeInterval != 90*time.Second {
		t.Errorf("Expected purge interval 90s, got %v", cfg.Cache.PurgeInterval)
	}
	if !cfg.Cache.AllowCommands {
		t.Error("Expected AllowCommands true")
	}
	if cfg.Global.MetricsPort != 9100 {
		t.Errorf("invalid port should be ignored, got %d", cfg.Global.MetricsPort)
	}
}

func TestSaveToFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "sub", "pfcache.yaml")

	cfg := NewDefault()
	cfg.Cache.RAM = "2GiB"
	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.Cache.RAM != "2GiB" || loaded.Cache.PurgeInterval != cfg.Cache.PurgeInterval {
		t.Errorf("round trip lost values: %+v", loaded.Cache)
	}
}
