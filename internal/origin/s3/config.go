package s3

import (
	"time"

	"github.com/objectfs/pfcache/pkg/retry"
)

// Config represents S3 origin configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	PoolSize       int           `yaml:"pool_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Retry          retry.Config  `yaml:"retry"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		PoolSize:       8,
		RequestTimeout: 30 * time.Second,
		Retry:          retry.DefaultConfig(),
	}
}
