// Package config loads engine configuration from a yaml file with
// environment overrides.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/openkb/kbatch/batch/domain"
	"github.com/openkb/kbatch/batch/server"
)

type Config struct {
	MaxConcurrentJobs     int           `mapstructure:"max_concurrent_jobs"`
	MaxMemoryMB           int64         `mapstructure:"max_memory_mb"`
	PriorityStrategy      string        `mapstructure:"priority_strategy"`
	DynamicConcurrency    bool          `mapstructure:"dynamic_concurrency"`
	MaxDynamicConcurrency int           `mapstructure:"max_dynamic_concurrency"`
	RetryFailedJobs       bool          `mapstructure:"retry_failed_jobs"`
	MaxRetries            int           `mapstructure:"max_retries"`
	RetryBaseDelay        time.Duration `mapstructure:"retry_base_delay"`
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	ProgressInterval      time.Duration `mapstructure:"progress_interval"`
	ResourceMonitoring    bool          `mapstructure:"resource_monitoring"`
	ThroughputBytes       int64         `mapstructure:"throughput_bytes"`
	LogLevel              string        `mapstructure:"log_level"`
}

// Load reads configPath, or searches for kbatch.yaml in ./configs and . when
// empty. A missing file yields the defaults; KBATCH_* environment variables
// override either.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("kbatch")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("kbatch")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("max_concurrent_jobs", server.DefaultMaxConcurrentJobs)
	v.SetDefault("max_memory_mb", 256)
	v.SetDefault("priority_strategy", string(domain.StrategyAdaptive))
	v.SetDefault("dynamic_concurrency", true)
	v.SetDefault("max_dynamic_concurrency", server.DefaultMaxDynamicConcurrency)
	v.SetDefault("retry_failed_jobs", true)
	v.SetDefault("max_retries", server.DefaultMaxRetries)
	v.SetDefault("retry_base_delay", server.DefaultRetryBaseDelay)
	v.SetDefault("tick_interval", server.DefaultTickInterval)
	v.SetDefault("progress_interval", server.DefaultProgressInterval)
	v.SetDefault("resource_monitoring", true)
	v.SetDefault("throughput_bytes", server.DefaultThroughput)
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	if !domain.ValidStrategy(domain.Strategy(c.PriorityStrategy)) {
		return nil, errors.Errorf("unknown priority strategy %q", c.PriorityStrategy)
	}
	return &c, nil
}

// SchedulerConfiguration maps the file-level config onto the engine's.
func (c *Config) SchedulerConfiguration() server.SchedulerConfiguration {
	return server.SchedulerConfiguration{
		MaxConcurrentJobs:     c.MaxConcurrentJobs,
		MaxMemory:             c.MaxMemoryMB * 1024 * 1024,
		PriorityStrategy:      domain.Strategy(c.PriorityStrategy),
		DynamicConcurrency:    c.DynamicConcurrency,
		MaxDynamicConcurrency: c.MaxDynamicConcurrency,
		RetryFailedJobs:       c.RetryFailedJobs,
		MaxRetries:            c.MaxRetries,
		RetryBaseDelay:        c.RetryBaseDelay,
		TickInterval:          c.TickInterval,
		ProgressInterval:      c.ProgressInterval,
		ResourceMonitoring:    c.ResourceMonitoring,
		Throughput:            c.ThroughputBytes,
	}
}
