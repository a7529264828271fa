// Package config loads the dispatch core's ambient configuration (routing
// policy, retry timing, connection pool sizing) via viper, grounded on the
// teacher's config.Config/LoadConfig pattern (default struct + optional
// file + env overrides).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/czy880816/norbert/src/core"
	"github.com/czy880816/norbert/src/transport"
)

// Config is the top-level configuration for a dispatch-core deployment.
type Config struct {
	Routing RoutingConfig `mapstructure:"routing"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Pool    PoolConfig    `mapstructure:"pool"`
}

// RoutingConfig mirrors core.RoutingConfigs.
type RoutingConfig struct {
	SelectiveRetry bool `mapstructure:"selective_retry"`
	DuplicatesOk   bool `mapstructure:"duplicates_ok"`
}

// RetryConfig configures both the whole-sub-request RetryEngine and the
// selective-retry ExponentialStrategy.
type RetryConfig struct {
	MaxWholeRetry        int           `mapstructure:"max_whole_retry"`
	InitialTimeout       time.Duration `mapstructure:"initial_timeout"`
	MaxTimeout           time.Duration `mapstructure:"max_timeout"`
	BackoffMultiplier    float64       `mapstructure:"backoff_multiplier"`
	MaxSelectiveRetries  int           `mapstructure:"max_selective_retries"`
	RerouteRatePerSecond float64       `mapstructure:"reroute_rate_per_second"`
	RerouteBurst         int           `mapstructure:"reroute_burst"`
}

// PoolConfig mirrors transport.PoolConfig for mapstructure decoding.
type PoolConfig struct {
	MaxIdleConns          int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `mapstructure:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `mapstructure:"idle_conn_timeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	KeepAlive             time.Duration `mapstructure:"keep_alive"`
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval"`
	HealthCheckTimeout    time.Duration `mapstructure:"health_check_timeout"`
}

// Default returns the configuration used when no config file or env
// override is present.
func Default() *Config {
	return &Config{
		Routing: RoutingConfig{SelectiveRetry: false, DuplicatesOk: false},
		Retry: RetryConfig{
			MaxWholeRetry:        2,
			InitialTimeout:       500 * time.Millisecond,
			MaxTimeout:           5 * time.Second,
			BackoffMultiplier:    2.0,
			MaxSelectiveRetries:  3,
			RerouteRatePerSecond: 50,
			RerouteBurst:         10,
		},
		Pool: PoolConfig{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			KeepAlive:             30 * time.Second,
			HealthCheckInterval:   30 * time.Second,
			HealthCheckTimeout:    5 * time.Second,
		},
	}
}

// Load reads configuration from cfgFile (if non-empty) plus environment
// variables prefixed NORBERT_, falling back to Default for anything
// unset. A missing cfgFile is not an error — config files are optional,
// same as the teacher's LoadConfig.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	def := Default()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("norbert")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, def)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", cfgFile, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("routing.selective_retry", def.Routing.SelectiveRetry)
	v.SetDefault("routing.duplicates_ok", def.Routing.DuplicatesOk)
	v.SetDefault("retry.max_whole_retry", def.Retry.MaxWholeRetry)
	v.SetDefault("retry.initial_timeout", def.Retry.InitialTimeout)
	v.SetDefault("retry.max_timeout", def.Retry.MaxTimeout)
	v.SetDefault("retry.backoff_multiplier", def.Retry.BackoffMultiplier)
	v.SetDefault("retry.max_selective_retries", def.Retry.MaxSelectiveRetries)
	v.SetDefault("retry.reroute_rate_per_second", def.Retry.RerouteRatePerSecond)
	v.SetDefault("retry.reroute_burst", def.Retry.RerouteBurst)
	v.SetDefault("pool.max_idle_conns", def.Pool.MaxIdleConns)
	v.SetDefault("pool.max_idle_conns_per_host", def.Pool.MaxIdleConnsPerHost)
	v.SetDefault("pool.max_conns_per_host", def.Pool.MaxConnsPerHost)
	v.SetDefault("pool.idle_conn_timeout", def.Pool.IdleConnTimeout)
	v.SetDefault("pool.tls_handshake_timeout", def.Pool.TLSHandshakeTimeout)
	v.SetDefault("pool.response_header_timeout", def.Pool.ResponseHeaderTimeout)
	v.SetDefault("pool.keep_alive", def.Pool.KeepAlive)
	v.SetDefault("pool.health_check_interval", def.Pool.HealthCheckInterval)
	v.SetDefault("pool.health_check_timeout", def.Pool.HealthCheckTimeout)
}

// ToRoutingConfigs adapts RoutingConfig to core.RoutingConfigs.
func (c *Config) ToRoutingConfigs() core.RoutingConfigs {
	return core.RoutingConfigs{SelectiveRetry: c.Routing.SelectiveRetry, DuplicatesOk: c.Routing.DuplicatesOk}
}

// ToPoolConfig adapts PoolConfig to transport.PoolConfig.
func (c *Config) ToPoolConfig() transport.PoolConfig {
	return transport.PoolConfig{
		MaxIdleConns:          c.Pool.MaxIdleConns,
		MaxIdleConnsPerHost:   c.Pool.MaxIdleConnsPerHost,
		MaxConnsPerHost:       c.Pool.MaxConnsPerHost,
		IdleConnTimeout:       c.Pool.IdleConnTimeout,
		TLSHandshakeTimeout:   c.Pool.TLSHandshakeTimeout,
		ResponseHeaderTimeout: c.Pool.ResponseHeaderTimeout,
		KeepAlive:             c.Pool.KeepAlive,
		HealthCheckInterval:   c.Pool.HealthCheckInterval,
		HealthCheckTimeout:    c.Pool.HealthCheckTimeout,
	}
}
