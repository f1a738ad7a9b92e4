package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort      string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	// ShutdownInFlightTimeout bounds the wait for in-flight requests after the server stops.
	ShutdownInFlightTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN      string
	PostgresMaxConns int32
	PostgresMinConns int32

	CacheBackend    string // "redis" or "memcached"
	CacheStrategy   string // "pass_through", "logical" or "mutex"
	ShopTTL         time.Duration
	NullTTL         time.Duration
	RebuildLockTTL  time.Duration
	MutexRetry      time.Duration
	CoalesceEnabled bool
	RebuildPoolSize int
	WarmShopIDs     []int64
	WarmInterval    time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	SeckillStream           string
	SeckillGroup            string
	SeckillConsumer         string
	SeckillDeadLetterStream string
	SeckillBlock            time.Duration
	OrderLockTTL            time.Duration
	MaxDeliveries           int
	RecoveryBackoff         time.Duration
	LockBusyBackoff         time.Duration

	IDEpoch int64

	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShopNameMaxLength int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Redis struct {
		Addr string `yaml:"addr"`
		DB   int    `yaml:"db"`
	} `yaml:"redis"`

	Postgres struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Cache struct {
		Backend      string  `yaml:"backend"`
		Strategy     string  `yaml:"strategy"`
		ShopTTL      string  `yaml:"shop_ttl"`
		NullTTL      string  `yaml:"null_ttl"`
		LockTTL      string  `yaml:"lock_ttl"`
		MutexRetry   string  `yaml:"mutex_retry"`
		Coalesce     *bool   `yaml:"coalesce"`
		RebuildPool  int     `yaml:"rebuild_pool_size"`
		WarmShopIDs  []int64 `yaml:"warm_shop_ids"`
		WarmInterval string  `yaml:"warm_interval"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Seckill struct {
		Stream           string `yaml:"stream"`
		Group            string `yaml:"group"`
		Consumer         string `yaml:"consumer"`
		DeadLetterStream string `yaml:"dead_letter_stream"`
		Block            string `yaml:"block"`
		OrderLockTTL     string `yaml:"order_lock_ttl"`
		MaxDeliveries    *int   `yaml:"max_deliveries"`
		RecoveryBackoff  string `yaml:"recovery_backoff"`
		LockBusyBackoff  string `yaml:"lock_busy_backoff"`
		IDEpoch          int64  `yaml:"id_epoch"`
	} `yaml:"seckill"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
		CircuitBreaker struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"in_flight_timeout"`
	} `yaml:"shutdown"`

	Validation struct {
		ShopNameMaxLength int `yaml:"shop_name_max_length"`
	} `yaml:"validation"`
}

type secretsFile struct {
	DatabaseURL   string `yaml:"database_url"`
	RedisPassword string `yaml:"redis_password"`
}

// envOverrides are the deploy-time settings that win over the YAML file.
type envOverrides struct {
	ServerPort     string `envconfig:"SERVER_PORT"`
	RedisAddr      string `envconfig:"REDIS_ADDR"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD"`
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	CacheBackend   string `envconfig:"CACHE_BACKEND"`
	CacheStrategy  string `envconfig:"CACHE_STRATEGY"`
	MemcachedAddrs string `envconfig:"MEMCACHED_ADDRS"`
	Consumer       string `envconfig:"SECKILL_CONSUMER"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev), then
// config/secrets.yaml, then environment overrides. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var sec secretsFile
	secretsData, err := os.ReadFile(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read secrets file: %w", err)
		}
	} else if err := yaml.Unmarshal(secretsData, &sec); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}

	var ov envOverrides
	if err := envconfig.Process("", &ov); err != nil {
		return nil, fmt.Errorf("process env overrides: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(ov.ServerPort, fc.Server.Port, "8080")
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)

	cfg.RedisAddr = firstNonEmpty(ov.RedisAddr, fc.Redis.Addr, "localhost:6379")
	cfg.RedisPassword = firstNonEmpty(ov.RedisPassword, sec.RedisPassword)
	cfg.RedisDB = fc.Redis.DB

	cfg.PostgresDSN = firstNonEmpty(ov.DatabaseURL, sec.DatabaseURL, fc.Postgres.DSN)
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("DATABASE_URL required (set env, config/secrets.yaml database_url, or postgres.dsn)")
	}
	cfg.PostgresMaxConns = fc.Postgres.MaxConns
	if cfg.PostgresMaxConns <= 0 {
		cfg.PostgresMaxConns = 10
	}
	cfg.PostgresMinConns = fc.Postgres.MinConns
	if cfg.PostgresMinConns < 0 {
		cfg.PostgresMinConns = 0
	}

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(ov.CacheBackend, fc.Cache.Backend, "redis"))
	cfg.CacheStrategy = strings.ToLower(firstNonEmpty(ov.CacheStrategy, fc.Cache.Strategy, "pass_through"))
	cfg.ShopTTL = parseDuration(fc.Cache.ShopTTL, 30*time.Minute)
	cfg.NullTTL = parseDuration(fc.Cache.NullTTL, 2*time.Minute)
	cfg.RebuildLockTTL = parseDuration(fc.Cache.LockTTL, 10*time.Second)
	cfg.MutexRetry = parseDuration(fc.Cache.MutexRetry, 50*time.Millisecond)
	cfg.CoalesceEnabled = true
	if fc.Cache.Coalesce != nil {
		cfg.CoalesceEnabled = *fc.Cache.Coalesce
	}
	cfg.RebuildPoolSize = fc.Cache.RebuildPool
	if cfg.RebuildPoolSize <= 0 {
		cfg.RebuildPoolSize = 10
	}
	cfg.WarmShopIDs = fc.Cache.WarmShopIDs
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.WarmInterval, 0)

	cfg.MemcachedAddrs = firstNonEmpty(ov.MemcachedAddrs, fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.SeckillStream = firstNonEmpty(fc.Seckill.Stream, "stream.orders")
	cfg.SeckillGroup = firstNonEmpty(fc.Seckill.Group, "g1")
	cfg.SeckillConsumer = firstNonEmpty(ov.Consumer, fc.Seckill.Consumer, "c1")
	cfg.SeckillDeadLetterStream = firstNonEmpty(fc.Seckill.DeadLetterStream, cfg.SeckillStream+".dlq")
	cfg.SeckillBlock = parseDuration(fc.Seckill.Block, 2*time.Second)
	cfg.OrderLockTTL = parseDuration(fc.Seckill.OrderLockTTL, 30*time.Second)
	cfg.MaxDeliveries = 5
	if fc.Seckill.MaxDeliveries != nil {
		cfg.MaxDeliveries = *fc.Seckill.MaxDeliveries
	}
	cfg.RecoveryBackoff = parseDuration(fc.Seckill.RecoveryBackoff, 20*time.Millisecond)
	cfg.LockBusyBackoff = parseDuration(fc.Seckill.LockBusyBackoff, 250*time.Millisecond)
	cfg.IDEpoch = fc.Seckill.IDEpoch

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS < 0 {
		cfg.RateLimitRPS = 0
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimitRPS
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = true
	if cb.Enabled != nil {
		cfg.CircuitBreakerEnabled = *cb.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.ShopNameMaxLength = fc.Validation.ShopNameMaxLength
	if cfg.ShopNameMaxLength <= 0 {
		cfg.ShopNameMaxLength = 128
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	switch cfg.CacheBackend {
	case "redis", "memcached":
	default:
		return fmt.Errorf("cache.backend must be redis or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.CacheStrategy {
	case "pass_through", "logical", "mutex":
	default:
		return fmt.Errorf("cache.strategy must be pass_through, logical or mutex, got %q", cfg.CacheStrategy)
	}
	if cfg.CacheStrategy == "logical" && cfg.CacheBackend == "memcached" {
		// Logical entries carry no TTL and are never refilled on miss; memcached may evict them.
		return fmt.Errorf("cache.strategy logical requires the redis backend")
	}
	if cfg.MaxDeliveries <= 0 {
		return fmt.Errorf("seckill.max_deliveries must be positive, got %d", cfg.MaxDeliveries)
	}
	if cfg.PostgresMinConns > cfg.PostgresMaxConns {
		return fmt.Errorf("postgres.min_conns (%d) exceeds max_conns (%d)", cfg.PostgresMinConns, cfg.PostgresMaxConns)
	}
	if cfg.SeckillDeadLetterStream == cfg.SeckillStream {
		return fmt.Errorf("seckill.dead_letter_stream must differ from seckill.stream")
	}
	return nil
}
