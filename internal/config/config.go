// SPDX-License-Identifier: MIT

// Package config loads and validates the service configuration shared by
// the dispatcher and worker binaries.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Server holds the HTTP listen settings for both binaries.
type Server struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	WorkerHealthCheckPort int    `yaml:"worker_health_check_port"`
	Reload                bool   `yaml:"reload"`
}

// ThumbnailStorage bounds the on-disk cache and the dispatch queue.
type ThumbnailStorage struct {
	Path                     string  `yaml:"path"`
	MaxSize                  int64   `yaml:"max_size"`
	CleanupMultiplier        float64 `yaml:"cleanup_multiplier"`
	RedisOffsetAllowed       int64   `yaml:"redis_offset_allowed"`
	MaxBeforeAsyncGeneration int64   `yaml:"max_before_async_generation"`
	MaxQueueSize             int64   `yaml:"max_queue_size"`
}

// Redis is the shared store every process coordinates through.
type Redis struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// YTAuth carries Innertube client identity values.
type YTAuth struct {
	VisitorData string `yaml:"visitorData"`
}

// Config is the full configuration file.
type Config struct {
	Server               Server           `yaml:"server"`
	ThumbnailStorage     ThumbnailStorage `yaml:"thumbnail_storage"`
	Redis                Redis            `yaml:"redis"`
	DefaultMaxHeight     int              `yaml:"default_max_height"`
	StatusAuthPassword   string           `yaml:"status_auth_password"`
	FrontAuth            string           `yaml:"front_auth"`
	FloatieAuth          string           `yaml:"floatie_auth"`
	YTAuth               YTAuth           `yaml:"yt_auth"`
	TryFloatie           bool             `yaml:"try_floatie"`
	TryFloatieForLive    bool             `yaml:"try_floatie_for_live"`
	TryYtdlp             bool             `yaml:"try_ytdlp"`
	SkipLocalFfmpeg      bool             `yaml:"skip_local_ffmpeg"`
	ProxyURL             *string          `yaml:"proxy_url"`
	ProxyURLs            []string         `yaml:"proxy_urls"`
	ProxyToken           *string          `yaml:"proxy_token"`
	MaxConcurrentRenders int              `yaml:"max_concurrent_renders"`
	MaxConcurrentYtdlp   int              `yaml:"max_concurrent_ytdlp"`
	Debug                bool             `yaml:"debug"`
}

// Default returns the built-in configuration used when the file omits keys.
func Default() Config {
	return Config{
		Server: Server{
			Host:                  "0.0.0.0",
			Port:                  3001,
			WorkerHealthCheckPort: 3002,
		},
		ThumbnailStorage: ThumbnailStorage{
			Path:                     "./cache",
			MaxSize:                  50_000_000_000,
			CleanupMultiplier:        0.8,
			RedisOffsetAllowed:       5,
			MaxBeforeAsyncGeneration: 2,
			MaxQueueSize:             1000,
		},
		Redis: Redis{
			Host: "localhost",
			Port: 6379,
		},
		DefaultMaxHeight:     720,
		TryFloatie:           true,
		TryFloatieForLive:    true,
		TryYtdlp:             true,
		MaxConcurrentRenders: 5,
		MaxConcurrentYtdlp:   2,
	}
}

// Load reads the YAML file at path on top of the defaults and validates
// the result. Environment overrides take precedence over the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.ThumbnailStorage.Path == "" {
		return fmt.Errorf("thumbnail_storage.path must be set")
	}
	if c.ThumbnailStorage.MaxSize <= 0 {
		return fmt.Errorf("thumbnail_storage.max_size must be positive")
	}
	if c.ThumbnailStorage.CleanupMultiplier <= 0 || c.ThumbnailStorage.CleanupMultiplier >= 1 {
		return fmt.Errorf("thumbnail_storage.cleanup_multiplier must be in (0, 1)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis.host must be set")
	}
	if c.MaxConcurrentRenders <= 0 {
		return fmt.Errorf("max_concurrent_renders must be positive")
	}
	return nil
}

// RedisAddr returns the host:port address for the shared store.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// CleanupTarget is the byte count cleanup shrinks the cache below.
// Always strictly below MaxSize because the multiplier is in (0, 1).
func (c Config) CleanupTarget() int64 {
	return int64(float64(c.ThumbnailStorage.MaxSize) * c.ThumbnailStorage.CleanupMultiplier)
}
