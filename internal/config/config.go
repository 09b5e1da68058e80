// Package config loads application configuration from environment
// variables with sane defaults.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Proxy   ProxyConfig
	Cache   CacheConfig
	Logging LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port string `envconfig:"PORT" default:"8080"`
}

// ProxyConfig holds upstream fetch and rewrite configuration. BaseURL,
// when empty, is derived per request from the inbound Host header.
type ProxyConfig struct {
	BaseURL      string        `envconfig:"PROXY_BASE_URL" default:""`
	UserAgent    string        `envconfig:"USER_AGENT" default:"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"`
	ForwardedFor string        `envconfig:"X_FORWARDED_FOR" default:"66.249.66.1"`
	Timeout      time.Duration `envconfig:"HTTP_TIMEOUT" default:"10s"`
	Retries      int           `envconfig:"HTTP_RETRIES" default:"2"`
	RetryDelay   time.Duration `envconfig:"HTTP_RETRY_DELAY" default:"1s"`
	Ruleset      string        `envconfig:"RULESET" default:""`
}

// CacheConfig bounds the rewritten-document cache.
type CacheConfig struct {
	MaxEntries int           `envconfig:"CACHE_MAX_ENTRIES" default:"100"`
	TTL        time.Duration `envconfig:"CACHE_TTL" default:"2m"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
