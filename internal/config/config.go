// SPDX-License-Identifier: MIT

// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete configuration for the VOD proxy daemon.
type Config struct {
	// ListenAddr is the HTTP listen address (e.g. ":9191").
	ListenAddr string

	// LogLevel controls the global log level.
	LogLevel string

	// Redis connection settings. Redis is the shared state store that
	// coordinates sessions and capacity counters across workers.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// CatalogPath points at the YAML catalog file (content, accounts,
	// profiles). The file is watched and hot-reloaded on change.
	CatalogPath string

	// ChunkSize is the streaming relay buffer size in bytes.
	ChunkSize int

	// SeekTolerance is the byte distance between the previously served end
	// position and a new Range start before a request counts as a seek.
	SeekTolerance int64

	// SessionTTL bounds how long an idle session record survives in Redis.
	SessionTTL time.Duration

	// StopTTL bounds the lifetime of a stop signal flag.
	StopTTL time.Duration

	// CounterTTL bounds profile capacity counters so a crashed worker
	// cannot permanently exhaust a profile.
	CounterTTL time.Duration

	// Upstream timeouts.
	UpstreamConnectTimeout time.Duration
	UpstreamReadTimeout    time.Duration
	ProbeTimeout           time.Duration

	// TrustedProxies is a comma-separated list of CIDRs whose
	// X-Forwarded-For headers are honoured for client IP extraction.
	TrustedProxies string
}

// FromEnv builds a Config from DISPATCHARR_* environment variables with
// operator-grade defaults.
func FromEnv() Config {
	return Config{
		ListenAddr:             ParseString("DISPATCHARR_LISTEN", ":9191"),
		LogLevel:               ParseString("DISPATCHARR_LOG_LEVEL", "info"),
		RedisAddr:              ParseString("DISPATCHARR_REDIS_ADDR", "localhost:6379"),
		RedisPassword:          ParseString("DISPATCHARR_REDIS_PASSWORD", ""),
		RedisDB:                ParseInt("DISPATCHARR_REDIS_DB", 0),
		CatalogPath:            ParseString("DISPATCHARR_CATALOG", "catalog.yaml"),
		ChunkSize:              ParseInt("DISPATCHARR_CHUNK_SIZE", 64*1024),
		SeekTolerance:          int64(ParseInt("DISPATCHARR_SEEK_TOLERANCE", 256*1024)),
		SessionTTL:             ParseDuration("DISPATCHARR_SESSION_TTL", 30*time.Minute),
		StopTTL:                ParseDuration("DISPATCHARR_STOP_TTL", 60*time.Second),
		CounterTTL:             ParseDuration("DISPATCHARR_COUNTER_TTL", 4*time.Hour),
		UpstreamConnectTimeout: ParseDuration("DISPATCHARR_UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		UpstreamReadTimeout:    ParseDuration("DISPATCHARR_UPSTREAM_READ_TIMEOUT", 30*time.Second),
		ProbeTimeout:           ParseDuration("DISPATCHARR_PROBE_TIMEOUT", 30*time.Second),
		TrustedProxies:         ParseString("DISPATCHARR_TRUSTED_PROXIES", ""),
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.SeekTolerance < 0 {
		return fmt.Errorf("seek tolerance must not be negative, got %d", c.SeekTolerance)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive, got %s", c.SessionTTL)
	}
	return nil
}
