package transfer

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
)

const (
	// DefaultChunkSize is offered to clients that do not ask for a
	// specific chunk size.
	DefaultChunkSize = 8 * 1024 * 1024
	// MinChunkSize is the smallest chunk the storage provider accepts as
	// a non-final multipart part.
	MinChunkSize = 5 * 1024 * 1024
	// MaxChunkSize caps client-requested chunk sizes.
	MaxChunkSize = 100 * 1024 * 1024

	DefaultKeyPrefix    = "transfers"
	DefaultBuildTimeout = 30 * time.Minute
	DefaultSessionTTL   = 24 * time.Hour
)

// Config tunes the session manager.
type Config struct {
	// ChunkSize is the chunk size offered to clients that do not request
	// one. Requested sizes are clamped to [MinChunkSize, MaxChunkSize].
	ChunkSize int64
	// KeyPrefix namespaces every object key the manager creates.
	KeyPrefix string
	// BuildTimeout bounds the background archive build.
	BuildTimeout time.Duration
	// SessionTTL is how long an untouched session survives before the
	// expiry sweep may discard it.
	SessionTTL time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		KeyPrefix:    DefaultKeyPrefix,
		BuildTimeout: DefaultBuildTimeout,
		SessionTTL:   DefaultSessionTTL,
	}
}

// ConfigFromEnv reads the manager settings from the environment. Every
// variable is optional and falls back to its default.
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	config := DefaultConfig()

	if value := envRepo.Get("ZIPLINE_CHUNK_SIZE_BYTES"); value != "" {
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ZIPLINE_CHUNK_SIZE_BYTES value: %w", err)
		}
		config.ChunkSize = size
	}
	if value := envRepo.Get("ZIPLINE_KEY_PREFIX"); value != "" {
		config.KeyPrefix = value
	}
	if value := envRepo.Get("ZIPLINE_BUILD_TIMEOUT"); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ZIPLINE_BUILD_TIMEOUT value: %w", err)
		}
		config.BuildTimeout = timeout
	}
	if value := envRepo.Get("ZIPLINE_SESSION_TTL"); value != "" {
		ttl, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ZIPLINE_SESSION_TTL value: %w", err)
		}
		config.SessionTTL = ttl
	}

	return config, nil
}
