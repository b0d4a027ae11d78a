//go:build integration
// +build integration

package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/zipline-io/zipline/transfer/kvstore"
)

var logger = log.NewLogger()

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

// metadataStore picks Redis when the integration environment provides one,
// otherwise the in-memory store keeps the flow self-contained.
func metadataStore(ctx context.Context) (kvstore.Store, error) {
	envRepo := env.NewRepository()
	host := envRepo.Get("ZIPLINE_REDIS_HOST")
	if host == "" {
		return kvstore.NewMemory(), nil
	}
	port := envRepo.Get("ZIPLINE_REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	return kvstore.NewRedis(ctx, kvstore.RedisConfig{
		Host:     host,
		Port:     port,
		Password: envRepo.Get("ZIPLINE_REDIS_PASSWORD"),
	})
}
