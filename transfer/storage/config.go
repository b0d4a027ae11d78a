package storage

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
)

// ConfigFromEnv reads the bucket settings from the process environment.
// ZIPLINE_BUCKET and ZIPLINE_REGION are required, everything else keeps its
// default. Setting ZIPLINE_ENDPOINT switches to path-style addressing, which
// is what S3-compatible stores outside AWS expect.
func ConfigFromEnv(envRepo env.Repository) (ClientConfig, error) {
	config := ClientConfig{
		Bucket:          envRepo.Get("ZIPLINE_BUCKET"),
		Region:          envRepo.Get("ZIPLINE_REGION"),
		AccessKeyID:     envRepo.Get("ZIPLINE_ACCESS_KEY_ID"),
		SecretAccessKey: envRepo.Get("ZIPLINE_SECRET_ACCESS_KEY"),
		Endpoint:        envRepo.Get("ZIPLINE_ENDPOINT"),
		Retry:           DefaultPolicyConfig(),
	}

	if config.Bucket == "" {
		return ClientConfig{}, fmt.Errorf("the variable 'ZIPLINE_BUCKET' is not defined")
	}
	if config.Region == "" {
		return ClientConfig{}, fmt.Errorf("the variable 'ZIPLINE_REGION' is not defined")
	}
	if config.Endpoint != "" {
		config.UsePathStyle = true
	}

	if value := envRepo.Get("ZIPLINE_PRESIGN_TTL"); value != "" {
		ttl, err := time.ParseDuration(value)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("invalid ZIPLINE_PRESIGN_TTL value: %w", err)
		}
		config.PresignTTL = ttl
	}

	return config, nil
}
