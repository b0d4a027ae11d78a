package uploader

import (
	"runtime"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// MinConcurrency is the smallest worker count the pool runs with.
	MinConcurrency = 3
	// MaxConcurrency caps the worker count so a single client cannot open
	// an unbounded number of parallel part uploads.
	MaxConcurrency = 8

	// DefaultChunkTimeout bounds a single chunk's upload, including the
	// HTTP client's internal retries.
	DefaultChunkTimeout = 5 * time.Minute
)

// Config holds the upload worker pool settings.
type Config struct {
	// Concurrency is the number of upload workers.
	// Values outside [MinConcurrency, MaxConcurrency] are clamped.
	Concurrency int

	// ChunkTimeout is the per-chunk upload deadline.
	// Default: DefaultChunkTimeout
	ChunkTimeout time.Duration

	// HTTPClient is the retrying HTTP client to use for uploads.
	// If nil, a default client is created.
	HTTPClient *retryablehttp.Client
}

// DefaultConcurrency derives the worker count from the CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU()

	if c > MaxConcurrency {
		c = MaxConcurrency
	}
	if c < MinConcurrency {
		c = MinConcurrency
	}

	return c
}

func (c Config) normalized() Config {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency()
	}
	if c.Concurrency < MinConcurrency {
		c.Concurrency = MinConcurrency
	}
	if c.Concurrency > MaxConcurrency {
		c.Concurrency = MaxConcurrency
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = DefaultChunkTimeout
	}
	return c
}
