package storage

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Retry tuning defaults. Delays grow as base * 2^(attempt-1) plus a uniform
// random jitter so parallel workers do not retry in lockstep.
const (
	DefaultMaxAttempts  = 4
	DefaultBaseDelay    = 500 * time.Millisecond
	DefaultJitterWindow = 250 * time.Millisecond
)

// retryableStatusCodes are worth another attempt: request timeout, throttling
// and the server/gateway error family, including the 52x codes some
// S3-compatible providers sit behind.
var retryableStatusCodes = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
	520: true,
	521: true,
	522: true,
	523: true,
	524: true,
}

// retryablePatterns classify transport failures that carry no status code:
// dropped connections, DNS hiccups, dial timeouts.
var retryablePatterns = []string{
	"network",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"aborted",
	"no such host",
	"broken pipe",
	"unexpected eof",
	"tls handshake",
}

// Retryable reports whether err looks transient. When the error chain carries
// an HTTP status code (the AWS SDK's response errors do), the status decides
// alone; otherwise the lower-cased message is matched against the known
// transient patterns. Everything else fails fast.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var coder interface{ HTTPStatusCode() int }
	if errors.As(err, &coder) {
		return retryableStatusCodes[coder.HTTPStatusCode()]
	}

	message := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}

// PolicyConfig ...
type PolicyConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	JitterWindow time.Duration
}

// DefaultPolicyConfig ...
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		JitterWindow: DefaultJitterWindow,
	}
}

// Policy runs storage calls, retrying transient failures with exponential
// backoff. The error of the final attempt is always returned unchanged.
type Policy struct {
	config PolicyConfig
	logger log.Logger
	sleep  func(time.Duration)
}

// NewPolicy ...
func NewPolicy(config PolicyConfig, logger log.Logger) Policy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.JitterWindow < 0 {
		config.JitterWindow = 0
	}

	return Policy{
		config: config,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// Execute runs op up to MaxAttempts times. label names the operation in the
// per-retry warning. A non-retryable error or a cancelled context stops the
// loop immediately.
func (p Policy) Execute(ctx context.Context, label string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.config.MaxAttempts {
			break
		}

		delay := p.backoff(attempt)
		p.logger.Warnf("%s attempt %d/%d failed, retrying in %v: %v",
			label, attempt, p.config.MaxAttempts, delay.Round(time.Millisecond), lastErr)
		p.sleep(delay)
	}

	return lastErr
}

func (p Policy) backoff(attempt int) time.Duration {
	delay := p.config.BaseDelay * (1 << (attempt - 1))
	if p.config.JitterWindow > 0 {
		delay += time.Duration(rand.Int63n(int64(p.config.JitterWindow)))
	}
	return delay
}
