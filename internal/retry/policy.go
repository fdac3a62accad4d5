// Package retry provides the backoff policy and error classification shared
// by the remote-call layer and the pending-change queue processor.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/calmirror/calmirror/internal/remote"
)

// Class is the retry classification of a remote failure.
type Class int

const (
	// Retryable failures (rate limit, 5xx, network) are re-attempted with
	// backoff until the ceiling is reached.
	Retryable Class = iota
	// NonRetryable failures (bad request, permission denied, not found)
	// become terminal immediately.
	NonRetryable
)

// String returns the string representation of a classification.
func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case NonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// Policy computes exponential backoff delays with jitter.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts is the retry ceiling; a change that fails with a
	// retryable classification this many times becomes terminal.
	MaxAttempts int
}

// DefaultPolicy returns the standard policy: 1s initial delay doubling up
// to 60s, five attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		MaxAttempts:  5,
	}
}

// NextDelay returns the delay before the given attempt (0-based), jittered
// by up to ±20% so retries across accounts don't synchronize.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Uniform jitter in [-20%, +20%].
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(delay * jitter)
}

// Exhausted reports whether a change that has already failed retryCount
// times has reached the ceiling.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}

// Classify maps a remote failure to a retry classification.
//
// Rate limiting, server errors, timeouts, and network-layer failures are
// retryable. Client errors (400/401/403/404) are not; 401 is expected to be
// intercepted by the credential-refresh path inside the gateway before it
// ever reaches this classifier.
func Classify(err error) Class {
	if err == nil {
		return NonRetryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return Retryable
		case http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound:
			return NonRetryable
		}
		if apiErr.StatusCode >= 500 {
			return Retryable
		}
		return NonRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	// Unclassified transport failures (connection refused, DNS, EOF) reach
	// here without an HTTP status; treat them as transient.
	return Retryable
}
