package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryableFunc is one attempt of a retried call
type RetryableFunc func() error

// Errors that can occur during client operations
var (
	// ErrNotConnected indicates the client is not connected to the server
	ErrNotConnected = errors.New("not connected to server")

	// ErrInvalidOptions indicates invalid client options
	ErrInvalidOptions = errors.New("invalid client options")

	// ErrTimeout indicates a request timed out
	ErrTimeout = errors.New("request timed out")
)

// IsRetryableError reports whether err is transient. Store rejections such as
// duplicate keys or capacity are final and never retried.
func IsRetryableError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return status.Code(err) == codes.Unavailable
	}
}

// RetryPolicy describes how often and how patiently a call is retried
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64 // fraction of the delay added at random
}

// retryPolicy extracts the retry settings of the client options
func (o ClientOptions) retryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     o.MaxRetries,
		InitialBackoff: o.InitialBackoff,
		MaxBackoff:     o.MaxBackoff,
		BackoffFactor:  o.BackoffFactor,
		Jitter:         o.RetryJitter,
	}
}

// Backoff returns the delay before retry number attempt, counting from zero:
// InitialBackoff * BackoffFactor^attempt, capped at MaxBackoff, plus jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.InitialBackoff) * math.Pow(p.BackoffFactor, float64(attempt))
	if p.MaxBackoff > 0 && (delay > float64(p.MaxBackoff) || math.IsInf(delay, 0) || math.IsNaN(delay)) {
		delay = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		delay += rand.Float64() * delay * p.Jitter
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, fails with a non-retryable error, exhausts
// MaxRetries or ctx is done
func (p RetryPolicy) Do(ctx context.Context, fn RetryableFunc) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryableError(err) || attempt >= p.MaxRetries {
			return err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
