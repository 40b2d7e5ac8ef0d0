package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxRetriesExceeded is returned once every attempt has failed
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// Policy describes how many times and how far apart an operation is retried.
// MaxAttempts counts the first call.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	RetryableFunc func(error) bool
}

// FixedPolicy retries with the same delay between every attempt
func FixedPolicy(attempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1,
	}
}

// ExponentialPolicy doubles the delay after each failed attempt up to maxDelay
func ExponentialPolicy(attempts int, initial, maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   2,
	}
}

// Validate checks the policy for obviously broken values
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %f", p.Multiplier)
	}
	return nil
}

// Delay returns the wait before the given retry (1-based)
func (p Policy) Delay(retry int) time.Duration {
	d := p.InitialDelay
	mult := p.Multiplier
	if mult == 0 {
		mult = 1
	}
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.RetryableFunc != nil {
		return p.RetryableFunc(err)
	}
	return true
}
