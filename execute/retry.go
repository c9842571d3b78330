package execute

import (
	"math"
	"time"

	rulengine "github.com/forgeworks/go-rulengine"
)

// RetryStrategy encapsulates the delay between API call retry attempts.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy performs all retries immediately without waiting.
type NoDelayStrategy struct{}

// SleepDuration always returns zero, causing immediate retries.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// FixedDelayStrategy waits the same interval between every attempt.
type FixedDelayStrategy struct {
	Interval time.Duration
}

// SleepDuration returns the fixed interval.
func (f FixedDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return f.Interval
}

// ExponentialBackoffStrategy grows the delay per attempt, capped at Max.
type ExponentialBackoffStrategy struct {
	// Base is the starting delay (e.g., 100ms)
	Base time.Duration
	// Factor is multiplied each iteration (e.g., 2 => 100ms, 200ms, 400ms, ...)
	Factor float64
	// Max is the maximum delay allowed (caps the exponential growth)
	Max time.Duration
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(e.Base) * math.Pow(e.Factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}

// strategyFor picks the retry strategy for one API call action. A backoff
// with a growth factor above 1 means exponential spacing, a plain backoff
// means fixed spacing, and no backoff runs retries back to back.
func strategyFor(cfg *rulengine.APICallConfig) RetryStrategy {
	switch {
	case cfg.RetryBackoff > 0 && cfg.RetryFactor > 1:
		return ExponentialBackoffStrategy{
			Base:   cfg.RetryBackoff,
			Factor: cfg.RetryFactor,
			Max:    cfg.RetryMaxBackoff,
		}
	case cfg.RetryBackoff > 0:
		return FixedDelayStrategy{Interval: cfg.RetryBackoff}
	default:
		return NoDelayStrategy{}
	}
}
