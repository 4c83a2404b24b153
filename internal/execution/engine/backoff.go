package engine

import (
	"math"
	"strings"
	"time"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// RetryPolicy shapes the delay between attempts. The number of attempts is
// owned by each step's RetryCount.
type RetryPolicy struct {
	Type       string
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before retrying after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	initial := p.Initial
	if initial < 0 {
		initial = 0
	}
	limit := p.Max
	if limit < 0 {
		limit = 0
	}

	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case BackoffExponential:
		multiplier := p.Multiplier
		if multiplier <= 0 {
			multiplier = 2
		}
		backoff := float64(initial) * math.Pow(multiplier, float64(attempt-1))
		if limit > 0 && backoff > float64(limit) {
			return limit
		}
		if backoff >= math.MaxInt64 {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(backoff)
	default:
		if limit > 0 && initial > limit {
			return limit
		}
		return initial
	}
}
