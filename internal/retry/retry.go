// Package retry decides whether a failed spec is worth running again and
// how long to wait before doing so.
package retry

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ilocn/specwork/internal/config"
)

// MaxDelay caps every backoff.
const MaxDelay = time.Hour

// Policy is the retry configuration in effect.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
	Multiplier float64
	// Patterns are matched case-insensitively against the failure log; any
	// match makes the failure retryable.
	Patterns []string
}

// FromConfig converts the retry section of the workspace config.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxRetries: c.MaxRetries,
		Delay:      c.Delay,
		Multiplier: c.Multiplier,
		Patterns:   c.Patterns,
	}
}

// State is what is known about earlier attempts of one spec.
type State struct {
	// Attempts counts retries already made.
	Attempts int
}

// StateOf derives the retry state from a failed spec's retry_count, which
// counts failures rather than retries.
func StateOf(retryCount int) State {
	return State{Attempts: max(retryCount-1, 0)}
}

// Decision is the outcome of Decide. Exactly one of Delay (Retry set) or
// Reason (Retry unset) is meaningful.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

func (d Decision) String() string {
	if d.Retry {
		return "retry in " + d.Delay.String()
	}
	return "permanent: " + d.Reason
}

// Backoff returns base * mult^attempt, capped at MaxDelay.
func Backoff(attempt int, base time.Duration, mult float64) time.Duration {
	if mult < 1 {
		mult = 1
	}
	d := float64(base) * math.Pow(mult, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(MaxDelay) {
		return MaxDelay
	}
	return time.Duration(d)
}

// Decide returns whether the failure described by errLog should be retried.
func Decide(st State, errLog string, p Policy) Decision {
	if strings.TrimSpace(errLog) == "" {
		return Decision{Reason: "empty error log"}
	}
	if p.MaxRetries == 0 {
		return Decision{Reason: "retries disabled (max_retries is 0)"}
	}
	if st.Attempts >= p.MaxRetries {
		return Decision{Reason: fmt.Sprintf("exceeded max retries (%d/%d)", st.Attempts, p.MaxRetries)}
	}
	if !matchesAny(errLog, p.Patterns) {
		return Decision{Reason: "no retryable pattern in error log"}
	}
	return Decision{Retry: true, Delay: Backoff(st.Attempts, p.Delay, p.Multiplier)}
}

func matchesAny(log string, patterns []string) bool {
	lower := strings.ToLower(log)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
