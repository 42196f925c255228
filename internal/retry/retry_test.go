package retry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ilocn/specwork/internal/config"
	"github.com/ilocn/specwork/internal/retry"
)

func policy() retry.Policy {
	return retry.Policy{
		MaxRetries: 3,
		Delay:      time.Minute,
		Multiplier: 2,
		Patterns:   []string{"rate_limit"},
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		attempt int
		base    time.Duration
		mult    float64
		want    time.Duration
	}{
		{0, time.Minute, 2, time.Minute},
		{1, time.Minute, 2, 2 * time.Minute},
		{3, time.Minute, 2, 8 * time.Minute},
		{2, time.Second, 1.5, 2250 * time.Millisecond},
		{5, time.Second, 1, time.Second},
		{10, time.Minute, 2, time.Hour},
		{1000, time.Minute, 10, time.Hour},
		{1, time.Second, 0.5, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retry.Backoff(tt.attempt, tt.base, tt.mult), "attempt %d base %v mult %v", tt.attempt, tt.base, tt.mult)
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		state  retry.State
		log    string
		mutate func(*retry.Policy)
		retry  bool
		delay  time.Duration
		reason string
	}{
		{name: "retryable first failure", log: "error: rate_limit exceeded", retry: true, delay: time.Minute},
		{name: "retryable later attempt", state: retry.State{Attempts: 2}, log: "rate_limit", retry: true, delay: 4 * time.Minute},
		{name: "case insensitive", log: "RATE_LIMIT hit", retry: true, delay: time.Minute},
		{name: "empty log", log: "  \n", reason: "empty error log"},
		{name: "max zero", log: "rate_limit", mutate: func(p *retry.Policy) { p.MaxRetries = 0 }, reason: "max_retries is 0"},
		{name: "exceeded", state: retry.State{Attempts: 3}, log: "rate_limit", reason: "exceeded max retries (3/3)"},
		{name: "no match", log: "syntax error", reason: "no retryable pattern"},
		{name: "no patterns", log: "rate_limit", mutate: func(p *retry.Policy) { p.Patterns = nil }, reason: "no retryable pattern"},
		{name: "any pattern matches", log: "upstream overloaded", mutate: func(p *retry.Policy) {
			p.Patterns = []string{"rate_limit", "overloaded"}
		}, retry: true, delay: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := policy()
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			d := retry.Decide(tt.state, tt.log, p)
			assert.Equal(t, tt.retry, d.Retry, d.String())
			if tt.retry {
				assert.Equal(t, tt.delay, d.Delay)
			} else {
				assert.Contains(t, d.Reason, tt.reason)
			}
		})
	}
}

func TestStateOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, retry.StateOf(0).Attempts)
	assert.Equal(t, 0, retry.StateOf(1).Attempts)
	assert.Equal(t, 2, retry.StateOf(3).Attempts)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	p := retry.FromConfig(config.Default().Retry)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Minute, p.Delay)
	assert.InDelta(t, 2.0, p.Multiplier, 0)
	assert.NotEmpty(t, p.Patterns)
}
