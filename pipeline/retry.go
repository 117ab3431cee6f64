package pipeline

import (
	"fmt"
	"strings"
	"time"
)

type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Second
	DefaultMaxDelay    = time.Minute
)

// RetryPolicy bounds how often and how fast a failed batch is re-run.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     Backoff
	// MaxDelay caps exponential delays.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries three times with a fixed 5s pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultRetryDelay,
		Backoff:     BackoffFixed,
		MaxDelay:    DefaultMaxDelay,
	}
}

func ParseBackoff(s string) (Backoff, error) {
	switch Backoff(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackoffFixed:
		return BackoffFixed, nil
	case BackoffExponential:
		return BackoffExponential, nil
	}
	return "", fmt.Errorf("unknown backoff %q", s)
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("retry delay must not be negative")
	}
	if _, err := ParseBackoff(string(p.Backoff)); err != nil {
		return err
	}
	return nil
}

// DelayAfter returns the pause after the given failed attempt (1-based).
func (p RetryPolicy) DelayAfter(attempt int) time.Duration {
	if p.Backoff != BackoffExponential || attempt <= 1 {
		return p.Delay
	}
	limit := p.MaxDelay
	if limit <= 0 {
		limit = DefaultMaxDelay
	}
	d := p.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
