package outbox

import (
	"math/rand/v2"
	"time"
)

const (
	defaultMaxAttempts = 8
	defaultBaseDelay   = 300 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
)

// Policy is the retry policy for failed writes.
type Policy struct {
	// MaxAttempts bounds the number of executions of one job. Zero uses the
	// default, a negative value retries forever.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Normalize fills unset fields with defaults.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns exponential backoff with jitter for the given retry
// (0 is the first retry).
func (p Policy) Backoff(retry int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(delay) * jitter)
}
