package runner

import "time"

// Policy bounds one handler invocation: how many attempts, how long each may
// take, and how long to wait between them.
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration
	Strategy    RetryStrategy
}

// Normalize fills defaults: one attempt, no timeout, no delay.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Timeout < 0 {
		p.Timeout = 0
	}
	if p.Strategy == nil {
		p.Strategy = NoDelayStrategy{}
	}
	return p
}

// WithTimeoutCap returns a copy whose timeout never exceeds limit. A zero
// limit leaves the policy unchanged.
func (p Policy) WithTimeoutCap(limit time.Duration) Policy {
	if limit <= 0 {
		return p
	}
	if p.Timeout == 0 || p.Timeout > limit {
		p.Timeout = limit
	}
	return p
}
