package retry

import (
	"errors"
	"time"

	"github.com/docdb-driver/drc/internal/status"
)

// ThrottlePolicy retries 429 responses after the delay the service asked
// for, up to MaxRetries times per logical request.
type ThrottlePolicy struct {
	MaxRetries int
	MaxWait    time.Duration
	// DefaultWait is used when the service sent no retry-after hint.
	DefaultWait time.Duration
}

// NewThrottlePolicy creates a throttling policy.
func NewThrottlePolicy(maxRetries int, maxWait time.Duration) *ThrottlePolicy {
	return &ThrottlePolicy{MaxRetries: maxRetries, MaxWait: maxWait, DefaultWait: 100 * time.Millisecond}
}

func (p *ThrottlePolicy) Name() string { return "throttle" }

// ShouldRetry implements Policy.
func (p *ThrottlePolicy) ShouldRetry(err error, rc *RequestContext) Decision {
	if err == nil || rc == nil {
		return NoRetry
	}
	if status.Classify(err) != status.CategoryThrottled {
		return NoRetry
	}
	if rc.throttled >= p.MaxRetries {
		return NoRetry
	}

	wait := p.DefaultWait
	var reqErr *status.RequestError
	if errors.As(err, &reqErr) && reqErr.RetryAfter > 0 {
		wait = reqErr.RetryAfter
	}
	if p.MaxWait > 0 && wait > p.MaxWait {
		wait = p.MaxWait
	}
	rc.throttled++
	return RetryAfter(wait)
}

func (p *ThrottlePolicy) RetryContext() any { return nil }
