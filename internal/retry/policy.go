// Package retry holds the retry decision contract of the request pipeline and
// the policies that plug into it.
//
// Policies are pure decision functions of (error, *RequestContext). They keep
// no per-request state of their own: everything a policy needs to remember
// about a logical request lives in the RequestContext the pipeline creates
// for that request, so one policy instance can serve any number of
// concurrent requests.
package retry

import (
	"fmt"
	"time"
)

// Action is the kind of a retry decision.
type Action int

const (
	ActionNoRetry Action = iota
	ActionRetryNow
	ActionRetryAfter
)

// Decision is what a policy asks the pipeline to do with a failed attempt.
type Decision struct {
	Action Action
	Delay  time.Duration
}

var (
	// NoRetry lets the error propagate.
	NoRetry = Decision{Action: ActionNoRetry}
	// RetryNow retries without backoff.
	RetryNow = Decision{Action: ActionRetryNow}
)

// RetryAfter retries once d has elapsed.
func RetryAfter(d time.Duration) Decision {
	if d < 0 {
		d = 0
	}
	return Decision{Action: ActionRetryAfter, Delay: d}
}

// ShouldRetry reports whether the decision authorizes another attempt.
func (d Decision) ShouldRetry() bool {
	return d.Action != ActionNoRetry
}

func (d Decision) String() string {
	switch d.Action {
	case ActionRetryNow:
		return "retry_now"
	case ActionRetryAfter:
		return fmt.Sprintf("retry_after(%s)", d.Delay)
	default:
		return "no_retry"
	}
}

// Label is the decision kind without its delay, for metric labels.
func (d Decision) Label() string {
	switch d.Action {
	case ActionRetryNow:
		return "retry_now"
	case ActionRetryAfter:
		return "retry_after"
	default:
		return "no_retry"
	}
}

// Policy is one link of the retry chain.
type Policy interface {
	// ShouldRetry decides on err for the logical request tracked by rc. A
	// nil err always yields NoRetry.
	ShouldRetry(err error, rc *RequestContext) Decision
	// RetryContext returns diagnostic context the policy wants surfaced, or
	// nil.
	RetryContext() any
}

// Named is implemented by policies that label their decisions.
type Named interface {
	Name() string
}

// PolicyName returns p's name, or its type when it has none.
func PolicyName(p Policy) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}
