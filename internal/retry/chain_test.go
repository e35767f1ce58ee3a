package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdb-driver/drc/internal/status"
)

type fixedPolicy struct {
	name     string
	decision Decision
	calls    int
	diag     any
}

func (p *fixedPolicy) ShouldRetry(err error, rc *RequestContext) Decision {
	p.calls++
	return p.decision
}

func (p *fixedPolicy) RetryContext() any { return p.diag }
func (p *fixedPolicy) Name() string      { return p.name }

func TestChain_FirstDecisiveWins(t *testing.T) {
	first := &fixedPolicy{name: "first", decision: NoRetry}
	second := &fixedPolicy{name: "second", decision: RetryAfter(time.Second)}
	third := &fixedPolicy{name: "third", decision: RetryNow}

	chain := NewChain(first, nil, second, third)
	assert.Equal(t, 3, chain.Len())

	rc := NewRequestContext("req")
	rc.BeginAttempt()
	d, name := chain.Evaluate(errors.New("boom"), rc)
	assert.Equal(t, RetryAfter(time.Second), d)
	assert.Equal(t, "second", name)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 0, third.calls)

	decisions := rc.Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, "second", decisions[0].Policy)
	assert.Equal(t, 1, decisions[0].Attempt)
	assert.Equal(t, "boom", decisions[0].Error)
}

func TestChain_AllDeclinePropagates(t *testing.T) {
	chain := NewChain(&fixedPolicy{name: "a", decision: NoRetry}, &fixedPolicy{name: "b", decision: NoRetry})
	d, name := chain.Evaluate(errors.New("boom"), NewRequestContext("req"))
	assert.Equal(t, NoRetry, d)
	assert.Empty(t, name)
}

func TestChain_NilErrorShortCircuits(t *testing.T) {
	p := &fixedPolicy{name: "a", decision: RetryNow}
	d, _ := NewChain(p).Evaluate(nil, NewRequestContext("req"))
	assert.Equal(t, NoRetry, d)
	assert.Equal(t, 0, p.calls)
}

func TestChain_TopologyThenThrottle(t *testing.T) {
	chain := NewChain(NewTopologyPolicy(), NewThrottlePolicy(2, time.Second))
	rc := NewRequestContext("req")

	d, name := chain.Evaluate(&status.RequestError{StatusCode: 410, SubStatusCode: 1002}, rc)
	assert.Equal(t, RetryNow, d)
	assert.Equal(t, "topology", name)

	d, name = chain.Evaluate(&status.RequestError{StatusCode: 429, RetryAfter: 50 * time.Millisecond}, rc)
	assert.Equal(t, RetryAfter(50*time.Millisecond), d)
	assert.Equal(t, "throttle", name)

	d, _ = chain.Evaluate(&status.RequestError{StatusCode: 410, SubStatusCode: 1002}, rc)
	assert.Equal(t, NoRetry, d)
}

func TestChain_RetryContextAggregates(t *testing.T) {
	assert.Nil(t, NewChain(NewTopologyPolicy()).RetryContext())

	chain := NewChain(NewTopologyPolicy(), &fixedPolicy{name: "diag", diag: "region=east-us"})
	assert.Equal(t, []any{"region=east-us"}, chain.RetryContext())
}

func TestThrottlePolicy(t *testing.T) {
	p := NewThrottlePolicy(2, 200*time.Millisecond)
	rc := NewRequestContext("req")

	assert.Equal(t, RetryAfter(100*time.Millisecond), p.ShouldRetry(&status.RequestError{StatusCode: 429}, rc))
	assert.Equal(t, RetryAfter(200*time.Millisecond), p.ShouldRetry(&status.RequestError{StatusCode: 429, RetryAfter: time.Minute}, rc))
	assert.Equal(t, NoRetry, p.ShouldRetry(&status.RequestError{StatusCode: 429}, rc))
	assert.Equal(t, 2, rc.ThrottledRetries())

	assert.Equal(t, NoRetry, p.ShouldRetry(status.NewTopologyStalenessError("orders", "", nil), NewRequestContext("other")))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "retry_now", RetryNow.String())
	assert.Equal(t, "no_retry", NoRetry.String())
	assert.Equal(t, "retry_after(1.5s)", RetryAfter(1500*time.Millisecond).String())
	assert.Equal(t, "retry_after", RetryAfter(time.Second).Label())
	assert.Equal(t, time.Duration(0), RetryAfter(-time.Second).Delay)
	assert.Equal(t, "FRESH", TopologyFresh.String())
	assert.Equal(t, "RETRIED", TopologyRetried.String())
}
