package retry

import (
	"time"
)

// TopologyState tracks the bounded topology retry of one logical request.
type TopologyState int

const (
	// TopologyFresh means the topology retry has not been used.
	TopologyFresh TopologyState = iota
	// TopologyRetried means the single topology retry was consumed.
	TopologyRetried
)

func (s TopologyState) String() string {
	if s == TopologyRetried {
		return "RETRIED"
	}
	return "FRESH"
}

// DecisionRecord is one evaluated decision, kept for diagnostics.
type DecisionRecord struct {
	Attempt  int       `json:"attempt"`
	Policy   string    `json:"policy"`
	Decision string    `json:"decision"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// RequestContext is the retry state of exactly one logical request. It is
// created when the request starts and dropped when it ends. Physical attempts
// of one request are sequential, so it needs no locking; it must never be
// shared between requests.
type RequestContext struct {
	ActivityID string

	attempts  int
	topology  TopologyState
	throttled int
	decisions []DecisionRecord
}

// NewRequestContext creates the context for a new logical request.
func NewRequestContext(activityID string) *RequestContext {
	return &RequestContext{ActivityID: activityID}
}

// BeginAttempt records the start of a physical attempt and returns its
// 1-based number.
func (rc *RequestContext) BeginAttempt() int {
	rc.attempts++
	return rc.attempts
}

// Attempts returns the number of physical attempts started so far.
func (rc *RequestContext) Attempts() int { return rc.attempts }

// TopologyState returns the state of the bounded topology retry.
func (rc *RequestContext) TopologyState() TopologyState { return rc.topology }

// ThrottledRetries returns how many throttling retries were granted.
func (rc *RequestContext) ThrottledRetries() int { return rc.throttled }

// Record appends a decision to the request's history.
func (rc *RequestContext) Record(policy string, d Decision, err error) {
	rec := DecisionRecord{
		Attempt:  rc.attempts,
		Policy:   policy,
		Decision: d.String(),
		At:       time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	rc.decisions = append(rc.decisions, rec)
}

// Decisions returns a copy of the recorded decisions.
func (rc *RequestContext) Decisions() []DecisionRecord {
	return append([]DecisionRecord(nil), rc.decisions...)
}
