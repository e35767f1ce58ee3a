package retry

import (
	"github.com/docdb-driver/drc/internal/status"
)

// TopologyPolicy authorizes one immediate retry per logical request when the
// client's partition topology turns out to be stale. The pipeline refreshes
// the topology cache before acting on the RetryNow it returns. A second
// staleness on the same request is not retried: one refresh covers a single
// split or merge, and recurring staleness must reach the caller.
type TopologyPolicy struct{}

// NewTopologyPolicy returns the topology staleness policy.
func NewTopologyPolicy() *TopologyPolicy {
	return &TopologyPolicy{}
}

func (p *TopologyPolicy) Name() string { return "topology" }

// ShouldRetry implements Policy.
func (p *TopologyPolicy) ShouldRetry(err error, rc *RequestContext) Decision {
	if err == nil || rc == nil {
		return NoRetry
	}
	if status.Classify(err) != status.CategoryTopologyStaleness {
		return NoRetry
	}
	if rc.topology != TopologyFresh {
		return NoRetry
	}
	rc.topology = TopologyRetried
	return RetryNow
}

// RetryContext implements Policy. The policy carries no diagnostic context.
func (p *TopologyPolicy) RetryContext() any { return nil }
