// Package request holds the per-logical-request state threaded through the
// routing core.
package request

import (
	"github.com/google/uuid"
)

// Request is one caller-issued operation. The pipeline fills in the resolved
// fields before each physical attempt; callers only set Collection,
// PartitionKey and Operation.
type Request struct {
	ActivityID   string
	Collection   string
	Operation    string
	PartitionKey string

	// CrossPartition requests target every range overlapping the hash
	// interval instead of a single partition key.
	CrossPartition bool

	// ResolvedRangeID is set by the topology cache lookup. Session token
	// resolution refuses to run without it.
	ResolvedRangeID string

	// ResolvedRangeParents is the split lineage of ResolvedRangeID.
	ResolvedRangeParents []string

	// TargetRangeIDs lists every range a cross-partition request fans out to.
	TargetRangeIDs []string

	// Endpoint is the regional endpoint chosen for the current attempt.
	Endpoint string
	Region   string

	Headers map[string]string
}

// New creates a request with a fresh activity id.
func New(collection, operation, partitionKey string) *Request {
	return &Request{
		ActivityID:   uuid.NewString(),
		Collection:   collection,
		Operation:    operation,
		PartitionKey: partitionKey,
		Headers:      make(map[string]string),
	}
}

// SetHeader sets a header, allocating the map on first use.
func (r *Request) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[name] = value
}

// ClearResolution drops everything the previous attempt resolved so a retry
// starts from a fresh lookup.
func (r *Request) ClearResolution() {
	r.ResolvedRangeID = ""
	r.ResolvedRangeParents = nil
	r.TargetRangeIDs = nil
	delete(r.Headers, HeaderSessionToken)
}

// Header names understood by the routing core.
const (
	HeaderSessionToken = "x-docdb-session-token"
	HeaderActivityID   = "x-docdb-activity-id"
	HeaderRangeID      = "x-docdb-partitionkeyrangeid"
)
