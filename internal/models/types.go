package models

import (
	"fmt"
	"time"
)

// MinHash and MaxHash bound the partition key hash space. Range boundaries are
// half-open: a range owns every hash h with Min <= h < Max.
const (
	MinHash uint64 = 0
	MaxHash uint64 = 1 << 32
)

// PartitionKeyRange is a contiguous slice of a collection's hash space owned by
// one replica set.
type PartitionKeyRange struct {
	ID         string      `json:"id"`
	Min        uint64      `json:"min"`
	Max        uint64      `json:"max"`
	Parents    []string    `json:"parents,omitempty"`
	Status     RangeStatus `json:"status"`
	ReplicaSet []string    `json:"replica_set,omitempty"`
	ObservedAt time.Time   `json:"observed_at"`
}

// RangeStatus represents the lifecycle state of a partition key range
type RangeStatus string

const (
	RangeStatusActive RangeStatus = "active"
	RangeStatusSplit  RangeStatus = "split"
	RangeStatusMerged RangeStatus = "merged"
)

// Contains reports whether hash falls inside the range.
func (r *PartitionKeyRange) Contains(hash uint64) bool {
	return hash >= r.Min && hash < r.Max
}

// Overlaps reports whether [min, max) intersects the range.
func (r *PartitionKeyRange) Overlaps(min, max uint64) bool {
	return r.Min < max && min < r.Max
}

// IsActive reports whether the range still serves traffic.
func (r *PartitionKeyRange) IsActive() bool {
	return r.Status == "" || r.Status == RangeStatusActive
}

// Validate checks the boundaries and identity of a single range.
func (r *PartitionKeyRange) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("partition key range ID is required")
	}
	if r.Min >= r.Max {
		return fmt.Errorf("partition key range %s has empty bounds [%d, %d)", r.ID, r.Min, r.Max)
	}
	if r.Max > MaxHash {
		return fmt.Errorf("partition key range %s exceeds hash space: max %d", r.ID, r.Max)
	}
	return nil
}

func (r PartitionKeyRange) String() string {
	return fmt.Sprintf("%s[%08x,%08x)", r.ID, r.Min, r.Max)
}

// Clone returns a deep copy of the range.
func (r *PartitionKeyRange) Clone() *PartitionKeyRange {
	c := *r
	if r.Parents != nil {
		c.Parents = append([]string(nil), r.Parents...)
	}
	if r.ReplicaSet != nil {
		c.ReplicaSet = append([]string(nil), r.ReplicaSet...)
	}
	return &c
}

// TopologyChange describes a split or merge announced by the service.
type TopologyChange struct {
	Collection string     `json:"collection"`
	Kind       ChangeKind `json:"kind"`
	RangeIDs   []string   `json:"range_ids"`
	Successors []string   `json:"successors,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// ChangeKind enumerates topology change notifications
type ChangeKind string

const (
	ChangeKindSplit ChangeKind = "split"
	ChangeKindMerge ChangeKind = "merge"
	ChangeKindMoved ChangeKind = "moved"
)
