// Package topology caches the partition key range layout of each collection
// and turns stale views into typed staleness errors.
package topology

import (
	"errors"
	"fmt"
	"sort"

	"github.com/docdb-driver/drc/internal/models"
)

// ErrOverlappingRanges is returned when two ranges claim the same hash.
var ErrOverlappingRanges = errors.New("partition key ranges overlap")

// RoutingMap is an immutable, sorted view of one collection's active ranges.
type RoutingMap struct {
	ranges   []*models.PartitionKeyRange
	byID     map[string]*models.PartitionKeyRange
	gone     map[string]struct{}
	etag     string
	version  uint64
	complete bool
}

// NewRoutingMap builds a map from ranges. Inactive ranges are recorded as gone
// and dropped. Overlaps are an error; gaps only make the map incomplete.
func NewRoutingMap(ranges []*models.PartitionKeyRange, etag string) (*RoutingMap, error) {
	return buildRoutingMap(ranges, nil, etag, 1)
}

func buildRoutingMap(ranges []*models.PartitionKeyRange, gone map[string]struct{}, etag string, version uint64) (*RoutingMap, error) {
	m := &RoutingMap{
		byID:    make(map[string]*models.PartitionKeyRange, len(ranges)),
		gone:    make(map[string]struct{}, len(gone)),
		etag:    etag,
		version: version,
	}
	for id := range gone {
		m.gone[id] = struct{}{}
	}

	for _, r := range ranges {
		if r == nil {
			continue
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if !r.IsActive() {
			m.gone[r.ID] = struct{}{}
			continue
		}
		if _, dup := m.byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate partition key range %s", r.ID)
		}
		c := r.Clone()
		m.byID[c.ID] = c
		m.ranges = append(m.ranges, c)
		for _, p := range c.Parents {
			m.gone[p] = struct{}{}
		}
	}
	// A parent can reappear as a live range only if the feed says so.
	for id := range m.byID {
		delete(m.gone, id)
	}

	sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].Min < m.ranges[j].Min })

	next := models.MinHash
	m.complete = true
	for _, r := range m.ranges {
		if r.Min < next {
			return nil, fmt.Errorf("%w: %s starts at %08x before %08x", ErrOverlappingRanges, r.ID, r.Min, next)
		}
		if r.Min > next {
			m.complete = false
		}
		next = r.Max
	}
	if next != models.MaxHash {
		m.complete = false
	}
	return m, nil
}

// Combine applies an incremental change set. Ranges named as parents of the
// delta's ranges are replaced. The result carries version+1 and the new etag.
func (m *RoutingMap) Combine(delta []*models.PartitionKeyRange, etag string) (*RoutingMap, error) {
	replaced := make(map[string]struct{})
	incoming := make(map[string]struct{}, len(delta))
	for _, r := range delta {
		if r == nil {
			continue
		}
		incoming[r.ID] = struct{}{}
		for _, p := range r.Parents {
			replaced[p] = struct{}{}
		}
	}

	merged := make([]*models.PartitionKeyRange, 0, len(m.ranges)+len(delta))
	for _, r := range m.ranges {
		if _, ok := replaced[r.ID]; ok {
			continue
		}
		if _, ok := incoming[r.ID]; ok {
			continue
		}
		merged = append(merged, r)
	}
	merged = append(merged, delta...)

	gone := make(map[string]struct{}, len(m.gone)+len(replaced))
	for id := range m.gone {
		gone[id] = struct{}{}
	}
	for id := range replaced {
		gone[id] = struct{}{}
	}
	return buildRoutingMap(merged, gone, etag, m.version+1)
}

// RangeByHash returns the range owning hash, or nil if the map has a gap there.
func (m *RoutingMap) RangeByHash(hash uint64) *models.PartitionKeyRange {
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].Max > hash })
	if i < len(m.ranges) && m.ranges[i].Contains(hash) {
		return m.ranges[i]
	}
	return nil
}

// RangeByKey hashes key and returns the owning range.
func (m *RoutingMap) RangeByKey(key string) *models.PartitionKeyRange {
	return m.RangeByHash(HashPartitionKey(key))
}

// RangeByID returns the active range with id.
func (m *RoutingMap) RangeByID(id string) (*models.PartitionKeyRange, bool) {
	r, ok := m.byID[id]
	return r, ok
}

// IsGone reports whether id was split, merged or otherwise retired.
func (m *RoutingMap) IsGone(id string) bool {
	_, ok := m.gone[id]
	return ok
}

// OverlappingRanges returns the ranges intersecting [min, max) in hash order.
// The boolean is false when part of the interval is not covered.
func (m *RoutingMap) OverlappingRanges(min, max uint64) ([]*models.PartitionKeyRange, bool) {
	var out []*models.PartitionKeyRange
	covered := true
	next := min
	for _, r := range m.ranges {
		if !r.Overlaps(min, max) {
			continue
		}
		if r.Min > next {
			covered = false
		}
		out = append(out, r)
		next = r.Max
	}
	if next < max {
		covered = false
	}
	return out, covered
}

// Ranges returns the active ranges sorted by Min. Callers must not mutate them.
func (m *RoutingMap) Ranges() []*models.PartitionKeyRange {
	return m.ranges
}

func (m *RoutingMap) IsComplete() bool { return m.complete }
func (m *RoutingMap) ETag() string     { return m.etag }
func (m *RoutingMap) Version() uint64  { return m.version }
func (m *RoutingMap) Len() int         { return len(m.ranges) }
