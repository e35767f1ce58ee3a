package topology

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docdb-driver/drc/internal/models"
)

// RangeFeed is one answer of the metadata endpoint.
type RangeFeed struct {
	Ranges []*models.PartitionKeyRange
	ETag   string
	// NotModified means nothing changed since the etag the caller sent.
	NotModified bool
	// Incremental means Ranges only holds ranges changed since that etag.
	Incremental bool
}

// RangeSource reads partition key ranges from the service. An empty
// ifNoneMatch requests the full layout.
type RangeSource interface {
	FetchRanges(ctx context.Context, collection, ifNoneMatch string) (*RangeFeed, error)
}

// FetchHook runs at the start of every StaticSource fetch. A non-nil error
// fails the fetch.
type FetchHook func(ctx context.Context, collection string) error

type staticCollection struct {
	ranges  map[string]*models.PartitionKeyRange
	changed map[string]uint64
	gen     uint64
	resetAt uint64
	nextID  int
}

// StaticSource is an in-memory RangeSource that can simulate splits and
// merges. It serves incremental feeds keyed by a generation etag.
type StaticSource struct {
	mu          sync.Mutex
	collections map[string]*staticCollection
	hook        FetchHook
	fetches     atomic.Int64
}

// NewStaticSource creates an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{collections: make(map[string]*staticCollection)}
}

// UniformRanges cuts the hash space into n contiguous ranges with ids "0".."n-1".
func UniformRanges(n int) []*models.PartitionKeyRange {
	if n <= 0 {
		n = 1
	}
	step := models.MaxHash / uint64(n)
	out := make([]*models.PartitionKeyRange, 0, n)
	for i := 0; i < n; i++ {
		r := &models.PartitionKeyRange{
			ID:     strconv.Itoa(i),
			Min:    uint64(i) * step,
			Max:    uint64(i+1) * step,
			Status: models.RangeStatusActive,
		}
		if i == n-1 {
			r.Max = models.MaxHash
		}
		out = append(out, r)
	}
	return out
}

// SetRanges replaces the layout of collection. Clients holding an older etag
// receive a full feed on their next fetch.
func (s *StaticSource) SetRanges(collection string, ranges ...*models.PartitionKeyRange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		c = &staticCollection{}
		s.collections[collection] = c
	}
	c.gen++
	c.resetAt = c.gen
	c.ranges = make(map[string]*models.PartitionKeyRange, len(ranges))
	c.changed = make(map[string]uint64, len(ranges))
	for _, r := range ranges {
		c.ranges[r.ID] = r.Clone()
		c.changed[r.ID] = c.gen
		if id, err := strconv.Atoi(r.ID); err == nil && id >= c.nextID {
			c.nextID = id + 1
		}
	}
}

// SetFetchHook installs hook, replacing any previous one.
func (s *StaticSource) SetFetchHook(hook FetchHook) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

// Fetches returns how many fetches have been served.
func (s *StaticSource) Fetches() int64 {
	return s.fetches.Load()
}

// Split splits rangeID at hash at, returning the two child ids.
func (s *StaticSource) Split(collection, rangeID string, at uint64) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, parent, err := s.activeRange(collection, rangeID)
	if err != nil {
		return "", "", err
	}
	if at <= parent.Min || at >= parent.Max {
		return "", "", fmt.Errorf("split point %08x outside range %s", at, parent)
	}

	c.gen++
	now := time.Now()
	left := &models.PartitionKeyRange{
		ID: c.allocID(), Min: parent.Min, Max: at,
		Parents: append(append([]string(nil), parent.Parents...), parent.ID),
		Status:  models.RangeStatusActive, ReplicaSet: parent.ReplicaSet, ObservedAt: now,
	}
	right := &models.PartitionKeyRange{
		ID: c.allocID(), Min: at, Max: parent.Max,
		Parents: append(append([]string(nil), parent.Parents...), parent.ID),
		Status:  models.RangeStatusActive, ReplicaSet: parent.ReplicaSet, ObservedAt: now,
	}
	parent.Status = models.RangeStatusSplit
	c.touch(parent, left, right)
	return left.ID, right.ID, nil
}

// Merge merges two adjacent ranges into a new one and returns its id.
func (s *StaticSource) Merge(collection, leftID, rightID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, left, err := s.activeRange(collection, leftID)
	if err != nil {
		return "", err
	}
	_, right, err := s.activeRange(collection, rightID)
	if err != nil {
		return "", err
	}
	if left.Max != right.Min {
		return "", fmt.Errorf("ranges %s and %s are not adjacent", left, right)
	}

	c.gen++
	merged := &models.PartitionKeyRange{
		ID: c.allocID(), Min: left.Min, Max: right.Max,
		Parents:    []string{left.ID, right.ID},
		Status:     models.RangeStatusActive,
		ReplicaSet: left.ReplicaSet,
		ObservedAt: time.Now(),
	}
	left.Status = models.RangeStatusMerged
	right.Status = models.RangeStatusMerged
	c.touch(left, right, merged)
	return merged.ID, nil
}

// FetchRanges implements RangeSource.
func (s *StaticSource) FetchRanges(ctx context.Context, collection, ifNoneMatch string) (*RangeFeed, error) {
	s.fetches.Add(1)

	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, collection); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q not found", collection)
	}
	etag := strconv.FormatUint(c.gen, 10)
	if ifNoneMatch == etag {
		return &RangeFeed{ETag: etag, NotModified: true}, nil
	}

	since, err := strconv.ParseUint(ifNoneMatch, 10, 64)
	incremental := err == nil && since >= c.resetAt && since < c.gen

	feed := &RangeFeed{ETag: etag, Incremental: incremental}
	for id, r := range c.ranges {
		if incremental && c.changed[id] <= since {
			continue
		}
		if !incremental && !r.IsActive() {
			continue
		}
		feed.Ranges = append(feed.Ranges, r.Clone())
	}
	sort.Slice(feed.Ranges, func(i, j int) bool { return feed.Ranges[i].Min < feed.Ranges[j].Min })
	return feed, nil
}

func (s *StaticSource) activeRange(collection, rangeID string) (*staticCollection, *models.PartitionKeyRange, error) {
	c, ok := s.collections[collection]
	if !ok {
		return nil, nil, fmt.Errorf("collection %q not found", collection)
	}
	r, ok := c.ranges[rangeID]
	if !ok || !r.IsActive() {
		return nil, nil, fmt.Errorf("range %s is not active in %q", rangeID, collection)
	}
	return c, r, nil
}

func (c *staticCollection) allocID() string {
	id := strconv.Itoa(c.nextID)
	c.nextID++
	return id
}

func (c *staticCollection) touch(ranges ...*models.PartitionKeyRange) {
	for _, r := range ranges {
		c.ranges[r.ID] = r
		c.changed[r.ID] = c.gen
	}
}
