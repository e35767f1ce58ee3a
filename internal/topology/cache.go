package topology

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/docdb-driver/drc/internal/logging"
	"github.com/docdb-driver/drc/internal/models"
	"github.com/docdb-driver/drc/internal/status"
	"github.com/docdb-driver/drc/internal/telemetry"
)

var (
	errGap         = errors.New("routing map has no range for the partition key")
	errInvalidated = errors.New("routing map invalidated")
	errUncovered   = errors.New("routing map does not cover the requested interval")
)

// CacheConfig holds topology cache configuration
type CacheConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	RefreshRate  float64       `mapstructure:"refresh_rate"`
	RefreshBurst int           `mapstructure:"refresh_burst"`
}

// DefaultCacheConfig returns the defaults used when fields are left zero.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		FetchTimeout: 10 * time.Second,
		RefreshRate:  20,
		RefreshBurst: 10,
	}
}

// Recorder observes refreshes. *telemetry.Metrics implements it.
type Recorder interface {
	RecordRefresh(ctx context.Context, collection, outcome string, elapsed time.Duration)
	RecordRefreshCollapsed(ctx context.Context, collection string)
}

// Resolution is the outcome of a successful lookup.
type Resolution struct {
	Range      *models.PartitionKeyRange
	MapVersion uint64
}

// View is a diagnostic copy of one collection's cache state.
type View struct {
	Map         *RoutingMap
	Stale       bool
	StaleRanges []string
	RefreshedAt time.Time
}

type snapshot struct {
	rmap        *RoutingMap
	staleAll    bool
	staleRanges map[string]struct{}
	refreshedAt time.Time
}

func (s *snapshot) isStale(rangeID string) bool {
	if s.staleAll {
		return true
	}
	_, ok := s.staleRanges[rangeID]
	return ok
}

func (s *snapshot) clean() bool {
	return !s.staleAll && len(s.staleRanges) == 0
}

// withStale returns a copy of s carrying the stale marks of other as well.
func (s *snapshot) withStale(all bool, ranges map[string]struct{}, extra ...string) *snapshot {
	next := &snapshot{
		rmap:        s.rmap,
		staleAll:    s.staleAll || all,
		staleRanges: make(map[string]struct{}, len(s.staleRanges)+len(ranges)+len(extra)),
		refreshedAt: s.refreshedAt,
	}
	for id := range s.staleRanges {
		next.staleRanges[id] = struct{}{}
	}
	for id := range ranges {
		next.staleRanges[id] = struct{}{}
	}
	for _, id := range extra {
		next.staleRanges[id] = struct{}{}
	}
	return next
}

// marksSince returns the stale marks of s that were not already set in
// before.
func (s *snapshot) marksSince(before *snapshot) (bool, map[string]struct{}) {
	if before == nil {
		return s.staleAll, s.staleRanges
	}
	added := make(map[string]struct{})
	for id := range s.staleRanges {
		if _, ok := before.staleRanges[id]; !ok {
			added[id] = struct{}{}
		}
	}
	return s.staleAll && !before.staleAll, added
}

// Cache holds one routing map per collection. Reads are lock-free loads of
// an immutable snapshot; refreshes are single-flight per collection and run
// detached from the caller that triggered them.
type Cache struct {
	source   RangeSource
	config   CacheConfig
	logger   logging.Logger
	recorder Recorder
	tracer   trace.Tracer
	limiter  *rate.Limiter

	group   singleflight.Group
	entries sync.Map // collection -> *atomic.Pointer[snapshot]
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

// WithRecorder sets the refresh recorder.
func WithRecorder(recorder Recorder) CacheOption {
	return func(c *Cache) { c.recorder = recorder }
}

// WithTracer sets the tracer used for refresh spans.
func WithTracer(tracer trace.Tracer) CacheOption {
	return func(c *Cache) { c.tracer = tracer }
}

// NewCache creates a cache reading from source.
func NewCache(source RangeSource, config CacheConfig, opts ...CacheOption) *Cache {
	defaults := DefaultCacheConfig()
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaults.FetchTimeout
	}
	if config.RefreshRate <= 0 {
		config.RefreshRate = defaults.RefreshRate
	}
	if config.RefreshBurst <= 0 {
		config.RefreshBurst = defaults.RefreshBurst
	}

	c := &Cache{
		source:   source,
		config:   config,
		logger:   logging.NewNop(),
		recorder: telemetry.NopMetrics(),
		tracer:   noop.NewTracerProvider().Tracer("topology"),
		limiter:  rate.NewLimiter(rate.Limit(config.RefreshRate), config.RefreshBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) slot(collection string) *atomic.Pointer[snapshot] {
	if v, ok := c.entries.Load(collection); ok {
		return v.(*atomic.Pointer[snapshot])
	}
	v, _ := c.entries.LoadOrStore(collection, new(atomic.Pointer[snapshot]))
	return v.(*atomic.Pointer[snapshot])
}

// load returns the current snapshot, populating the collection on first use.
func (c *Cache) load(ctx context.Context, collection string) (*snapshot, error) {
	if snap := c.slot(collection).Load(); snap != nil {
		return snap, nil
	}
	if _, err := c.Refresh(ctx, collection, 0); err != nil {
		return nil, err
	}
	snap := c.slot(collection).Load()
	if snap == nil {
		return nil, fmt.Errorf("topology for %q unavailable", collection)
	}
	return snap, nil
}

// LookupRange resolves partitionKey to its owning range. A gap in the map or
// an invalidated range yields a *status.TopologyStalenessError.
func (c *Cache) LookupRange(ctx context.Context, collection, partitionKey string) (Resolution, error) {
	snap, err := c.load(ctx, collection)
	if err != nil {
		return Resolution{}, err
	}

	version := snap.rmap.Version()
	rng := snap.rmap.RangeByKey(partitionKey)
	if rng == nil {
		return Resolution{}, c.stale(collection, "", version, errGap)
	}
	if snap.isStale(rng.ID) {
		return Resolution{}, c.stale(collection, rng.ID, version, errInvalidated)
	}
	return Resolution{Range: rng, MapVersion: version}, nil
}

// LookupRanges returns every range overlapping [min, max) for a
// cross-partition operation.
func (c *Cache) LookupRanges(ctx context.Context, collection string, min, max uint64) ([]*models.PartitionKeyRange, uint64, error) {
	snap, err := c.load(ctx, collection)
	if err != nil {
		return nil, 0, err
	}

	version := snap.rmap.Version()
	ranges, covered := snap.rmap.OverlappingRanges(min, max)
	if !covered {
		return nil, version, c.stale(collection, "", version, errUncovered)
	}
	for _, r := range ranges {
		if snap.isStale(r.ID) {
			return nil, version, c.stale(collection, r.ID, version, errInvalidated)
		}
	}
	return ranges, version, nil
}

func (c *Cache) stale(collection, rangeID string, version uint64, cause error) error {
	err := status.NewTopologyStalenessError(collection, rangeID, cause)
	err.MapVersion = version
	return err
}

// Refresh brings the collection's routing map up to date. observed is the map
// version the caller found stale; if a newer clean map is already cached the
// fetch is skipped. Concurrent callers share one fetch. The fetch does not
// inherit the caller's cancellation, so a waiter that gives up does not
// discard the result for everyone else.
func (c *Cache) Refresh(ctx context.Context, collection string, observed uint64) (*RoutingMap, error) {
	if snap := c.slot(collection).Load(); snap != nil && snap.clean() && snap.rmap.Version() > observed {
		c.recorder.RecordRefresh(ctx, collection, telemetry.RefreshSkipped, 0)
		return snap.rmap, nil
	}

	detached := context.WithoutCancel(ctx)
	var led bool
	ch := c.group.DoChan(collection, func() (interface{}, error) {
		led = true
		return c.fetch(detached, collection, observed)
	})

	select {
	case res := <-ch:
		if !led {
			c.recorder.RecordRefreshCollapsed(ctx, collection)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*RoutingMap), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) fetch(ctx context.Context, collection string, observed uint64) (*RoutingMap, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "topology.refresh", trace.WithAttributes(
		attribute.String("collection", collection),
		attribute.Int64("observed_version", int64(observed)),
	))
	defer span.End()

	slot := c.slot(collection)
	before := slot.Load()

	// A waiter queued behind a refresh that already moved past its version
	// needs no second fetch.
	if before != nil && before.clean() && before.rmap.Version() > observed {
		c.recorder.RecordRefresh(ctx, collection, telemetry.RefreshSkipped, 0)
		return before.rmap, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.recorder.RecordRefresh(ctx, collection, telemetry.RefreshFailed, 0)
		return nil, fmt.Errorf("refresh of %q throttled: %w", collection, err)
	}

	start := time.Now()
	next, outcome, err := c.build(ctx, collection, before)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.recorder.RecordRefresh(ctx, collection, telemetry.RefreshFailed, elapsed)
		c.logger.Warn(ctx, "Topology refresh failed",
			zap.String("collection", collection),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	for {
		cur := slot.Load()
		candidate := next
		if cur != before && cur != nil {
			// Invalidated while fetching: keep only the marks added since
			// before was loaded. Older marks are the ones this fetch clears.
			all, added := cur.marksSince(before)
			candidate = next.withStale(all, added)
		}
		if slot.CompareAndSwap(cur, candidate) {
			break
		}
	}

	c.recorder.RecordRefresh(ctx, collection, outcome, elapsed)
	span.SetAttributes(
		attribute.Int64("version", int64(next.rmap.Version())),
		attribute.Int("ranges", next.rmap.Len()),
		attribute.Bool("complete", next.rmap.IsComplete()),
	)

	fields := []zap.Field{
		zap.String("collection", collection),
		zap.String("outcome", outcome),
		zap.Uint64("version", next.rmap.Version()),
		zap.Int("ranges", next.rmap.Len()),
		zap.String("etag", next.rmap.ETag()),
		zap.Duration("elapsed", elapsed),
	}
	if !next.rmap.IsComplete() {
		c.logger.Warn(ctx, "Refreshed routing map is incomplete", fields...)
	} else {
		c.logger.Debug(ctx, "Topology refreshed", fields...)
	}
	return next.rmap, nil
}

// build fetches from the source and produces the next snapshot. It tries an
// incremental fetch first and falls back to a full one when the delta does
// not yield a complete map.
func (c *Cache) build(ctx context.Context, collection string, before *snapshot) (*snapshot, string, error) {
	now := time.Now()
	if before != nil {
		feed, err := c.source.FetchRanges(ctx, collection, before.rmap.ETag())
		if err != nil {
			return nil, "", fmt.Errorf("fetch ranges for %q: %w", collection, err)
		}
		if feed.NotModified {
			// Stale marks are dropped: the service confirmed this layout.
			return &snapshot{rmap: before.rmap, refreshedAt: now}, telemetry.RefreshNotModified, nil
		}
		if feed.Incremental {
			rmap, err := before.rmap.Combine(feed.Ranges, feed.ETag)
			if err == nil && rmap.IsComplete() {
				return &snapshot{rmap: rmap, refreshedAt: now}, telemetry.RefreshFetched, nil
			}
			c.logger.Info(ctx, "Incremental topology unusable, fetching full layout",
				zap.String("collection", collection),
				zap.Error(err))
		} else {
			rmap, err := c.fromFull(feed, before)
			if err != nil {
				return nil, "", err
			}
			return &snapshot{rmap: rmap, refreshedAt: now}, telemetry.RefreshFetched, nil
		}
	}

	feed, err := c.source.FetchRanges(ctx, collection, "")
	if err != nil {
		return nil, "", fmt.Errorf("fetch ranges for %q: %w", collection, err)
	}
	rmap, err := c.fromFull(feed, before)
	if err != nil {
		return nil, "", err
	}
	return &snapshot{rmap: rmap, refreshedAt: now}, telemetry.RefreshFetched, nil
}

func (c *Cache) fromFull(feed *RangeFeed, before *snapshot) (*RoutingMap, error) {
	version := uint64(1)
	var gone map[string]struct{}
	if before != nil {
		version = before.rmap.Version() + 1
		gone = before.rmap.gone
	}
	return buildRoutingMap(feed.Ranges, gone, feed.ETag, version)
}

// Invalidate marks ranges of collection as stale; with no ids the whole map
// is stale. The next lookup touching a stale range surfaces a staleness
// error. Ids the cached map no longer holds are ignored, since a refresh has
// already moved past them. It reports whether anything was marked.
func (c *Cache) Invalidate(collection string, rangeIDs ...string) bool {
	v, ok := c.entries.Load(collection)
	if !ok {
		return false
	}
	slot := v.(*atomic.Pointer[snapshot])
	for {
		cur := slot.Load()
		if cur == nil {
			return false
		}
		var live []string
		for _, id := range rangeIDs {
			if _, ok := cur.rmap.RangeByID(id); ok {
				live = append(live, id)
			}
		}
		if len(rangeIDs) > 0 && len(live) == 0 {
			return false
		}
		next := cur.withStale(len(rangeIDs) == 0, nil, live...)
		if slot.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// MarkRangeGone records that the service reported rangeID as gone.
func (c *Cache) MarkRangeGone(collection, rangeID string) bool {
	if rangeID == "" {
		return c.Invalidate(collection)
	}
	return c.Invalidate(collection, rangeID)
}

// Prime populates the given collections.
func (c *Cache) Prime(ctx context.Context, collections ...string) error {
	for _, collection := range collections {
		if _, err := c.Refresh(ctx, collection, 0); err != nil {
			return fmt.Errorf("prime %q: %w", collection, err)
		}
	}
	return nil
}

// Snapshot returns the cached state of collection.
func (c *Cache) Snapshot(collection string) (View, bool) {
	v, ok := c.entries.Load(collection)
	if !ok {
		return View{}, false
	}
	snap := v.(*atomic.Pointer[snapshot]).Load()
	if snap == nil {
		return View{}, false
	}

	view := View{Map: snap.rmap, Stale: snap.staleAll, RefreshedAt: snap.refreshedAt}
	for id := range snap.staleRanges {
		view.StaleRanges = append(view.StaleRanges, id)
	}
	sort.Strings(view.StaleRanges)
	return view, true
}

// Version returns the cached map version of collection, 0 if none.
func (c *Cache) Version(collection string) uint64 {
	if view, ok := c.Snapshot(collection); ok {
		return view.Map.Version()
	}
	return 0
}

// Collections lists the collections with a cached map.
func (c *Cache) Collections() []string {
	var out []string
	c.entries.Range(func(key, value interface{}) bool {
		if value.(*atomic.Pointer[snapshot]).Load() != nil {
			out = append(out, key.(string))
		}
		return true
	})
	sort.Strings(out)
	return out
}
