package eventbus

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/docdb-driver/drc/internal/models"
	"github.com/docdb-driver/drc/internal/topology"
)

// TopologyCache is the part of the topology cache that notifications drive.
type TopologyCache interface {
	Invalidate(collection string, rangeIDs ...string) bool
	Refresh(ctx context.Context, collection string, observed uint64) (*topology.RoutingMap, error)
	Version(collection string) uint64
}

// TopologyListener applies split, merge and move notifications to the
// topology cache, so requests learn about a change before the service has
// to reject them.
type TopologyListener struct {
	bus       EventBus
	cache     TopologyCache
	logger    *zap.Logger
	proactive bool
}

// NewTopologyListener creates a listener. With proactive set, the affected
// collection is refreshed as soon as a notification arrives; otherwise it is
// only invalidated and the next request refreshes it.
func NewTopologyListener(bus EventBus, cache TopologyCache, logger *zap.Logger, proactive bool) *TopologyListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TopologyListener{bus: bus, cache: cache, logger: logger, proactive: proactive}
}

// Start subscribes to every topology event type.
func (l *TopologyListener) Start(ctx context.Context) error {
	if err := l.bus.SubscribeToPattern(ctx, "topology.*", l); err != nil {
		return fmt.Errorf("failed to subscribe to topology changes: %w", err)
	}
	return nil
}

// Handle implements EventHandler.
func (l *TopologyListener) Handle(ctx context.Context, event *Event) error {
	change, err := event.TopologyChange()
	if err != nil {
		return err
	}

	// Successors are new ids the cache cannot know yet; only the retired
	// ranges are invalidated.
	invalidated := l.cache.Invalidate(change.Collection, change.RangeIDs...)
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("collection", change.Collection),
		zap.String("kind", string(change.Kind)),
		zap.Strings("ranges", change.RangeIDs),
		zap.Strings("successors", change.Successors),
		zap.Bool("invalidated", invalidated),
	}
	if event.TraceID != "" {
		fields = append(fields, zap.String("trace_id", event.TraceID))
	}
	if msg, ok := MessageFromContext(ctx); ok {
		if meta, err := msg.Metadata(); err == nil {
			fields = append(fields, zap.Uint64("delivery", meta.NumDelivered))
		}
	}
	l.logger.Info("Topology change received", fields...)

	if !invalidated || !l.proactive {
		return nil
	}
	if _, err := l.cache.Refresh(ctx, change.Collection, l.cache.Version(change.Collection)); err != nil {
		return fmt.Errorf("refresh %q after %s: %w", change.Collection, change.Kind, err)
	}
	return nil
}

// PublishTopologyChange announces change on bus, stamped with the trace of
// ctx when there is one.
func PublishTopologyChange(ctx context.Context, bus EventBus, source string, change *models.TopologyChange) error {
	event, err := NewTopologyEvent(source, change)
	if err != nil {
		return err
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		event.WithTraceID(sc.TraceID().String())
	}
	return bus.PublishEvent(ctx, event)
}
