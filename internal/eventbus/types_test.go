package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdb-driver/drc/internal/models"
)

func TestNewTopologyEvent(t *testing.T) {
	change := &models.TopologyChange{
		Collection: "orders",
		Kind:       models.ChangeKindSplit,
		RangeIDs:   []string{"1"},
		Successors: []string{"2", "3"},
		OccurredAt: time.Now().UTC().Truncate(time.Second),
	}

	event, err := NewTopologyEvent("service", change)
	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, EventTypeRangeSplit, event.Type)
	assert.Equal(t, "orders", event.Subject)
	assert.Equal(t, "1.0", event.Version)

	decoded, err := event.TopologyChange()
	require.NoError(t, err)
	assert.Equal(t, change.RangeIDs, decoded.RangeIDs)
	assert.Equal(t, change.Successors, decoded.Successors)
	assert.True(t, change.OccurredAt.Equal(decoded.OccurredAt))
}

func TestNewTopologyEvent_Invalid(t *testing.T) {
	_, err := NewTopologyEvent("service", nil)
	assert.Error(t, err)
	_, err = NewTopologyEvent("service", &models.TopologyChange{Kind: models.ChangeKindSplit})
	assert.Error(t, err)
	_, err = NewTopologyEvent("service", &models.TopologyChange{Collection: "orders", Kind: "rebalance"})
	assert.Error(t, err)
}

func TestEventTypeForChange(t *testing.T) {
	tests := []struct {
		kind models.ChangeKind
		want EventType
	}{
		{models.ChangeKindSplit, EventTypeRangeSplit},
		{models.ChangeKindMerge, EventTypeRangeMerge},
		{models.ChangeKindMoved, EventTypeRangeMoved},
	}
	for _, tt := range tests {
		got, err := EventTypeForChange(tt.kind)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestEvent_TopologyChangeFallsBackToSubject(t *testing.T) {
	event := NewEvent(EventTypeRangeMoved, "service", "orders", []byte(`{"kind":"moved","range_ids":["4"]}`))
	change, err := event.TopologyChange()
	require.NoError(t, err)
	assert.Equal(t, "orders", change.Collection)

	bad := NewEvent(EventTypeRangeMoved, "service", "orders", []byte(`not json`))
	_, err = bad.TopologyChange()
	assert.Error(t, err)
}
