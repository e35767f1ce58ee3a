package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdb-driver/drc/internal/models"
)

func rng(id string, min, max uint64, parents ...string) *models.PartitionKeyRange {
	return &models.PartitionKeyRange{ID: id, Min: min, Max: max, Parents: parents, Status: models.RangeStatusActive}
}

const half = models.MaxHash / 2

func TestNewRoutingMap(t *testing.T) {
	tests := []struct {
		name     string
		ranges   []*models.PartitionKeyRange
		complete bool
		wantErr  bool
	}{
		{
			name:     "single range covering everything",
			ranges:   []*models.PartitionKeyRange{rng("0", 0, models.MaxHash)},
			complete: true,
		},
		{
			name:     "unsorted contiguous ranges",
			ranges:   []*models.PartitionKeyRange{rng("1", half, models.MaxHash), rng("0", 0, half)},
			complete: true,
		},
		{
			name:     "gap at the end",
			ranges:   []*models.PartitionKeyRange{rng("0", 0, half)},
			complete: false,
		},
		{
			name:     "gap in the middle",
			ranges:   []*models.PartitionKeyRange{rng("0", 0, 100), rng("1", 200, models.MaxHash)},
			complete: false,
		},
		{
			name:     "empty",
			complete: false,
		},
		{
			name:    "overlap",
			ranges:  []*models.PartitionKeyRange{rng("0", 0, half+1), rng("1", half, models.MaxHash)},
			wantErr: true,
		},
		{
			name:    "duplicate id",
			ranges:  []*models.PartitionKeyRange{rng("0", 0, half), rng("0", half, models.MaxHash)},
			wantErr: true,
		},
		{
			name:    "invalid bounds",
			ranges:  []*models.PartitionKeyRange{rng("0", 10, 10)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewRoutingMap(tt.ranges, "1")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.complete, m.IsComplete())
			assert.Equal(t, uint64(1), m.Version())
			assert.Equal(t, "1", m.ETag())
		})
	}
}

func TestRoutingMap_RangeByHashBoundaries(t *testing.T) {
	m, err := NewRoutingMap(UniformRanges(4), "1")
	require.NoError(t, err)

	quarter := models.MaxHash / 4
	tests := []struct {
		hash uint64
		want string
	}{
		{0, "0"},
		{quarter - 1, "0"},
		{quarter, "1"},
		{2 * quarter, "2"},
		{models.MaxHash - 1, "3"},
	}
	for _, tt := range tests {
		r := m.RangeByHash(tt.hash)
		require.NotNil(t, r, "hash %x", tt.hash)
		assert.Equal(t, tt.want, r.ID, "hash %x", tt.hash)
	}
	assert.Nil(t, m.RangeByHash(models.MaxHash))
}

func TestRoutingMap_RangeByKey(t *testing.T) {
	m, err := NewRoutingMap(UniformRanges(8), "1")
	require.NoError(t, err)

	for _, key := range []string{"", "a", "tenant-42", "orders/2024"} {
		r := m.RangeByKey(key)
		require.NotNil(t, r)
		assert.True(t, r.Contains(HashPartitionKey(key)))
	}
	assert.Equal(t, uint64(0), HashPartitionKey(""))
	assert.Equal(t, HashPartitionKey("tenant-42"), HashPartitionKey("tenant-42"))
}

func TestRoutingMap_CombineSplit(t *testing.T) {
	m, err := NewRoutingMap(UniformRanges(2), "1")
	require.NoError(t, err)

	parent := &models.PartitionKeyRange{ID: "1", Min: half, Max: models.MaxHash, Status: models.RangeStatusSplit}
	delta := []*models.PartitionKeyRange{
		parent,
		rng("2", half, half+half/2, "1"),
		rng("3", half+half/2, models.MaxHash, "1"),
	}

	next, err := m.Combine(delta, "2")
	require.NoError(t, err)
	assert.True(t, next.IsComplete())
	assert.Equal(t, uint64(2), next.Version())
	assert.Equal(t, "2", next.ETag())
	assert.Equal(t, 3, next.Len())
	assert.True(t, next.IsGone("1"))
	_, ok := next.RangeByID("1")
	assert.False(t, ok)

	child, ok := next.RangeByID("3")
	require.True(t, ok)
	assert.Equal(t, []string{"1"}, child.Parents)

	// the original map is untouched
	assert.Equal(t, 2, m.Len())
	assert.False(t, m.IsGone("1"))
}

func TestRoutingMap_CombineMerge(t *testing.T) {
	m, err := NewRoutingMap(UniformRanges(4), "1")
	require.NoError(t, err)

	quarter := models.MaxHash / 4
	next, err := m.Combine([]*models.PartitionKeyRange{rng("4", quarter, 3*quarter, "1", "2")}, "2")
	require.NoError(t, err)
	assert.True(t, next.IsComplete())
	assert.Equal(t, 3, next.Len())
	assert.True(t, next.IsGone("1"))
	assert.True(t, next.IsGone("2"))
	assert.Equal(t, "4", next.RangeByHash(quarter).ID)
}

func TestRoutingMap_CombineWithoutLineageOverlaps(t *testing.T) {
	m, err := NewRoutingMap(UniformRanges(2), "1")
	require.NoError(t, err)

	_, err = m.Combine([]*models.PartitionKeyRange{rng("9", half, models.MaxHash)}, "2")
	assert.ErrorIs(t, err, ErrOverlappingRanges)
}

func TestRoutingMap_OverlappingRanges(t *testing.T) {
	m, err := NewRoutingMap(UniformRanges(4), "1")
	require.NoError(t, err)

	quarter := models.MaxHash / 4
	ranges, covered := m.OverlappingRanges(quarter-1, 2*quarter+1)
	assert.True(t, covered)
	require.Len(t, ranges, 3)
	assert.Equal(t, "0", ranges[0].ID)
	assert.Equal(t, "2", ranges[2].ID)

	all, covered := m.OverlappingRanges(models.MinHash, models.MaxHash)
	assert.True(t, covered)
	assert.Len(t, all, 4)

	gappy, err := NewRoutingMap([]*models.PartitionKeyRange{rng("0", 0, quarter), rng("2", 2*quarter, models.MaxHash)}, "1")
	require.NoError(t, err)
	_, covered = gappy.OverlappingRanges(0, models.MaxHash)
	assert.False(t, covered)
	_, covered = gappy.OverlappingRanges(2*quarter, 3*quarter)
	assert.True(t, covered)
}
