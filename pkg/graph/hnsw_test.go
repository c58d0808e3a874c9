package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHNSWIndex_AddAndSearchReturnsNearest(t *testing.T) {
	idx := newHNSWIndex(3, DefaultHNSWConfig())

	require.NoError(t, idx.Add("a", []float32{1, 0, 0}))
	require.NoError(t, idx.Add("b", []float32{0, 1, 0}))
	require.NoError(t, idx.Add("c", []float32{0.99, 0.01, 0}))

	hits, err := idx.Search([]float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
}

func TestHNSWIndex_DimensionMismatch(t *testing.T) {
	idx := newHNSWIndex(3, DefaultHNSWConfig())
	err := idx.Add("a", []float32{1, 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestHNSWIndex_RemoveShrinksSize(t *testing.T) {
	idx := newHNSWIndex(2, DefaultHNSWConfig())
	require.NoError(t, idx.Add("a", []float32{1, 0}))
	require.NoError(t, idx.Add("b", []float32{0, 1}))
	assert.Equal(t, 2, idx.Size())

	idx.Remove("a")
	assert.Equal(t, 1, idx.Size())
}

func TestHNSWIndex_L2Metric(t *testing.T) {
	cfg := DefaultHNSWConfig()
	cfg.Metric = MetricL2
	idx := newHNSWIndex(2, cfg)

	require.NoError(t, idx.Add("near", []float32{1, 1}))
	require.NoError(t, idx.Add("far", []float32{10, 10}))

	hits, err := idx.Search([]float32{1.1, 1.1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "near", hits[0].ID)
}
