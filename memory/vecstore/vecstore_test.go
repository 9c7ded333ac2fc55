package vecstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SearchOrdersByScore(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Upsert(ctx, "t1", "a", []float32{1, 0}))
	require.NoError(t, s.Upsert(ctx, "t1", "b", []float32{0.7, 0.7}))
	require.NoError(t, s.Upsert(ctx, "t1", "c", []float32{0, 1}))
	require.NoError(t, s.Upsert(ctx, "t2", "x", []float32{1, 0}))

	got, err := s.Search(ctx, "t1", []float32{1, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].MessageID)
	assert.Equal(t, "b", got[1].MessageID)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestMemory_Metrics(t *testing.T) {
	ctx := context.Background()
	for _, metric := range []Metric{Cosine, Dot, L2} {
		t.Run(string(metric), func(t *testing.T) {
			s := New(func(o *Options) { o.Metric = metric })
			require.NoError(t, s.Upsert(ctx, "t", "near", []float32{1, 1}))
			require.NoError(t, s.Upsert(ctx, "t", "far", []float32{-1, -1}))

			got, err := s.Search(ctx, "t", []float32{1, 1}, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "near", got[0].MessageID)
		})
	}
}

func TestMemory_DimensionAndDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Upsert(ctx, "t", "a", []float32{1, 2, 3}))
	assert.Error(t, s.Upsert(ctx, "t", "b", []float32{1, 2}))
	assert.Error(t, s.Upsert(ctx, "t", "c", nil))

	_, err := s.Search(ctx, "t", []float32{1}, 1)
	assert.Error(t, err)

	none, err := s.Search(ctx, "t", []float32{1, 2, 3}, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.Equal(t, 1, s.Len("t"))
	require.NoError(t, s.DeleteThread(ctx, "t"))
	assert.Equal(t, 0, s.Len("t"))
}
