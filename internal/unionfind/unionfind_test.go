package unionfind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	s := New(4)
	require.NotNil(t, s)
	assert.Equal(t, 4, s.Len())
	for i := 0; i < 4; i++ {
		assert.Equal(t, i, s.Find(i))
	}
}

func TestUnionFind(t *testing.T) {
	t.Run("union merges two sets", func(t *testing.T) {
		s := New(5)
		assert.True(t, s.Union(0, 1))
		assert.Equal(t, s.Find(0), s.Find(1))
		assert.NotEqual(t, s.Find(0), s.Find(2))
	})

	t.Run("union of joined sets is a no-op", func(t *testing.T) {
		s := New(3)
		require.True(t, s.Union(0, 1))
		require.True(t, s.Union(1, 2))
		assert.False(t, s.Union(0, 2))
		assert.Equal(t, s.Find(0), s.Find(2))
	})

	t.Run("transitive merges collapse into one class", func(t *testing.T) {
		s := New(8)
		s.Union(0, 1)
		s.Union(2, 3)
		s.Union(1, 2)
		root := s.Find(3)
		for _, i := range []int{0, 1, 2, 3} {
			assert.Equal(t, root, s.Find(i))
		}
		for _, i := range []int{4, 5, 6, 7} {
			assert.Equal(t, i, s.Find(i))
		}
	})
}
