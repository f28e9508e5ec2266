package graph

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireTopological asserts that order contains every node of g exactly
// once and respects every edge.
func requireTopological(t *testing.T, g *Graph[int], order []int) {
	t.Helper()
	require.Len(t, order, g.Len())
	pos := make(map[int]int, len(order))
	for i, v := range order {
		pos[v] = i
	}
	require.Len(t, pos, g.Len())
	for _, u := range g.Nodes() {
		for _, v := range g.EdgeList(u) {
			assert.Less(t, pos[u], pos[v], "edge %d -> %d inverted", u, v)
		}
	}
}

func TestNew(t *testing.T) {
	g := New[int]()
	require.NotNil(t, g)
	assert.Zero(t, g.Len())
}

func TestAddNode(t *testing.T) {
	g := New[string]()
	g.AddNode("a")
	assert.Equal(t, 1, g.Len())

	g.AddNode("a") // idempotent
	assert.Equal(t, 1, g.Len())

	g.AddNode("b")
	assert.Equal(t, []string{"a", "b"}, g.Nodes())
}

func TestAddEdge(t *testing.T) {
	g := New[int]()
	g.AddEdge(1, 2)
	g.AddEdge(1, 3)
	g.AddEdge(1, 2) // multi-edges are kept

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []int{2, 3, 2}, g.EdgeList(1))
	assert.True(t, g.HasEdge(1, 2))
	assert.False(t, g.HasEdge(2, 1))

	g.RemoveEdge(1, 2)
	assert.Equal(t, []int{3, 2}, g.EdgeList(1))
}

func TestTopologicalOrder(t *testing.T) {
	t.Run("diamond", func(t *testing.T) {
		g := New[int]()
		g.AddEdge(1, 2)
		g.AddEdge(1, 3)
		g.AddEdge(2, 4)
		g.AddEdge(3, 4)

		order, err := g.TopologicalOrder()
		require.NoError(t, err)
		requireTopological(t, g, order)
	})

	t.Run("identical insertion order gives identical output", func(t *testing.T) {
		build := func() *Graph[int] {
			g := New[int]()
			g.AddEdge(5, 2)
			g.AddEdge(5, 9)
			g.AddEdge(2, 7)
			g.AddEdge(9, 7)
			g.AddNode(4)
			return g
		}
		g := build()
		first, err := g.TopologicalOrder()
		require.NoError(t, err)
		second, err := g.TopologicalOrder()
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(first, second))

		other, err := build().TopologicalOrder()
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(first, other))
	})

	t.Run("cycle is rejected", func(t *testing.T) {
		g := New[int]()
		g.AddEdge(1, 2)
		g.AddEdge(2, 3)
		g.AddEdge(3, 1)

		_, err := g.TopologicalOrder()
		assert.ErrorIs(t, err, ErrNotADAG)
		assert.False(t, g.CheckAcyclic())
		assert.ErrorIs(t, g.ValidateAcyclic(), ErrNotADAG)
	})

	t.Run("self loop is rejected", func(t *testing.T) {
		g := New[int]()
		g.AddEdge(1, 1)
		_, err := g.TopologicalOrder()
		assert.ErrorIs(t, err, ErrNotADAG)
	})
}

func TestRootFirstTopologicalOrder(t *testing.T) {
	g := New[int]()
	// Two independent trees rooted at 1 and 10.
	g.AddEdge(1, 2)
	g.AddEdge(1, 3)
	g.AddEdge(10, 11)

	order, err := g.RootFirstTopologicalOrder()
	require.NoError(t, err)
	requireTopological(t, g, order)

	pos := make(map[int]int)
	for i, v := range order {
		pos[v] = i
	}
	assert.Less(t, pos[1], pos[2])
	assert.Less(t, pos[1], pos[3])
	assert.Less(t, pos[10], pos[11])
}

func TestStronglyConnectedComponents(t *testing.T) {
	t.Run("dag has singleton components in topological order", func(t *testing.T) {
		g := New[int]()
		g.AddEdge(1, 2)
		g.AddEdge(2, 3)

		components := g.StronglyConnectedComponents()
		require.Len(t, components, 3)
		assert.Equal(t, []int{1}, components[0])
		assert.Equal(t, []int{2}, components[1])
		assert.Equal(t, []int{3}, components[2])
	})

	t.Run("cycle collapses into one component", func(t *testing.T) {
		g := New[int]()
		g.AddEdge(1, 2)
		g.AddEdge(2, 3)
		g.AddEdge(3, 2) // 2 <-> 3
		g.AddEdge(3, 4)

		components := g.StronglyConnectedComponents()
		require.Len(t, components, 3)
		assert.Equal(t, []int{1}, components[0])
		assert.ElementsMatch(t, []int{2, 3}, components[1])
		assert.Equal(t, []int{4}, components[2])
	})
}

func TestSortEdgeList(t *testing.T) {
	g := New[int]()
	g.AddEdge(1, 5)
	g.AddEdge(1, 3)
	g.AddEdge(1, 4)

	g.SortEdgeList(1, func(a, b int) bool { return a < b })
	assert.Equal(t, []int{3, 4, 5}, g.EdgeList(1))
}

func TestClone(t *testing.T) {
	g := New[int]()
	g.AddEdge(1, 2)

	c := g.Clone()
	c.AddEdge(2, 3)

	assert.Equal(t, 2, g.Len())
	assert.Equal(t, 3, c.Len())
	assert.False(t, g.HasEdge(2, 3))
}

func TestPlot(t *testing.T) {
	g := New[int]()
	g.AddEdge(1, 2)

	var buf bytes.Buffer
	g.Plot(&buf)
	out := buf.String()
	assert.Contains(t, out, "digraph {")
	assert.Contains(t, out, "1 -> 2")
}
