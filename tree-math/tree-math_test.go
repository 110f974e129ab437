package treeMath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func ptr(x NodeIndex) *NodeIndex {
	return &x
}

func TestDimensions(t *testing.T) {
	require.Equal(t, NodeCount(0), NodeWidth(0))
	require.Equal(t, NodeCount(1), NodeWidth(1))
	require.Equal(t, NodeCount(15), NodeWidth(8))
	require.Equal(t, LeafCount(8), LeafWidth(15))
	require.Equal(t, LeafCount(0), LeafWidth(0))

	roots := []NodeIndex{0, 1, 3, 3, 7, 7, 7, 7, 15}
	for i, r := range roots {
		require.Equal(t, r, Root(LeafCount(i+1)), "root of %d", i+1)
	}
}

func TestLevel(t *testing.T) {
	for x := NodeIndex(0); x < 64; x++ {
		require.Equal(t, x%2 == 0, IsLeaf(x))
		require.Equal(t, x%2 == 0, Level(x) == 0)
	}

	require.Equal(t, uint(1), Level(1))
	require.Equal(t, uint(2), Level(3))
	require.Equal(t, uint(3), Level(7))
}

func TestEightLeaves(t *testing.T) {
	n := LeafCount(8)
	require.Equal(t, NodeIndex(7), Root(n))
	require.Equal(t, []NodeIndex{1, 3, 7}, DirectPath(0, n))
	require.Equal(t, []NodeIndex{2, 5, 11}, Copath(0, n))
	require.Equal(t, ptr(5), Sibling(1, n))
	require.Equal(t, ptr(3), Parent(5, n))

	require.Nil(t, Parent(7, n))
	require.Nil(t, Sibling(7, n))
	require.Nil(t, Left(4))
	require.Nil(t, Right(4, n))
	require.Empty(t, DirectPath(7, n))
	require.Empty(t, Copath(7, n))
}

func TestUnbalanced(t *testing.T) {
	// Five leaves: nodes 0..8, root 7
	n := LeafCount(5)
	require.Equal(t, ptr(7), Parent(8, n))
	require.Equal(t, ptr(8), Right(7, n))
	require.Equal(t, ptr(3), Sibling(8, n))
	require.Equal(t, []NodeIndex{7}, DirectPath(8, n))
	require.Equal(t, []NodeIndex{5, 3, 7}, DirectPath(4, n))
}

func TestChildrenHaveParent(t *testing.T) {
	for n := LeafCount(1); n < 40; n++ {
		w := NodeIndex(NodeWidth(n))
		for p := NodeIndex(0); p < w; p++ {
			if Level(p) == 0 {
				continue
			}

			l, r := Left(p), Right(p, n)
			require.NotNil(t, l)
			require.NotNil(t, r)
			require.Less(t, *r, w)
			require.Less(t, *l, p)
			require.Greater(t, *r, p)

			require.Equal(t, ptr(p), Parent(*l, n), "parent(left(%d)) for n=%d", p, n)
			require.Equal(t, ptr(p), Parent(*r, n), "parent(right(%d)) for n=%d", p, n)
		}
	}
}

func TestToLeafIndex(t *testing.T) {
	require.Equal(t, LeafIndex(3), ToLeafIndex(6))
	require.Equal(t, NodeIndex(6), ToNodeIndex(3))
	require.Panics(t, func() { ToLeafIndex(5) })
}
