package mls

import (
	treeMath "github.com/marmot-protocol/go-marmot/tree-math"
)

// The index calculus itself lives in the treeMath package, which returns nil
// where a relation does not exist.  Inside this package it is more convenient
// to follow the MLS convention that a leaf is its own left and right child and
// the root is its own parent.

type LeafIndex = treeMath.LeafIndex
type LeafCount = treeMath.LeafCount
type NodeIndex = treeMath.NodeIndex
type NodeCount = treeMath.NodeCount

func toNodeIndex(leaf LeafIndex) NodeIndex {
	return treeMath.ToNodeIndex(leaf)
}

func toLeafIndex(node NodeIndex) LeafIndex {
	return treeMath.ToLeafIndex(node)
}

func level(x NodeIndex) uint {
	return treeMath.Level(x)
}

func nodeWidth(n LeafCount) NodeCount {
	return treeMath.NodeWidth(n)
}

func leafWidth(n NodeCount) LeafCount {
	return treeMath.LeafWidth(n)
}

func root(n LeafCount) NodeIndex {
	return treeMath.Root(n)
}

func left(x NodeIndex) NodeIndex {
	if l := treeMath.Left(x); l != nil {
		return *l
	}
	return x
}

func right(x NodeIndex, n LeafCount) NodeIndex {
	if r := treeMath.Right(x, n); r != nil {
		return *r
	}
	return x
}

func parent(x NodeIndex, n LeafCount) NodeIndex {
	if p := treeMath.Parent(x, n); p != nil {
		return *p
	}
	return x
}

func sibling(x NodeIndex, n LeafCount) NodeIndex {
	if s := treeMath.Sibling(x, n); s != nil {
		return *s
	}
	return x
}

// Ancestors of x, excluding x and including the root
func dirpath(x NodeIndex, n LeafCount) []NodeIndex {
	return treeMath.DirectPath(x, n)
}

func copath(x NodeIndex, n LeafCount) []NodeIndex {
	return treeMath.Copath(x, n)
}

// Lowest common ancestor of two leaves
func ancestor(l, r LeafIndex) NodeIndex {
	ln, rn := toNodeIndex(l), toNodeIndex(r)
	if ln == rn {
		return ln
	}

	k := uint(0)
	for ln != rn {
		ln >>= 1
		rn >>= 1
		k += 1
	}

	return NodeIndex((uint(ln) << k) + (1 << (k - 1)) - 1)
}
