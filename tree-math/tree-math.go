package treeMath

// The below functions provide the index calculus for the tree structures used in MLS.
// They are premised on a "flat" representation of a balanced binary tree.  Leaf nodes
// are even-numbered nodes, with the n-th leaf at 2*n.  Intermediate nodes are held in
// odd-numbered nodes.  For example, a 11-element tree has the following structure:
//
//                                              X
//                      X
//          X                       X                       X
//    X           X           X           X           X
// X     X     X     X     X     X     X     X     X     X     X
// 0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f 10 11 12 13 14
//
// For trees whose leaf count is a power of two, the relations below are the
// plain bit manipulations.  For other sizes the tree is left-balanced: a child
// or parent index that falls off the right edge of the array is walked back
// into it, so that every index the functions return is a real node.

type LeafIndex uint32
type LeafCount uint32
type NodeIndex uint32
type NodeCount uint32

// MaxLeafCount is the largest tree whose node width fits in a uint32.
const MaxLeafCount LeafCount = 0xFFFFFFFF / 2

func ToNodeIndex(leaf LeafIndex) NodeIndex {
	return NodeIndex(2 * leaf)
}

func ToLeafIndex(node NodeIndex) LeafIndex {
	if node&0x01 != 0 {
		panic("ToLeafIndex on non-leaf index")
	}

	return LeafIndex(node) >> 1
}

func IsLeaf(x NodeIndex) bool {
	return x&0x01 == 0
}

// Position of the most significant 1 bit
func log2(x NodeCount) uint {
	if x == 0 {
		return 0
	}

	k := uint(0)
	for (x >> k) > 0 {
		k += 1
	}
	return k - 1
}

// Level is the number of trailing 1 bits; leaves are at level 0.
func Level(x NodeIndex) uint {
	if x&0x01 == 0 {
		return 0
	}

	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k += 1
	}
	return k
}

// Number of nodes for a tree of size N
func NodeWidth(n LeafCount) NodeCount {
	if n == 0 {
		return 0
	}

	return NodeCount(2*(n-1) + 1)
}

// Number of leaves for a tree with N nodes
func LeafWidth(n NodeCount) LeafCount {
	if n == 0 {
		return 0
	}

	return LeafCount((n >> 1) + 1)
}

// Index of the root of the tree with N leaves
func Root(n LeafCount) NodeIndex {
	w := NodeWidth(n)
	return NodeIndex((1 << log2(w)) - 1)
}

// Left child of x
func Left(x NodeIndex) *NodeIndex {
	if Level(x) == 0 {
		return nil
	}

	out := x ^ (0x01 << (Level(x) - 1))
	return &out
}

// Right child of x
func Right(x NodeIndex, n LeafCount) *NodeIndex {
	if Level(x) == 0 {
		return nil
	}

	w := NodeIndex(NodeWidth(n))
	r := x ^ (0x03 << (Level(x) - 1))
	for r >= w {
		r = *Left(r)
	}
	return &r
}

// Immediate parent of x; may not exist in tree
func parentStep(x NodeIndex) NodeIndex {
	// xy01 -> x011
	k := Level(x)
	b := (x >> (k + 1)) & 0x01
	return (x | (1 << k)) ^ (b << (k + 1))
}

// Parent of x
func Parent(x NodeIndex, n LeafCount) *NodeIndex {
	// root's parent is itself
	if x == Root(n) {
		return nil
	}

	w := NodeIndex(NodeWidth(n))
	p := parentStep(x)
	for p >= w {
		p = parentStep(p)
	}
	return &p
}

// Sibling of x
func Sibling(x NodeIndex, n LeafCount) *NodeIndex {
	p := Parent(x, n)
	switch {
	case p == nil: // root
		return nil

	case x < *p: // left child
		return Right(*p, n)

	case x > *p: // right child
		return Left(*p)
	}

	panic("Invalid parent calculation")
}

// DirectPath lists the ancestors of x from its parent up to and including the
// root.  The root's direct path is empty.
func DirectPath(x NodeIndex, n LeafCount) []NodeIndex {
	d := []NodeIndex{}
	for p := Parent(x, n); p != nil; p = Parent(*p, n) {
		d = append(d, *p)
	}
	return d
}

// Copath lists the siblings of x and of each of its ancestors below the root.
func Copath(x NodeIndex, n LeafCount) []NodeIndex {
	c := []NodeIndex{}
	for s := Sibling(x, n); s != nil; {
		c = append(c, *s)
		x = *Parent(x, n)
		s = Sibling(x, n)
	}
	return c
}
