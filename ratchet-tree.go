package mls

import (
	"bytes"
	"fmt"

	treeMath "github.com/marmot-protocol/go-marmot/tree-math"
)

///
/// RatchetTree
///

// struct {
//     uint32 node_count;
//     optional<Node> nodes[node_count];
// } RatchetTree;
type RatchetTree struct {
	Suite CipherSuite
	Nodes []OptionalNode
}

func NewRatchetTree(suite CipherSuite) *RatchetTree {
	return &RatchetTree{Suite: suite}
}

func (t RatchetTree) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := s.WriteCount(len(t.Nodes)); err != nil {
		return nil, err
	}

	for _, n := range t.Nodes {
		if n.Blank() {
			if err := s.Write(uint8(0)); err != nil {
				return nil, err
			}
			continue
		}

		if err := s.WriteAll(uint8(1), *n.Node); err != nil {
			return nil, err
		}
	}

	return s.Data(), nil
}

func (t *RatchetTree) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	count, err := s.ReadCount(1)
	if err != nil {
		return 0, err
	}

	if count > 0 && count%2 == 0 {
		return 0, fmt.Errorf("mls.tree: %w: even node count %d", ErrDeserialization, count)
	}

	if count > int(treeMath.NodeWidth(treeMath.MaxLeafCount)) {
		return 0, fmt.Errorf("mls.tree: %w: node count %d", ErrDeserialization, count)
	}

	t.Nodes = make([]OptionalNode, count)
	for i := range t.Nodes {
		var present uint8
		if _, err := s.Read(&present); err != nil {
			return 0, err
		}

		switch present {
		case 0:
			continue
		case 1:
		default:
			return 0, fmt.Errorf("mls.tree: %w: presence flag %d", ErrDeserialization, present)
		}

		var node Node
		if _, err := s.Read(&node); err != nil {
			return 0, err
		}

		expected := NodeTypeParent
		if treeMath.IsLeaf(NodeIndex(i)) {
			expected = NodeTypeLeaf
		}

		if node.Type() != expected {
			return 0, fmt.Errorf("mls.tree: %w: node %d has type %d", ErrDeserialization, i, node.Type())
		}

		t.Nodes[i].Node = &node
	}

	return s.Consumed(), nil
}

func (t RatchetTree) Size() LeafCount {
	return leafWidth(NodeCount(len(t.Nodes)))
}

func (t RatchetTree) Clone() *RatchetTree {
	next := &RatchetTree{
		Suite: t.Suite,
		Nodes: make([]OptionalNode, len(t.Nodes)),
	}

	for i, n := range t.Nodes {
		next.Nodes[i] = n.Clone()
	}

	return next
}

func (t RatchetTree) Equals(o RatchetTree) bool {
	if len(t.Nodes) != len(o.Nodes) {
		return false
	}

	for i := range t.Nodes {
		if !t.Nodes[i].Equals(o.Nodes[i]) {
			return false
		}
	}
	return true
}

///
/// Leaves
///

// AddLeaf appends a leaf at the right edge of the tree.  The new leaf is
// recorded as unmerged at every populated ancestor.
func (t *RatchetTree) AddLeaf(leaf LeafNode) (LeafIndex, error) {
	size := t.Size()
	if size >= treeMath.MaxLeafCount {
		return 0, fmt.Errorf("mls.tree: %w: tree is full", ErrValidation)
	}

	index := LeafIndex(size)
	if size > 0 {
		t.Nodes = append(t.Nodes, OptionalNode{})
	}
	t.Nodes = append(t.Nodes, newLeafNode(leaf.Clone()))

	ni := toNodeIndex(index)
	for _, n := range dirpath(ni, t.Size()) {
		if t.Nodes[n].Blank() {
			continue
		}
		t.Nodes[n].Node.Parent.AddUnmerged(index)
	}

	t.clearHashPath(index)
	return index, nil
}

func (t *RatchetTree) UpdateLeaf(index LeafIndex, leaf LeafNode) error {
	if !t.occupied(index) {
		return fmt.Errorf("mls.tree: %w: update of vacant leaf %d", ErrValidation, index)
	}

	t.BlankPath(index)
	t.Nodes[toNodeIndex(index)] = newLeafNode(leaf.Clone())
	t.clearHashPath(index)
	return nil
}

// BlankPath blanks a leaf and every node on its direct path.  Blanking an
// already blank path is a no-op.
func (t *RatchetTree) BlankPath(index LeafIndex) {
	if LeafCount(index) >= t.Size() {
		return
	}

	ni := toNodeIndex(index)
	t.Nodes[ni].SetToBlank()
	for _, n := range dirpath(ni, t.Size()) {
		t.Nodes[n].SetToBlank()
	}

	t.clearHashPath(index)
}

func (t RatchetTree) occupied(index LeafIndex) bool {
	if LeafCount(index) >= t.Size() {
		return false
	}

	return !t.Nodes[toNodeIndex(index)].Blank()
}

func (t RatchetTree) LeafNode(index LeafIndex) (*LeafNode, bool) {
	if !t.occupied(index) {
		return nil, false
	}

	return t.Nodes[toNodeIndex(index)].Node.Leaf, true
}

// Members lists the occupied leaves in index order
func (t RatchetTree) Members() []LeafIndex {
	out := []LeafIndex{}
	for i := LeafIndex(0); LeafCount(i) < t.Size(); i++ {
		if t.occupied(i) {
			out = append(out, i)
		}
	}
	return out
}

func (t RatchetTree) Find(leaf LeafNode) (LeafIndex, bool) {
	for i := LeafIndex(0); LeafCount(i) < t.Size(); i++ {
		if node, ok := t.LeafNode(i); ok && node.Equals(leaf) {
			return i, true
		}
	}

	return 0, false
}

func (t RatchetTree) FindIdentity(identity []byte) (LeafIndex, bool) {
	for i := LeafIndex(0); LeafCount(i) < t.Size(); i++ {
		if node, ok := t.LeafNode(i); ok && bytes.Equal(node.Credential.Identity, identity) {
			return i, true
		}
	}

	return 0, false
}

// VerifyLeaves checks every leaf's signature under its own signature key and
// that it advertises the tree's ciphersuite.
func (t RatchetTree) VerifyLeaves() error {
	for _, i := range t.Members() {
		leaf, _ := t.LeafNode(i)
		if !leaf.Verify(t.Suite) {
			return fmt.Errorf("mls.tree: %w: leaf %d", ErrSignature, i)
		}

		if !leaf.SupportsSuite(t.Suite) {
			return fmt.Errorf("mls.tree: %w: leaf %d does not support %s", ErrValidation, i, t.Suite)
		}
	}
	return nil
}

///
/// Resolution and paths
///

func (t RatchetTree) publicKey(n NodeIndex) HPKEPublicKey {
	return t.Nodes[n].Node.PublicKey()
}

func (t RatchetTree) resolve(index NodeIndex) []NodeIndex {
	// Resolution of non-blank is node + unmerged leaves
	if !t.Nodes[index].Blank() {
		res := []NodeIndex{index}
		if level(index) > 0 {
			for _, v := range t.Nodes[index].Node.Parent.UnmergedLeaves {
				res = append(res, toNodeIndex(v))
			}
		}
		return res
	}

	// Resolution of blank leaf is the empty list
	if level(index) == 0 {
		return []NodeIndex{}
	}

	// Resolution of blank intermediate node is concatenation of the resolutions
	// of the children
	l := t.resolve(left(index))
	r := t.resolve(right(index, t.Size()))
	return append(l, r...)
}

type fdpEntry struct {
	Parent NodeIndex
	Copath NodeIndex
}

// The ancestors of a leaf whose copath child has a non-empty resolution,
// ordered from the leaf toward the root.
func (t RatchetTree) filteredDirectPath(index LeafIndex) []fdpEntry {
	size := t.Size()
	r := root(size)

	fdp := []fdpEntry{}
	for x := toNodeIndex(index); x != r; x = parent(x, size) {
		step := fdpEntry{Parent: parent(x, size), Copath: sibling(x, size)}
		if len(t.resolve(step.Copath)) == 0 {
			continue
		}

		fdp = append(fdp, step)
	}

	return fdp
}

///
/// Tree hash
///

func (t *RatchetTree) clearHashPath(index LeafIndex) {
	ni := toNodeIndex(index)
	t.Nodes[ni].Hash = nil

	for _, n := range dirpath(ni, t.Size()) {
		t.Nodes[n].Hash = nil
	}
}

func (t *RatchetTree) setHash(index NodeIndex) error {
	if level(index) == 0 {
		return t.Nodes[index].setLeafNodeHash(t.Suite, toLeafIndex(index))
	}

	li := left(index)
	if t.Nodes[li].Hash == nil {
		if err := t.setHash(li); err != nil {
			return err
		}
	}

	ri := right(index, t.Size())
	if t.Nodes[ri].Hash == nil {
		if err := t.setHash(ri); err != nil {
			return err
		}
	}

	return t.Nodes[index].setParentNodeHash(t.Suite, t.Nodes[li].Hash, t.Nodes[ri].Hash)
}

// TreeHash is the hash of the root node.  Cached node hashes are reused
// until a mutation on their path clears them.
func (t *RatchetTree) TreeHash() ([]byte, error) {
	if len(t.Nodes) == 0 {
		return nil, fmt.Errorf("mls.tree: %w: empty tree", ErrInvalidArg)
	}

	r := root(t.Size())
	if t.Nodes[r].Hash == nil {
		if err := t.setHash(r); err != nil {
			return nil, err
		}
	}

	return dup(t.Nodes[r].Hash), nil
}
