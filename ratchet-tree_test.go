package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T, n int) (*RatchetTree, []LeafNode) {
	tree := NewRatchetTree(suite)
	leaves := make([]LeafNode, n)
	for i := range leaves {
		leaves[i], _, _ = newTestLeaf(t, string(rune('a'+i)))
		index, err := tree.AddLeaf(leaves[i])
		require.Nil(t, err)
		require.Equal(t, LeafIndex(i), index)
	}
	return tree, leaves
}

func testParent(t *testing.T) ParentNode {
	priv, err := suite.GenerateHPKEKey()
	require.Nil(t, err)
	return ParentNode{EncryptionKey: priv.PublicKey, ParentHash: []byte{}, UnmergedLeaves: []LeafIndex{}}
}

func TestRatchetTreeAddLeaf(t *testing.T) {
	tree := NewRatchetTree(suite)
	require.Equal(t, LeafCount(0), tree.Size())

	_, err := tree.TreeHash()
	require.ErrorIs(t, err, ErrInvalidArg)

	leaves := make([]LeafNode, 3)
	for i := range leaves {
		leaves[i], _, _ = newTestLeaf(t, string(rune('a'+i)))
		_, err := tree.AddLeaf(leaves[i])
		require.Nil(t, err)
		require.Equal(t, LeafCount(i+1), tree.Size())
		require.Len(t, tree.Nodes, 2*i+1)
	}

	// Interior nodes stay blank until a commit fills them
	require.True(t, tree.Nodes[1].Blank())
	require.True(t, tree.Nodes[3].Blank())

	for i, leaf := range leaves {
		node, ok := tree.LeafNode(LeafIndex(i))
		require.True(t, ok)
		require.True(t, node.Equals(leaf))

		index, ok := tree.Find(leaf)
		require.True(t, ok)
		require.Equal(t, LeafIndex(i), index)

		index, ok = tree.FindIdentity(leaf.Credential.Identity)
		require.True(t, ok)
		require.Equal(t, LeafIndex(i), index)
	}

	_, ok := tree.LeafNode(3)
	require.False(t, ok)
	_, ok = tree.FindIdentity([]byte("z"))
	require.False(t, ok)

	require.Equal(t, []LeafIndex{0, 1, 2}, tree.Members())
	require.Nil(t, tree.VerifyLeaves())
}

func TestRatchetTreeUnmerged(t *testing.T) {
	tree, _ := newTestTree(t, 3)
	tree.Nodes[3] = newParentNode(testParent(t))

	leaf, _, _ := newTestLeaf(t, "d")
	index, err := tree.AddLeaf(leaf)
	require.Nil(t, err)
	require.Equal(t, LeafIndex(3), index)

	// The populated ancestor records the new leaf; the blank one stays blank
	require.Equal(t, []LeafIndex{3}, tree.Nodes[3].Node.Parent.UnmergedLeaves)
	require.True(t, tree.Nodes[5].Blank())

	require.Equal(t, []NodeIndex{3, 6}, tree.resolve(3))
	require.Equal(t, []NodeIndex{4, 6}, tree.resolve(5))
	require.Equal(t, []NodeIndex{0, 2}, tree.resolve(1))
}

func TestRatchetTreeBlankPath(t *testing.T) {
	tree, _ := newTestTree(t, 4)
	tree.Nodes[1] = newParentNode(testParent(t))
	tree.Nodes[3] = newParentNode(testParent(t))
	tree.Nodes[5] = newParentNode(testParent(t))

	tree.BlankPath(1)
	require.True(t, tree.Nodes[2].Blank())
	require.True(t, tree.Nodes[1].Blank())
	require.True(t, tree.Nodes[3].Blank())
	require.False(t, tree.Nodes[5].Blank())
	require.Equal(t, []LeafIndex{0, 2, 3}, tree.Members())

	once := tree.Clone()
	hashOnce, err := once.TreeHash()
	require.Nil(t, err)

	// blank(blank(n)) = blank(n)
	tree.BlankPath(1)
	require.True(t, once.Equals(*tree))

	hashTwice, err := tree.TreeHash()
	require.Nil(t, err)
	require.Equal(t, hashOnce, hashTwice)

	// Out of range is a no-op
	tree.BlankPath(9)
	require.True(t, once.Equals(*tree))

	// The blank leaf drops out of the filtered direct path of its sibling
	fdp := tree.filteredDirectPath(0)
	require.Equal(t, []fdpEntry{{Parent: 3, Copath: 5}}, fdp)

	err = tree.UpdateLeaf(1, tree.Nodes[0].Node.Leaf.Clone())
	require.ErrorIs(t, err, ErrValidation)
}

func TestRatchetTreeHash(t *testing.T) {
	tree, leaves := newTestTree(t, 2)

	h0 := OptionalNode{}
	h0.Node = &Node{Leaf: &leaves[0]}
	require.Nil(t, h0.setLeafNodeHash(suite, 0))

	h1 := OptionalNode{}
	h1.Node = &Node{Leaf: &leaves[1]}
	require.Nil(t, h1.setLeafNodeHash(suite, 1))

	expected := append([]byte{0x02, 0x00, 0x20}, h0.Hash...)
	expected = append(expected, 0x20)
	expected = append(expected, h1.Hash...)

	th, err := tree.TreeHash()
	require.Nil(t, err)
	require.Equal(t, suite.Digest(expected), th)

	// Hashing depends only on content
	other := NewRatchetTree(suite)
	for _, leaf := range leaves {
		_, err := other.AddLeaf(leaf)
		require.Nil(t, err)
	}
	oh, err := other.TreeHash()
	require.Nil(t, err)
	require.Equal(t, th, oh)

	// Changing a leaf key changes the hash, even with cached hashes present
	changed := leaves[1].Clone()
	changed.EncryptionKey[0] ^= 0x01
	require.Nil(t, other.UpdateLeaf(1, changed))
	ch, err := other.TreeHash()
	require.Nil(t, err)
	require.NotEqual(t, th, ch)

	changed = leaves[1].Clone()
	changed.SignatureKey[0] ^= 0x01
	require.Nil(t, other.UpdateLeaf(1, changed))
	ch2, err := other.TreeHash()
	require.Nil(t, err)
	require.NotEqual(t, th, ch2)
	require.NotEqual(t, ch, ch2)
}

func TestRatchetTreeMarshalUnmarshal(t *testing.T) {
	tree, _ := newTestTree(t, 5)
	tree.Nodes[1] = newParentNode(testParent(t))
	tree.BlankPath(2)
	require.False(t, tree.Nodes[1].Blank())

	enc, err := marshal(tree)
	require.Nil(t, err)

	dec := NewRatchetTree(suite)
	require.Nil(t, unmarshalAll(enc, dec))
	require.True(t, tree.Equals(*dec))
	require.Equal(t, tree.Size(), dec.Size())

	th, err := tree.TreeHash()
	require.Nil(t, err)
	dh, err := dec.TreeHash()
	require.Nil(t, err)
	require.Equal(t, th, dh)

	// Empty tree
	empty := NewRatchetTree(suite)
	require.Nil(t, unmarshalAll(unhex("00000000"), empty))
	require.Equal(t, LeafCount(0), empty.Size())
}

func TestRatchetTreeUnmarshalErrors(t *testing.T) {
	var tree RatchetTree

	// Even node count
	_, err := tree.UnmarshalTLS(unhex("000000020000"))
	require.ErrorIs(t, err, ErrDeserialization)

	// Bad presence flag
	_, err = tree.UnmarshalTLS(unhex("0000000102"))
	require.ErrorIs(t, err, ErrDeserialization)

	// A count that cannot fit in the input
	_, err = tree.UnmarshalTLS(unhex("00000101"))
	require.ErrorIs(t, err, ErrTLSCodec)

	// A leaf in a parent position
	leaf, _, _ := newTestLeaf(t, "a")
	bad := RatchetTree{Suite: suite, Nodes: []OptionalNode{{}, newLeafNode(leaf), {}}}
	enc, err := marshal(bad)
	require.Nil(t, err)

	_, err = tree.UnmarshalTLS(enc)
	require.ErrorIs(t, err, ErrDeserialization)
}

func TestRatchetTreeVerifyLeaves(t *testing.T) {
	tree, _ := newTestTree(t, 3)
	require.Nil(t, tree.VerifyLeaves())

	tree.Nodes[2].Node.Leaf.Signature[0] ^= 0x01
	require.ErrorIs(t, tree.VerifyLeaves(), ErrSignature)
	tree.Nodes[2].Node.Leaf.Signature[0] ^= 0x01

	// Leaves that do not advertise the suite are rejected
	leaf, _, sigPriv := newTestLeaf(t, "d")
	leaf.Capabilities = []CipherSuite{0x0003}
	require.Nil(t, leaf.sign(suite, sigPriv))
	_, err := tree.AddLeaf(leaf)
	require.Nil(t, err)
	require.ErrorIs(t, tree.VerifyLeaves(), ErrValidation)
}
