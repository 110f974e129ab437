package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type treeKEMMember struct {
	priv    *TreeKEMPrivateKey
	sigPriv SignaturePrivateKey
}

func newTreeKEMGroup(t *testing.T, size int) (*RatchetTree, []treeKEMMember) {
	tree := NewRatchetTree(suite)
	members := make([]treeKEMMember, size)
	for i := range members {
		leaf, encPriv, sigPriv := newTestLeaf(t, string(rune('a'+i)))
		index, err := tree.AddLeaf(leaf)
		require.Nil(t, err)

		members[i] = treeKEMMember{
			priv:    NewTreeKEMPrivateKey(suite, index, encPriv),
			sigPriv: sigPriv,
		}
	}
	return tree, members
}

func clonePath(t *testing.T, path UpdatePath) UpdatePath {
	enc, err := marshal(path)
	require.Nil(t, err)

	var out UpdatePath
	require.Nil(t, unmarshalAll(enc, &out))
	return out
}

// commitFrom has `from` commit over the shared tree and every other member
// process the path on a copy of the tree it held before the commit.
func commitFrom(t *testing.T, tree *RatchetTree, members []treeKEMMember, from int) *UpdatePath {
	before := tree.Clone()

	priv, path, commitSecret, err := tree.Encap(LeafIndex(from), members[from].sigPriv)
	require.Nil(t, err)
	require.Len(t, commitSecret, 32)
	require.True(t, priv.Consistent(tree))

	members[from].priv.zeroize()
	members[from].priv = priv

	for j := range members {
		if j == from {
			continue
		}

		view := before.Clone()
		secret, err := members[j].priv.Decap(view, LeafIndex(from), *path)
		require.Nil(t, err)
		require.Equal(t, commitSecret, secret)
		require.True(t, view.Equals(*tree))
		require.True(t, members[j].priv.Consistent(view))
	}

	return path
}

func TestTreeKEMSingleMember(t *testing.T) {
	tree, members := newTreeKEMGroup(t, 1)

	priv, path, commitSecret, err := tree.Encap(0, members[0].sigPriv)
	require.Nil(t, err)
	require.Len(t, path.Nodes, 0)
	require.Len(t, commitSecret, 32)
	require.Equal(t, LeafNodeSourceCommit, path.LeafNode.Source)
	require.Equal(t, []byte{}, path.LeafNode.ParentHash)
	require.True(t, priv.Consistent(tree))
}

func TestTreeKEMMulti(t *testing.T) {
	groupSize := 7
	tree, members := newTreeKEMGroup(t, groupSize)

	// Every member commits once, then the first again
	for i := 0; i < groupSize; i++ {
		commitFrom(t, tree, members, i)
	}
	commitFrom(t, tree, members, 0)

	// The root carries the end of the parent hash chain
	r := root(tree.Size())
	require.False(t, tree.Nodes[r].Blank())
	require.Equal(t, []byte{}, tree.Nodes[r].Node.Parent.ParentHash)

	// Everybody holds the root key
	for _, m := range members {
		_, ok := m.priv.PrivateKeys[r]
		require.True(t, ok)
	}
}

func TestTreeKEMJoiner(t *testing.T) {
	tree, members := newTreeKEMGroup(t, 3)
	commitFrom(t, tree, members, 0)

	// A new leaf goes unmerged under the populated root
	leaf, encPriv, sigPriv := newTestLeaf(t, "d")
	index, err := tree.AddLeaf(leaf)
	require.Nil(t, err)
	require.Equal(t, []LeafIndex{index}, tree.Nodes[root(tree.Size())].Node.Parent.UnmergedLeaves)

	// The existing members learn about the leaf before the commit
	members = append(members, treeKEMMember{sigPriv: sigPriv})
	commitFrom(t, tree, members[:3], 2)

	// The joiner starts from the committer's path secret
	_, pathSecret, ok := members[2].priv.PathSecret(index)
	require.True(t, ok)

	joiner, err := NewTreeKEMPrivateKeyForJoiner(suite, index, encPriv, tree, 2, pathSecret)
	require.Nil(t, err)
	require.True(t, joiner.Consistent(tree))

	n, shared, ok := joiner.PathSecret(2)
	require.True(t, ok)
	require.Equal(t, ancestor(index, 2), n)
	_, committer, _ := members[2].priv.PathSecret(index)
	require.Equal(t, committer, shared)

	// Without a path secret only the leaf key is known
	bare, err := NewTreeKEMPrivateKeyForJoiner(suite, index, encPriv, tree, 2, nil)
	require.Nil(t, err)
	require.Len(t, bare.PrivateKeys, 1)

	// A path secret that does not match the tree is rejected
	_, err = NewTreeKEMPrivateKeyForJoiner(suite, index, encPriv, tree, 2, mustRandom(t, 32))
	require.ErrorIs(t, err, ErrProcessMessage)

	members[3].priv = joiner
	commitFrom(t, tree, members, 3)
}

func TestUpdatePathMarshalUnmarshal(t *testing.T) {
	tree, members := newTreeKEMGroup(t, 5)
	path := commitFrom(t, tree, members, 1)

	enc, err := marshal(*path)
	require.Nil(t, err)

	dec := clonePath(t, *path)
	require.True(t, dec.LeafNode.Equals(path.LeafNode))
	require.Len(t, dec.Nodes, len(path.Nodes))

	reenc, err := marshal(dec)
	require.Nil(t, err)
	require.Equal(t, enc, reenc)

	// Trailing bytes inside an encrypted path secret list
	node := path.Nodes[0]
	blob := NewWriteStream()
	require.Nil(t, blob.WriteCount(len(node.EncryptedPathSecrets)))
	for _, ct := range node.EncryptedPathSecrets {
		require.Nil(t, blob.Write(ct))
	}
	require.Nil(t, blob.Append([]byte{0x00}))

	s := NewWriteStream()
	require.Nil(t, s.WriteAll(node.EncryptionKey, Bytes4(blob.Data())))

	var bad UpdatePathNode
	_, err = bad.UnmarshalTLS(s.Data())
	require.ErrorIs(t, err, ErrTLSCodec)
}

func TestTreeKEMDecapErrors(t *testing.T) {
	tree, members := newTreeKEMGroup(t, 4)
	commitFrom(t, tree, members, 0)

	before := tree.Clone()
	_, path, _, err := tree.Encap(1, members[1].sigPriv)
	require.Nil(t, err)

	decap := func(p UpdatePath) error {
		priv := members[3].priv.Clone()
		_, err := priv.Decap(before.Clone(), 1, p)
		return err
	}

	require.Nil(t, decap(clonePath(t, *path)))

	// Own path
	_, err = members[1].priv.Decap(before.Clone(), 1, *path)
	require.ErrorIs(t, err, ErrInvalidArg)

	// Wrong number of path nodes
	short := clonePath(t, *path)
	short.Nodes = short.Nodes[:len(short.Nodes)-1]
	require.ErrorIs(t, decap(short), ErrProcessMessage)

	// Substituted public key breaks the parent hash chain
	swapped := clonePath(t, *path)
	swapped.Nodes[len(swapped.Nodes)-1].EncryptionKey[0] ^= 0x01
	require.ErrorIs(t, decap(swapped), ErrValidation)

	// Corrupted path secret ciphertext
	corrupt := clonePath(t, *path)
	for _, ct := range corrupt.Nodes[len(corrupt.Nodes)-1].EncryptedPathSecrets {
		ct.Ciphertext[0] ^= 0x01
	}
	require.ErrorIs(t, decap(corrupt), ErrCrypto)

	// Missing ciphertext for the resolution
	missing := clonePath(t, *path)
	missing.Nodes[len(missing.Nodes)-1].EncryptedPathSecrets = []HPKECiphertext{}
	require.ErrorIs(t, decap(missing), ErrProcessMessage)

	// Leaf signed by someone else
	forged := clonePath(t, *path)
	forged.LeafNode.Signature[0] ^= 0x01
	require.ErrorIs(t, decap(forged), ErrSignature)

	// Leaf that does not come from a commit
	source := clonePath(t, *path)
	source.LeafNode.Source = LeafNodeSourceUpdate
	source.LeafNode.ParentHash = nil
	require.ErrorIs(t, decap(source), ErrValidation)

	// Sender's leaf is gone
	vacant := before.Clone()
	vacant.BlankPath(1)
	_, err = members[3].priv.Clone().Decap(vacant, 1, *path)
	require.ErrorIs(t, err, ErrProcessMessage)
}
