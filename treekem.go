package mls

import (
	"bytes"
	"fmt"
	"sort"
)

///
/// UpdatePath
///

// struct {
//     HPKEPublicKey encryption_key;
//     opaque encrypted_path_secrets<0..2^32-1>; /* u32 count || HPKECiphertext */
// } UpdatePathNode;
type UpdatePathNode struct {
	EncryptionKey        HPKEPublicKey
	EncryptedPathSecrets []HPKECiphertext
}

func (n UpdatePathNode) MarshalTLS() ([]byte, error) {
	inner := NewWriteStream()
	if err := inner.WriteCount(len(n.EncryptedPathSecrets)); err != nil {
		return nil, err
	}

	for _, ct := range n.EncryptedPathSecrets {
		if err := inner.Write(ct); err != nil {
			return nil, err
		}
	}

	s := NewWriteStream()
	if err := s.WriteAll(n.EncryptionKey, Bytes4(inner.Data())); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (n *UpdatePathNode) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var blob Bytes4
	if _, err := s.ReadAll(&n.EncryptionKey, &blob); err != nil {
		return 0, err
	}

	inner := NewReadStream(blob)
	count, err := inner.ReadCount(4)
	if err != nil {
		return 0, err
	}

	n.EncryptedPathSecrets = make([]HPKECiphertext, count)
	for i := range n.EncryptedPathSecrets {
		if _, err := inner.Read(&n.EncryptedPathSecrets[i]); err != nil {
			return 0, err
		}
	}

	if inner.Remaining() != 0 {
		return 0, fmt.Errorf("mls.treekem: %w: trailing bytes in encrypted path secrets", ErrTLSCodec)
	}

	return s.Consumed(), nil
}

// struct {
//     LeafNode leaf_node;
//     uint32 node_count;
//     UpdatePathNode nodes[node_count];
// } UpdatePath;
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode
}

func (path UpdatePath) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := s.Write(path.LeafNode); err != nil {
		return nil, err
	}

	if err := s.WriteCount(len(path.Nodes)); err != nil {
		return nil, err
	}

	for _, n := range path.Nodes {
		if err := s.Write(n); err != nil {
			return nil, err
		}
	}

	return s.Data(), nil
}

func (path *UpdatePath) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	if _, err := s.Read(&path.LeafNode); err != nil {
		return 0, err
	}

	// encryption key plus an empty secrets blob
	count, err := s.ReadCount(32 + 4)
	if err != nil {
		return 0, err
	}

	path.Nodes = make([]UpdatePathNode, count)
	for i := range path.Nodes {
		if _, err := s.Read(&path.Nodes[i]); err != nil {
			return 0, err
		}
	}

	return s.Consumed(), nil
}

// The parent hash list is off by one with respect to the path nodes: the hash
// at position i is stored in the parent at position i, and covers the public
// key and parent hash of position i+1.  The leaf's parent hash covers
// position 0.
func (path UpdatePath) parentHashes(suite CipherSuite) ([][]byte, []byte) {
	m := len(path.Nodes)
	if m == 0 {
		return nil, []byte{}
	}

	ph := make([][]byte, m)
	ph[m-1] = []byte{}
	for i := m - 2; i >= 0; i-- {
		ph[i] = parentHashOf(suite, path.Nodes[i+1].EncryptionKey, ph[i+1])
	}

	return ph, parentHashOf(suite, path.Nodes[0].EncryptionKey, ph[0])
}

func parentHashOf(suite CipherSuite, pub HPKEPublicKey, parentHash []byte) []byte {
	data := append(dup(pub[:]), parentHash...)
	return suite.Digest(data)
}

////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////

type TreeKEMPrivateKey struct {
	Suite       CipherSuite
	Index       LeafIndex
	PathSecrets map[NodeIndex][]byte
	PrivateKeys map[NodeIndex]HPKEPrivateKey
}

func NewTreeKEMPrivateKey(suite CipherSuite, index LeafIndex, leafPriv HPKEPrivateKey) *TreeKEMPrivateKey {
	return &TreeKEMPrivateKey{
		Suite:       suite,
		Index:       index,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{toNodeIndex(index): leafPriv},
	}
}

// NewTreeKEMPrivateKeyForJoiner sets up the private state of a member that
// joined in the commit from `sender`.  The path secret is the one the
// committer held for the lowest common ancestor of the two leaves; the keys
// of the populated nodes above it are derived from it and checked against
// the tree.
func NewTreeKEMPrivateKeyForJoiner(suite CipherSuite, index LeafIndex, leafPriv HPKEPrivateKey, tree *RatchetTree, sender LeafIndex, pathSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := NewTreeKEMPrivateKey(suite, index, leafPriv)
	if pathSecret == nil {
		return priv, nil
	}

	fdp := tree.filteredDirectPath(sender)
	lca := ancestor(index, sender)
	start := -1
	for i, e := range fdp {
		if e.Parent == lca {
			start = i
			break
		}
	}

	if start < 0 {
		return nil, fmt.Errorf("mls.treekem: %w: path secret for node %d is not on the committer's path", ErrValidation, lca)
	}

	err := priv.setPathSecrets(fdp[start:], pathSecret, func(i int) (HPKEPublicKey, bool) {
		n := fdp[start+i].Parent
		if tree.Nodes[n].Blank() {
			return HPKEPublicKey{}, false
		}
		return tree.publicKey(n), true
	})
	if err != nil {
		priv.zeroize()
		return nil, err
	}

	return priv, nil
}

func (priv TreeKEMPrivateKey) pathStep(pathSecret []byte) []byte {
	return priv.Suite.deriveSecret(pathSecret, "path")
}

// Walks a segment of the filtered direct path, deriving the node key of each
// entry from the running path secret.  When `expected` is non-nil, every
// derived public key must match the one it returns.  Returns the last path
// secret.
func (priv *TreeKEMPrivateKey) setPathSecrets(path []fdpEntry, secret []byte, expected func(int) (HPKEPublicKey, bool)) error {
	pathSecret := dup(secret)
	for i, e := range path {
		if i > 0 {
			next := priv.pathStep(pathSecret)
			zeroize(pathSecret)
			pathSecret = next
		}

		nodePriv := priv.Suite.deriveNodeKey(pathSecret)
		if expected != nil {
			pub, ok := expected(i)
			if !ok || pub != nodePriv.PublicKey {
				nodePriv.zeroize()
				zeroize(pathSecret)
				return fmt.Errorf("mls.treekem: %w: derived key for node %d does not match", ErrProcessMessage, e.Parent)
			}
		}

		priv.setPrivate(e.Parent, dup(pathSecret), nodePriv)
	}

	zeroize(pathSecret)
	return nil
}

func (priv *TreeKEMPrivateKey) setPrivate(n NodeIndex, pathSecret []byte, nodePriv HPKEPrivateKey) {
	if old, ok := priv.PathSecrets[n]; ok {
		zeroize(old)
	}

	if old, ok := priv.PrivateKeys[n]; ok {
		old.zeroize()
	}

	priv.PathSecrets[n] = pathSecret
	priv.PrivateKeys[n] = nodePriv
}

func (priv *TreeKEMPrivateKey) remove(n NodeIndex) {
	if secret, ok := priv.PathSecrets[n]; ok {
		zeroize(secret)
		delete(priv.PathSecrets, n)
	}

	if key, ok := priv.PrivateKeys[n]; ok {
		key.zeroize()
		delete(priv.PrivateKeys, n)
	}
}

// PathSecret returns the path secret this member holds for the lowest common
// ancestor of its leaf and `to`.
func (priv TreeKEMPrivateKey) PathSecret(to LeafIndex) (NodeIndex, []byte, bool) {
	n := ancestor(priv.Index, to)
	secret, ok := priv.PathSecrets[n]
	if !ok {
		return 0, nil, false
	}

	return n, dup(secret), true
}

func (priv TreeKEMPrivateKey) LeafKey() (HPKEPrivateKey, bool) {
	key, ok := priv.PrivateKeys[toNodeIndex(priv.Index)]
	return key, ok
}

// Drops keys for nodes that are blank or whose public key has changed
func (priv *TreeKEMPrivateKey) prune(tree *RatchetTree) {
	for _, n := range priv.nodes() {
		if int(n) >= len(tree.Nodes) || tree.Nodes[n].Blank() || tree.publicKey(n) != priv.PrivateKeys[n].PublicKey {
			priv.remove(n)
		}
	}

	for n := range priv.PathSecrets {
		if _, ok := priv.PrivateKeys[n]; !ok {
			zeroize(priv.PathSecrets[n])
			delete(priv.PathSecrets, n)
		}
	}
}

// Consistent reports whether every private key matches the public key held
// in the tree, and the leaf key is present.
func (priv TreeKEMPrivateKey) Consistent(tree *RatchetTree) bool {
	if priv.Suite != tree.Suite {
		return false
	}

	if _, ok := priv.LeafKey(); !ok {
		return false
	}

	for n, nodePriv := range priv.PrivateKeys {
		if int(n) >= len(tree.Nodes) || tree.Nodes[n].Blank() {
			return false
		}

		if tree.publicKey(n) != nodePriv.PublicKey {
			return false
		}
	}

	return true
}

func (priv TreeKEMPrivateKey) nodes() []NodeIndex {
	out := make([]NodeIndex, 0, len(priv.PrivateKeys))
	for n := range priv.PrivateKeys {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (priv TreeKEMPrivateKey) Clone() *TreeKEMPrivateKey {
	next := &TreeKEMPrivateKey{
		Suite:       priv.Suite,
		Index:       priv.Index,
		PathSecrets: make(map[NodeIndex][]byte, len(priv.PathSecrets)),
		PrivateKeys: make(map[NodeIndex]HPKEPrivateKey, len(priv.PrivateKeys)),
	}

	for n, secret := range priv.PathSecrets {
		next.PathSecrets[n] = dup(secret)
	}

	for n, key := range priv.PrivateKeys {
		next.PrivateKeys[n] = key
	}

	return next
}

func (priv *TreeKEMPrivateKey) zeroize() {
	for _, n := range priv.nodes() {
		priv.remove(n)
	}

	for n, secret := range priv.PathSecrets {
		zeroize(secret)
		delete(priv.PathSecrets, n)
	}
}

////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////

// Encap rotates the leaf of `from` and generates an UpdatePath over its
// filtered direct path, merging the result into the tree.  The returned
// commit secret is the last path secret, or a fresh random value when the
// filtered direct path is empty.
func (t *RatchetTree) Encap(from LeafIndex, sigPriv SignaturePrivateKey) (*TreeKEMPrivateKey, *UpdatePath, []byte, error) {
	oldLeaf, ok := t.LeafNode(from)
	if !ok {
		return nil, nil, nil, fmt.Errorf("mls.treekem: %w: encap from vacant leaf %d", ErrInvalidArg, from)
	}

	leafPriv, err := t.Suite.GenerateHPKEKey()
	if err != nil {
		return nil, nil, nil, err
	}

	priv := NewTreeKEMPrivateKey(t.Suite, from, leafPriv)
	fdp := t.filteredDirectPath(from)
	path := &UpdatePath{Nodes: make([]UpdatePathNode, len(fdp))}

	var commitSecret []byte
	if len(fdp) == 0 {
		commitSecret, err = randomBytes(t.Suite.Constants().SecretSize)
		if err != nil {
			return nil, nil, nil, err
		}
	} else {
		leafSecret, err := randomBytes(t.Suite.Constants().SecretSize)
		if err != nil {
			return nil, nil, nil, err
		}

		err = priv.setPathSecrets(fdp, leafSecret, nil)
		zeroize(leafSecret)
		if err != nil {
			return nil, nil, nil, err
		}

		for i, e := range fdp {
			pathSecret := priv.PathSecrets[e.Parent]
			path.Nodes[i].EncryptionKey = priv.PrivateKeys[e.Parent].PublicKey

			res := t.resolve(e.Copath)
			path.Nodes[i].EncryptedPathSecrets = make([]HPKECiphertext, len(res))
			for j, nr := range res {
				path.Nodes[i].EncryptedPathSecrets[j], err = t.Suite.hpkeSeal(t.publicKey(nr), pathSecret)
				if err != nil {
					priv.zeroize()
					return nil, nil, nil, err
				}
			}
		}

		commitSecret = dup(priv.PathSecrets[fdp[len(fdp)-1].Parent])
	}

	// Re-sign the leaf over the new key and parent hash
	_, leafParentHash := path.parentHashes(t.Suite)
	leaf := oldLeaf.Clone()
	leaf.EncryptionKey = leafPriv.PublicKey
	leaf.Source = LeafNodeSourceCommit
	leaf.ParentHash = leafParentHash
	if err := leaf.sign(t.Suite, sigPriv); err != nil {
		priv.zeroize()
		zeroize(commitSecret)
		return nil, nil, nil, err
	}
	path.LeafNode = leaf

	if err := t.Merge(from, *path); err != nil {
		priv.zeroize()
		zeroize(commitSecret)
		return nil, nil, nil, err
	}

	return priv, path, commitSecret, nil
}

// Merge installs an UpdatePath from `from`.  Direct path nodes outside the
// filtered direct path are blanked; the others receive the path's public keys
// and parent hashes with empty unmerged lists.
func (t *RatchetTree) Merge(from LeafIndex, path UpdatePath) error {
	if !t.occupied(from) {
		return fmt.Errorf("mls.treekem: %w: merge into vacant leaf %d", ErrInvalidArg, from)
	}

	fdp := t.filteredDirectPath(from)
	if len(fdp) != len(path.Nodes) {
		return fmt.Errorf("mls.treekem: %w: path has %d nodes, expected %d", ErrProcessMessage, len(path.Nodes), len(fdp))
	}

	ph, _ := path.parentHashes(t.Suite)

	ni := toNodeIndex(from)
	t.Nodes[ni] = newLeafNode(path.LeafNode.Clone())
	for _, n := range dirpath(ni, t.Size()) {
		t.Nodes[n].SetToBlank()
	}

	for i, e := range fdp {
		t.Nodes[e.Parent] = newParentNode(ParentNode{
			EncryptionKey:  path.Nodes[i].EncryptionKey,
			ParentHash:     dup(ph[i]),
			UnmergedLeaves: []LeafIndex{},
		})
	}

	t.clearHashPath(from)
	return nil
}

// verifyPath checks an UpdatePath from `from` against the tree before it is
// merged.  The new leaf must be signed by the sender's current signature key
// and carry the parent hash of the path.
func (t RatchetTree) verifyPath(from LeafIndex, path UpdatePath) error {
	current, ok := t.LeafNode(from)
	if !ok {
		return fmt.Errorf("mls.treekem: %w: path from vacant leaf %d", ErrProcessMessage, from)
	}

	leaf := path.LeafNode
	if leaf.Source != LeafNodeSourceCommit {
		return fmt.Errorf("mls.treekem: %w: path leaf source %d", ErrValidation, leaf.Source)
	}

	if leaf.SignatureKey != current.SignatureKey || !leaf.Credential.Equals(current.Credential) {
		return fmt.Errorf("mls.treekem: %w: path leaf changes the sender's identity", ErrValidation)
	}

	if !leaf.VerifyWith(t.Suite, current.SignatureKey) {
		return fmt.Errorf("mls.treekem: %w: path leaf signature", ErrSignature)
	}

	if !leaf.SupportsSuite(t.Suite) {
		return fmt.Errorf("mls.treekem: %w: path leaf does not support %s", ErrValidation, t.Suite)
	}

	if len(path.Nodes) != len(t.filteredDirectPath(from)) {
		return fmt.Errorf("mls.treekem: %w: path has %d nodes", ErrProcessMessage, len(path.Nodes))
	}

	_, leafParentHash := path.parentHashes(t.Suite)
	if !bytes.Equal(leafParentHash, leaf.ParentHash) {
		return fmt.Errorf("mls.treekem: %w: parent hash mismatch", ErrValidation)
	}

	return nil
}

// Decap consumes an UpdatePath sent by `from`, merging it into the tree and
// updating the private keys in place.  The tree must already reflect the
// commit's proposals.  Returns the commit secret.
func (priv *TreeKEMPrivateKey) Decap(tree *RatchetTree, from LeafIndex, path UpdatePath) ([]byte, error) {
	if from == priv.Index {
		return nil, fmt.Errorf("mls.treekem: %w: decap of own path", ErrInvalidArg)
	}

	if err := tree.verifyPath(from, path); err != nil {
		return nil, err
	}

	fdp := tree.filteredDirectPath(from)
	lca := ancestor(priv.Index, from)
	pos := -1
	for i, e := range fdp {
		if e.Parent == lca {
			pos = i
			break
		}
	}

	if pos < 0 {
		return nil, fmt.Errorf("mls.treekem: %w: no path node covers leaf %d", ErrProcessMessage, priv.Index)
	}

	res := tree.resolve(fdp[pos].Copath)
	cts := path.Nodes[pos].EncryptedPathSecrets
	if len(res) != len(cts) {
		return nil, fmt.Errorf("mls.treekem: %w: %d ciphertexts for a resolution of %d", ErrProcessMessage, len(cts), len(res))
	}

	var pathSecret []byte
	for i, n := range res {
		nodePriv, ok := priv.PrivateKeys[n]
		if !ok {
			continue
		}

		var err error
		pathSecret, err = priv.Suite.hpkeOpen(nodePriv, cts[i])
		if err != nil {
			return nil, err
		}
		break
	}

	if pathSecret == nil {
		return nil, fmt.Errorf("mls.treekem: %w: unable to decrypt path secret", ErrProcessMessage)
	}
	defer zeroize(pathSecret)

	err := priv.setPathSecrets(fdp[pos:], pathSecret, func(i int) (HPKEPublicKey, bool) {
		return path.Nodes[pos+i].EncryptionKey, true
	})
	if err != nil {
		return nil, err
	}

	commitSecret := dup(priv.PathSecrets[fdp[len(fdp)-1].Parent])

	if err := tree.Merge(from, path); err != nil {
		zeroize(commitSecret)
		return nil, err
	}

	priv.prune(tree)
	return commitSecret, nil
}
