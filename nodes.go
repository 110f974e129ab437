package mls

import (
	"bytes"
	"fmt"
)

type LeafNodeSource uint8

const (
	LeafNodeSourceKeyPackage LeafNodeSource = 1
	LeafNodeSourceUpdate     LeafNodeSource = 2
	LeafNodeSourceCommit     LeafNodeSource = 3
)

func (lns LeafNodeSource) ValidForTLS() error {
	return validateEnum(lns, LeafNodeSourceKeyPackage, LeafNodeSourceUpdate, LeafNodeSourceCommit)
}

///
/// LeafNode
///

// struct {
//     HPKEPublicKey encryption_key;
//     SignaturePublicKey signature_key;
//     Credential credential;
//     CipherSuite capabilities<0..2^16-1>;
//     LeafNodeSource leaf_node_source;
//     select (LeafNode.leaf_node_source) {
//         case commit:
//             opaque parent_hash<0..255>;
//     };
//     opaque extensions<0..2^32-1>;
//     /* SignWithLabel(., "LeafNodeTBS", LeafNodeTBS) */
//     opaque signature<0..2^16-1>;
// } LeafNode;
type LeafNode struct {
	EncryptionKey HPKEPublicKey
	SignatureKey  SignaturePublicKey
	Credential    Credential
	Capabilities  []CipherSuite
	Source        LeafNodeSource
	ParentHash    []byte
	Extensions    []byte
	Signature     []byte
}

// Advertised suites are carried as raw code points.  A leaf may list suites
// this implementation does not speak; only the group's suite must be present.
type capabilityList struct {
	CipherSuites []uint16 `tls:"head=2"`
}

func newCapabilityList(suites []CipherSuite) capabilityList {
	caps := capabilityList{CipherSuites: make([]uint16, len(suites))}
	for i, cs := range suites {
		caps.CipherSuites[i] = uint16(cs)
	}
	return caps
}

func (caps capabilityList) suites() []CipherSuite {
	out := make([]CipherSuite, len(caps.CipherSuites))
	for i, cs := range caps.CipherSuites {
		out[i] = CipherSuite(cs)
	}
	return out
}

func (ln LeafNode) writeTBS(s *WriteStream) error {
	if err := ln.Source.ValidForTLS(); err != nil {
		return err
	}

	err := s.WriteAll(ln.EncryptionKey, ln.SignatureKey, ln.Credential,
		newCapabilityList(ln.Capabilities), ln.Source)
	if err != nil {
		return err
	}

	if ln.Source == LeafNodeSourceCommit {
		if err := s.Write(Bytes1(ln.ParentHash)); err != nil {
			return err
		}
	}

	return s.Write(Bytes4(ln.Extensions))
}

func (ln LeafNode) toBeSigned() ([]byte, error) {
	s := NewWriteStream()
	if err := ln.writeTBS(s); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (ln LeafNode) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := ln.writeTBS(s); err != nil {
		return nil, err
	}

	if err := s.Write(Bytes2(ln.Signature)); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (ln *LeafNode) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var caps capabilityList
	_, err := s.ReadAll(&ln.EncryptionKey, &ln.SignatureKey, &ln.Credential, &caps, &ln.Source)
	if err != nil {
		return 0, err
	}
	ln.Capabilities = caps.suites()

	if err := ln.Source.ValidForTLS(); err != nil {
		return 0, err
	}

	ln.ParentHash = nil
	if ln.Source == LeafNodeSourceCommit {
		var ph Bytes1
		if _, err := s.Read(&ph); err != nil {
			return 0, err
		}
		ln.ParentHash = ph
	}

	var ext Bytes4
	var sig Bytes2
	if _, err := s.ReadAll(&ext, &sig); err != nil {
		return 0, err
	}
	ln.Extensions = ext
	ln.Signature = sig

	return s.Consumed(), nil
}

func (ln *LeafNode) sign(suite CipherSuite, priv SignaturePrivateKey) error {
	if !bytes.Equal(priv.PublicKey[:], ln.SignatureKey[:]) {
		return fmt.Errorf("mls.leaf: %w: signing key does not match leaf", ErrInvalidArg)
	}

	tbs, err := ln.toBeSigned()
	if err != nil {
		return err
	}

	ln.Signature, err = suite.sign(priv, tbs)
	return err
}

// Verify checks the leaf signature under the leaf's own signature key
func (ln LeafNode) Verify(suite CipherSuite) bool {
	return ln.VerifyWith(suite, ln.SignatureKey)
}

func (ln LeafNode) VerifyWith(suite CipherSuite, pub SignaturePublicKey) bool {
	tbs, err := ln.toBeSigned()
	if err != nil {
		return false
	}

	return suite.verify(pub, tbs, ln.Signature)
}

func (ln LeafNode) SupportsSuite(suite CipherSuite) bool {
	for _, cs := range ln.Capabilities {
		if cs == suite {
			return true
		}
	}
	return false
}

func (ln LeafNode) Clone() LeafNode {
	out := LeafNode{
		EncryptionKey: ln.EncryptionKey,
		SignatureKey:  ln.SignatureKey,
		Credential:    ln.Credential.Clone(),
		Capabilities:  make([]CipherSuite, len(ln.Capabilities)),
		Source:        ln.Source,
		ParentHash:    dup(ln.ParentHash),
		Extensions:    dup(ln.Extensions),
		Signature:     dup(ln.Signature),
	}
	copy(out.Capabilities, ln.Capabilities)
	return out
}

func (ln LeafNode) Equals(o LeafNode) bool {
	lhs, errL := ln.MarshalTLS()
	rhs, errR := o.MarshalTLS()
	return errL == nil && errR == nil && bytes.Equal(lhs, rhs)
}

///
/// ParentNode
///

// struct {
//     HPKEPublicKey encryption_key;
//     opaque parent_hash<0..255>;
//     uint32 unmerged_leaves<0..2^16-1>;
// } ParentNode;
type ParentNode struct {
	EncryptionKey  HPKEPublicKey
	ParentHash     []byte      `tls:"head=1"`
	UnmergedLeaves []LeafIndex `tls:"head=2"`
}

func (n ParentNode) Clone() ParentNode {
	out := ParentNode{
		EncryptionKey:  n.EncryptionKey,
		ParentHash:     dup(n.ParentHash),
		UnmergedLeaves: make([]LeafIndex, len(n.UnmergedLeaves)),
	}
	copy(out.UnmergedLeaves, n.UnmergedLeaves)
	return out
}

func (n ParentNode) Equals(o ParentNode) bool {
	if n.EncryptionKey != o.EncryptionKey || !bytes.Equal(n.ParentHash, o.ParentHash) {
		return false
	}

	if len(n.UnmergedLeaves) != len(o.UnmergedLeaves) {
		return false
	}

	for i := range n.UnmergedLeaves {
		if n.UnmergedLeaves[i] != o.UnmergedLeaves[i] {
			return false
		}
	}
	return true
}

func (n *ParentNode) AddUnmerged(l LeafIndex) {
	for _, u := range n.UnmergedLeaves {
		if u == l {
			return
		}
	}
	n.UnmergedLeaves = append(n.UnmergedLeaves, l)
}

func (n *ParentNode) RemoveUnmerged(l LeafIndex) {
	out := n.UnmergedLeaves[:0]
	for _, u := range n.UnmergedLeaves {
		if u != l {
			out = append(out, u)
		}
	}
	n.UnmergedLeaves = out
}

///
/// Node
///

type NodeType uint8

const (
	NodeTypeLeaf   NodeType = 1
	NodeTypeParent NodeType = 2
)

func (nt NodeType) ValidForTLS() error {
	return validateEnum(nt, NodeTypeLeaf, NodeTypeParent)
}

// struct {
//     NodeType node_type;
//     select (Node.node_type) {
//         case leaf:   LeafNode leaf_node;
//         case parent: ParentNode parent_node;
//     };
// } Node;
type Node struct {
	Leaf   *LeafNode
	Parent *ParentNode
}

func (n Node) Type() NodeType {
	switch {
	case n.Leaf != nil:
		return NodeTypeLeaf

	case n.Parent != nil:
		return NodeTypeParent

	default:
		panic("Malformed node")
	}
}

func (n Node) PublicKey() HPKEPublicKey {
	switch n.Type() {
	case NodeTypeLeaf:
		return n.Leaf.EncryptionKey
	default:
		return n.Parent.EncryptionKey
	}
}

func (n Node) Equals(o Node) bool {
	switch {
	case n.Leaf != nil && o.Leaf != nil:
		return n.Leaf.Equals(*o.Leaf)

	case n.Parent != nil && o.Parent != nil:
		return n.Parent.Equals(*o.Parent)
	}

	return false
}

func (n Node) Clone() Node {
	switch {
	case n.Leaf != nil:
		leaf := n.Leaf.Clone()
		return Node{Leaf: &leaf}

	case n.Parent != nil:
		parent := n.Parent.Clone()
		return Node{Parent: &parent}
	}

	return Node{}
}

func (n Node) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	switch {
	case n.Leaf != nil:
		if err := s.WriteAll(NodeTypeLeaf, *n.Leaf); err != nil {
			return nil, err
		}

	case n.Parent != nil:
		if err := s.WriteAll(NodeTypeParent, *n.Parent); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("mls.node: %w: empty node", ErrTLSCodec)
	}

	return s.Data(), nil
}

func (n *Node) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var nodeType NodeType
	if _, err := s.Read(&nodeType); err != nil {
		return 0, err
	}

	n.Leaf, n.Parent = nil, nil
	switch nodeType {
	case NodeTypeLeaf:
		n.Leaf = new(LeafNode)
		if _, err := s.Read(n.Leaf); err != nil {
			return 0, err
		}

	case NodeTypeParent:
		n.Parent = new(ParentNode)
		if _, err := s.Read(n.Parent); err != nil {
			return 0, err
		}

	default:
		return 0, fmt.Errorf("mls.node: %w: node type %d", ErrTLSCodec, nodeType)
	}

	return s.Consumed(), nil
}

///
/// OptionalNode
///

type OptionalNode struct {
	Node *Node
	Hash []byte
}

func newLeafNode(leaf LeafNode) OptionalNode {
	return OptionalNode{Node: &Node{Leaf: &leaf}}
}

func newParentNode(parent ParentNode) OptionalNode {
	return OptionalNode{Node: &Node{Parent: &parent}}
}

func (n OptionalNode) Blank() bool {
	return n.Node == nil
}

func (n *OptionalNode) SetToBlank() {
	n.Node = nil
	n.Hash = nil
}

func (n OptionalNode) Clone() OptionalNode {
	out := OptionalNode{Hash: dup(n.Hash)}
	if n.Node != nil {
		node := n.Node.Clone()
		out.Node = &node
	}
	return out
}

// Compare node values, not hashes
func (n OptionalNode) Equals(o OptionalNode) bool {
	switch {
	case n.Blank() != o.Blank():
		return false

	case n.Blank():
		return true
	}

	return n.Node.Equals(*o.Node)
}

///
/// Tree hash inputs
///

// leaf: hash(u8(1) || u32 leaf_index || optional<LeafNode> leaf_node)
func (n *OptionalNode) setLeafNodeHash(suite CipherSuite, index LeafIndex) error {
	s := NewWriteStream()
	if err := s.WriteAll(NodeTypeLeaf, index); err != nil {
		return err
	}

	if err := writeOptional(s, n, NodeTypeLeaf); err != nil {
		return err
	}

	n.Hash = suite.Digest(s.Data())
	return nil
}

// parent: hash(u8(2) || optional<ParentNode> parent_node ||
//               opaque left_hash<0..255> || opaque right_hash<0..255>)
func (n *OptionalNode) setParentNodeHash(suite CipherSuite, lh, rh []byte) error {
	s := NewWriteStream()
	if err := s.Write(NodeTypeParent); err != nil {
		return err
	}

	if err := writeOptional(s, n, NodeTypeParent); err != nil {
		return err
	}

	if err := s.WriteAll(Bytes1(lh), Bytes1(rh)); err != nil {
		return err
	}

	n.Hash = suite.Digest(s.Data())
	return nil
}

func writeOptional(s *WriteStream, n *OptionalNode, expected NodeType) error {
	if n.Blank() {
		return s.Write(uint8(0))
	}

	if n.Node.Type() != expected {
		return fmt.Errorf("mls.node: %w: node type %d at position of type %d", ErrInternal, n.Node.Type(), expected)
	}

	if err := s.Write(uint8(1)); err != nil {
		return err
	}

	if expected == NodeTypeLeaf {
		return s.Write(*n.Node.Leaf)
	}
	return s.Write(*n.Node.Parent)
}
