// Package vectors generates and verifies JSON test vectors for the tree
// math, the suite 0x0001 derivations and the NIP-44 envelope.
package vectors

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	mls "github.com/marmot-protocol/go-marmot"
	"github.com/marmot-protocol/go-marmot/nip44"
	"github.com/marmot-protocol/go-marmot/tree-math"
)

func checkDeepEqual(label string, actual, expected interface{}) error {
	if !reflect.DeepEqual(actual, expected) {
		return fmt.Errorf("%s : %v != %v", label, actual, expected)
	}
	return nil
}

// HexBytes is a byte string carried as hex in JSON
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

func randomBytes(n int) (HexBytes, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

///
/// Tree math
///

type TreeMath struct {
	NLeaves    treeMath.LeafCount     `json:"n_leaves"`
	NNodes     treeMath.NodeCount     `json:"n_nodes"`
	Root       []treeMath.NodeIndex   `json:"root"`
	Left       []*treeMath.NodeIndex  `json:"left"`
	Right      []*treeMath.NodeIndex  `json:"right"`
	Parent     []*treeMath.NodeIndex  `json:"parent"`
	Sibling    []*treeMath.NodeIndex  `json:"sibling"`
	DirectPath [][]treeMath.NodeIndex `json:"direct_path"`
	Copath     [][]treeMath.NodeIndex `json:"copath"`
}

func NewTreeMath(nLeavesIn uint32) (TreeMath, error) {
	nLeaves := treeMath.LeafCount(nLeavesIn)
	if nLeaves == 0 || nLeaves > treeMath.MaxLeafCount {
		return TreeMath{}, fmt.Errorf("vectors: %w: %d leaves", mls.ErrInvalidArg, nLeavesIn)
	}
	nNodes := treeMath.NodeWidth(nLeaves)

	vec := TreeMath{
		NLeaves:    nLeaves,
		NNodes:     nNodes,
		Root:       make([]treeMath.NodeIndex, nLeaves),
		Left:       make([]*treeMath.NodeIndex, nNodes),
		Right:      make([]*treeMath.NodeIndex, nNodes),
		Parent:     make([]*treeMath.NodeIndex, nNodes),
		Sibling:    make([]*treeMath.NodeIndex, nNodes),
		DirectPath: make([][]treeMath.NodeIndex, nLeaves),
		Copath:     make([][]treeMath.NodeIndex, nLeaves),
	}

	for i := range vec.Root {
		vec.Root[i] = treeMath.Root(treeMath.LeafCount(i + 1))
	}

	for i := range vec.Left {
		vec.Left[i] = treeMath.Left(treeMath.NodeIndex(i))
		vec.Right[i] = treeMath.Right(treeMath.NodeIndex(i), nLeaves)
		vec.Parent[i] = treeMath.Parent(treeMath.NodeIndex(i), nLeaves)
		vec.Sibling[i] = treeMath.Sibling(treeMath.NodeIndex(i), nLeaves)
	}

	for i := range vec.DirectPath {
		leaf := treeMath.ToNodeIndex(treeMath.LeafIndex(i))
		vec.DirectPath[i] = treeMath.DirectPath(leaf, nLeaves)
		vec.Copath[i] = treeMath.Copath(leaf, nLeaves)
	}

	return vec, nil
}

func (vec TreeMath) Verify() error {
	err := checkDeepEqual("Node count", vec.NNodes, treeMath.NodeWidth(vec.NLeaves))
	if err != nil {
		return err
	}

	if len(vec.Root) != int(vec.NLeaves) || len(vec.DirectPath) != int(vec.NLeaves) || len(vec.Copath) != int(vec.NLeaves) {
		return fmt.Errorf("vectors: %w: per-leaf arrays do not match %d leaves", mls.ErrInvalidArg, vec.NLeaves)
	}

	n := int(vec.NNodes)
	if len(vec.Left) != n || len(vec.Right) != n || len(vec.Parent) != n || len(vec.Sibling) != n {
		return fmt.Errorf("vectors: %w: per-node arrays do not match %d nodes", mls.ErrInvalidArg, n)
	}

	for i, r := range vec.Root {
		label := fmt.Sprintf("Root[%d]", i)
		err := checkDeepEqual(label, r, treeMath.Root(treeMath.LeafCount(i+1)))
		if err != nil {
			return err
		}
	}

	for i := treeMath.NodeIndex(0); i < treeMath.NodeIndex(vec.NNodes); i++ {
		label := fmt.Sprintf("Left[%d]", i)
		err := checkDeepEqual(label, vec.Left[i], treeMath.Left(i))
		if err != nil {
			return err
		}

		label = fmt.Sprintf("Right[%d]", i)
		err = checkDeepEqual(label, vec.Right[i], treeMath.Right(i, vec.NLeaves))
		if err != nil {
			return err
		}

		label = fmt.Sprintf("Parent[%d]", i)
		err = checkDeepEqual(label, vec.Parent[i], treeMath.Parent(i, vec.NLeaves))
		if err != nil {
			return err
		}

		label = fmt.Sprintf("Sibling[%d]", i)
		err = checkDeepEqual(label, vec.Sibling[i], treeMath.Sibling(i, vec.NLeaves))
		if err != nil {
			return err
		}
	}

	for i := range vec.DirectPath {
		leaf := treeMath.ToNodeIndex(treeMath.LeafIndex(i))

		label := fmt.Sprintf("DirectPath[%d]", i)
		if err := checkDeepEqual(label, vec.DirectPath[i], treeMath.DirectPath(leaf, vec.NLeaves)); err != nil {
			return err
		}

		label = fmt.Sprintf("Copath[%d]", i)
		if err := checkDeepEqual(label, vec.Copath[i], treeMath.Copath(leaf, vec.NLeaves)); err != nil {
			return err
		}
	}

	return nil
}

///
/// Crypto
///

// Crypto fixes the inputs of the suite derivations and records each output
type Crypto struct {
	CipherSuite mls.CipherSuite `json:"cipher_suite"`

	Secret  HexBytes `json:"secret"`
	Label   string   `json:"label"`
	Context HexBytes `json:"context"`
	Length  int      `json:"length"`

	Digest          HexBytes `json:"digest"`
	Extracted       HexBytes `json:"extracted"`
	ExpandWithLabel HexBytes `json:"expand_with_label"`
	DeriveSecret    HexBytes `json:"derive_secret"`
	Exported        HexBytes `json:"exported"`
}

func (vec *Crypto) compute() (*Crypto, error) {
	suite := vec.CipherSuite
	if err := suite.ValidForTLS(); err != nil {
		return nil, err
	}

	out := &Crypto{
		CipherSuite: suite,
		Secret:      vec.Secret,
		Label:       vec.Label,
		Context:     vec.Context,
		Length:      vec.Length,
		Digest:      suite.Digest(vec.Secret),
		Extracted:   suite.HKDFExtract(vec.Context, vec.Secret),
	}

	var err error
	out.ExpandWithLabel, err = suite.ExpandWithLabel(vec.Secret, vec.Label, vec.Context, vec.Length)
	if err != nil {
		return nil, err
	}

	out.DeriveSecret = suite.DeriveSecret(vec.Secret, vec.Label)

	out.Exported, err = suite.Export(vec.Secret, vec.Label, vec.Context, vec.Length)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func NewCrypto(label string, length int) (*Crypto, error) {
	secret, err := randomBytes(32)
	if err != nil {
		return nil, err
	}

	context, err := randomBytes(16)
	if err != nil {
		return nil, err
	}

	in := &Crypto{
		CipherSuite: mls.X25519_AES128GCM_SHA256_Ed25519,
		Secret:      secret,
		Label:       label,
		Context:     context,
		Length:      length,
	}
	return in.compute()
}

func (vec Crypto) Verify() error {
	expected, err := vec.compute()
	if err != nil {
		return err
	}
	return checkDeepEqual("Crypto", vec, *expected)
}

///
/// NIP-44
///

type NIP44 struct {
	Sec1            HexBytes `json:"sec1"`
	Pub2            HexBytes `json:"pub2"`
	ConversationKey HexBytes `json:"conversation_key"`
	Nonce           HexBytes `json:"nonce"`
	Plaintext       string   `json:"plaintext"`
	Payload         string   `json:"payload"`
}

func NewNIP44(plaintext string) (*NIP44, error) {
	sec1, err := randomBytes(32)
	if err != nil {
		return nil, err
	}

	sec2, err := randomBytes(32)
	if err != nil {
		return nil, err
	}

	nonce, err := randomBytes(32)
	if err != nil {
		return nil, err
	}

	pub2, err := nip44.XOnlyPublicKey(sec2)
	if err != nil {
		return nil, err
	}

	vec := &NIP44{Sec1: sec1, Pub2: pub2, Nonce: nonce, Plaintext: plaintext}
	key, payload, err := vec.compute()
	if err != nil {
		return nil, err
	}

	vec.ConversationKey = key[:]
	vec.Payload = payload
	return vec, nil
}

func (vec NIP44) compute() ([32]byte, string, error) {
	key, err := nip44.ConversationKey(vec.Sec1, vec.Pub2)
	if err != nil {
		return key, "", err
	}

	if len(vec.Nonce) != 32 {
		return key, "", fmt.Errorf("vectors: %w: nonce of %d bytes", mls.ErrInvalidArg, len(vec.Nonce))
	}

	var nonce [32]byte
	copy(nonce[:], vec.Nonce)
	payload, err := nip44.EncryptWithNonce([]byte(vec.Plaintext), key, nonce)
	return key, payload, err
}

func (vec NIP44) Verify() error {
	key, payload, err := vec.compute()
	if err != nil {
		return err
	}

	if err := checkDeepEqual("ConversationKey", HexBytes(key[:]), vec.ConversationKey); err != nil {
		return err
	}

	if err := checkDeepEqual("Payload", payload, vec.Payload); err != nil {
		return err
	}

	pt, err := nip44.Decrypt(vec.Payload, key)
	if err != nil {
		return err
	}
	return checkDeepEqual("Plaintext", string(pt), vec.Plaintext)
}

///
/// Dispatch by name
///

const (
	TypeTreeMath = "tree_math"
	TypeCrypto   = "crypto"
	TypeNIP44    = "nip44"
)

// Verifier is implemented by every vector type
type Verifier interface {
	Verify() error
}

// Generate produces a vector of the named type as JSON.  n is the leaf count
// for tree math and the output length for crypto.
func Generate(vectorType string, n uint32) ([]byte, error) {
	var vec interface{}
	var err error

	switch vectorType {
	case TypeTreeMath:
		vec, err = NewTreeMath(n)
	case TypeCrypto:
		vec, err = NewCrypto("marmot test", int(n))
	case TypeNIP44:
		vec, err = NewNIP44(fmt.Sprintf("test vector of %d", n))
	default:
		return nil, fmt.Errorf("vectors: %w: vector type %q", mls.ErrUnsupported, vectorType)
	}

	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(vec, "", "  ")
}

// Verify checks a JSON vector of the named type
func Verify(vectorType string, data []byte) error {
	var vec Verifier
	switch vectorType {
	case TypeTreeMath:
		vec = new(TreeMath)
	case TypeCrypto:
		vec = new(Crypto)
	case TypeNIP44:
		vec = new(NIP44)
	default:
		return fmt.Errorf("vectors: %w: vector type %q", mls.ErrUnsupported, vectorType)
	}

	if err := json.Unmarshal(data, vec); err != nil {
		return fmt.Errorf("vectors: %w: %v", mls.ErrDeserialization, err)
	}
	return vec.Verify()
}
