package mls

import (
	"fmt"
)

///
/// TreeSecrets
///

// One entry per node whose private key is held; the leaf has no path secret.
type treeSecret struct {
	Node       NodeIndex
	PathSecret []byte `tls:"head=1"`
	PrivateKey HPKEPrivateKey
}

type TreeSecrets struct {
	Index   LeafIndex
	Entries []treeSecret `tls:"head=4"`
}

func newTreeSecrets(priv TreeKEMPrivateKey) TreeSecrets {
	ts := TreeSecrets{Index: priv.Index, Entries: []treeSecret{}}
	for _, n := range priv.nodes() {
		ts.Entries = append(ts.Entries, treeSecret{
			Node:       n,
			PathSecret: dup(priv.PathSecrets[n]),
			PrivateKey: priv.PrivateKeys[n],
		})
	}
	return ts
}

func (ts TreeSecrets) privateKey(suite CipherSuite) *TreeKEMPrivateKey {
	priv := &TreeKEMPrivateKey{
		Suite:       suite,
		Index:       ts.Index,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}

	for _, e := range ts.Entries {
		priv.PrivateKeys[e.Node] = e.PrivateKey
		if len(e.PathSecret) > 0 {
			priv.PathSecrets[e.Node] = e.PathSecret
		}
	}
	return priv
}

///
/// StateSecrets
///

const stateBlobVersion uint8 = 1

// The persisted form of a State.  It holds every private key of the member
// and must be stored accordingly.
type StateSecrets struct {
	Version                 uint8
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	Tree                    RatchetTree
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Extensions              []byte `tls:"head=4"`
	Index                   LeafIndex
	IdentityPriv            SignaturePrivateKey
	MaxForwardDistance      uint32
	Evicted                 uint8
	TreeSecrets             TreeSecrets
	GroupContext            []byte `tls:"head=4"`
	EpochSecrets            EpochSecrets
	Keys                    SecretTree
}

func (s State) MarshalBinary() ([]byte, error) {
	if s.TreePriv == nil || s.Keys.Keys == nil {
		return nil, fmt.Errorf("mls.state: %w: state has no secrets", ErrInvalidArg)
	}

	ss := StateSecrets{
		Version:                 stateBlobVersion,
		CipherSuite:             s.CipherSuite,
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		Tree:                    s.Tree,
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		InterimTranscriptHash:   s.InterimTranscriptHash,
		Extensions:              s.Extensions,
		Index:                   s.Index,
		IdentityPriv:            s.IdentityPriv,
		MaxForwardDistance:      s.MaxForwardDistance,
		TreeSecrets:             newTreeSecrets(*s.TreePriv),
		GroupContext:            s.Keys.GroupContext,
		EpochSecrets:            s.Keys.Secrets,
		Keys:                    *s.Keys.Keys,
	}

	if s.Evicted {
		ss.Evicted = 1
	}

	return marshal(ss)
}

func UnmarshalState(data []byte) (*State, error) {
	var ss StateSecrets
	if err := unmarshalAll(data, &ss); err != nil {
		return nil, err
	}

	if ss.Version != stateBlobVersion {
		return nil, fmt.Errorf("mls.state: %w: state blob version %d", ErrDeserialization, ss.Version)
	}

	if err := ss.CipherSuite.ValidForTLS(); err != nil {
		return nil, fmt.Errorf("mls.state: %w", err)
	}

	if ss.Evicted == 0 && (ss.Keys.Suite != ss.CipherSuite || ss.Keys.Size != ss.Tree.Size()) {
		return nil, fmt.Errorf("mls.state: %w: secret tree does not match the ratchet tree", ErrDeserialization)
	}

	tree := ss.Tree
	tree.Suite = ss.CipherSuite
	keys := ss.Keys

	s := &State{
		CipherSuite:             ss.CipherSuite,
		GroupID:                 ss.GroupID,
		Epoch:                   ss.Epoch,
		Tree:                    tree,
		ConfirmedTranscriptHash: ss.ConfirmedTranscriptHash,
		InterimTranscriptHash:   ss.InterimTranscriptHash,
		Extensions:              ss.Extensions,
		Index:                   ss.Index,
		IdentityPriv:            ss.IdentityPriv,
		MaxForwardDistance:      ss.MaxForwardDistance,
		Evicted:                 ss.Evicted != 0,
		TreePriv:                ss.TreeSecrets.privateKey(ss.CipherSuite),
		Keys: keyScheduleEpoch{
			Suite:        ss.CipherSuite,
			GroupContext: ss.GroupContext,
			Secrets:      ss.EpochSecrets,
			Keys:         &keys,
		},
	}

	if !s.Evicted && !s.TreePriv.Consistent(&s.Tree) {
		return nil, fmt.Errorf("mls.state: %w: private keys do not match the tree", ErrDeserialization)
	}

	return s, nil
}
