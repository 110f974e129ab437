package mls

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

///
/// GroupInfo
///

// struct {
//     opaque group_id<0..255>;
//     uint64 epoch;
//     opaque tree_hash[32];
//     opaque confirmed_transcript_hash[32];
//     opaque extensions<0..2^32-1>;
//     opaque confirmation_tag[32];
//     uint32 signer_leaf;
//     opaque signature<0..2^16-1>;
//     opaque ratchet_tree<0..2^32-1>; /* optional, to the end of the input */
// } GroupInfo;
type GroupInfo struct {
	GroupID                 []byte
	Epoch                   uint64
	TreeHash                [32]byte
	ConfirmedTranscriptHash [32]byte
	Extensions              []byte
	ConfirmationTag         [32]byte
	SignerLeaf              LeafIndex
	Signature               []byte
	RatchetTree             []byte
}

func (gi GroupInfo) writeTBS(s *WriteStream) error {
	return s.WriteAll(Bytes1(gi.GroupID), gi.Epoch, gi.TreeHash, gi.ConfirmedTranscriptHash,
		Bytes4(gi.Extensions), gi.ConfirmationTag, gi.SignerLeaf)
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	s := NewWriteStream()
	if err := gi.writeTBS(s); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (gi GroupInfo) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := gi.writeTBS(s); err != nil {
		return nil, err
	}

	if err := s.Write(Bytes2(gi.Signature)); err != nil {
		return nil, err
	}

	if gi.RatchetTree != nil {
		if err := s.Write(Bytes4(gi.RatchetTree)); err != nil {
			return nil, err
		}
	}

	return s.Data(), nil
}

// The ratchet tree is read only if input remains after the signature, so a
// GroupInfo must be decoded from a buffer that holds nothing else.
func (gi *GroupInfo) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var groupID Bytes1
	var ext Bytes4
	var sig Bytes2
	_, err := s.ReadAll(&groupID, &gi.Epoch, &gi.TreeHash, &gi.ConfirmedTranscriptHash,
		&ext, &gi.ConfirmationTag, &gi.SignerLeaf, &sig)
	if err != nil {
		return 0, err
	}

	gi.GroupID = groupID
	gi.Extensions = ext
	gi.Signature = sig
	gi.RatchetTree = nil

	if s.Remaining() > 0 {
		var tree Bytes4
		if _, err := s.Read(&tree); err != nil {
			return 0, err
		}
		gi.RatchetTree = tree
	}

	return s.Consumed(), nil
}

func (gi *GroupInfo) sign(suite CipherSuite, priv SignaturePrivateKey) error {
	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	gi.Signature, err = suite.sign(priv, tbs)
	return err
}

func (gi GroupInfo) verify(suite CipherSuite, pub SignaturePublicKey) bool {
	tbs, err := gi.toBeSigned()
	if err != nil {
		return false
	}

	return suite.verify(pub, tbs, gi.Signature)
}

func (gi GroupInfo) groupContext(suite CipherSuite) GroupContext {
	return GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             suite,
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		TreeHash:                gi.TreeHash[:],
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash[:],
		Extensions:              gi.Extensions,
	}
}

///
/// GroupSecrets
///

// struct {
//     opaque joiner_secret[32];
//     uint8 has_path_secret;
//     select (has_path_secret) {
//         case 1: opaque path_secret<0..255>;
//     };
// } GroupSecrets;
//
// A bare 32-byte joiner secret is also accepted.
type GroupSecrets struct {
	JoinerSecret [32]byte
	PathSecret   []byte
}

func (gs GroupSecrets) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := s.Write(gs.JoinerSecret); err != nil {
		return nil, err
	}

	if gs.PathSecret == nil {
		if err := s.Write(uint8(0)); err != nil {
			return nil, err
		}
		return s.Data(), nil
	}

	if err := s.WriteAll(uint8(1), Bytes1(gs.PathSecret)); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (gs *GroupSecrets) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	if _, err := s.Read(&gs.JoinerSecret); err != nil {
		return 0, err
	}

	gs.PathSecret = nil
	if s.Remaining() == 0 {
		return s.Consumed(), nil
	}

	var hasPath uint8
	if _, err := s.Read(&hasPath); err != nil {
		return 0, err
	}

	switch hasPath {
	case 0:
	case 1:
		var ps Bytes1
		if _, err := s.Read(&ps); err != nil {
			return 0, err
		}
		gs.PathSecret = ps
	default:
		return 0, fmt.Errorf("mls.welcome: %w: has_path_secret %d", ErrTLSCodec, hasPath)
	}

	return s.Consumed(), nil
}

func (gs *GroupSecrets) zeroize() {
	for i := range gs.JoinerSecret {
		gs.JoinerSecret[i] = 0
	}
	zeroize(gs.PathSecret)
}

///
/// Welcome
///

// struct {
//     opaque key_package_ref[32];
//     opaque kem_output<0..2^16-1>;
//     opaque encrypted_group_secrets<0..2^16-1>;
// } EncryptedGroupSecrets;
type EncryptedGroupSecrets struct {
	KeyPackageRef         [32]byte
	EncryptedGroupSecrets HPKECiphertext
}

// struct {
//     CipherSuite cipher_suite;
//     uint32 secrets_count;
//     EncryptedGroupSecrets secrets[secrets_count];
//     opaque encrypted_group_info<0..2^32-1>;
// } Welcome;
type Welcome struct {
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets
	EncryptedGroupInfo []byte

	// Held by the sender between encrypting the GroupInfo and the secrets
	joinerSecret []byte
}

func (w Welcome) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := s.Write(w.CipherSuite); err != nil {
		return nil, err
	}

	if err := s.WriteCount(len(w.Secrets)); err != nil {
		return nil, err
	}

	for _, egs := range w.Secrets {
		if err := s.Write(egs); err != nil {
			return nil, err
		}
	}

	if err := s.Write(Bytes4(w.EncryptedGroupInfo)); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (w *Welcome) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	if _, err := s.Read(&w.CipherSuite); err != nil {
		return 0, err
	}

	count, err := s.ReadCount(32 + 2 + 2)
	if err != nil {
		return 0, err
	}

	w.Secrets = make([]EncryptedGroupSecrets, count)
	for i := range w.Secrets {
		if _, err := s.Read(&w.Secrets[i]); err != nil {
			return 0, err
		}
	}

	var egi Bytes4
	if _, err := s.Read(&egi); err != nil {
		return 0, err
	}
	w.EncryptedGroupInfo = egi

	return s.Consumed(), nil
}

func (w Welcome) Marshal() ([]byte, error) {
	return marshal(w)
}

func UnmarshalWelcome(data []byte) (*Welcome, error) {
	if len(data) >= 2 {
		suite := CipherSuite(binary.BigEndian.Uint16(data))
		if err := suite.ValidForTLS(); err != nil {
			return nil, fmt.Errorf("mls.welcome: %w", err)
		}
	}

	w := new(Welcome)
	if err := unmarshalAll(data, w); err != nil {
		return nil, err
	}
	return w, nil
}

// newWelcome encrypts the GroupInfo under the welcome secret derived from
// the joiner secret.  Secrets for each joiner are added with EncryptTo.
func newWelcome(suite CipherSuite, joinerSecret []byte, groupInfo GroupInfo) (*Welcome, error) {
	welcomeSecret := deriveWelcomeSecret(suite, joinerSecret, nil)
	defer zeroize(welcomeSecret)

	kn := welcomeKeyAndNonce(suite, welcomeSecret)
	defer kn.zeroize()

	pt, err := marshal(groupInfo)
	if err != nil {
		return nil, err
	}

	egi, err := suite.seal(kn.Key, kn.Nonce, pt, nil)
	if err != nil {
		return nil, err
	}

	return &Welcome{
		CipherSuite:        suite,
		Secrets:            []EncryptedGroupSecrets{},
		EncryptedGroupInfo: egi,
		joinerSecret:       dup(joinerSecret),
	}, nil
}

// EncryptTo adds an entry for a joiner, carrying the joiner secret and,
// when known, the path secret for the joiner's lowest common ancestor with
// the committer.
func (w *Welcome) EncryptTo(kp KeyPackage, pathSecret []byte) error {
	if len(w.joinerSecret) != 32 {
		return fmt.Errorf("mls.welcome: %w: welcome is not being built", ErrInvalidArg)
	}

	ref, err := kp.Ref()
	if err != nil {
		return err
	}

	gs := GroupSecrets{PathSecret: dup(pathSecret)}
	copy(gs.JoinerSecret[:], w.joinerSecret)
	defer gs.zeroize()

	pt, err := marshal(gs)
	if err != nil {
		return err
	}
	defer zeroize(pt)

	ct, err := w.CipherSuite.hpkeSeal(kp.InitKey, pt)
	if err != nil {
		return err
	}

	egs := EncryptedGroupSecrets{EncryptedGroupSecrets: ct}
	copy(egs.KeyPackageRef[:], ref)
	w.Secrets = append(w.Secrets, egs)
	return nil
}

func (w *Welcome) finish() {
	zeroize(w.joinerSecret)
	w.joinerSecret = nil
}

func (w Welcome) Find(kp KeyPackage) (int, bool) {
	ref, err := kp.Ref()
	if err != nil {
		return 0, false
	}

	for i, egs := range w.Secrets {
		if bytes.Equal(egs.KeyPackageRef[:], ref) {
			return i, true
		}
	}
	return 0, false
}

// Decrypt recovers the joiner's GroupSecrets and the GroupInfo
func (w Welcome) Decrypt(kp KeyPackage, initPriv HPKEPrivateKey) (*GroupSecrets, *GroupInfo, error) {
	if w.CipherSuite != kp.CipherSuite {
		return nil, nil, fmt.Errorf("mls.welcome: %w: ciphersuite mismatch", ErrUnsupported)
	}

	i, ok := w.Find(kp)
	if !ok {
		return nil, nil, fmt.Errorf("mls.welcome: %w", ErrWelcomeNotFound)
	}

	pt, err := w.CipherSuite.hpkeOpen(initPriv, w.Secrets[i].EncryptedGroupSecrets)
	if err != nil {
		return nil, nil, fmt.Errorf("mls.welcome: %w: group secrets: %w", ErrWelcomeInvalid, err)
	}
	defer zeroize(pt)

	gs := new(GroupSecrets)
	if err := unmarshalAll(pt, gs); err != nil {
		return nil, nil, fmt.Errorf("mls.welcome: %w: group secrets: %w", ErrWelcomeInvalid, err)
	}

	welcomeSecret := deriveWelcomeSecret(w.CipherSuite, gs.JoinerSecret[:], nil)
	defer zeroize(welcomeSecret)

	kn := welcomeKeyAndNonce(w.CipherSuite, welcomeSecret)
	defer kn.zeroize()

	giData, err := w.CipherSuite.open(kn.Key, kn.Nonce, w.EncryptedGroupInfo, nil)
	if err != nil {
		gs.zeroize()
		return nil, nil, fmt.Errorf("mls.welcome: %w: group info: %w", ErrWelcomeInvalid, err)
	}

	gi := new(GroupInfo)
	if err := unmarshalAll(giData, gi); err != nil {
		gs.zeroize()
		return nil, nil, fmt.Errorf("mls.welcome: %w: group info: %w", ErrWelcomeInvalid, err)
	}

	return gs, gi, nil
}
