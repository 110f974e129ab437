package mls

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type ProtocolVersion uint16

const (
	ProtocolVersionMLS10 ProtocolVersion = 1
)

const keyPackageRefLabel = "MLS 1.0 KeyPackage Reference"

// struct {
//     ProtocolVersion version;
//     CipherSuite cipher_suite;
//     HPKEPublicKey init_key;
//     LeafNode leaf_node;
//     opaque extensions<0..2^32-1>;
//     /* SignWithLabel(., "KeyPackageTBS", KeyPackageTBS) */
//     opaque signature<0..2^16-1>;
// } KeyPackage;
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	LeafNode    LeafNode
	Extensions  []byte `tls:"head=4"`
	Signature   []byte `tls:"head=2"`
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	LeafNode    LeafNode
	Extensions  []byte `tls:"head=4"`
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return marshal(keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		LeafNode:    kp.LeafNode,
		Extensions:  kp.Extensions,
	})
}

// The private keys behind a KeyPackage
type KeyPackagePrivate struct {
	InitKey       HPKEPrivateKey
	EncryptionKey HPKEPrivateKey
	SignatureKey  SignaturePrivateKey
}

func (priv *KeyPackagePrivate) Zeroize() {
	priv.InitKey.zeroize()
	priv.EncryptionKey.zeroize()
	priv.SignatureKey.zeroize()
}

func (priv KeyPackagePrivate) Marshal() ([]byte, error) {
	return marshal(priv)
}

func UnmarshalKeyPackagePrivate(data []byte) (*KeyPackagePrivate, error) {
	priv := new(KeyPackagePrivate)
	if err := unmarshalAll(data, priv); err != nil {
		return nil, err
	}
	return priv, nil
}

// NewKeyPackage creates a KeyPackage with fresh init, encryption and
// signature keys.
func NewKeyPackage(suite CipherSuite, identity, extensions []byte) (*KeyPackage, *KeyPackagePrivate, error) {
	sigPriv, err := NewSignaturePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	return NewKeyPackageWithSigner(suite, identity, extensions, sigPriv)
}

func NewKeyPackageWithSigner(suite CipherSuite, identity, extensions []byte, sigPriv SignaturePrivateKey) (*KeyPackage, *KeyPackagePrivate, error) {
	if err := suite.ValidForTLS(); err != nil {
		return nil, nil, err
	}

	if len(identity) == 0 {
		return nil, nil, fmt.Errorf("mls.keypackage: %w: empty identity", ErrInvalidArg)
	}

	initPriv, err := suite.GenerateHPKEKey()
	if err != nil {
		return nil, nil, err
	}

	encPriv, err := suite.GenerateHPKEKey()
	if err != nil {
		return nil, nil, err
	}

	leaf := LeafNode{
		EncryptionKey: encPriv.PublicKey,
		SignatureKey:  sigPriv.PublicKey,
		Credential:    NewBasicCredential(identity),
		Capabilities:  []CipherSuite{suite},
		Source:        LeafNodeSourceKeyPackage,
		Extensions:    []byte{},
	}
	if err := leaf.sign(suite, sigPriv); err != nil {
		return nil, nil, err
	}

	if extensions == nil {
		extensions = []byte{}
	}

	kp := &KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: suite,
		InitKey:     initPriv.PublicKey,
		LeafNode:    leaf,
		Extensions:  dup(extensions),
	}
	if err := kp.sign(sigPriv); err != nil {
		return nil, nil, err
	}

	priv := &KeyPackagePrivate{
		InitKey:       initPriv,
		EncryptionKey: encPriv,
		SignatureKey:  SignaturePrivateKey{Data: dup(sigPriv.Data), PublicKey: sigPriv.PublicKey},
	}

	return kp, priv, nil
}

func (kp *KeyPackage) sign(sigPriv SignaturePrivateKey) error {
	if sigPriv.PublicKey != kp.LeafNode.SignatureKey {
		return fmt.Errorf("mls.keypackage: %w: signing key does not match leaf", ErrInvalidArg)
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	kp.Signature, err = kp.CipherSuite.sign(sigPriv, tbs)
	return err
}

func (kp KeyPackage) Validate() error {
	if kp.Version != ProtocolVersionMLS10 {
		return fmt.Errorf("mls.keypackage: %w: version %d", ErrUnsupported, kp.Version)
	}

	if kp.CipherSuite != X25519_AES128GCM_SHA256_Ed25519 {
		return fmt.Errorf("mls.keypackage: %w: ciphersuite 0x%04x", ErrUnsupported, uint16(kp.CipherSuite))
	}

	if kp.LeafNode.Credential.CredentialType != CredentialTypeBasic || len(kp.LeafNode.Credential.Identity) == 0 {
		return fmt.Errorf("mls.keypackage: %w: missing credential", ErrKeyPackage)
	}

	if kp.LeafNode.Source != LeafNodeSourceKeyPackage {
		return fmt.Errorf("mls.keypackage: %w: leaf source %d", ErrKeyPackage, kp.LeafNode.Source)
	}

	if !kp.LeafNode.SupportsSuite(kp.CipherSuite) {
		return fmt.Errorf("mls.keypackage: %w: leaf does not advertise %s", ErrKeyPackage, kp.CipherSuite)
	}

	if kp.InitKey == kp.LeafNode.EncryptionKey {
		return fmt.Errorf("mls.keypackage: %w: init key reused as encryption key", ErrKeyPackage)
	}

	if !kp.LeafNode.Verify(kp.CipherSuite) {
		return fmt.Errorf("mls.keypackage: %w: leaf node", ErrSignature)
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	if !kp.CipherSuite.verify(kp.LeafNode.SignatureKey, tbs, kp.Signature) {
		return fmt.Errorf("mls.keypackage: %w: key package", ErrSignature)
	}

	return nil
}

func (kp KeyPackage) Ref() ([]byte, error) {
	data, err := kp.Marshal()
	if err != nil {
		return nil, err
	}

	return kp.CipherSuite.refHash(keyPackageRefLabel, data)
}

func (kp KeyPackage) Marshal() ([]byte, error) {
	return marshal(kp)
}

// UnmarshalKeyPackage checks the version and suite ahead of the body, so a
// package for another suite is reported as unsupported.
func UnmarshalKeyPackage(data []byte) (*KeyPackage, error) {
	if len(data) >= 4 {
		version := ProtocolVersion(binary.BigEndian.Uint16(data))
		if version != ProtocolVersionMLS10 {
			return nil, fmt.Errorf("mls.keypackage: %w: version %d", ErrUnsupported, version)
		}

		suite := CipherSuite(binary.BigEndian.Uint16(data[2:]))
		if err := suite.ValidForTLS(); err != nil {
			return nil, fmt.Errorf("mls.keypackage: %w", err)
		}
	}

	kp := new(KeyPackage)
	if err := unmarshalAll(data, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func (kp KeyPackage) Equals(o KeyPackage) bool {
	lhs, errL := kp.Marshal()
	rhs, errR := o.Marshal()
	return errL == nil && errR == nil && bytes.Equal(lhs, rhs)
}

func (kp KeyPackage) Clone() KeyPackage {
	return KeyPackage{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		LeafNode:    kp.LeafNode.Clone(),
		Extensions:  dup(kp.Extensions),
		Signature:   dup(kp.Signature),
	}
}
