package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestKeyPackage(t *testing.T, identity string) (*KeyPackage, *KeyPackagePrivate) {
	kp, priv, err := NewKeyPackage(suite, []byte(identity), nil)
	require.Nil(t, err)
	return kp, priv
}

func TestKeyPackageValidate(t *testing.T) {
	kp, priv := newTestKeyPackage(t, "alice")
	require.Nil(t, kp.Validate())
	require.Equal(t, kp.InitKey, priv.InitKey.PublicKey)
	require.Equal(t, kp.LeafNode.EncryptionKey, priv.EncryptionKey.PublicKey)
	require.Equal(t, kp.LeafNode.SignatureKey, priv.SignatureKey.PublicKey)

	cases := []struct {
		name   string
		mutate func(kp *KeyPackage)
		err    error
	}{
		{"version", func(kp *KeyPackage) { kp.Version = 2 }, ErrUnsupported},
		{"suite", func(kp *KeyPackage) { kp.CipherSuite = 0x0002 }, ErrUnsupported},
		{"identity", func(kp *KeyPackage) { kp.LeafNode.Credential.Identity = []byte{} }, ErrKeyPackage},
		{"source", func(kp *KeyPackage) { kp.LeafNode.Source = LeafNodeSourceUpdate }, ErrKeyPackage},
		{"capabilities", func(kp *KeyPackage) { kp.LeafNode.Capabilities = []CipherSuite{} }, ErrKeyPackage},
		{"init key", func(kp *KeyPackage) { kp.InitKey = kp.LeafNode.EncryptionKey }, ErrKeyPackage},
		{"signature", func(kp *KeyPackage) { kp.Signature[5] ^= 0x01 }, ErrSignature},
		{"leaf signature", func(kp *KeyPackage) { kp.LeafNode.Signature[5] ^= 0x01 }, ErrSignature},
		{"extensions", func(kp *KeyPackage) { kp.Extensions = []byte{0x00} }, ErrSignature},
	}

	for _, c := range cases {
		bad := kp.Clone()
		c.mutate(&bad)
		require.ErrorIs(t, bad.Validate(), c.err, c.name)
	}

	// Mutating clones leaves the original intact
	require.Nil(t, kp.Validate())
}

func TestNewKeyPackageErrors(t *testing.T) {
	_, _, err := NewKeyPackage(suite, []byte{}, nil)
	require.ErrorIs(t, err, ErrInvalidArg)

	_, _, err = NewKeyPackage(CipherSuite(0x0002), []byte("alice"), nil)
	require.ErrorIs(t, err, ErrUnsupported)

	sigPriv, err := NewSignaturePrivateKey()
	require.Nil(t, err)

	kp, priv, err := NewKeyPackageWithSigner(suite, []byte("alice"), []byte{}, sigPriv)
	require.Nil(t, err)
	require.Equal(t, sigPriv.PublicKey, kp.LeafNode.SignatureKey)
	require.Equal(t, sigPriv.Data, priv.SignatureKey.Data)
	require.Nil(t, kp.Validate())
}

func TestKeyPackageMarshalUnmarshal(t *testing.T) {
	kp, _ := newTestKeyPackage(t, "bob")

	enc, err := kp.Marshal()
	require.Nil(t, err)

	dec, err := UnmarshalKeyPackage(enc)
	require.Nil(t, err)
	require.True(t, kp.Equals(*dec))
	require.Nil(t, dec.Validate())

	_, err = UnmarshalKeyPackage(append(dup(enc), 0x00))
	require.ErrorIs(t, err, ErrTLSCodec)

	_, err = UnmarshalKeyPackage(enc[:len(enc)-1])
	require.ErrorIs(t, err, ErrTLSCodec)

	// The reference is a stable digest of the encoding
	ref, err := kp.Ref()
	require.Nil(t, err)
	require.Len(t, ref, 32)

	again, err := dec.Ref()
	require.Nil(t, err)
	require.Equal(t, ref, again)

	expected, err := suite.refHash("MLS 1.0 KeyPackage Reference", enc)
	require.Nil(t, err)
	require.Equal(t, expected, ref)

	other, _ := newTestKeyPackage(t, "bob")
	otherRef, err := other.Ref()
	require.Nil(t, err)
	require.NotEqual(t, ref, otherRef)
	require.False(t, kp.Equals(*other))
}

func TestKeyPackageWrongSuiteOnWire(t *testing.T) {
	kp, _ := newTestKeyPackage(t, "bob")
	enc, err := kp.Marshal()
	require.Nil(t, err)

	// uint16 version, then uint16 cipher_suite
	wrongSuite := dup(enc)
	wrongSuite[3] = 0x02
	_, err = UnmarshalKeyPackage(wrongSuite)
	require.ErrorIs(t, err, ErrUnsupported)

	wrongVersion := dup(enc)
	wrongVersion[1] = 0x02
	_, err = UnmarshalKeyPackage(wrongVersion)
	require.ErrorIs(t, err, ErrUnsupported)
}

func resignKeyPackage(t *testing.T, kp *KeyPackage, priv *KeyPackagePrivate, suites ...CipherSuite) {
	kp.LeafNode.Capabilities = suites
	require.Nil(t, kp.LeafNode.sign(suite, priv.SignatureKey))
	require.Nil(t, kp.sign(priv.SignatureKey))
}

func TestKeyPackageAdvertisedSuites(t *testing.T) {
	// Other suites may be advertised alongside the group's suite
	kp, priv := newTestKeyPackage(t, "carol")
	resignKeyPackage(t, kp, priv, CipherSuite(0x0003), suite, CipherSuite(0x0002))
	require.Nil(t, kp.Validate())

	enc, err := kp.Marshal()
	require.Nil(t, err)

	dec, err := UnmarshalKeyPackage(enc)
	require.Nil(t, err)
	require.Equal(t, []CipherSuite{0x0003, suite, 0x0002}, dec.LeafNode.Capabilities)
	require.Nil(t, dec.Validate())

	// 0x0001 itself must be among them
	resignKeyPackage(t, kp, priv, CipherSuite(0x0002), CipherSuite(0x0003))
	enc, err = kp.Marshal()
	require.Nil(t, err)

	dec, err = UnmarshalKeyPackage(enc)
	require.Nil(t, err)
	require.ErrorIs(t, dec.Validate(), ErrKeyPackage)
}

func TestKeyPackagePrivate(t *testing.T) {
	_, priv := newTestKeyPackage(t, "carol")

	enc, err := priv.Marshal()
	require.Nil(t, err)

	dec, err := UnmarshalKeyPackagePrivate(enc)
	require.Nil(t, err)
	require.Equal(t, priv.InitKey, dec.InitKey)
	require.Equal(t, priv.EncryptionKey, dec.EncryptionKey)
	require.Equal(t, priv.SignatureKey, dec.SignatureKey)

	_, err = UnmarshalKeyPackagePrivate(enc[:10])
	require.ErrorIs(t, err, ErrTLSCodec)

	dec.Zeroize()
	require.Equal(t, [32]byte{}, dec.InitKey.Data)
	require.Equal(t, [32]byte{}, dec.EncryptionKey.Data)
	require.Equal(t, make([]byte, len(dec.SignatureKey.Data)), dec.SignatureKey.Data)
	require.NotEqual(t, [32]byte{}, priv.InitKey.Data)
}
