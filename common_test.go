package mls

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type TestEnum uint8

var (
	TestEnumInvalid TestEnum = 0xFF
	TestEnumVal0    TestEnum = 0
	TestEnumVal1    TestEnum = 1
)

func TestValidateEnum(t *testing.T) {
	err := validateEnum(TestEnumVal0, TestEnumVal0, TestEnumVal1)
	require.Nil(t, err)

	err = validateEnum(TestEnumInvalid, TestEnumVal0, TestEnumVal1)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnsupported))
}

func TestDupZeroize(t *testing.T) {
	require.Nil(t, dup(nil))

	in := []byte{1, 2, 3}
	out := dup(in)
	require.Equal(t, in, out)

	out[0] = 9
	require.Equal(t, byte(1), in[0])

	zeroize(in)
	require.Equal(t, []byte{0, 0, 0}, in)
}

//////////

func unhex(h string) []byte {
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	return b
}

func mustRandom(t *testing.T, size int) []byte {
	out, err := randomBytes(size)
	require.Nil(t, err)
	return out
}

func newTestLeaf(t *testing.T, identity string) (LeafNode, HPKEPrivateKey, SignaturePrivateKey) {
	encPriv, err := suite.GenerateHPKEKey()
	require.Nil(t, err)

	sigPriv, err := NewSignaturePrivateKey()
	require.Nil(t, err)

	leaf := LeafNode{
		EncryptionKey: encPriv.PublicKey,
		SignatureKey:  sigPriv.PublicKey,
		Credential:    NewBasicCredential([]byte(identity)),
		Capabilities:  []CipherSuite{suite},
		Source:        LeafNodeSourceKeyPackage,
		Extensions:    []byte{},
	}
	require.Nil(t, leaf.sign(suite, sigPriv))
	return leaf, encPriv, sigPriv
}
