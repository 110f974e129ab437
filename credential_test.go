package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBasicCredential(t *testing.T) {
	identity := []byte("res ipsa")
	cred := NewBasicCredential(identity)
	require.Equal(t, CredentialTypeBasic, cred.CredentialType)
	require.True(t, cred.Equals(cred))
	require.True(t, cred.Equals(cred.Clone()))

	// The credential owns its identity
	identity[0] = 'R'
	require.Equal(t, []byte("res ipsa"), cred.Identity)

	other := NewBasicCredential([]byte("res ipsa loquitur"))
	require.False(t, cred.Equals(other))
}

func TestCredentialMarshalUnmarshal(t *testing.T) {
	cred := NewBasicCredential([]byte{0xA0, 0xA1})

	enc, err := marshal(cred)
	require.Nil(t, err)
	require.Equal(t, unhex("00010002a0a1"), enc)

	var dec Credential
	err = unmarshalAll(enc, &dec)
	require.Nil(t, err)
	require.True(t, cred.Equals(dec))

	// An empty identity is representable on the wire
	enc, err = marshal(NewBasicCredential([]byte{}))
	require.Nil(t, err)
	require.Equal(t, unhex("00010000"), enc)
}

func TestCredentialErrorCases(t *testing.T) {
	_, err := marshal(Credential{CredentialType: 0x0002, Identity: []byte{1}})
	require.Error(t, err)

	var dec Credential
	err = unmarshalAll(unhex("00020001ff"), &dec)
	require.ErrorIs(t, err, ErrTLSCodec)

	// Truncated identity
	err = unmarshalAll(unhex("00010004a0a1"), &dec)
	require.ErrorIs(t, err, ErrTLSCodec)
}
