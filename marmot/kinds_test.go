package marmot

import (
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mls "github.com/marmot-protocol/go-marmot"
)

func newTestKeyPackage(t *testing.T, identity []byte) *mls.KeyPackage {
	kp, priv, err := mls.NewKeyPackage(suite, identity, []byte{})
	require.Nil(t, err)
	priv.Zeroize()
	return kp
}

func TestKeyPackageEvent(t *testing.T) {
	author, err := hex.DecodeString(pubkeyOne)
	require.Nil(t, err)

	kp := newTestKeyPackage(t, author)
	created := time.Unix(1700000000, 0)

	e, err := NewKeyPackageEvent(pubkeyOne, *kp, testRelays, created)
	require.Nil(t, err)
	require.Equal(t, KindKeyPackage, e.Kind)
	require.Equal(t, created.Unix(), e.CreatedAt)
	require.Nil(t, e.CheckID())

	v, ok := e.Tags.Value(TagCipherSuite)
	require.True(t, ok)
	require.Equal(t, "0x0001", v)

	tag, ok := e.Tags.Find(TagRelays)
	require.True(t, ok)
	require.Equal(t, testRelays, []string(tag[1:]))

	_, ok = e.Tags.Find(TagProtected)
	require.True(t, ok)

	require.Nil(t, e.Sign(secretOne()))

	parsed, err := ParseKeyPackageEvent(*e)
	require.Nil(t, err)
	require.True(t, parsed.Equals(*kp))

	// The credential must name the author
	other := newTestKeyPackage(t, make([]byte, 32))
	wrong, err := NewKeyPackageEvent(pubkeyOne, *other, testRelays, created)
	require.Nil(t, err)
	_, err = ParseKeyPackageEvent(*wrong)
	require.ErrorIs(t, err, mls.ErrKeyPackage)

	// A stale i tag
	stale := *e
	stale.Tags = append(Tags{}, e.Tags...)
	for i, tag := range stale.Tags {
		if tag.Key() == TagKeyPackageRef {
			stale.Tags[i] = Tag{TagKeyPackageRef, hex.EncodeToString(make([]byte, 32))}
		}
	}
	_, err = ParseKeyPackageEvent(stale)
	require.ErrorIs(t, err, mls.ErrKeyPackage)

	unsupported := *e
	unsupported.Tags = Tags{{TagProtocolVersion, "2.0"}, {TagCipherSuite, CipherSuite}}
	_, err = ParseKeyPackageEvent(unsupported)
	require.ErrorIs(t, err, mls.ErrUnsupported)

	wrongKind := *e
	wrongKind.Kind = 1
	_, err = ParseKeyPackageEvent(wrongKind)
	require.ErrorIs(t, err, ErrInvalidEvent)

	garbage := *e
	garbage.Content = "!!!"
	_, err = ParseKeyPackageEvent(garbage)
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestWelcomeRumor(t *testing.T) {
	welcome := mls.Welcome{
		CipherSuite:        suite,
		Secrets:            []mls.EncryptedGroupSecrets{},
		EncryptedGroupInfo: []byte{1, 2, 3},
	}
	raw, err := welcome.Marshal()
	require.Nil(t, err)

	kpEvent := hex.EncodeToString(make([]byte, 32))
	e := NewWelcomeRumor(pubkeyOne, raw, kpEvent, testRelays, time.Unix(1700000000, 0))
	require.Equal(t, KindWelcome, e.Kind)
	require.Empty(t, e.Sig)
	require.Equal(t, base64.StdEncoding.EncodeToString(raw), e.Content)

	wr, err := ParseWelcomeRumor(*e)
	require.Nil(t, err)
	require.Equal(t, raw, wr.Raw)
	require.Equal(t, kpEvent, wr.KeyPackageEventID)
	require.Equal(t, testRelays, wr.Relays)
	require.Equal(t, welcome.EncryptedGroupInfo, wr.Welcome.EncryptedGroupInfo)

	// Without a known key package event the e tag is omitted
	bare := NewWelcomeRumor(pubkeyOne, raw, "", nil, time.Unix(1700000000, 0))
	_, ok := bare.Tags.Find(TagEvent)
	require.False(t, ok)

	// Rumors are never signed
	signed := *e
	require.Nil(t, signed.Sign(secretOne()))
	_, err = ParseWelcomeRumor(signed)
	require.ErrorIs(t, err, ErrInvalidEvent)

	modified := *e
	modified.Content = base64.StdEncoding.EncodeToString([]byte{0, 1})
	_, err = ParseWelcomeRumor(modified)
	require.ErrorIs(t, err, ErrInvalidEvent)

	modified.SetID()
	_, err = ParseWelcomeRumor(modified)
	require.ErrorIs(t, err, mls.ErrWelcomeInvalid)
}

func TestGroupMessageEvent(t *testing.T) {
	var gid [32]byte
	gid[0] = 0xAB

	e := NewGroupMessageEvent(gid, "payload", false, time.Unix(1700000000, 0))
	require.Nil(t, e.SignEphemeral())

	gm, err := ParseGroupMessageEvent(*e)
	require.Nil(t, err)
	require.Equal(t, gid, gm.NostrGroupID)
	require.Equal(t, "payload", gm.Content)
	require.False(t, gm.Base64)

	commit := NewGroupMessageEvent(gid, "Y29tbWl0", true, time.Unix(1700000000, 0))
	gm, err = ParseGroupMessageEvent(*commit)
	require.Nil(t, err)
	require.True(t, gm.Base64)

	missing := *e
	missing.Tags = Tags{}
	_, err = ParseGroupMessageEvent(missing)
	require.ErrorIs(t, err, ErrInvalidEvent)

	short := *e
	short.Tags = Tags{{TagGroup, "abcd"}}
	_, err = ParseGroupMessageEvent(short)
	require.ErrorIs(t, err, ErrInvalidEvent)

	hexEnc := *e
	hexEnc.Tags = Tags{e.Tags[0], {TagEncoding, "hex"}}
	_, err = ParseGroupMessageEvent(hexEnc)
	require.ErrorIs(t, err, mls.ErrUnsupported)
}
