package mls

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func testGroupContext() GroupContext {
	return GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             suite,
		GroupID:                 []byte{0x01, 0x02, 0x03, 0x04},
		Epoch:                   42,
		TreeHash:                bytes.Repeat([]byte{0xAA}, 32),
		ConfirmedTranscriptHash: bytes.Repeat([]byte{0xBB}, 32),
		Extensions:              []byte{},
	}
}

func TestGroupContext(t *testing.T) {
	ctx := testGroupContext()

	enc, err := ctx.Marshal()
	require.Nil(t, err)
	require.Len(t, enc, 87)
	require.Equal(t, unhex("00010001"+"0401020304"+"000000000000002a"+"20"), enc[:18])
	require.Equal(t, bytes.Repeat([]byte{0xAA}, 32), enc[18:50])
	require.Equal(t, byte(0x20), enc[50])
	require.Equal(t, bytes.Repeat([]byte{0xBB}, 32), enc[51:83])
	require.Equal(t, unhex("00000000"), enc[83:])

	again, err := ctx.Marshal()
	require.Nil(t, err)
	require.Equal(t, enc, again)
}

func requireDistinctSecrets(t *testing.T, secrets EpochSecrets) {
	zero := suite.zero()
	all := secrets.all()
	require.Len(t, all, 11)
	for i, a := range all {
		require.Len(t, a, 32)
		require.NotEqual(t, zero, a)
		for j := i + 1; j < len(all); j++ {
			require.NotEqual(t, a, all[j], "secrets %d and %d", i, j)
		}
	}
}

func TestKeyScheduleEpochZero(t *testing.T) {
	ctx, err := testGroupContext().Marshal()
	require.Nil(t, err)

	epoch := newInitialKeySchedule(suite, 1, ctx)
	requireDistinctSecrets(t, epoch.Secrets)
	require.NotEqual(t, suite.zero(), epoch.Secrets.InitSecret)
	require.Equal(t, ctx, epoch.GroupContext)

	// The same inputs give the same epoch
	again := newInitialKeySchedule(suite, 1, ctx)
	require.Equal(t, epoch.Secrets, again.Secrets)
}

func TestKeyScheduleDerivation(t *testing.T) {
	ctx, err := testGroupContext().Marshal()
	require.Nil(t, err)

	initSecret := mustRandom(t, 32)
	commitSecret := mustRandom(t, 32)

	extracted := suite.hkdfExtract(initSecret, commitSecret)
	joinerSecret := suite.expandWithLabel(extracted, "joiner", ctx, 32)
	memberSecret := suite.hkdfExtract(joinerSecret, suite.zero())
	epochSecret := suite.expandWithLabel(memberSecret, "epoch", ctx, 32)

	prev := keyScheduleEpoch{Suite: suite, Secrets: EpochSecrets{InitSecret: initSecret}}
	next := prev.Next(3, nil, commitSecret, ctx)

	secrets := next.Secrets
	require.Equal(t, joinerSecret, secrets.JoinerSecret)
	require.Equal(t, suite.deriveSecret(memberSecret, "welcome"), secrets.WelcomeSecret)
	require.Equal(t, suite.deriveSecret(epochSecret, "sender data"), secrets.SenderDataSecret)
	require.Equal(t, suite.deriveSecret(epochSecret, "encryption"), secrets.EncryptionSecret)
	require.Equal(t, suite.deriveSecret(epochSecret, "exporter"), secrets.ExporterSecret)
	require.Equal(t, suite.deriveSecret(epochSecret, "external"), secrets.ExternalSecret)
	require.Equal(t, suite.deriveSecret(epochSecret, "confirm"), secrets.ConfirmationKey)
	require.Equal(t, suite.deriveSecret(epochSecret, "membership"), secrets.MembershipKey)
	require.Equal(t, suite.deriveSecret(epochSecret, "resumption"), secrets.ResumptionPSK)
	require.Equal(t, suite.deriveSecret(epochSecret, "authentication"), secrets.EpochAuthenticator)
	require.Equal(t, suite.deriveSecret(epochSecret, "init"), secrets.InitSecret)
	requireDistinctSecrets(t, secrets)

	// A joiner gets the same epoch from the joiner secret alone
	joined := newKeyScheduleEpoch(suite, 3, joinerSecret, nil, ctx)
	require.Equal(t, secrets, joined.Secrets)
	require.Equal(t, secrets.WelcomeSecret, deriveWelcomeSecret(suite, joinerSecret, nil))

	// A missing commit secret is the zero secret
	require.Equal(t,
		deriveJoinerSecret(suite, initSecret, nil, ctx),
		deriveJoinerSecret(suite, initSecret, suite.zero(), ctx))

	// The secret tree is rooted at the encryption secret
	require.Equal(t, secrets.EncryptionSecret, next.Keys.Secrets[root(3)])
	require.Equal(t, LeafCount(3), next.Keys.Size)
}

func TestConfirmationTagAndExport(t *testing.T) {
	ctx, err := testGroupContext().Marshal()
	require.Nil(t, err)

	epoch := newInitialKeySchedule(suite, 2, ctx)
	cth := bytes.Repeat([]byte{0xBB}, 32)

	mac := hmac.New(sha256.New, epoch.Secrets.ConfirmationKey)
	mac.Write(cth)
	require.Equal(t, mac.Sum(nil), epoch.ConfirmationTag(cth))

	out, err := epoch.Export("marmot-media-key", []byte{}, 32)
	require.Nil(t, err)

	base := suite.deriveSecret(epoch.Secrets.ExporterSecret, "marmot-media-key")
	require.Equal(t, suite.expandWithLabel(base, "exported", suite.Digest([]byte{}), 32), out)

	fromSecret, err := suite.Export(dup(epoch.Secrets.ExporterSecret), "marmot-media-key", []byte{}, 32)
	require.Nil(t, err)
	require.Equal(t, out, fromSecret)

	other, err := epoch.Export("other", []byte{}, 32)
	require.Nil(t, err)
	require.NotEqual(t, out, other)

	_, err = epoch.Export("marmot-media-key", nil, 255*32+1)
	require.ErrorIs(t, err, ErrInvalidArg)

	kn := welcomeKeyAndNonce(suite, epoch.Secrets.WelcomeSecret)
	require.Len(t, kn.Key, 16)
	require.Len(t, kn.Nonce, 12)
}

func TestSecretTreeDerivation(t *testing.T) {
	encryptionSecret := mustRandom(t, 32)

	// A single leaf is the root
	st := newSecretTree(suite, 1, encryptionSecret)
	gen, kn, err := st.Next(0, true)
	require.Nil(t, err)
	require.Equal(t, uint32(0), gen)

	hs := suite.expandWithLabel(encryptionSecret, "handshake", []byte{}, 32)
	require.Equal(t, suite.expandWithLabel(hs, "key", []byte{}, 16), kn.Key)
	require.Equal(t, suite.expandWithLabel(hs, "nonce", []byte{}, 12), kn.Nonce)

	// Second generation follows the ratchet
	hs1 := suite.expandWithLabel(hs, "secret", []byte{}, 32)
	gen, kn, err = st.Next(0, true)
	require.Nil(t, err)
	require.Equal(t, uint32(1), gen)
	require.Equal(t, suite.expandWithLabel(hs1, "key", []byte{}, 16), kn.Key)

	// Children of the root in a two-leaf tree
	st2 := newSecretTree(suite, 2, encryptionSecret)
	_, kn, err = st2.Next(1, false)
	require.Nil(t, err)

	rightSecret := suite.expandWithLabel(encryptionSecret, "tree", []byte("right"), 32)
	app := suite.expandWithLabel(rightSecret, "application", []byte{}, 32)
	require.Equal(t, suite.expandWithLabel(app, "key", []byte{}, 16), kn.Key)

	// The consumed root leaves only the sibling secret behind
	_, ok := st2.Secrets[1]
	require.False(t, ok)
	require.Equal(t, suite.expandWithLabel(encryptionSecret, "tree", []byte("left"), 32), st2.Secrets[0])
}

func TestSecretTreeGenerations(t *testing.T) {
	size := LeafCount(5)
	encryptionSecret := mustRandom(t, 32)
	maxForward := uint32(DefaultMaxForwardDistance)

	seek := newSecretTree(suite, size, encryptionSecret)
	seq := newSecretTree(suite, size, encryptionSecret)

	for _, leaf := range []LeafIndex{4, 0, 2} {
		for _, handshake := range []bool{true, false} {
			// Seeking ahead equals sequential ratcheting
			sought, err := seek.Get(leaf, handshake, 7, maxForward)
			require.Nil(t, err)

			var kn keyAndNonce
			for i := uint32(0); i <= 7; i++ {
				var gen uint32
				gen, kn, err = seq.Next(leaf, handshake)
				require.Nil(t, err)
				require.Equal(t, i, gen)
			}
			require.Equal(t, kn, sought)

			// A consumed generation is gone
			_, err = seek.Get(leaf, handshake, 7, maxForward)
			require.ErrorIs(t, err, ErrWrongEpoch)
			_, err = seek.Get(leaf, handshake, 3, maxForward)
			require.ErrorIs(t, err, ErrWrongEpoch)
		}
	}

	// Handshake and application ratchets differ
	hs, err := newSecretTree(suite, size, encryptionSecret).Get(1, true, 0, maxForward)
	require.Nil(t, err)
	app, err := newSecretTree(suite, size, encryptionSecret).Get(1, false, 0, maxForward)
	require.Nil(t, err)
	require.NotEqual(t, hs.Key, app.Key)

	// Leaves outside the tree
	_, _, err = seek.Next(LeafIndex(size), false)
	require.ErrorIs(t, err, ErrInvalidArg)
}

func TestSecretTreeForwardDistance(t *testing.T) {
	encryptionSecret := mustRandom(t, 32)
	maxForward := uint32(10)

	// Exactly max steps ahead is accepted
	st := newSecretTree(suite, 2, encryptionSecret)
	_, err := st.Get(1, false, maxForward, maxForward)
	require.Nil(t, err)

	// Measured from the next generation
	_, err = st.Get(1, false, 2*maxForward+1, maxForward)
	require.Nil(t, err)

	// One more is refused and leaves the ratchet untouched
	st = newSecretTree(suite, 2, encryptionSecret)
	_, err = st.Get(1, false, maxForward+1, maxForward)
	require.ErrorIs(t, err, ErrProcessMessage)

	_, err = st.Get(1, false, 0, maxForward)
	require.Nil(t, err)
}

func TestSecretTreeMarshalUnmarshal(t *testing.T) {
	st := newSecretTree(suite, 3, mustRandom(t, 32))
	_, _, err := st.Next(0, false)
	require.Nil(t, err)
	_, _, err = st.Next(2, true)
	require.Nil(t, err)

	enc, err := marshal(*st)
	require.Nil(t, err)

	var dec SecretTree
	require.Nil(t, unmarshalAll(enc, &dec))
	require.Equal(t, st.Size, dec.Size)
	require.Equal(t, len(st.Secrets), len(dec.Secrets))
	require.Equal(t, len(st.Ratchets), len(dec.Ratchets))

	// Both copies continue identically
	for _, leaf := range []LeafIndex{0, 1, 2} {
		_, a, err := st.Next(leaf, false)
		require.Nil(t, err)
		_, b, err := dec.Next(leaf, false)
		require.Nil(t, err)
		require.Equal(t, a, b)
	}

	// Clones are independent
	clone := dec.Clone()
	_, a, err := clone.Next(1, true)
	require.Nil(t, err)
	_, b, err := dec.Next(1, true)
	require.Nil(t, err)
	require.Equal(t, a, b)

	clone.zeroize()
	require.Len(t, clone.Ratchets, 0)
	_, c, err := dec.Next(1, true)
	require.Nil(t, err)
	require.NotEqual(t, b, c)
}
