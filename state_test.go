package mls

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	groupID     = []byte{0x01, 0x02, 0x03, 0x04}
	testMessage = unhex("01020304")
)

func newTestState(t *testing.T, identity string) *State {
	sigPriv, err := NewSignaturePrivateKey()
	require.Nil(t, err)

	s, err := NewEmptyState(groupID, []byte(identity), sigPriv, nil)
	require.Nil(t, err)
	return s
}

func joinFrom(t *testing.T, result *CommitResult, kp *KeyPackage, priv *KeyPackagePrivate) *State {
	w, err := UnmarshalWelcome(result.Welcome)
	require.Nil(t, err)

	s, err := NewJoinedState(*w, *kp, *priv, true)
	require.Nil(t, err)
	return s
}

// newTestGroup has the first member add the others one commit at a time,
// with every existing member processing each commit.
func newTestGroup(t *testing.T, size int) []*State {
	states := []*State{newTestState(t, "member-0")}
	for i := 1; i < size; i++ {
		kp, priv := newTestKeyPackage(t, fmt.Sprintf("member-%d", i))

		result, err := states[0].AddMember(*kp)
		require.Nil(t, err)

		for j := 1; j < len(states); j++ {
			next, err := states[j].ProcessCommitMessage(result.Message)
			require.Nil(t, err)
			states[j] = next
		}

		states[0] = result.State
		states = append(states, joinFrom(t, result, kp, priv))
	}

	for _, s := range states {
		require.True(t, states[0].Equals(*s))
	}
	return states
}

func requireCanTalk(t *testing.T, states []*State) {
	for i, sender := range states {
		ct, err := sender.Encrypt(testMessage)
		require.Nil(t, err)

		for j, receiver := range states {
			if i == j {
				continue
			}

			msg, err := receiver.Decrypt(ct)
			require.Nil(t, err)
			require.Equal(t, testMessage, msg.Plaintext)
			require.Equal(t, sender.Index, msg.Sender)
		}
	}
}

func TestNewEmptyState(t *testing.T) {
	s := newTestState(t, "alice")
	require.Equal(t, uint64(0), s.Epoch)
	require.Equal(t, LeafIndex(0), s.Index)
	require.Len(t, s.Members(), 1)
	require.Equal(t, []byte("alice"), s.Members()[0].Identity)
	require.Equal(t, suite.zero(), s.ConfirmedTranscriptHash)

	sigPriv, err := NewSignaturePrivateKey()
	require.Nil(t, err)

	_, err = NewEmptyState([]byte{}, []byte("alice"), sigPriv, nil)
	require.ErrorIs(t, err, ErrInvalidArg)

	_, err = NewEmptyState(bytes.Repeat([]byte{0x01}, 256), []byte("alice"), sigPriv, nil)
	require.ErrorIs(t, err, ErrInvalidArg)

	_, err = NewEmptyState(groupID, []byte{}, sigPriv, nil)
	require.ErrorIs(t, err, ErrInvalidArg)
}

func TestStateTwoParty(t *testing.T) {
	alice := newTestState(t, "alice")
	kp, priv := newTestKeyPackage(t, "bob")

	result, err := alice.AddMember(*kp)
	require.Nil(t, err)
	require.NotNil(t, result.Welcome)
	require.Equal(t, uint64(1), result.State.Epoch)
	require.Equal(t, uint64(0), alice.Epoch)

	bob := joinFrom(t, result, kp, priv)
	require.Equal(t, LeafIndex(1), bob.Index)
	require.True(t, result.State.Equals(*bob))
	require.Equal(t, result.ConfirmationTag, bob.Keys.ConfirmationTag(bob.ConfirmedTranscriptHash))

	requireCanTalk(t, []*State{result.State, bob})

	// Exporters agree across members
	a, err := result.State.Export("marmot", []byte("nostr"), 32)
	require.Nil(t, err)
	b, err := bob.Export("marmot", []byte("nostr"), 32)
	require.Nil(t, err)
	require.Equal(t, a, b)
	require.Equal(t, result.State.ExporterSecret(), bob.ExporterSecret())
	require.Equal(t, result.State.EpochAuthenticator(), bob.EpochAuthenticator())
}

func TestStateMultiMember(t *testing.T) {
	states := newTestGroup(t, 5)
	requireCanTalk(t, states)

	// Every member commits in turn
	for i := range states {
		result, err := states[i].SelfUpdate()
		require.Nil(t, err)
		require.Nil(t, result.Welcome)

		for j := range states {
			if j == i {
				continue
			}

			next, err := states[j].ProcessCommitMessage(result.Message)
			require.Nil(t, err)
			states[j] = next
		}
		states[i] = result.State

		for _, s := range states {
			require.True(t, states[0].Equals(*s))
		}
	}

	requireCanTalk(t, states)
}

func TestStateAddMembers(t *testing.T) {
	alice := newTestState(t, "alice")

	kps := []KeyPackage{}
	privs := []*KeyPackagePrivate{}
	for _, name := range []string{"bob", "carol", "dave"} {
		kp, priv := newTestKeyPackage(t, name)
		kps = append(kps, *kp)
		privs = append(privs, priv)
	}

	result, err := alice.AddMembers(kps...)
	require.Nil(t, err)
	require.Len(t, result.State.Members(), 4)

	states := []*State{result.State}
	for i := range kps {
		s := joinFrom(t, result, &kps[i], privs[i])
		require.Equal(t, LeafIndex(i+1), s.Index)
		require.True(t, result.State.Equals(*s))
		states = append(states, s)
	}

	requireCanTalk(t, states)

	_, err = alice.AddMembers()
	require.ErrorIs(t, err, ErrInvalidArg)

	bad := kps[0].Clone()
	bad.Signature[0] ^= 0x01
	_, err = alice.AddMembers(kps[1], bad)
	require.ErrorIs(t, err, ErrKeyPackage)
	require.ErrorIs(t, err, ErrSignature)
}

func TestStateRemove(t *testing.T) {
	states := newTestGroup(t, 4)

	_, err := states[0].RemoveMember(0)
	require.ErrorIs(t, err, ErrInvalidArg)

	_, err = states[0].RemoveMember(9)
	require.ErrorIs(t, err, ErrInvalidArg)

	result, err := states[0].RemoveMember(2)
	require.Nil(t, err)

	removed, err := states[2].ProcessCommitMessage(result.Message)
	require.Nil(t, err)
	require.True(t, removed.Evicted)
	require.Equal(t, make([]byte, len(removed.IdentityPriv.Data)), removed.IdentityPriv.Data)
	require.NotEqual(t, make([]byte, len(states[2].IdentityPriv.Data)), states[2].IdentityPriv.Data)

	_, err = removed.Encrypt(testMessage)
	require.ErrorIs(t, err, ErrUseAfterEviction)

	_, err = removed.Export("marmot", nil, 32)
	require.ErrorIs(t, err, ErrUseAfterEviction)

	remaining := []*State{result.State}
	for _, i := range []int{1, 3} {
		next, err := states[i].ProcessCommitMessage(result.Message)
		require.Nil(t, err)
		require.False(t, next.Evicted)
		remaining = append(remaining, next)
	}

	for _, s := range remaining {
		require.True(t, remaining[0].Equals(*s))
		require.Len(t, s.Members(), 3)
	}

	requireCanTalk(t, remaining)

	// The removed member's view of the epoch does not open new traffic
	ct, err := remaining[0].Encrypt(testMessage)
	require.Nil(t, err)
	_, err = states[2].Decrypt(ct)
	require.ErrorIs(t, err, ErrWrongEpoch)
}

func TestStateUpdateExtensions(t *testing.T) {
	states := newTestGroup(t, 2)

	extensions := unhex("ffff00020102")
	result, err := states[0].UpdateExtensions(extensions)
	require.Nil(t, err)
	require.Equal(t, extensions, result.State.Extensions)

	next, err := states[1].ProcessCommitMessage(result.Message)
	require.Nil(t, err)
	require.Equal(t, extensions, next.Extensions)
	require.True(t, result.State.Equals(*next))

	_, err = states[0].UpdateExtensions(unhex("ffff0000ffff0000"))
	require.ErrorIs(t, err, ErrValidation)

	_, err = states[0].UpdateExtensions(unhex("ffff00"))
	require.ErrorIs(t, err, ErrTLSCodec)
}

func TestStateEncryptDecrypt(t *testing.T) {
	states := newTestGroup(t, 2)
	alice, bob := states[0], states[1]

	// The empty plaintext leaves only the tag
	ct, err := alice.Encrypt([]byte{})
	require.Nil(t, err)

	pm, err := UnmarshalPrivateMessage(ct)
	require.Nil(t, err)
	require.Len(t, pm.Ciphertext, aeadTagSize)
	require.Equal(t, ContentTypeApplication, pm.ContentType)

	msg, err := bob.Decrypt(ct)
	require.Nil(t, err)
	require.Len(t, msg.Plaintext, 0)

	// Authenticated data is carried in the clear
	ct, err = alice.EncryptWithAAD(testMessage, []byte("aad"))
	require.Nil(t, err)
	msg, err = bob.Decrypt(ct)
	require.Nil(t, err)
	require.Equal(t, []byte("aad"), msg.AuthenticatedData)

	// Replays find the generation consumed
	_, err = bob.Decrypt(ct)
	require.ErrorIs(t, err, ErrWrongEpoch)

	// Own messages
	ct, err = alice.Encrypt(testMessage)
	require.Nil(t, err)
	_, err = alice.Decrypt(ct)
	require.ErrorIs(t, err, ErrOwnMessage)

	pm, err = UnmarshalPrivateMessage(ct)
	require.Nil(t, err)

	wrongGroup := *pm
	wrongGroup.GroupID = []byte{0x09}
	data, err := wrongGroup.Marshal()
	require.Nil(t, err)
	_, err = bob.Decrypt(data)
	require.ErrorIs(t, err, ErrWrongGroupID)

	wrongEpoch := *pm
	wrongEpoch.Epoch += 1
	data, err = wrongEpoch.Marshal()
	require.Nil(t, err)
	_, err = bob.Decrypt(data)
	require.ErrorIs(t, err, ErrWrongEpoch)

	tampered := *pm
	tampered.Ciphertext = dup(pm.Ciphertext)
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0x01
	data, err = tampered.Marshal()
	require.Nil(t, err)
	_, err = bob.Decrypt(data)
	require.ErrorIs(t, err, ErrCrypto)

	_, err = bob.Decrypt(ct[:10])
	require.ErrorIs(t, err, ErrTLSCodec)
}

func TestStateForwardDistance(t *testing.T) {
	states := newTestGroup(t, 2)
	alice, bob := states[0], states[1]
	bob.MaxForwardDistance = 3

	cts := make([][]byte, 6)
	for i := range cts {
		ct, err := alice.Encrypt([]byte{byte(i)})
		require.Nil(t, err)
		cts[i] = ct
	}

	_, err := bob.Decrypt(cts[4])
	require.ErrorIs(t, err, ErrProcessMessage)

	msg, err := bob.Decrypt(cts[3])
	require.Nil(t, err)
	require.Equal(t, []byte{3}, msg.Plaintext)

	_, err = bob.Decrypt(cts[0])
	require.ErrorIs(t, err, ErrWrongEpoch)

	msg, err = bob.Decrypt(cts[5])
	require.Nil(t, err)
	require.Equal(t, []byte{5}, msg.Plaintext)
}

func TestStateCommitErrors(t *testing.T) {
	states := newTestGroup(t, 3)

	result, err := states[0].SelfUpdate()
	require.Nil(t, err)

	// The committer cannot process its own commit
	_, err = states[0].ProcessCommitMessage(result.Message)
	require.ErrorIs(t, err, ErrOwnCommitPending)

	_, err = states[0].ProcessCommit(result.Commit, 0)
	require.ErrorIs(t, err, ErrOwnCommitPending)

	// Commits are not application data
	_, err = states[1].Decrypt(result.Message)
	require.ErrorIs(t, err, ErrProcessMessage)

	// Application data is not a commit
	ct, err := states[0].Encrypt(testMessage)
	require.Nil(t, err)
	_, err = states[2].ProcessCommitMessage(ct)
	require.ErrorIs(t, err, ErrProcessMessage)

	// Proposals out of order
	kp, _ := newTestKeyPackage(t, "late")
	commit, err := Commit{Proposals: []Proposal{
		{Add: &AddProposal{KeyPackage: *kp}},
		{Remove: &RemoveProposal{Removed: 1}},
	}}.Marshal()
	require.Nil(t, err)
	_, err = states[2].ProcessCommit(commit, 0)
	require.ErrorIs(t, err, ErrValidation)

	// A remove outside the tree
	commit, err = Commit{Proposals: []Proposal{{Remove: &RemoveProposal{Removed: 7}}}}.Marshal()
	require.Nil(t, err)
	_, err = states[2].ProcessCommit(commit, 0)
	require.ErrorIs(t, err, ErrValidation)

	// Unsupported proposal types
	psk := &PreSharedKeyProposal{PSKID: []byte("x"), PSKNonce: []byte{}}
	commit, err = Commit{Proposals: []Proposal{{PSK: psk}}}.Marshal()
	require.Nil(t, err)
	_, err = states[2].ProcessCommit(commit, 0)
	require.ErrorIs(t, err, ErrNotImplemented)

	// Commits from vacant leaves
	_, err = states[2].ProcessCommit(result.Commit, 5)
	require.ErrorIs(t, err, ErrProcessMessage)

	// Inputs are left untouched on failure
	next, err := states[2].ProcessCommitMessage(result.Message)
	require.Nil(t, err)
	require.True(t, result.State.Equals(*next))
}

func TestStateCommitCheck(t *testing.T) {
	states := newTestGroup(t, 3)

	result, err := states[1].RemoveMember(2)
	require.Nil(t, err)

	reject := func(sender Member, commit Commit) error {
		require.Equal(t, LeafIndex(1), sender.Index)
		require.Equal(t, []byte("member-1"), sender.Identity)
		require.Len(t, commit.Proposals, 1)
		require.Equal(t, ProposalTypeRemove, commit.Proposals[0].Type())
		return fmt.Errorf("%w: not an admin", ErrValidation)
	}

	_, err = states[0].Clone().ProcessCommitMessageWith(result.Message, reject)
	require.ErrorIs(t, err, ErrValidation)

	accept := func(Member, Commit) error { return nil }
	next, err := states[0].ProcessCommitMessageWith(result.Message, accept)
	require.Nil(t, err)
	require.True(t, next.Equals(*result.State))
}

func TestStateJoinWithoutTree(t *testing.T) {
	alice := newTestState(t, "alice")
	kp, priv := newTestKeyPackage(t, "bob")

	result, err := alice.AddMember(*kp)
	require.Nil(t, err)
	next := result.State

	// Rebuild the welcome without the ratchet tree
	gi, err := next.groupInfo()
	require.Nil(t, err)
	gi.RatchetTree = nil

	w, err := newWelcome(suite, next.Keys.Secrets.JoinerSecret, *gi)
	require.Nil(t, err)
	require.Nil(t, w.EncryptTo(*kp, nil))
	w.finish()

	_, err = NewJoinedState(*w, *kp, *priv, true)
	require.ErrorIs(t, err, ErrWelcomeInvalid)

	bob, err := NewJoinedState(*w, *kp, *priv, false)
	require.Nil(t, err)
	require.Equal(t, LeafIndex(1), bob.Index)
	require.Equal(t, next.Epoch, bob.Epoch)
	require.Equal(t, LeafCount(2), bob.Tree.Size())
	require.Equal(t, next.ExporterSecret(), bob.ExporterSecret())

	ct, err := bob.Encrypt(testMessage)
	require.Nil(t, err)
	msg, err := next.Decrypt(ct)
	require.Nil(t, err)
	require.Equal(t, testMessage, msg.Plaintext)
}

func TestStateJoinErrors(t *testing.T) {
	alice := newTestState(t, "alice")
	kp, priv := newTestKeyPackage(t, "bob")
	other, otherPriv := newTestKeyPackage(t, "carol")

	result, err := alice.AddMember(*kp)
	require.Nil(t, err)

	w, err := UnmarshalWelcome(result.Welcome)
	require.Nil(t, err)

	_, err = NewJoinedState(*w, *other, *otherPriv, true)
	require.ErrorIs(t, err, ErrWelcomeNotFound)

	_, err = NewJoinedState(*w, *kp, *otherPriv, true)
	require.ErrorIs(t, err, ErrWelcomeInvalid)

	bad := *w
	bad.CipherSuite = 0x0002
	_, err = NewJoinedState(bad, *kp, *priv, true)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestStateMarshalBinary(t *testing.T) {
	states := newTestGroup(t, 3)

	// Consume some keys before saving
	ct, err := states[1].Encrypt(testMessage)
	require.Nil(t, err)
	_, err = states[0].Decrypt(ct)
	require.Nil(t, err)

	data, err := states[0].MarshalBinary()
	require.Nil(t, err)

	restored, err := UnmarshalState(data)
	require.Nil(t, err)
	require.True(t, states[0].Equals(*restored))
	require.Equal(t, states[0].Index, restored.Index)
	require.Equal(t, states[0].IdentityPriv, restored.IdentityPriv)

	// The restored state continues the saved ratchets
	_, err = restored.Decrypt(ct)
	require.ErrorIs(t, err, ErrWrongEpoch)

	ct, err = restored.Encrypt(testMessage)
	require.Nil(t, err)
	msg, err := states[2].Decrypt(ct)
	require.Nil(t, err)
	require.Equal(t, testMessage, msg.Plaintext)

	// ... and can still commit
	result, err := restored.SelfUpdate()
	require.Nil(t, err)
	next, err := states[1].ProcessCommitMessage(result.Message)
	require.Nil(t, err)
	require.True(t, result.State.Equals(*next))

	bad := dup(data)
	bad[0] = 0x02
	_, err = UnmarshalState(bad)
	require.ErrorIs(t, err, ErrDeserialization)

	_, err = UnmarshalState(data[:len(data)-1])
	require.ErrorIs(t, err, ErrTLSCodec)

	_, err = State{}.MarshalBinary()
	require.ErrorIs(t, err, ErrInvalidArg)
}

func TestStateCloneDestroy(t *testing.T) {
	states := newTestGroup(t, 2)

	clone := states[0].Clone()
	require.True(t, states[0].Equals(*clone))

	clone.Destroy()
	require.True(t, clone.Evicted)
	require.Equal(t, make([]byte, len(clone.IdentityPriv.Data)), clone.IdentityPriv.Data)

	_, err := clone.Encrypt(testMessage)
	require.ErrorIs(t, err, ErrUseAfterEviction)

	_, err = clone.SelfUpdate()
	require.ErrorIs(t, err, ErrUseAfterEviction)

	// The original is unaffected
	requireCanTalk(t, states)
}
