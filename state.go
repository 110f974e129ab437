package mls

import (
	"bytes"
	"fmt"
)

const DefaultMaxForwardDistance = 1000

///
/// State
///

type State struct {
	// Shared confirmed state
	CipherSuite             CipherSuite
	GroupID                 []byte
	Epoch                   uint64
	Tree                    RatchetTree
	ConfirmedTranscriptHash []byte
	InterimTranscriptHash   []byte
	Extensions              []byte

	// Per-participant state
	Index              LeafIndex
	IdentityPriv       SignaturePrivateKey
	MaxForwardDistance uint32
	Evicted            bool

	// Secret state
	TreePriv *TreeKEMPrivateKey
	Keys     keyScheduleEpoch
}

// NewEmptyState creates a one-member group at epoch 0 with the creator at
// leaf 0.
func NewEmptyState(groupID, identity []byte, sigPriv SignaturePrivateKey, extensions []byte) (*State, error) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	if len(groupID) == 0 || len(groupID) > 255 {
		return nil, fmt.Errorf("mls.state: %w: group id of %d bytes", ErrInvalidArg, len(groupID))
	}

	if len(identity) == 0 {
		return nil, fmt.Errorf("mls.state: %w: empty identity", ErrInvalidArg)
	}

	if extensions == nil {
		extensions = []byte{}
	}

	leafPriv, err := suite.GenerateHPKEKey()
	if err != nil {
		return nil, err
	}

	leaf := LeafNode{
		EncryptionKey: leafPriv.PublicKey,
		SignatureKey:  sigPriv.PublicKey,
		Credential:    NewBasicCredential(identity),
		Capabilities:  []CipherSuite{suite},
		Source:        LeafNodeSourceKeyPackage,
		Extensions:    []byte{},
	}
	if err := leaf.sign(suite, sigPriv); err != nil {
		return nil, err
	}

	tree := NewRatchetTree(suite)
	if _, err := tree.AddLeaf(leaf); err != nil {
		return nil, err
	}

	s := &State{
		CipherSuite:             suite,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		Tree:                    *tree,
		ConfirmedTranscriptHash: suite.zero(),
		InterimTranscriptHash:   suite.zero(),
		Extensions:              dup(extensions),
		Index:                   0,
		IdentityPriv:            SignaturePrivateKey{Data: dup(sigPriv.Data), PublicKey: sigPriv.PublicKey},
		MaxForwardDistance:      DefaultMaxForwardDistance,
		TreePriv:                NewTreeKEMPrivateKey(suite, 0, leafPriv),
	}

	ctx, err := s.groupContextBytes()
	if err != nil {
		return nil, err
	}

	s.Keys = newInitialKeySchedule(suite, s.Tree.Size(), ctx)
	return s, nil
}

func (s *State) groupContext() (GroupContext, error) {
	treeHash, err := s.Tree.TreeHash()
	if err != nil {
		return GroupContext{}, err
	}

	return GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             s.CipherSuite,
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                treeHash,
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Extensions:              s.Extensions,
	}, nil
}

func (s *State) groupContextBytes() ([]byte, error) {
	ctx, err := s.groupContext()
	if err != nil {
		return nil, err
	}
	return ctx.Marshal()
}

func (s State) checkLive() error {
	if s.Evicted {
		return fmt.Errorf("mls.state: %w: group %x", ErrUseAfterEviction, s.GroupID)
	}
	return nil
}

///
/// Commits
///

// CommitResult holds the outputs of a commit created by this member.  The new
// state does not replace the current one until the caller adopts it.
type CommitResult struct {
	Commit          []byte
	Message         []byte
	Welcome         []byte
	ConfirmationTag []byte
	State           *State
}

func (s *State) AddMember(kp KeyPackage) (*CommitResult, error) {
	return s.AddMembers(kp)
}

// AddMembers adds every KeyPackage in a single commit with one Welcome
func (s *State) AddMembers(kps ...KeyPackage) (*CommitResult, error) {
	if len(kps) == 0 {
		return nil, fmt.Errorf("mls.state: %w: no key packages", ErrInvalidArg)
	}

	proposals := make([]Proposal, len(kps))
	for i, kp := range kps {
		if err := kp.Validate(); err != nil {
			return nil, fmt.Errorf("mls.state: %w: member %d: %w", ErrKeyPackage, i, err)
		}

		proposals[i] = Proposal{Add: &AddProposal{KeyPackage: kp.Clone()}}
	}

	return s.commit(proposals)
}

func (s *State) RemoveMember(removed LeafIndex) (*CommitResult, error) {
	if removed == s.Index {
		return nil, fmt.Errorf("mls.state: %w: cannot remove self", ErrInvalidArg)
	}

	if LeafCount(removed) >= s.Tree.Size() {
		return nil, fmt.Errorf("mls.state: %w: leaf %d outside tree of %d", ErrInvalidArg, removed, s.Tree.Size())
	}

	return s.commit([]Proposal{{Remove: &RemoveProposal{Removed: removed}}})
}

func (s *State) SelfUpdate() (*CommitResult, error) {
	return s.commit([]Proposal{})
}

// UpdateExtensions commits a new GroupContext extensions blob
func (s *State) UpdateExtensions(extensions []byte) (*CommitResult, error) {
	if _, err := ParseExtensions(extensions); err != nil {
		return nil, err
	}

	gce := &GroupContextExtensionsProposal{Extensions: dup(extensions)}
	return s.commit([]Proposal{{GroupContextExtensions: gce}})
}

func (s *State) commit(proposals []Proposal) (*CommitResult, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}

	next := s.Clone()
	joiners, err := next.apply(proposals, s.Index)
	if err != nil {
		next.Destroy()
		return nil, err
	}

	treePriv, path, commitSecret, err := next.Tree.Encap(next.Index, next.IdentityPriv)
	if err != nil {
		next.Destroy()
		return nil, err
	}
	defer zeroize(commitSecret)

	next.TreePriv.zeroize()
	next.TreePriv = treePriv

	commitBytes, err := Commit{Proposals: proposals, Path: path}.Marshal()
	if err != nil {
		next.Destroy()
		return nil, err
	}

	tag, err := next.ratchet(commitBytes, commitSecret)
	if err != nil {
		next.Destroy()
		return nil, err
	}

	// The commit is framed under the current epoch's handshake keys
	message, err := s.encrypt(ContentTypeCommit, commitBytes, tag)
	if err != nil {
		next.Destroy()
		return nil, err
	}

	result := &CommitResult{
		Commit:          commitBytes,
		Message:         message,
		ConfirmationTag: tag,
		State:           next,
	}

	if len(joiners) > 0 {
		result.Welcome, err = next.welcome(joiners)
		if err != nil {
			next.Destroy()
			return nil, err
		}
	}

	return result, nil
}

type joiner struct {
	index      LeafIndex
	keyPackage KeyPackage
}

func (s *State) welcome(joiners []joiner) ([]byte, error) {
	gi, err := s.groupInfo()
	if err != nil {
		return nil, err
	}

	w, err := newWelcome(s.CipherSuite, s.Keys.Secrets.JoinerSecret, *gi)
	if err != nil {
		return nil, err
	}
	defer w.finish()

	for _, j := range joiners {
		_, pathSecret, _ := s.TreePriv.PathSecret(j.index)
		err := w.EncryptTo(j.keyPackage, pathSecret)
		zeroize(pathSecret)
		if err != nil {
			return nil, err
		}
	}

	return w.Marshal()
}

// groupInfo describes the current epoch, signed by this member, with the
// ratchet tree attached.
func (s *State) groupInfo() (*GroupInfo, error) {
	treeHash, err := s.Tree.TreeHash()
	if err != nil {
		return nil, err
	}

	tree, err := marshal(s.Tree)
	if err != nil {
		return nil, err
	}

	gi := &GroupInfo{
		GroupID:     dup(s.GroupID),
		Epoch:       s.Epoch,
		Extensions:  dup(s.Extensions),
		SignerLeaf:  s.Index,
		RatchetTree: tree,
	}
	copy(gi.TreeHash[:], treeHash)
	copy(gi.ConfirmedTranscriptHash[:], s.ConfirmedTranscriptHash)
	copy(gi.ConfirmationTag[:], s.Keys.ConfirmationTag(s.ConfirmedTranscriptHash))

	if err := gi.sign(s.CipherSuite, s.IdentityPriv); err != nil {
		return nil, err
	}
	return gi, nil
}

// apply executes the proposals of a commit from `sender` against the tree
// and returns the leaves that were added.  Removing this member's leaf marks
// the state evicted.
func (s *State) apply(proposals []Proposal, sender LeafIndex) ([]joiner, error) {
	joiners := []joiner{}
	for i, p := range proposals {
		switch p.Type() {
		case ProposalTypeAdd:
			kp := p.Add.KeyPackage
			if err := kp.Validate(); err != nil {
				return nil, fmt.Errorf("mls.state: %w: proposal %d: %w", ErrKeyPackage, i, err)
			}

			index, err := s.Tree.AddLeaf(kp.LeafNode)
			if err != nil {
				return nil, err
			}
			joiners = append(joiners, joiner{index: index, keyPackage: kp})

		case ProposalTypeUpdate:
			current, ok := s.Tree.LeafNode(sender)
			if !ok {
				return nil, fmt.Errorf("mls.state: %w: update from vacant leaf %d", ErrValidation, sender)
			}

			leaf := p.Update.LeafNode
			if leaf.SignatureKey != current.SignatureKey || !leaf.VerifyWith(s.CipherSuite, current.SignatureKey) {
				return nil, fmt.Errorf("mls.state: %w: update leaf for %d", ErrSignature, sender)
			}

			if err := s.Tree.UpdateLeaf(sender, leaf); err != nil {
				return nil, err
			}

		case ProposalTypeRemove:
			removed := p.Remove.Removed
			if LeafCount(removed) >= s.Tree.Size() {
				return nil, fmt.Errorf("mls.state: %w: remove of leaf %d outside tree of %d", ErrValidation, removed, s.Tree.Size())
			}

			if removed == s.Index {
				s.Evicted = true
			}
			s.Tree.BlankPath(removed)

		case ProposalTypeGroupContextExtensions:
			if _, err := ParseExtensions(p.GroupContextExtensions.Extensions); err != nil {
				return nil, err
			}
			s.Extensions = dup(p.GroupContextExtensions.Extensions)

		default:
			return nil, fmt.Errorf("mls.state: %w: proposal type %d", ErrNotImplemented, p.Type())
		}
	}

	return joiners, nil
}

// ratchet advances the transcript and the key schedule over a commit and
// returns the new epoch's confirmation tag.
func (s *State) ratchet(commitBytes, commitSecret []byte) ([]byte, error) {
	s.ConfirmedTranscriptHash = s.CipherSuite.Digest(append(dup(s.InterimTranscriptHash), commitBytes...))
	s.Epoch += 1

	ctx, err := s.groupContextBytes()
	if err != nil {
		return nil, err
	}

	prev := s.Keys
	s.Keys = prev.Next(s.Tree.Size(), nil, commitSecret, ctx)
	prev.zeroize()

	tag := s.Keys.ConfirmationTag(s.ConfirmedTranscriptHash)
	s.InterimTranscriptHash = s.CipherSuite.Digest(append(dup(s.ConfirmedTranscriptHash), tag...))
	return tag, nil
}

// ProcessCommit applies a commit from another member and returns the state
// for the next epoch.  The receiver is left unchanged.
func (s *State) ProcessCommit(commitBytes []byte, sender LeafIndex) (*State, error) {
	next, _, err := s.processCommit(commitBytes, sender, nil)
	return next, err
}

// CommitCheck inspects a decoded commit and its sender before anything is
// applied.  A non-nil error rejects the commit.
type CommitCheck func(sender Member, commit Commit) error

func (s *State) processCommit(commitBytes []byte, sender LeafIndex, check CommitCheck) (*State, []byte, error) {
	if err := s.checkLive(); err != nil {
		return nil, nil, err
	}

	if sender == s.Index {
		return nil, nil, fmt.Errorf("mls.state: %w", ErrOwnCommitPending)
	}

	if !s.Tree.occupied(sender) {
		return nil, nil, fmt.Errorf("mls.state: %w: commit from vacant leaf %d", ErrProcessMessage, sender)
	}

	commit, err := UnmarshalCommit(commitBytes)
	if err != nil {
		return nil, nil, err
	}

	if err := commit.ValidateOrder(); err != nil {
		return nil, nil, err
	}

	if check != nil {
		leaf, _ := s.Tree.LeafNode(sender)
		member := Member{Index: sender, Identity: dup(leaf.Credential.Identity), SignatureKey: leaf.SignatureKey}
		if err := check(member, *commit); err != nil {
			return nil, nil, err
		}
	}

	next := s.Clone()
	if _, err := next.apply(commit.Proposals, sender); err != nil {
		next.Destroy()
		return nil, nil, err
	}

	if next.Evicted {
		next.IdentityPriv.zeroize()
		next.TreePriv.zeroize()
		next.Keys.zeroize()
		return next, nil, nil
	}

	next.TreePriv.prune(&next.Tree)

	commitSecret := s.CipherSuite.zero()
	if commit.Path != nil {
		commitSecret, err = next.TreePriv.Decap(&next.Tree, sender, *commit.Path)
		if err != nil {
			next.Destroy()
			return nil, nil, err
		}
	}
	defer zeroize(commitSecret)

	tag, err := next.ratchet(commitBytes, commitSecret)
	if err != nil {
		next.Destroy()
		return nil, nil, err
	}

	return next, tag, nil
}

// ProcessCommitMessage decrypts a framed commit, applies it and checks the
// confirmation tag carried in its authenticated data.
func (s *State) ProcessCommitMessage(data []byte) (*State, error) {
	return s.ProcessCommitMessageWith(data, nil)
}

// ProcessCommitMessageWith is ProcessCommitMessage with a check run on the
// authenticated sender and the commit contents.
func (s *State) ProcessCommitMessageWith(data []byte, check CommitCheck) (*State, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}

	msg, err := s.decrypt(data)
	if err != nil {
		return nil, err
	}
	defer zeroize(msg.Plaintext)

	if msg.ContentType != ContentTypeCommit {
		return nil, fmt.Errorf("mls.state: %w: content type %d is not a commit", ErrProcessMessage, msg.ContentType)
	}

	next, tag, err := s.processCommit(msg.Plaintext, msg.Sender, check)
	if err != nil {
		return nil, err
	}

	if next.Evicted {
		return next, nil
	}

	if !bytes.Equal(tag, msg.AuthenticatedData) {
		next.Destroy()
		return nil, fmt.Errorf("mls.state: %w: confirmation tag mismatch", ErrProcessMessage)
	}

	return next, nil
}

///
/// Message protection
///

type DecryptedMessage struct {
	Sender            LeafIndex
	ContentType       ContentType
	Plaintext         []byte
	AuthenticatedData []byte
}

func (s *State) Encrypt(pt []byte) ([]byte, error) {
	return s.EncryptWithAAD(pt, []byte{})
}

func (s *State) EncryptWithAAD(pt, authenticatedData []byte) ([]byte, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}

	return s.encrypt(ContentTypeApplication, pt, authenticatedData)
}

func (s *State) encrypt(contentType ContentType, pt, authenticatedData []byte) ([]byte, error) {
	if authenticatedData == nil {
		authenticatedData = []byte{}
	}

	generation, keys, err := s.Keys.Keys.Next(s.Index, contentType.handshake())
	if err != nil {
		return nil, err
	}
	defer keys.zeroize()

	var reuseGuard [4]byte
	guard, err := randomBytes(len(reuseGuard))
	if err != nil {
		return nil, err
	}
	copy(reuseGuard[:], guard)

	aad, err := contentAAD(s.GroupID, s.Epoch, contentType, authenticatedData)
	if err != nil {
		return nil, err
	}

	ct, err := s.CipherSuite.seal(keys.Key, applyGuard(keys.Nonce, reuseGuard), pt, aad)
	if err != nil {
		return nil, err
	}

	sd, err := marshal(SenderData{Leaf: s.Index, Generation: generation, ReuseGuard: reuseGuard})
	if err != nil {
		return nil, err
	}

	sdKeys := senderDataKeyAndNonce(s.CipherSuite, s.Keys.Secrets.SenderDataSecret, ct)
	defer sdKeys.zeroize()

	esd, err := s.CipherSuite.seal(sdKeys.Key, sdKeys.Nonce, sd, nil)
	if err != nil {
		return nil, err
	}

	return PrivateMessage{
		GroupID:             s.GroupID,
		Epoch:               s.Epoch,
		ContentType:         contentType,
		AuthenticatedData:   authenticatedData,
		EncryptedSenderData: esd,
		Ciphertext:          ct,
	}.Marshal()
}

// Decrypt opens an application message from another member.  A message sent
// by this member yields ErrOwnMessage.
func (s *State) Decrypt(data []byte) (*DecryptedMessage, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}

	msg, err := s.decrypt(data)
	if err != nil {
		return nil, err
	}

	if msg.ContentType != ContentTypeApplication {
		zeroize(msg.Plaintext)
		return nil, fmt.Errorf("mls.state: %w: content type %d is not application data", ErrProcessMessage, msg.ContentType)
	}

	return msg, nil
}

func (s *State) decrypt(data []byte) (*DecryptedMessage, error) {
	pm, err := UnmarshalPrivateMessage(data)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(pm.GroupID, s.GroupID) {
		return nil, fmt.Errorf("mls.state: %w: %x", ErrWrongGroupID, pm.GroupID)
	}

	if pm.Epoch != s.Epoch {
		return nil, fmt.Errorf("mls.state: %w: message epoch %d, group epoch %d", ErrWrongEpoch, pm.Epoch, s.Epoch)
	}

	sdKeys := senderDataKeyAndNonce(s.CipherSuite, s.Keys.Secrets.SenderDataSecret, pm.Ciphertext)
	defer sdKeys.zeroize()

	sdData, err := s.CipherSuite.open(sdKeys.Key, sdKeys.Nonce, pm.EncryptedSenderData, nil)
	if err != nil {
		return nil, fmt.Errorf("mls.state: sender data: %w", err)
	}

	var sd SenderData
	if err := unmarshalAll(sdData, &sd); err != nil {
		return nil, err
	}

	if sd.Leaf == s.Index {
		if pm.ContentType == ContentTypeCommit {
			return nil, fmt.Errorf("mls.state: %w", ErrOwnCommitPending)
		}
		return nil, fmt.Errorf("mls.state: %w", ErrOwnMessage)
	}

	if !s.Tree.occupied(sd.Leaf) {
		return nil, fmt.Errorf("mls.state: %w: message from vacant leaf %d", ErrProcessMessage, sd.Leaf)
	}

	keys, err := s.Keys.Keys.Get(sd.Leaf, pm.ContentType.handshake(), sd.Generation, s.MaxForwardDistance)
	if err != nil {
		return nil, err
	}
	defer keys.zeroize()

	aad, err := contentAAD(pm.GroupID, pm.Epoch, pm.ContentType, pm.AuthenticatedData)
	if err != nil {
		return nil, err
	}

	pt, err := s.CipherSuite.open(keys.Key, applyGuard(keys.Nonce, sd.ReuseGuard), pm.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("mls.state: content: %w", err)
	}

	return &DecryptedMessage{
		Sender:            sd.Leaf,
		ContentType:       pm.ContentType,
		Plaintext:         pt,
		AuthenticatedData: pm.AuthenticatedData,
	}, nil
}

///
/// Accessors
///

func (s State) Export(label string, context []byte, length int) ([]byte, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	return s.Keys.Export(label, context, length)
}

func (s State) ExporterSecret() []byte {
	return dup(s.Keys.Secrets.ExporterSecret)
}

func (s State) EpochAuthenticator() []byte {
	return dup(s.Keys.Secrets.EpochAuthenticator)
}

type Member struct {
	Index        LeafIndex
	Identity     []byte
	SignatureKey SignaturePublicKey
}

func (s State) Members() []Member {
	members := []Member{}
	for _, i := range s.Tree.Members() {
		leaf, _ := s.Tree.LeafNode(i)
		members = append(members, Member{
			Index:        i,
			Identity:     dup(leaf.Credential.Identity),
			SignatureKey: leaf.SignatureKey,
		})
	}
	return members
}

func (s State) Clone() *State {
	next := &State{
		CipherSuite:             s.CipherSuite,
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch,
		Tree:                    *s.Tree.Clone(),
		ConfirmedTranscriptHash: dup(s.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(s.InterimTranscriptHash),
		Extensions:              dup(s.Extensions),
		Index:                   s.Index,
		IdentityPriv:            SignaturePrivateKey{Data: dup(s.IdentityPriv.Data), PublicKey: s.IdentityPriv.PublicKey},
		MaxForwardDistance:      s.MaxForwardDistance,
		Evicted:                 s.Evicted,
		Keys:                    s.Keys.clone(),
	}

	if s.TreePriv != nil {
		next.TreePriv = s.TreePriv.Clone()
	}

	return next
}

// Equals compares the shared group state of two members
func (s State) Equals(o State) bool {
	return s.CipherSuite == o.CipherSuite &&
		bytes.Equal(s.GroupID, o.GroupID) &&
		s.Epoch == o.Epoch &&
		s.Tree.Equals(o.Tree) &&
		bytes.Equal(s.ConfirmedTranscriptHash, o.ConfirmedTranscriptHash) &&
		bytes.Equal(s.InterimTranscriptHash, o.InterimTranscriptHash) &&
		bytes.Equal(s.Extensions, o.Extensions) &&
		bytes.Equal(s.Keys.Secrets.ExporterSecret, o.Keys.Secrets.ExporterSecret)
}

// Destroy zeroizes the signature key, the tree private keys and the epoch
// secrets.  The state is unusable afterwards.
func (s *State) Destroy() {
	s.IdentityPriv.zeroize()
	if s.TreePriv != nil {
		s.TreePriv.zeroize()
	}
	s.Keys.zeroize()
	s.Evicted = true
}

///
/// Joining
///

// NewJoinedState joins a group from a Welcome addressed to `kp`.  When the
// GroupInfo carries the ratchet tree it is checked against the tree hash and
// the GroupInfo signature is verified.  A Welcome without a tree is accepted
// only if requireTree is false, in which case this member sits alone at
// leaf 1 of a two-leaf tree.
func NewJoinedState(welcome Welcome, kp KeyPackage, kpPriv KeyPackagePrivate, requireTree bool) (*State, error) {
	suite := welcome.CipherSuite
	if err := suite.ValidForTLS(); err != nil {
		return nil, fmt.Errorf("mls.state: %w", err)
	}

	gs, gi, err := welcome.Decrypt(kp, kpPriv.InitKey)
	if err != nil {
		return nil, err
	}
	defer gs.zeroize()

	s := &State{
		CipherSuite:             suite,
		GroupID:                 dup(gi.GroupID),
		Epoch:                   gi.Epoch,
		ConfirmedTranscriptHash: dup(gi.ConfirmedTranscriptHash[:]),
		Extensions:              dup(gi.Extensions),
		IdentityPriv:            SignaturePrivateKey{Data: dup(kpPriv.SignatureKey.Data), PublicKey: kpPriv.SignatureKey.PublicKey},
		MaxForwardDistance:      DefaultMaxForwardDistance,
	}

	switch {
	case gi.RatchetTree != nil:
		tree := NewRatchetTree(suite)
		if err := unmarshalAll(gi.RatchetTree, tree); err != nil {
			return nil, fmt.Errorf("mls.state: %w: ratchet tree: %w", ErrWelcomeInvalid, err)
		}
		tree.Suite = suite

		treeHash, err := tree.TreeHash()
		if err != nil {
			return nil, fmt.Errorf("mls.state: %w: %w", ErrWelcomeInvalid, err)
		}

		if !bytes.Equal(treeHash, gi.TreeHash[:]) {
			return nil, fmt.Errorf("mls.state: %w: tree hash mismatch", ErrWelcomeInvalid)
		}

		if err := tree.VerifyLeaves(); err != nil {
			return nil, fmt.Errorf("mls.state: %w: %w", ErrWelcomeInvalid, err)
		}

		signer, ok := tree.LeafNode(gi.SignerLeaf)
		if !ok || !gi.verify(suite, signer.SignatureKey) {
			return nil, fmt.Errorf("mls.state: %w: group info signature", ErrSignature)
		}

		index, ok := tree.Find(kp.LeafNode)
		if !ok {
			return nil, fmt.Errorf("mls.state: %w: new member not in the tree", ErrWelcomeInvalid)
		}

		s.Tree = *tree
		s.Index = index

	case !requireTree:
		tree := NewRatchetTree(suite)
		tree.Nodes = []OptionalNode{{}, {}, newLeafNode(kp.LeafNode.Clone())}
		s.Tree = *tree
		s.Index = 1

	default:
		return nil, fmt.Errorf("mls.state: %w: welcome carries no ratchet tree", ErrWelcomeInvalid)
	}

	// The epoch is keyed to the context the committer announced
	ctx, err := gi.groupContext(suite).Marshal()
	if err != nil {
		return nil, err
	}

	s.Keys = newKeyScheduleEpoch(suite, s.Tree.Size(), gs.JoinerSecret[:], nil, ctx)
	tag := s.Keys.ConfirmationTag(s.ConfirmedTranscriptHash)
	if !bytes.Equal(tag, gi.ConfirmationTag[:]) {
		s.Keys.zeroize()
		return nil, fmt.Errorf("mls.state: %w: confirmation tag mismatch", ErrWelcomeInvalid)
	}

	s.InterimTranscriptHash = suite.Digest(append(dup(s.ConfirmedTranscriptHash), tag...))

	// Without the tree the committer's path is unknown
	pathSecret := gs.PathSecret
	if gi.RatchetTree == nil {
		pathSecret = nil
	}

	s.TreePriv, err = NewTreeKEMPrivateKeyForJoiner(suite, s.Index, kpPriv.EncryptionKey, &s.Tree, gi.SignerLeaf, pathSecret)
	if err != nil {
		s.Keys.zeroize()
		return nil, fmt.Errorf("mls.state: %w: %w", ErrWelcomeInvalid, err)
	}

	if gi.RatchetTree != nil && !s.TreePriv.Consistent(&s.Tree) {
		s.Destroy()
		return nil, fmt.Errorf("mls.state: %w: private keys do not match the tree", ErrWelcomeInvalid)
	}

	return s, nil
}
