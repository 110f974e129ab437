package mls

import (
	"fmt"
	"sort"
)

///
/// GroupContext
///

// struct {
//     ProtocolVersion version = mls10;
//     CipherSuite cipher_suite;
//     opaque group_id<0..255>;
//     uint64 epoch;
//     opaque tree_hash<0..255>;
//     opaque confirmed_transcript_hash<0..255>;
//     opaque extensions<0..2^32-1>;
// } GroupContext;
type GroupContext struct {
	Version                 ProtocolVersion
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              []byte `tls:"head=4"`
}

func (ctx GroupContext) Marshal() ([]byte, error) {
	return marshal(ctx)
}

///
/// Hash ratchet
///

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k *keyAndNonce) zeroize() {
	zeroize(k.Key)
	zeroize(k.Nonce)
}

// A ratchet keeps only the secret for the next generation.  Skipped keys are
// not cached, so a generation can be retrieved at most once.
type hashRatchet struct {
	Suite          CipherSuite
	NextSecret     []byte `tls:"head=1"`
	NextGeneration uint32
}

func newHashRatchet(suite CipherSuite, baseSecret []byte) *hashRatchet {
	return &hashRatchet{
		Suite:          suite,
		NextSecret:     baseSecret,
		NextGeneration: 0,
	}
}

func (hr *hashRatchet) Next() (uint32, keyAndNonce) {
	key := hr.Suite.expandWithLabel(hr.NextSecret, "key", []byte{}, hr.Suite.Constants().KeySize)
	nonce := hr.Suite.expandWithLabel(hr.NextSecret, "nonce", []byte{}, hr.Suite.Constants().NonceSize)
	secret := hr.Suite.expandWithLabel(hr.NextSecret, "secret", []byte{}, hr.Suite.Constants().SecretSize)

	generation := hr.NextGeneration

	hr.NextGeneration += 1
	zeroize(hr.NextSecret)
	hr.NextSecret = secret

	return generation, keyAndNonce{key, nonce}
}

// Get ratchets forward to `generation`.  Past generations are gone; a
// generation more than maxForward steps ahead is refused.
func (hr *hashRatchet) Get(generation, maxForward uint32) (keyAndNonce, error) {
	if generation < hr.NextGeneration {
		return keyAndNonce{}, fmt.Errorf("mls.keys: %w: generation %d already consumed (next %d)",
			ErrWrongEpoch, generation, hr.NextGeneration)
	}

	if generation-hr.NextGeneration > maxForward {
		return keyAndNonce{}, fmt.Errorf("mls.keys: %w: generation %d is %d steps ahead (max %d)",
			ErrProcessMessage, generation, generation-hr.NextGeneration, maxForward)
	}

	for hr.NextGeneration < generation {
		_, kn := hr.Next()
		kn.zeroize()
	}

	_, kn := hr.Next()
	return kn, nil
}

func (hr hashRatchet) clone() *hashRatchet {
	return &hashRatchet{
		Suite:          hr.Suite,
		NextSecret:     dup(hr.NextSecret),
		NextGeneration: hr.NextGeneration,
	}
}

///
/// Secret tree
///

type senderRatchets struct {
	Handshake   *hashRatchet
	Application *hashRatchet
}

// SecretTree holds the node secrets derived from the epoch's encryption
// secret.  A node secret is consumed when its children are derived, and a
// leaf secret when the leaf's ratchets are created.
type SecretTree struct {
	Suite    CipherSuite
	Size     LeafCount
	Secrets  map[NodeIndex][]byte
	Ratchets map[LeafIndex]*senderRatchets
}

func newSecretTree(suite CipherSuite, size LeafCount, encryptionSecret []byte) *SecretTree {
	st := &SecretTree{
		Suite:    suite,
		Size:     size,
		Secrets:  map[NodeIndex][]byte{},
		Ratchets: map[LeafIndex]*senderRatchets{},
	}

	st.Secrets[root(size)] = dup(encryptionSecret)
	return st
}

func (st *SecretTree) leafSecret(sender LeafIndex) ([]byte, error) {
	// Find an ancestor that is populated
	senderNode := toNodeIndex(sender)
	d := append([]NodeIndex{senderNode}, dirpath(senderNode, st.Size)...)
	curr := -1
	for i, node := range d {
		if _, ok := st.Secrets[node]; ok {
			curr = i
			break
		}
	}

	if curr < 0 {
		return nil, fmt.Errorf("mls.keys: %w: no secret for leaf %d", ErrInternal, sender)
	}

	// Derive down
	for ; curr > 0; curr -= 1 {
		node := d[curr]
		secret := st.Secrets[node]
		st.Secrets[left(node)] = st.Suite.expandWithLabel(secret, "tree", []byte("left"), st.Suite.Constants().SecretSize)
		st.Secrets[right(node, st.Size)] = st.Suite.expandWithLabel(secret, "tree", []byte("right"), st.Suite.Constants().SecretSize)
		zeroize(secret)
		delete(st.Secrets, node)
	}

	// Copy and return the leaf
	out := dup(st.Secrets[senderNode])
	zeroize(st.Secrets[senderNode])
	delete(st.Secrets, senderNode)
	return out, nil
}

func (st *SecretTree) ratchet(sender LeafIndex, handshake bool) (*hashRatchet, error) {
	if LeafCount(sender) >= st.Size {
		return nil, fmt.Errorf("mls.keys: %w: sender %d outside tree of %d", ErrInvalidArg, sender, st.Size)
	}

	r, ok := st.Ratchets[sender]
	if !ok {
		leaf, err := st.leafSecret(sender)
		if err != nil {
			return nil, err
		}

		r = &senderRatchets{
			Handshake:   newHashRatchet(st.Suite, st.Suite.expandWithLabel(leaf, "handshake", []byte{}, st.Suite.Constants().SecretSize)),
			Application: newHashRatchet(st.Suite, st.Suite.expandWithLabel(leaf, "application", []byte{}, st.Suite.Constants().SecretSize)),
		}
		zeroize(leaf)
		st.Ratchets[sender] = r
	}

	if handshake {
		return r.Handshake, nil
	}
	return r.Application, nil
}

func (st *SecretTree) Next(sender LeafIndex, handshake bool) (uint32, keyAndNonce, error) {
	r, err := st.ratchet(sender, handshake)
	if err != nil {
		return 0, keyAndNonce{}, err
	}

	gen, kn := r.Next()
	return gen, kn, nil
}

func (st *SecretTree) Get(sender LeafIndex, handshake bool, generation, maxForward uint32) (keyAndNonce, error) {
	r, err := st.ratchet(sender, handshake)
	if err != nil {
		return keyAndNonce{}, err
	}

	return r.Get(generation, maxForward)
}

func (st SecretTree) Clone() *SecretTree {
	next := &SecretTree{
		Suite:    st.Suite,
		Size:     st.Size,
		Secrets:  make(map[NodeIndex][]byte, len(st.Secrets)),
		Ratchets: make(map[LeafIndex]*senderRatchets, len(st.Ratchets)),
	}

	for n, s := range st.Secrets {
		next.Secrets[n] = dup(s)
	}

	for l, r := range st.Ratchets {
		next.Ratchets[l] = &senderRatchets{
			Handshake:   r.Handshake.clone(),
			Application: r.Application.clone(),
		}
	}

	return next
}

func (st *SecretTree) zeroize() {
	for n, s := range st.Secrets {
		zeroize(s)
		delete(st.Secrets, n)
	}

	for l, r := range st.Ratchets {
		zeroize(r.Handshake.NextSecret)
		zeroize(r.Application.NextSecret)
		delete(st.Ratchets, l)
	}
}

// Wire form used for persistence; maps are flattened in index order.
type secretTreeNode struct {
	Node   NodeIndex
	Secret []byte `tls:"head=1"`
}

type secretTreeRatchet struct {
	Leaf        LeafIndex
	Handshake   hashRatchet
	Application hashRatchet
}

type secretTreeWire struct {
	Suite    CipherSuite
	Size     LeafCount
	Secrets  []secretTreeNode    `tls:"head=4"`
	Ratchets []secretTreeRatchet `tls:"head=4"`
}

func (st SecretTree) MarshalTLS() ([]byte, error) {
	wire := secretTreeWire{
		Suite:    st.Suite,
		Size:     st.Size,
		Secrets:  []secretTreeNode{},
		Ratchets: []secretTreeRatchet{},
	}

	for n, s := range st.Secrets {
		wire.Secrets = append(wire.Secrets, secretTreeNode{n, s})
	}
	sort.Slice(wire.Secrets, func(i, j int) bool { return wire.Secrets[i].Node < wire.Secrets[j].Node })

	for l, r := range st.Ratchets {
		wire.Ratchets = append(wire.Ratchets, secretTreeRatchet{l, *r.Handshake, *r.Application})
	}
	sort.Slice(wire.Ratchets, func(i, j int) bool { return wire.Ratchets[i].Leaf < wire.Ratchets[j].Leaf })

	return marshal(wire)
}

func (st *SecretTree) UnmarshalTLS(data []byte) (int, error) {
	var wire secretTreeWire
	s := NewReadStream(data)
	if _, err := s.Read(&wire); err != nil {
		return 0, err
	}

	st.Suite = wire.Suite
	st.Size = wire.Size
	st.Secrets = make(map[NodeIndex][]byte, len(wire.Secrets))
	st.Ratchets = make(map[LeafIndex]*senderRatchets, len(wire.Ratchets))

	for _, n := range wire.Secrets {
		st.Secrets[n.Node] = n.Secret
	}

	for _, r := range wire.Ratchets {
		hs, app := r.Handshake, r.Application
		st.Ratchets[r.Leaf] = &senderRatchets{Handshake: &hs, Application: &app}
	}

	return s.Consumed(), nil
}

///
/// Key schedule epoch
///

type EpochSecrets struct {
	JoinerSecret       []byte `tls:"head=1"`
	WelcomeSecret      []byte `tls:"head=1"`
	SenderDataSecret   []byte `tls:"head=1"`
	EncryptionSecret   []byte `tls:"head=1"`
	ExporterSecret     []byte `tls:"head=1"`
	ExternalSecret     []byte `tls:"head=1"`
	ConfirmationKey    []byte `tls:"head=1"`
	MembershipKey      []byte `tls:"head=1"`
	ResumptionPSK      []byte `tls:"head=1"`
	EpochAuthenticator []byte `tls:"head=1"`
	InitSecret         []byte `tls:"head=1"`
}

func (es EpochSecrets) all() [][]byte {
	return [][]byte{
		es.JoinerSecret, es.WelcomeSecret, es.SenderDataSecret, es.EncryptionSecret,
		es.ExporterSecret, es.ExternalSecret, es.ConfirmationKey, es.MembershipKey,
		es.ResumptionPSK, es.EpochAuthenticator, es.InitSecret,
	}
}

func (es EpochSecrets) clone() EpochSecrets {
	return EpochSecrets{
		JoinerSecret:       dup(es.JoinerSecret),
		WelcomeSecret:      dup(es.WelcomeSecret),
		SenderDataSecret:   dup(es.SenderDataSecret),
		EncryptionSecret:   dup(es.EncryptionSecret),
		ExporterSecret:     dup(es.ExporterSecret),
		ExternalSecret:     dup(es.ExternalSecret),
		ConfirmationKey:    dup(es.ConfirmationKey),
		MembershipKey:      dup(es.MembershipKey),
		ResumptionPSK:      dup(es.ResumptionPSK),
		EpochAuthenticator: dup(es.EpochAuthenticator),
		InitSecret:         dup(es.InitSecret),
	}
}

func (es EpochSecrets) zeroize() {
	for _, s := range es.all() {
		zeroize(s)
	}
}

type keyScheduleEpoch struct {
	Suite        CipherSuite
	GroupContext []byte `tls:"head=4"`
	Secrets      EpochSecrets
	Keys         *SecretTree
}

// Derives an epoch from the joiner secret.  This is the half of the schedule
// that a new member can run on its own.
func newKeyScheduleEpoch(suite CipherSuite, size LeafCount, joinerSecret, psk, context []byte) keyScheduleEpoch {
	memberSecret := deriveMemberSecret(suite, joinerSecret, psk)
	defer zeroize(memberSecret)

	epochSecret := suite.expandWithLabel(memberSecret, "epoch", context, suite.Constants().SecretSize)
	defer zeroize(epochSecret)

	secrets := EpochSecrets{
		JoinerSecret:       dup(joinerSecret),
		WelcomeSecret:      suite.deriveSecret(memberSecret, "welcome"),
		SenderDataSecret:   suite.deriveSecret(epochSecret, "sender data"),
		EncryptionSecret:   suite.deriveSecret(epochSecret, "encryption"),
		ExporterSecret:     suite.deriveSecret(epochSecret, "exporter"),
		ExternalSecret:     suite.deriveSecret(epochSecret, "external"),
		ConfirmationKey:    suite.deriveSecret(epochSecret, "confirm"),
		MembershipKey:      suite.deriveSecret(epochSecret, "membership"),
		ResumptionPSK:      suite.deriveSecret(epochSecret, "resumption"),
		EpochAuthenticator: suite.deriveSecret(epochSecret, "authentication"),
		InitSecret:         suite.deriveSecret(epochSecret, "init"),
	}

	return keyScheduleEpoch{
		Suite:        suite,
		GroupContext: dup(context),
		Secrets:      secrets,
		Keys:         newSecretTree(suite, size, secrets.EncryptionSecret),
	}
}

func deriveMemberSecret(suite CipherSuite, joinerSecret, psk []byte) []byte {
	if len(psk) == 0 {
		psk = suite.zero()
	}

	return suite.hkdfExtract(joinerSecret, psk)
}

// The welcome secret depends only on the joiner secret, so that a new member
// can decrypt the GroupInfo before it knows the GroupContext.
func deriveWelcomeSecret(suite CipherSuite, joinerSecret, psk []byte) []byte {
	memberSecret := deriveMemberSecret(suite, joinerSecret, psk)
	defer zeroize(memberSecret)
	return suite.deriveSecret(memberSecret, "welcome")
}

func deriveJoinerSecret(suite CipherSuite, initSecret, commitSecret, context []byte) []byte {
	if len(commitSecret) == 0 {
		commitSecret = suite.zero()
	}

	extracted := suite.hkdfExtract(initSecret, commitSecret)
	defer zeroize(extracted)

	return suite.expandWithLabel(extracted, "joiner", context, suite.Constants().SecretSize)
}

// The epoch-0 schedule starts from an all-zero init secret and commit secret
func newInitialKeySchedule(suite CipherSuite, size LeafCount, context []byte) keyScheduleEpoch {
	joinerSecret := deriveJoinerSecret(suite, suite.zero(), suite.zero(), context)
	defer zeroize(joinerSecret)
	return newKeyScheduleEpoch(suite, size, joinerSecret, nil, context)
}

func (kse keyScheduleEpoch) Next(size LeafCount, psk, commitSecret, context []byte) keyScheduleEpoch {
	joinerSecret := deriveJoinerSecret(kse.Suite, kse.Secrets.InitSecret, commitSecret, context)
	defer zeroize(joinerSecret)
	return newKeyScheduleEpoch(kse.Suite, size, joinerSecret, psk, context)
}

func (kse keyScheduleEpoch) ConfirmationTag(confirmedTranscriptHash []byte) []byte {
	mac := kse.Suite.NewHMAC(kse.Secrets.ConfirmationKey)
	mac.Write(confirmedTranscriptHash)
	return mac.Sum(nil)
}

func (kse keyScheduleEpoch) Export(label string, context []byte, keyLength int) ([]byte, error) {
	return kse.Suite.Export(kse.Secrets.ExporterSecret, label, context, keyLength)
}

// Export is MLS-Exporter over a given exporter secret, for epochs whose
// state is no longer held.
func (cs CipherSuite) Export(exporterSecret []byte, label string, context []byte, keyLength int) ([]byte, error) {
	exporterBase := cs.deriveSecret(exporterSecret, label)
	defer zeroize(exporterBase)

	hctx := cs.Digest(context)
	return cs.ExpandWithLabel(exporterBase, "exported", hctx, keyLength)
}

func (kse keyScheduleEpoch) clone() keyScheduleEpoch {
	return keyScheduleEpoch{
		Suite:        kse.Suite,
		GroupContext: dup(kse.GroupContext),
		Secrets:      kse.Secrets.clone(),
		Keys:         kse.Keys.Clone(),
	}
}

func (kse keyScheduleEpoch) zeroize() {
	kse.Secrets.zeroize()
	if kse.Keys != nil {
		kse.Keys.zeroize()
	}
}

///
/// Welcome keys
///

func welcomeKeyAndNonce(suite CipherSuite, welcomeSecret []byte) keyAndNonce {
	return keyAndNonce{
		Key:   suite.expandWithLabel(welcomeSecret, "key", []byte{}, suite.Constants().KeySize),
		Nonce: suite.expandWithLabel(welcomeSecret, "nonce", []byte{}, suite.Constants().NonceSize),
	}
}
