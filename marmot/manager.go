// Package marmot binds MLS groups to the Nostr event transport: the
// GroupData extension, event kinds 443, 444 and 445, the exporter-derived
// outer envelope, media encryption and a Manager that runs groups over a
// storage backend.
package marmot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/cisco/go-tls-syntax"
	"go.uber.org/zap"

	mls "github.com/marmot-protocol/go-marmot"
	"github.com/marmot-protocol/go-marmot/storage"
)

var suite = mls.X25519_AES128GCM_SHA256_Ed25519

// Manager runs MLS groups for one client.  Operations are serialized; the
// storage backend holds every group state between calls.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	log   *zap.Logger
	store storage.Storage
}

func NewManager(store storage.Storage, opts ...Option) *Manager {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Manager{
		cfg:   cfg,
		log:   cfg.Logger,
		store: store,
	}
}

func storageError(err error) error {
	return fmt.Errorf("marmot.manager: %w: %w", ErrStorage, err)
}

///
/// Records
///

func toStorageImage(img *GroupImage) *storage.GroupImage {
	if img == nil {
		return nil
	}

	out := &storage.GroupImage{Hash: img.Hash, Key: img.Key, Nonce: img.Nonce}
	if img.UploadKey != nil {
		uk := *img.UploadKey
		out.UploadKey = &uk
	}
	return out
}

func applyGroupData(g *storage.Group, gd GroupData) {
	g.NostrGroupID = gd.NostrGroupID
	g.Name = gd.Name
	g.Description = gd.Description
	g.Admins = append([][32]byte{}, gd.Admins...)
	g.Relays = append([]string{}, gd.Relays...)
	g.Image = toStorageImage(gd.Image)
}

func pubkeyOf(identity []byte) ([32]byte, bool) {
	var out [32]byte
	if len(identity) != len(out) {
		return out, false
	}
	copy(out[:], identity)
	return out, true
}

func ownPubkey(state *mls.State) ([32]byte, error) {
	leaf, ok := state.Tree.LeafNode(state.Index)
	if !ok {
		return [32]byte{}, fmt.Errorf("marmot.manager: %w: own leaf is vacant", mls.ErrInternal)
	}

	pk, ok := pubkeyOf(leaf.Credential.Identity)
	if !ok {
		return pk, fmt.Errorf("marmot.manager: %w: identity is not a Nostr public key", mls.ErrInternal)
	}
	return pk, nil
}

func findMember(state *mls.State, pubkey [32]byte) (mls.LeafIndex, bool) {
	for _, member := range state.Members() {
		if bytes.Equal(member.Identity, pubkey[:]) {
			return member.Index, true
		}
	}
	return 0, false
}

///
/// State persistence
///

func (m *Manager) findGroup(ctx context.Context, mlsGroupID []byte) (*storage.Group, error) {
	g, err := m.store.FindGroupByMLSID(ctx, mlsGroupID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("marmot.manager: %w: %x", ErrGroupNotFound, mlsGroupID)
	} else if err != nil {
		return nil, storageError(err)
	}
	return g, nil
}

func (m *Manager) loadState(ctx context.Context, group *storage.Group) (*mls.State, error) {
	if group.State == storage.GroupStateInactive {
		return nil, fmt.Errorf("marmot.manager: %w: group %x is inactive", mls.ErrUseAfterEviction, group.MLSGroupID)
	}

	blob, err := m.store.MLSLoad(ctx, storage.LabelGroupState, group.MLSGroupID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("marmot.manager: %w: no state for group %x", ErrGroupNotFound, group.MLSGroupID)
	} else if err != nil {
		return nil, storageError(err)
	}

	state, err := mls.UnmarshalState(blob)
	if err != nil {
		return nil, err
	}

	state.MaxForwardDistance = m.cfg.MaxForwardDistance
	return state, nil
}

// open loads a group record and its state
func (m *Manager) open(ctx context.Context, mlsGroupID []byte) (*storage.Group, *mls.State, error) {
	group, err := m.findGroup(ctx, mlsGroupID)
	if err != nil {
		return nil, nil, err
	}

	state, err := m.loadState(ctx, group)
	if err != nil {
		return nil, nil, err
	}
	return group, state, nil
}

// persist stores a state, its exporter secret and the group record derived
// from its GroupData extension.
func (m *Manager) persist(ctx context.Context, state *mls.State, group *storage.Group) error {
	blob, err := state.MarshalBinary()
	if err != nil {
		return err
	}

	if err := m.store.MLSStore(ctx, storage.LabelGroupState, state.GroupID, blob); err != nil {
		return storageError(err)
	}

	var secret [32]byte
	exporter := state.ExporterSecret()
	copy(secret[:], exporter)
	zeroBytes(exporter)

	if err := m.store.SaveExporterSecret(ctx, state.GroupID, state.Epoch, secret); err != nil {
		return storageError(err)
	}

	gd, err := groupDataFromExtensions(state.Extensions)
	if err != nil {
		return err
	}

	applyGroupData(group, *gd)
	group.MLSGroupID = append([]byte{}, state.GroupID...)
	group.Epoch = state.Epoch
	if err := m.store.SaveGroup(ctx, *group); err != nil {
		return storageError(err)
	}
	return nil
}

// snapshot records a serialized state taken before a commit was applied
func (m *Manager) snapshot(ctx context.Context, blob []byte, epoch uint64, group *storage.Group) error {
	err := m.store.SaveSnapshot(ctx, storage.Snapshot{
		MLSGroupID: append([]byte{}, group.MLSGroupID...),
		Epoch:      epoch,
		State:      blob,
		Group:      *group,
		CreatedAt:  m.cfg.Now(),
	})
	if err != nil {
		return storageError(err)
	}
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

///
/// Pending commits
///

// struct {
//     opaque message<V>;
//     opaque state<V>;
// } PendingCommit;
type pendingCommit struct {
	Message []byte `tls:"head=4"`
	State   []byte `tls:"head=4"`
}

func (m *Manager) loadPending(ctx context.Context, mlsGroupID []byte) (*pendingCommit, error) {
	data, err := m.store.MLSLoad(ctx, storage.LabelPendingCommit, mlsGroupID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, storageError(err)
	}

	var pc pendingCommit
	read, err := syntax.Unmarshal(data, &pc)
	if err != nil || read != len(data) {
		return nil, fmt.Errorf("marmot.manager: %w: pending commit", mls.ErrDeserialization)
	}
	return &pc, nil
}

func (m *Manager) requireNoPending(ctx context.Context, mlsGroupID []byte) error {
	pc, err := m.loadPending(ctx, mlsGroupID)
	if err != nil {
		return err
	}

	if pc != nil {
		return fmt.Errorf("marmot.manager: %w: group %x", mls.ErrOwnCommitPending, mlsGroupID)
	}
	return nil
}

// The digest of the last own commit merged into a group is kept so the relay
// echo of that commit can still be recognized after the merge.
func (m *Manager) rememberMerged(ctx context.Context, mlsGroupID, message []byte) error {
	if err := m.store.MLSStore(ctx, storage.LabelMergedCommit, mlsGroupID, suite.Digest(message)); err != nil {
		return storageError(err)
	}
	return nil
}

func (m *Manager) isMergedEcho(ctx context.Context, mlsGroupID, message []byte) (bool, error) {
	digest, err := m.store.MLSLoad(ctx, storage.LabelMergedCommit, mlsGroupID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, storageError(err)
	}
	return bytes.Equal(digest, suite.Digest(message)), nil
}

// stage records an own commit until it is merged or cleared.  The current
// state is stored as well, since framing the commit advanced its handshake
// ratchet.
func (m *Manager) stage(ctx context.Context, group *storage.Group, state *mls.State, result *mls.CommitResult) (*Event, error) {
	defer result.State.Destroy()

	blob, err := result.State.MarshalBinary()
	if err != nil {
		return nil, err
	}

	data, err := syntax.Marshal(pendingCommit{Message: result.Message, State: blob})
	if err != nil {
		return nil, fmt.Errorf("marmot.manager: %w: %v", mls.ErrTLSCodec, err)
	}

	if err := m.persist(ctx, state, group); err != nil {
		return nil, err
	}

	if err := m.store.MLSStore(ctx, storage.LabelPendingCommit, state.GroupID, data); err != nil {
		return nil, storageError(err)
	}

	evt := NewGroupMessageEvent(group.NostrGroupID, base64.StdEncoding.EncodeToString(result.Message), true, m.cfg.Now())
	if err := evt.SignEphemeral(); err != nil {
		return nil, err
	}

	m.log.Info("staged commit",
		zap.String("group", hex.EncodeToString(state.GroupID)),
		zap.Uint64("epoch", state.Epoch),
		zap.String("event", evt.ID))
	return evt, nil
}

// commitPolicy only lets admins add, remove or change the group context
func commitPolicy(gd *GroupData) mls.CommitCheck {
	return func(sender mls.Member, commit mls.Commit) error {
		pk, _ := pubkeyOf(sender.Identity)
		if gd.IsAdmin(pk) {
			return nil
		}

		for _, p := range commit.Proposals {
			switch p.Type() {
			case mls.ProposalTypeAdd, mls.ProposalTypeRemove, mls.ProposalTypeGroupContextExtensions:
				return fmt.Errorf("marmot.manager: %w: proposal type %d from non-admin leaf %d",
					mls.ErrValidation, p.Type(), sender.Index)
			}
		}
		return nil
	}
}

func (m *Manager) requireAdmin(state *mls.State) (*GroupData, error) {
	gd, err := groupDataFromExtensions(state.Extensions)
	if err != nil {
		return nil, err
	}

	own, err := ownPubkey(state)
	if err != nil {
		return nil, err
	}

	if !gd.IsAdmin(own) {
		return nil, fmt.Errorf("marmot.manager: %w: %x is not an admin", mls.ErrValidation, own)
	}
	return gd, nil
}
