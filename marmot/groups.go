package marmot

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cisco/go-tls-syntax"
	"go.uber.org/zap"

	mls "github.com/marmot-protocol/go-marmot"
	"github.com/marmot-protocol/go-marmot/storage"
)

///
/// Key packages
///

// struct {
//     opaque key_package<V>;
//     opaque private<V>;
// } KeyPackageBundle;
type keyPackageBundle struct {
	KeyPackage []byte `tls:"head=4"`
	Private    []byte `tls:"head=4"`
}

// CreateKeyPackage generates a KeyPackage for a Nostr identity and returns
// the unsigned kind 443 event publishing it.  The private half is kept
// under its KeyPackageRef until a Welcome consumes it.
func (m *Manager) CreateKeyPackage(ctx context.Context, pubkey [32]byte, relays []string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kp, priv, err := mls.NewKeyPackage(suite, pubkey[:], []byte{})
	if err != nil {
		return nil, err
	}
	defer priv.Zeroize()

	ref, err := kp.Ref()
	if err != nil {
		return nil, err
	}

	kpData, err := kp.Marshal()
	if err != nil {
		return nil, err
	}

	privData, err := priv.Marshal()
	if err != nil {
		return nil, err
	}
	defer zeroBytes(privData)

	bundle, err := syntax.Marshal(keyPackageBundle{KeyPackage: kpData, Private: privData})
	if err != nil {
		return nil, fmt.Errorf("marmot.manager: %w: %v", mls.ErrTLSCodec, err)
	}

	if err := m.store.MLSStore(ctx, storage.LabelKeyPackagePrivate, ref, bundle); err != nil {
		return nil, storageError(err)
	}

	evt, err := NewKeyPackageEvent(hex.EncodeToString(pubkey[:]), *kp, relays, m.cfg.Now())
	if err != nil {
		return nil, err
	}

	m.log.Debug("created key package", zap.String("ref", hex.EncodeToString(ref)))
	return evt, nil
}

func (m *Manager) loadKeyPackage(ctx context.Context, ref []byte) (*mls.KeyPackage, *mls.KeyPackagePrivate, error) {
	data, err := m.store.MLSLoad(ctx, storage.LabelKeyPackagePrivate, ref)
	if err != nil {
		return nil, nil, err
	}

	var bundle keyPackageBundle
	read, err := syntax.Unmarshal(data, &bundle)
	if err != nil || read != len(data) {
		return nil, nil, fmt.Errorf("marmot.manager: %w: key package bundle", mls.ErrDeserialization)
	}
	defer zeroBytes(bundle.Private)

	kp, err := mls.UnmarshalKeyPackage(bundle.KeyPackage)
	if err != nil {
		return nil, nil, err
	}

	priv, err := mls.UnmarshalKeyPackagePrivate(bundle.Private)
	if err != nil {
		return nil, nil, err
	}
	return kp, priv, nil
}

///
/// Group lifecycle
///

type GroupConfig struct {
	Name        string
	Description string
	Admins      [][32]byte
	Relays      []string
	Image       *GroupImage
}

// GroupResult carries the outputs of a group change.  Evolution is the kind
// 445 commit to publish and WelcomeRumors the unsigned kind 444 rumors to
// gift-wrap to each new member.
type GroupResult struct {
	Group         storage.Group
	Evolution     *Event
	WelcomeRumors []Event
}

func parseKeyPackageEvents(events []Event) ([]mls.KeyPackage, error) {
	kps := make([]mls.KeyPackage, len(events))
	for i, e := range events {
		kp, err := ParseKeyPackageEvent(e)
		if err != nil {
			return nil, fmt.Errorf("marmot.manager: key package event %d: %w", i, err)
		}
		kps[i] = *kp
	}
	return kps, nil
}

func (m *Manager) welcomeRumors(state *mls.State, welcome []byte, events []Event, relays []string) ([]Event, error) {
	own, err := ownPubkey(state)
	if err != nil {
		return nil, err
	}

	rumors := make([]Event, len(events))
	for i, e := range events {
		rumors[i] = *NewWelcomeRumor(hex.EncodeToString(own[:]), welcome, e.ID, relays, m.cfg.Now())
	}
	return rumors, nil
}

// CreateGroup starts a group with the creator alone at epoch 0 and, when
// key package events are given, adds those members in one commit that the
// creator merges immediately.
func (m *Manager) CreateGroup(ctx context.Context, creator [32]byte, config GroupConfig, members []Event) (*GroupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gd := GroupData{
		Version:     GroupDataVersion2,
		Name:        config.Name,
		Description: config.Description,
		Admins:      append([][32]byte{}, config.Admins...),
		Relays:      append([]string{}, config.Relays...),
		Image:       config.Image,
	}

	if !gd.IsAdmin(creator) {
		return nil, fmt.Errorf("marmot.manager: %w: creator must be an admin", mls.ErrInvalidArg)
	}

	if _, err := rand.Read(gd.NostrGroupID[:]); err != nil {
		return nil, fmt.Errorf("marmot.manager: %w: %v", mls.ErrCrypto, err)
	}

	kps, err := parseKeyPackageEvents(members)
	if err != nil {
		return nil, err
	}

	for _, kp := range kps {
		if pk, _ := pubkeyOf(kp.LeafNode.Credential.Identity); pk == creator {
			return nil, fmt.Errorf("marmot.manager: %w: creator cannot invite itself", mls.ErrInvalidArg)
		}
	}

	ext, err := withGroupData([]byte{}, gd)
	if err != nil {
		return nil, err
	}

	groupID := make([]byte, 32)
	if _, err := rand.Read(groupID); err != nil {
		return nil, fmt.Errorf("marmot.manager: %w: %v", mls.ErrCrypto, err)
	}

	sigPriv, err := mls.NewSignaturePrivateKey()
	if err != nil {
		return nil, err
	}

	state, err := mls.NewEmptyState(groupID, creator[:], sigPriv, ext)
	if err != nil {
		return nil, err
	}
	defer func() { state.Destroy() }()

	out := &GroupResult{WelcomeRumors: []Event{}}
	if len(kps) > 0 {
		result, err := state.AddMembers(kps...)
		if err != nil {
			return nil, err
		}

		out.WelcomeRumors, err = m.welcomeRumors(state, result.Welcome, members, gd.Relays)
		if err != nil {
			result.State.Destroy()
			return nil, err
		}

		state.Destroy()
		state = result.State
	}

	group := storage.Group{State: storage.GroupStateActive}
	if err := m.persist(ctx, state, &group); err != nil {
		return nil, err
	}

	out.Group = group
	m.log.Info("created group",
		zap.String("group", hex.EncodeToString(groupID)),
		zap.Int("members", len(kps)+1))
	return out, nil
}

// AddMembers stages a commit adding the members behind the given key
// package events.  Only admins may add.
func (m *Manager) AddMembers(ctx context.Context, mlsGroupID []byte, members []Event) (*GroupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, state, err := m.open(ctx, mlsGroupID)
	if err != nil {
		return nil, err
	}
	defer state.Destroy()

	if err := m.requireNoPending(ctx, mlsGroupID); err != nil {
		return nil, err
	}

	if _, err := m.requireAdmin(state); err != nil {
		return nil, err
	}

	kps, err := parseKeyPackageEvents(members)
	if err != nil {
		return nil, err
	}

	result, err := state.AddMembers(kps...)
	if err != nil {
		return nil, err
	}

	rumors, err := m.welcomeRumors(state, result.Welcome, members, group.Relays)
	if err != nil {
		result.State.Destroy()
		return nil, err
	}

	evt, err := m.stage(ctx, group, state, result)
	if err != nil {
		return nil, err
	}
	return &GroupResult{Group: *group, Evolution: evt, WelcomeRumors: rumors}, nil
}

// RemoveMember stages a commit removing the member with the given Nostr
// public key.  Only admins may remove; leaving is done with LeaveGroup.
func (m *Manager) RemoveMember(ctx context.Context, mlsGroupID []byte, pubkey [32]byte) (*GroupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, state, err := m.open(ctx, mlsGroupID)
	if err != nil {
		return nil, err
	}
	defer state.Destroy()

	if err := m.requireNoPending(ctx, mlsGroupID); err != nil {
		return nil, err
	}

	if _, err := m.requireAdmin(state); err != nil {
		return nil, err
	}

	index, ok := findMember(state, pubkey)
	if !ok {
		return nil, fmt.Errorf("marmot.manager: %w: %x is not a member", mls.ErrInvalidArg, pubkey)
	}

	result, err := state.RemoveMember(index)
	if err != nil {
		return nil, err
	}

	evt, err := m.stage(ctx, group, state, result)
	if err != nil {
		return nil, err
	}
	return &GroupResult{Group: *group, Evolution: evt, WelcomeRumors: []Event{}}, nil
}

// SelfUpdate stages an empty commit that refreshes this member's path
// secrets.  Any member may send one.
func (m *Manager) SelfUpdate(ctx context.Context, mlsGroupID []byte) (*GroupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, state, err := m.open(ctx, mlsGroupID)
	if err != nil {
		return nil, err
	}
	defer state.Destroy()

	if err := m.requireNoPending(ctx, mlsGroupID); err != nil {
		return nil, err
	}

	result, err := state.SelfUpdate()
	if err != nil {
		return nil, err
	}

	evt, err := m.stage(ctx, group, state, result)
	if err != nil {
		return nil, err
	}
	return &GroupResult{Group: *group, Evolution: evt, WelcomeRumors: []Event{}}, nil
}

// GroupDataUpdate names the GroupData fields to change; nil fields are kept.
// A non-nil Image pointing at a nil value clears the image.
type GroupDataUpdate struct {
	Name        *string
	Description *string
	Admins      *[][32]byte
	Relays      *[]string
	Image       **GroupImage
}

func (u GroupDataUpdate) apply(gd *GroupData) {
	if u.Name != nil {
		gd.Name = *u.Name
	}
	if u.Description != nil {
		gd.Description = *u.Description
	}
	if u.Admins != nil {
		gd.Admins = append([][32]byte{}, (*u.Admins)...)
	}
	if u.Relays != nil {
		gd.Relays = append([]string{}, (*u.Relays)...)
	}
	if u.Image != nil {
		gd.Image = *u.Image
	}
}

// UpdateGroupData stages a GroupContextExtensions commit carrying the
// changed GroupData.  Only admins may change it.
func (m *Manager) UpdateGroupData(ctx context.Context, mlsGroupID []byte, update GroupDataUpdate) (*GroupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, state, err := m.open(ctx, mlsGroupID)
	if err != nil {
		return nil, err
	}
	defer state.Destroy()

	if err := m.requireNoPending(ctx, mlsGroupID); err != nil {
		return nil, err
	}

	gd, err := m.requireAdmin(state)
	if err != nil {
		return nil, err
	}

	update.apply(gd)
	ext, err := withGroupData(state.Extensions, *gd)
	if err != nil {
		return nil, err
	}

	result, err := state.UpdateExtensions(ext)
	if err != nil {
		return nil, err
	}

	evt, err := m.stage(ctx, group, state, result)
	if err != nil {
		return nil, err
	}
	return &GroupResult{Group: *group, Evolution: evt, WelcomeRumors: []Event{}}, nil
}

// MergePendingCommit adopts the staged commit once it has been published
func (m *Manager) MergePendingCommit(ctx context.Context, mlsGroupID []byte) (*storage.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, state, err := m.open(ctx, mlsGroupID)
	if err != nil {
		return nil, err
	}
	defer state.Destroy()

	pc, err := m.loadPending(ctx, mlsGroupID)
	if err != nil {
		return nil, err
	}

	if pc == nil {
		return nil, fmt.Errorf("marmot.manager: %w: no pending commit", mls.ErrInvalidArg)
	}

	next, err := mls.UnmarshalState(pc.State)
	if err != nil {
		return nil, err
	}
	defer next.Destroy()
	next.MaxForwardDistance = m.cfg.MaxForwardDistance

	before, err := state.MarshalBinary()
	if err != nil {
		return nil, err
	}

	if err := m.snapshot(ctx, before, state.Epoch, group); err != nil {
		return nil, err
	}

	if err := m.persist(ctx, next, group); err != nil {
		return nil, err
	}

	if err := m.store.MLSDelete(ctx, storage.LabelPendingCommit, mlsGroupID); err != nil {
		return nil, storageError(err)
	}

	if err := m.rememberMerged(ctx, mlsGroupID, pc.Message); err != nil {
		return nil, err
	}

	m.log.Info("merged pending commit",
		zap.String("group", hex.EncodeToString(mlsGroupID)),
		zap.Uint64("epoch", next.Epoch))
	return group, nil
}

// ClearPendingCommit discards the staged commit, for instance when a relay
// rejected it.  Clearing with nothing staged is a no-op.
func (m *Manager) ClearPendingCommit(ctx context.Context, mlsGroupID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.findGroup(ctx, mlsGroupID); err != nil {
		return err
	}

	if err := m.store.MLSDelete(ctx, storage.LabelPendingCommit, mlsGroupID); err != nil {
		return storageError(err)
	}
	return nil
}

// PendingCommit returns the staged commit event content, base64 encoded
func (m *Manager) PendingCommit(ctx context.Context, mlsGroupID []byte) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pc, err := m.loadPending(ctx, mlsGroupID)
	if err != nil || pc == nil {
		return "", false, err
	}
	return base64.StdEncoding.EncodeToString(pc.Message), true, nil
}

// LeaveGroup stops participating in a group.  No commit is sent: an admin
// removes the leaf later.  The local state is erased.
func (m *Manager) LeaveGroup(ctx context.Context, mlsGroupID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, err := m.findGroup(ctx, mlsGroupID)
	if err != nil {
		return err
	}

	return m.deactivate(ctx, group)
}

func (m *Manager) deactivate(ctx context.Context, group *storage.Group) error {
	group.State = storage.GroupStateInactive
	if err := m.store.SaveGroup(ctx, *group); err != nil {
		return storageError(err)
	}

	for _, label := range []string{storage.LabelGroupState, storage.LabelPendingCommit, storage.LabelMergedCommit} {
		if err := m.store.MLSDelete(ctx, label, group.MLSGroupID); err != nil {
			return storageError(err)
		}
	}

	m.log.Info("group inactive", zap.String("group", hex.EncodeToString(group.MLSGroupID)))
	return nil
}

///
/// Queries
///

func (m *Manager) Group(ctx context.Context, mlsGroupID []byte) (*storage.Group, error) {
	return m.findGroup(ctx, mlsGroupID)
}

func (m *Manager) Groups(ctx context.Context) ([]storage.Group, error) {
	groups, err := m.store.AllGroups(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	return groups, nil
}

// Members lists the Nostr public keys of the current members
func (m *Manager) Members(ctx context.Context, mlsGroupID []byte) ([][32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, state, err := m.open(ctx, mlsGroupID)
	if err != nil {
		return nil, err
	}
	defer state.Destroy()

	out := [][32]byte{}
	for _, member := range state.Members() {
		if pk, ok := pubkeyOf(member.Identity); ok {
			out = append(out, pk)
		}
	}
	return out, nil
}

func (m *Manager) Messages(ctx context.Context, mlsGroupID []byte, page storage.Pagination) ([]storage.Message, error) {
	msgs, err := m.store.Messages(ctx, mlsGroupID, page)
	if err != nil {
		return nil, storageError(err)
	}
	return msgs, nil
}

///
/// Snapshots
///

// RollbackGroup restores the state a group had at the given epoch, taken
// just before a later commit was applied.
func (m *Manager) RollbackGroup(ctx context.Context, mlsGroupID []byte, epoch uint64) (*storage.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.findGroup(ctx, mlsGroupID); err != nil {
		return nil, err
	}

	snap, err := m.store.LatestSnapshot(ctx, mlsGroupID, epoch)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("marmot.manager: %w: no snapshot at epoch %d", mls.ErrInvalidArg, epoch)
	} else if err != nil {
		return nil, storageError(err)
	}

	if err := m.store.MLSStore(ctx, storage.LabelGroupState, mlsGroupID, snap.State); err != nil {
		return nil, storageError(err)
	}

	for _, label := range []string{storage.LabelPendingCommit, storage.LabelMergedCommit} {
		if err := m.store.MLSDelete(ctx, label, mlsGroupID); err != nil {
			return nil, storageError(err)
		}
	}

	group := snap.Group
	group.State = storage.GroupStateActive
	if err := m.store.SaveGroup(ctx, group); err != nil {
		return nil, storageError(err)
	}

	m.log.Warn("rolled back group",
		zap.String("group", hex.EncodeToString(mlsGroupID)),
		zap.Uint64("epoch", epoch))
	return &group, nil
}

// PruneSnapshots drops snapshots older than the retention period
func (m *Manager) PruneSnapshots(ctx context.Context) (int, error) {
	n, err := m.store.PruneExpiredSnapshots(ctx, m.cfg.Now().Add(-m.cfg.SnapshotRetention))
	if err != nil {
		return 0, storageError(err)
	}
	return n, nil
}
