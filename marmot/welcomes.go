package marmot

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	mls "github.com/marmot-protocol/go-marmot"
	"github.com/marmot-protocol/go-marmot/storage"
)

type keyPackageMatch struct {
	ref  []byte
	kp   *mls.KeyPackage
	priv *mls.KeyPackagePrivate
}

// matchKeyPackage finds the stored KeyPackage a Welcome is addressed to
func (m *Manager) matchKeyPackage(ctx context.Context, welcome mls.Welcome) (*keyPackageMatch, error) {
	for _, secret := range welcome.Secrets {
		ref := append([]byte{}, secret.KeyPackageRef[:]...)
		kp, priv, err := m.loadKeyPackage(ctx, ref)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}

		return &keyPackageMatch{ref: ref, kp: kp, priv: priv}, nil
	}

	return nil, fmt.Errorf("marmot.manager: %w: no stored key package matches", mls.ErrWelcomeNotFound)
}

func (m *Manager) join(ctx context.Context, welcome mls.Welcome) (*mls.State, *keyPackageMatch, error) {
	match, err := m.matchKeyPackage(ctx, welcome)
	if err != nil {
		return nil, nil, err
	}
	defer match.priv.Zeroize()

	state, err := mls.NewJoinedState(welcome, *match.kp, *match.priv, m.cfg.RequireRatchetTree)
	if err != nil {
		return nil, nil, err
	}

	state.MaxForwardDistance = m.cfg.MaxForwardDistance
	return state, match, nil
}

// ProcessWelcome records an invitation from an unwrapped kind 444 rumor.
// The Welcome is checked by joining it, but the group is only created by
// AcceptWelcome.
func (m *Manager) ProcessWelcome(ctx context.Context, wrapperEventID string, rumor Event) (*storage.Welcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wr, err := ParseWelcomeRumor(rumor)
	if err != nil {
		return nil, err
	}

	id, err := storage.ParseEventID(rumor.ID)
	if err != nil {
		return nil, fmt.Errorf("marmot.manager: %w: %v", ErrInvalidEvent, err)
	}

	wrapper, err := storage.ParseEventID(wrapperEventID)
	if err != nil {
		return nil, fmt.Errorf("marmot.manager: %w: %v", ErrInvalidEvent, err)
	}

	if _, err := parsePubKey(rumor.PubKey); err != nil {
		return nil, err
	}

	if existing, err := m.store.FindWelcome(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, storageError(err)
	}

	preview, _, err := m.join(ctx, *wr.Welcome)
	if err != nil {
		return nil, err
	}
	defer preview.Destroy()

	gd, err := groupDataFromExtensions(preview.Extensions)
	if err != nil {
		return nil, err
	}

	welcome := storage.Welcome{
		ID:                id,
		WrapperEventID:    wrapper,
		KeyPackageEventID: wr.KeyPackageEventID,
		MLSGroupID:        append([]byte{}, preview.GroupID...),
		NostrGroupID:      gd.NostrGroupID,
		GroupName:         gd.Name,
		GroupDescription:  gd.Description,
		GroupAdmins:       append([][32]byte{}, gd.Admins...),
		GroupRelays:       append([]string{}, gd.Relays...),
		Welcomer:          rumor.PubKey,
		MemberCount:       len(preview.Members()),
		State:             storage.WelcomeStatePending,
		CreatedAt:         time.Unix(rumor.CreatedAt, 0).UTC(),
	}

	if err := m.store.MLSStore(ctx, storage.LabelWelcomeData, wrapper[:], wr.Raw); err != nil {
		return nil, storageError(err)
	}

	if err := m.store.SaveWelcome(ctx, welcome); err != nil {
		return nil, storageError(err)
	}

	m.log.Info("received welcome",
		zap.String("group", hex.EncodeToString(welcome.MLSGroupID)),
		zap.String("welcomer", welcome.Welcomer))
	return &welcome, nil
}

func (m *Manager) pendingWelcome(ctx context.Context, id storage.EventID) (*storage.Welcome, error) {
	w, err := m.store.FindWelcome(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("marmot.manager: %w: %s", mls.ErrWelcomeNotFound, id)
	} else if err != nil {
		return nil, storageError(err)
	}

	if w.State != storage.WelcomeStatePending {
		return nil, fmt.Errorf("marmot.manager: %w: welcome %s is %s", mls.ErrInvalidArg, id, w.State)
	}
	return w, nil
}

// AcceptWelcome joins the group of a pending invitation.  The KeyPackage it
// consumed is deleted.
func (m *Manager) AcceptWelcome(ctx context.Context, id storage.EventID) (*storage.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.pendingWelcome(ctx, id)
	if err != nil {
		return nil, err
	}

	raw, err := m.store.MLSLoad(ctx, storage.LabelWelcomeData, w.WrapperEventID[:])
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("marmot.manager: %w: welcome data for %s", mls.ErrWelcomeNotFound, id)
	} else if err != nil {
		return nil, storageError(err)
	}

	welcome, err := mls.UnmarshalWelcome(raw)
	if err != nil {
		return nil, err
	}

	if g, err := m.store.FindGroupByMLSID(ctx, w.MLSGroupID); err == nil && g.State == storage.GroupStateActive {
		return nil, fmt.Errorf("marmot.manager: %w: already a member of %x", mls.ErrInvalidArg, w.MLSGroupID)
	}

	state, match, err := m.join(ctx, *welcome)
	if err != nil {
		return nil, err
	}
	defer state.Destroy()

	group := storage.Group{State: storage.GroupStateActive}
	if err := m.persist(ctx, state, &group); err != nil {
		return nil, err
	}

	w.State = storage.WelcomeStateAccepted
	if err := m.store.SaveWelcome(ctx, *w); err != nil {
		return nil, storageError(err)
	}

	if err := m.store.MLSDelete(ctx, storage.LabelKeyPackagePrivate, match.ref); err != nil {
		return nil, storageError(err)
	}

	if err := m.store.MLSDelete(ctx, storage.LabelWelcomeData, w.WrapperEventID[:]); err != nil {
		return nil, storageError(err)
	}

	m.log.Info("joined group",
		zap.String("group", hex.EncodeToString(group.MLSGroupID)),
		zap.Uint64("epoch", group.Epoch))
	return &group, nil
}

// DeclineWelcome marks a pending invitation declined.  The KeyPackage is
// kept, since other Welcomes may still reference it.
func (m *Manager) DeclineWelcome(ctx context.Context, id storage.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.pendingWelcome(ctx, id)
	if err != nil {
		return err
	}

	w.State = storage.WelcomeStateDeclined
	if err := m.store.SaveWelcome(ctx, *w); err != nil {
		return storageError(err)
	}

	if err := m.store.MLSDelete(ctx, storage.LabelWelcomeData, w.WrapperEventID[:]); err != nil {
		return storageError(err)
	}
	return nil
}

func (m *Manager) PendingWelcomes(ctx context.Context, page storage.Pagination) ([]storage.Welcome, error) {
	welcomes, err := m.store.PendingWelcomes(ctx, page)
	if err != nil {
		return nil, storageError(err)
	}
	return welcomes, nil
}

///
/// Media
///

// EncryptMedia seals a file under the current epoch's media key
func (m *Manager) EncryptMedia(ctx context.Context, mlsGroupID []byte, data []byte, mimeType string) (*EncryptedMedia, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, state, err := m.open(ctx, mlsGroupID)
	if err != nil {
		return nil, err
	}
	defer state.Destroy()

	key, err := MediaKey(state)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	media, err := EncryptMedia(key, data, mimeType)
	if err != nil {
		return nil, err
	}

	media.Epoch = state.Epoch
	return media, nil
}

// DecryptMedia opens a file using the media key of the epoch it was
// encrypted in, which may be in the past.
func (m *Manager) DecryptMedia(ctx context.Context, mlsGroupID []byte, media EncryptedMedia) ([]byte, error) {
	if _, err := m.findGroup(ctx, mlsGroupID); err != nil {
		return nil, err
	}

	secret, err := m.store.ExporterSecret(ctx, mlsGroupID, media.Epoch)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("marmot.manager: %w: no exporter secret for epoch %d", mls.ErrKeyNotFound, media.Epoch)
	} else if err != nil {
		return nil, storageError(err)
	}

	key, err := suite.Export(secret[:], mediaKeyLabel, []byte{}, mediaKeySize)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	return DecryptMedia(key, media)
}
