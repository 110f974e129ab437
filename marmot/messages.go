package marmot

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	mls "github.com/marmot-protocol/go-marmot"
	"github.com/marmot-protocol/go-marmot/storage"
)

type MessageType int

const (
	MessageTypeApplication MessageType = iota + 1
	MessageTypeCommit
)

// ProcessedMessage reports the outcome of ProcessMessage.  Message is set
// for application messages; Evicted is set when a commit removed this
// member.
type ProcessedMessage struct {
	Type    MessageType
	Group   storage.Group
	Message *storage.Message
	Evicted bool
}

func messageRecord(rumor Event, wrapperID string, group *storage.Group, epoch uint64, state storage.MessageState) (*storage.Message, error) {
	id, err := storage.ParseEventID(rumor.ID)
	if err != nil {
		return nil, fmt.Errorf("marmot.manager: %w: %v", ErrInvalidEvent, err)
	}

	wrapper, err := storage.ParseEventID(wrapperID)
	if err != nil {
		return nil, fmt.Errorf("marmot.manager: %w: %v", ErrInvalidEvent, err)
	}

	return &storage.Message{
		ID:             id,
		WrapperEventID: wrapper,
		MLSGroupID:     append([]byte{}, group.MLSGroupID...),
		NostrGroupID:   group.NostrGroupID,
		Epoch:          epoch,
		PubKey:         rumor.PubKey,
		Kind:           rumor.Kind,
		Tags:           rumor.Tags.strings(),
		Content:        rumor.Content,
		CreatedAt:      time.Unix(rumor.CreatedAt, 0).UTC(),
		State:          state,
	}, nil
}

func (m *Manager) recordMessage(ctx context.Context, group *storage.Group, msg *storage.Message) error {
	if err := m.store.SaveMessage(ctx, *msg); err != nil {
		return storageError(err)
	}

	id := msg.ID
	group.LastMessageID = &id
	group.LastMessageAt = msg.CreatedAt
	if err := m.store.SaveGroup(ctx, *group); err != nil {
		return storageError(err)
	}
	return nil
}

// CreateMessage encrypts an application rumor to the group.  The rumor is
// attributed to this member and its id recomputed; the returned kind 445
// event is signed under a throwaway key.
func (m *Manager) CreateMessage(ctx context.Context, mlsGroupID []byte, rumor Event) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, state, err := m.open(ctx, mlsGroupID)
	if err != nil {
		return nil, err
	}
	defer state.Destroy()

	own, err := ownPubkey(state)
	if err != nil {
		return nil, err
	}

	rumor.PubKey = hex.EncodeToString(own[:])
	rumor.Sig = ""
	if rumor.Tags == nil {
		rumor.Tags = Tags{}
	}
	if rumor.CreatedAt == 0 {
		rumor.CreatedAt = m.cfg.Now().Unix()
	}
	rumor.SetID()

	inner, err := rumor.Marshal()
	if err != nil {
		return nil, err
	}

	framed, err := state.Encrypt(inner)
	if err != nil {
		return nil, err
	}

	exporter := state.ExporterSecret()
	defer zeroBytes(exporter)

	content, err := Seal(exporter, framed)
	if err != nil {
		return nil, err
	}

	evt := NewGroupMessageEvent(group.NostrGroupID, content, false, m.cfg.Now())
	if err := evt.SignEphemeral(); err != nil {
		return nil, err
	}

	if err := m.persist(ctx, state, group); err != nil {
		return nil, err
	}

	record, err := messageRecord(rumor, evt.ID, group, state.Epoch, storage.MessageStateCreated)
	if err != nil {
		return nil, err
	}

	if err := m.recordMessage(ctx, group, record); err != nil {
		return nil, err
	}

	m.log.Debug("created message",
		zap.String("group", hex.EncodeToString(mlsGroupID)),
		zap.String("rumor", rumor.ID),
		zap.String("event", evt.ID))
	return evt, nil
}

// ProcessMessage handles a kind 445 event received from a relay.  Commits
// are checked against the admin list before they are applied.  The echo of
// this member's own messages yields mls.ErrOwnMessage, and the echo of its
// own commit yields mls.ErrOwnCommitPending whether or not it was merged.
func (m *Manager) ProcessMessage(ctx context.Context, evt Event) (*ProcessedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := evt.Verify(); err != nil {
		return nil, err
	}

	gm, err := ParseGroupMessageEvent(evt)
	if err != nil {
		return nil, err
	}

	group, err := m.store.FindGroupByNostrID(ctx, gm.NostrGroupID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("marmot.manager: %w: nostr group %x", ErrGroupNotFound, gm.NostrGroupID)
	} else if err != nil {
		return nil, storageError(err)
	}

	state, err := m.loadState(ctx, group)
	if err != nil {
		return nil, err
	}
	defer state.Destroy()

	if gm.Base64 {
		return m.processCommit(ctx, group, state, gm)
	}
	return m.processApplication(ctx, evt, group, state, gm)
}

func (m *Manager) processCommit(ctx context.Context, group *storage.Group, state *mls.State, gm *GroupMessage) (*ProcessedMessage, error) {
	data, err := decodeContent(gm.Content)
	if err != nil {
		return nil, err
	}

	pc, err := m.loadPending(ctx, group.MLSGroupID)
	if err != nil {
		return nil, err
	}

	if pc != nil && bytes.Equal(pc.Message, data) {
		return nil, fmt.Errorf("marmot.manager: %w", mls.ErrOwnCommitPending)
	}

	echo, err := m.isMergedEcho(ctx, group.MLSGroupID, data)
	if err != nil {
		return nil, err
	} else if echo {
		return nil, fmt.Errorf("marmot.manager: %w: commit already merged", mls.ErrOwnCommitPending)
	}

	gd, err := groupDataFromExtensions(state.Extensions)
	if err != nil {
		return nil, err
	}

	// Taken before decryption spends the sender's handshake key
	before, err := state.MarshalBinary()
	if err != nil {
		return nil, err
	}

	next, err := state.ProcessCommitMessageWith(data, commitPolicy(gd))
	if err != nil {
		if errors.Is(err, mls.ErrValidation) {
			m.log.Warn("rejected commit",
				zap.String("group", hex.EncodeToString(group.MLSGroupID)),
				zap.Error(err))
		}
		return nil, err
	}
	defer next.Destroy()

	if err := m.snapshot(ctx, before, state.Epoch, group); err != nil {
		return nil, err
	}

	out := &ProcessedMessage{Type: MessageTypeCommit}
	if next.Evicted {
		if err := m.deactivate(ctx, group); err != nil {
			return nil, err
		}

		out.Group = *group
		out.Evicted = true
		return out, nil
	}

	if err := m.persist(ctx, next, group); err != nil {
		return nil, err
	}

	if pc != nil {
		m.log.Info("dropped own pending commit", zap.String("group", hex.EncodeToString(group.MLSGroupID)))
		if err := m.store.MLSDelete(ctx, storage.LabelPendingCommit, group.MLSGroupID); err != nil {
			return nil, storageError(err)
		}
	}

	m.log.Info("applied commit",
		zap.String("group", hex.EncodeToString(group.MLSGroupID)),
		zap.Uint64("epoch", next.Epoch))
	out.Group = *group
	return out, nil
}

// openEnvelope removes the outer encryption.  A message sealed under the
// previous epoch's exporter secret is reported as mls.ErrWrongEpoch.
func (m *Manager) openEnvelope(ctx context.Context, state *mls.State, content string) ([]byte, error) {
	exporter := state.ExporterSecret()
	defer zeroBytes(exporter)

	framed, err := Open(exporter, content)
	if err == nil {
		return framed, nil
	}

	if state.Epoch > 0 {
		prev, perr := m.store.ExporterSecret(ctx, state.GroupID, state.Epoch-1)
		if perr == nil {
			if _, oerr := Open(prev[:], content); oerr == nil {
				return nil, fmt.Errorf("marmot.manager: %w: message from epoch %d", mls.ErrWrongEpoch, state.Epoch-1)
			}
		}
	}
	return nil, err
}

func (m *Manager) processApplication(ctx context.Context, evt Event, group *storage.Group, state *mls.State, gm *GroupMessage) (*ProcessedMessage, error) {
	framed, err := m.openEnvelope(ctx, state, gm.Content)
	if err != nil {
		return nil, err
	}

	msg, err := state.Decrypt(framed)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(msg.Plaintext)

	// The message key is spent
	if err := m.persist(ctx, state, group); err != nil {
		return nil, err
	}

	rumor, err := ParseEvent(msg.Plaintext)
	if err != nil {
		return nil, err
	}

	if err := rumor.CheckID(); err != nil {
		return nil, err
	}

	leaf, ok := state.Tree.LeafNode(msg.Sender)
	if !ok {
		return nil, fmt.Errorf("marmot.manager: %w: sender leaf %d", mls.ErrInternal, msg.Sender)
	}

	if rumor.PubKey != hex.EncodeToString(leaf.Credential.Identity) {
		return nil, fmt.Errorf("marmot.manager: %w: rumor author is not the sender", mls.ErrValidation)
	}

	record, err := messageRecord(*rumor, evt.ID, group, state.Epoch, storage.MessageStateProcessed)
	if err != nil {
		return nil, err
	}

	if err := m.recordMessage(ctx, group, record); err != nil {
		return nil, err
	}

	m.log.Debug("processed message",
		zap.String("group", hex.EncodeToString(group.MLSGroupID)),
		zap.String("rumor", rumor.ID))
	return &ProcessedMessage{Type: MessageTypeApplication, Group: *group, Message: record}, nil
}
