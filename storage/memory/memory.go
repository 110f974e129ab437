// Package memory is a non-persistent storage backend held in process memory.
package memory

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marmot-protocol/go-marmot/storage"
)

type epochKey struct {
	group string
	epoch uint64
}

type Storage struct {
	mu sync.RWMutex

	groups    map[string]storage.Group
	secrets   map[epochKey][32]byte
	welcomes  map[storage.EventID]storage.Welcome
	messages  map[storage.EventID]storage.Message
	kv        map[string][]byte
	snapshots map[epochKey]storage.Snapshot
}

var _ storage.Storage = (*Storage)(nil)

func New() *Storage {
	return &Storage{
		groups:    map[string]storage.Group{},
		secrets:   map[epochKey][32]byte{},
		welcomes:  map[storage.EventID]storage.Welcome{},
		messages:  map[storage.EventID]storage.Message{},
		kv:        map[string][]byte{},
		snapshots: map[epochKey]storage.Snapshot{},
	}
}

func (s *Storage) IsPersistent() bool {
	return false
}

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}
	return append([]byte{}, in...)
}

func (s *Storage) FindGroupByMLSID(ctx context.Context, mlsGroupID []byte) (*storage.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[string(mlsGroupID)]
	if !ok {
		return nil, fmt.Errorf("memory: group %x: %w", mlsGroupID, storage.ErrNotFound)
	}
	return &g, nil
}

func (s *Storage) FindGroupByNostrID(ctx context.Context, nostrGroupID [32]byte) (*storage.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.groups {
		if g.NostrGroupID == nostrGroupID {
			return &g, nil
		}
	}
	return nil, fmt.Errorf("memory: nostr group %x: %w", nostrGroupID, storage.ErrNotFound)
}

func (s *Storage) SaveGroup(ctx context.Context, group storage.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	group.MLSGroupID = dup(group.MLSGroupID)
	s.groups[string(group.MLSGroupID)] = group
	return nil
}

func (s *Storage) AllGroups(ctx context.Context) ([]storage.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}

	sort.Slice(out, func(i, j int) bool {
		return hex.EncodeToString(out[i].MLSGroupID) < hex.EncodeToString(out[j].MLSGroupID)
	})
	return out, nil
}

func (s *Storage) SaveExporterSecret(ctx context.Context, mlsGroupID []byte, epoch uint64, secret [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets[epochKey{string(mlsGroupID), epoch}] = secret
	return nil
}

func (s *Storage) ExporterSecret(ctx context.Context, mlsGroupID []byte, epoch uint64) ([32]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.secrets[epochKey{string(mlsGroupID), epoch}]
	if !ok {
		return secret, fmt.Errorf("memory: exporter secret %x/%d: %w", mlsGroupID, epoch, storage.ErrNotFound)
	}
	return secret, nil
}

func (s *Storage) SaveWelcome(ctx context.Context, welcome storage.Welcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.welcomes[welcome.ID] = welcome
	return nil
}

func (s *Storage) FindWelcome(ctx context.Context, id storage.EventID) (*storage.Welcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.welcomes[id]
	if !ok {
		return nil, fmt.Errorf("memory: welcome %s: %w", id, storage.ErrNotFound)
	}
	return &w, nil
}

func (s *Storage) PendingWelcomes(ctx context.Context, page storage.Pagination) ([]storage.Welcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := []storage.Welcome{}
	for _, w := range s.welcomes {
		if w.State == storage.WelcomeStatePending {
			pending = append(pending, w)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.After(pending[j].CreatedAt)
	})

	lo, hi := page.Window(len(pending))
	return pending[lo:hi], nil
}

func (s *Storage) SaveMessage(ctx context.Context, message storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[message.ID] = message
	return nil
}

func (s *Storage) FindMessageByID(ctx context.Context, id storage.EventID) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("memory: message %s: %w", id, storage.ErrNotFound)
	}
	return &m, nil
}

func (s *Storage) Messages(ctx context.Context, mlsGroupID []byte, page storage.Pagination) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []storage.Message{}
	for _, m := range s.messages {
		if string(m.MLSGroupID) == string(mlsGroupID) {
			out = append(out, m)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	lo, hi := page.Window(len(out))
	return out[lo:hi], nil
}

func kvKey(label string, key []byte) string {
	return label + "/" + hex.EncodeToString(key)
}

func (s *Storage) MLSStore(ctx context.Context, label string, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv[kvKey(label, key)] = dup(value)
	return nil
}

func (s *Storage) MLSLoad(ctx context.Context, label string, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.kv[kvKey(label, key)]
	if !ok {
		return nil, fmt.Errorf("memory: %s/%x: %w", label, key, storage.ErrNotFound)
	}
	return dup(value), nil
}

func (s *Storage) MLSDelete(ctx context.Context, label string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.kv, kvKey(label, key))
	return nil
}

func (s *Storage) SaveSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot.State = dup(snapshot.State)
	s.snapshots[epochKey{string(snapshot.MLSGroupID), snapshot.Epoch}] = snapshot
	return nil
}

func (s *Storage) LatestSnapshot(ctx context.Context, mlsGroupID []byte, epoch uint64) (*storage.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[epochKey{string(mlsGroupID), epoch}]
	if !ok {
		return nil, fmt.Errorf("memory: snapshot %x/%d: %w", mlsGroupID, epoch, storage.ErrNotFound)
	}
	snap.State = dup(snap.State)
	return &snap, nil
}

func (s *Storage) PruneExpiredSnapshots(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for k, snap := range s.snapshots {
		if snap.CreatedAt.Before(cutoff) {
			delete(s.snapshots, k)
			pruned++
		}
	}
	return pruned, nil
}
