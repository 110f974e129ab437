// Package storagetest is a conformance suite run against every storage
// backend.
package storagetest

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmot-protocol/go-marmot/storage"
)

// Run exercises a backend.  Each subtest gets a fresh, empty store from open.
func Run(t *testing.T, open func(t *testing.T) storage.Storage) {
	t.Run("Groups", func(t *testing.T) { testGroups(t, open(t)) })
	t.Run("ExporterSecrets", func(t *testing.T) { testExporterSecrets(t, open(t)) })
	t.Run("Welcomes", func(t *testing.T) { testWelcomes(t, open(t)) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, open(t)) })
	t.Run("KeyValue", func(t *testing.T) { testKeyValue(t, open(t)) })
	t.Run("Snapshots", func(t *testing.T) { testSnapshots(t, open(t)) })
}

func random(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.Nil(t, err)
	return b
}

func random32(t *testing.T) [32]byte {
	var out [32]byte
	copy(out[:], random(t, 32))
	return out
}

// Backends keep timestamps at millisecond precision
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func testGroups(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, err := s.FindGroupByMLSID(ctx, []byte{1, 2, 3})
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.FindGroupByNostrID(ctx, random32(t))
	require.ErrorIs(t, err, storage.ErrNotFound)

	all, err := s.AllGroups(ctx)
	require.Nil(t, err)
	require.Len(t, all, 0)

	admin := random32(t)
	uploadKey := random32(t)
	g := storage.Group{
		MLSGroupID:   random(t, 32),
		NostrGroupID: random32(t),
		Name:         "name",
		Description:  "description",
		Admins:       [][32]byte{admin},
		Relays:       []string{"wss://relay.example.com"},
		Image: &storage.GroupImage{
			Hash:      random32(t),
			Key:       random32(t),
			UploadKey: &uploadKey,
		},
		Epoch: 3,
		State: storage.GroupStateActive,
	}
	require.Nil(t, s.SaveGroup(ctx, g))

	found, err := s.FindGroupByMLSID(ctx, g.MLSGroupID)
	require.Nil(t, err)
	require.Equal(t, g.MLSGroupID, found.MLSGroupID)
	require.Equal(t, g.NostrGroupID, found.NostrGroupID)
	require.Equal(t, g.Name, found.Name)
	require.Equal(t, g.Description, found.Description)
	require.Equal(t, g.Admins, found.Admins)
	require.Equal(t, g.Relays, found.Relays)
	require.Equal(t, *g.Image, *found.Image)
	require.Equal(t, g.Epoch, found.Epoch)
	require.Equal(t, g.State, found.State)
	require.True(t, found.IsAdmin(admin))

	byNostr, err := s.FindGroupByNostrID(ctx, g.NostrGroupID)
	require.Nil(t, err)
	require.Equal(t, g.MLSGroupID, byNostr.MLSGroupID)

	// Saving again replaces the record
	msgID := storage.EventID(random32(t))
	g.Epoch = 4
	g.Image = nil
	g.LastMessageID = &msgID
	g.LastMessageAt = now()
	require.Nil(t, s.SaveGroup(ctx, g))

	found, err = s.FindGroupByMLSID(ctx, g.MLSGroupID)
	require.Nil(t, err)
	require.Equal(t, uint64(4), found.Epoch)
	require.Nil(t, found.Image)
	require.Equal(t, msgID, *found.LastMessageID)
	require.True(t, g.LastMessageAt.Equal(found.LastMessageAt))

	other := storage.Group{MLSGroupID: random(t, 32), NostrGroupID: random32(t), State: storage.GroupStateInactive}
	require.Nil(t, s.SaveGroup(ctx, other))

	all, err = s.AllGroups(ctx)
	require.Nil(t, err)
	require.Len(t, all, 2)
}

func testExporterSecrets(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	gid := random(t, 32)
	a, b := random32(t), random32(t)

	_, err := s.ExporterSecret(ctx, gid, 0)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.Nil(t, s.SaveExporterSecret(ctx, gid, 0, a))
	require.Nil(t, s.SaveExporterSecret(ctx, gid, 1, b))

	got, err := s.ExporterSecret(ctx, gid, 0)
	require.Nil(t, err)
	require.Equal(t, a, got)

	got, err = s.ExporterSecret(ctx, gid, 1)
	require.Nil(t, err)
	require.Equal(t, b, got)

	_, err = s.ExporterSecret(ctx, random(t, 32), 1)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testWelcomes(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	_, err := s.FindWelcome(ctx, storage.EventID(random32(t)))
	require.ErrorIs(t, err, storage.ErrNotFound)

	base := now()
	welcomes := make([]storage.Welcome, 4)
	for i := range welcomes {
		welcomes[i] = storage.Welcome{
			ID:             storage.EventID(random32(t)),
			WrapperEventID: storage.EventID(random32(t)),
			MLSGroupID:     random(t, 32),
			NostrGroupID:   random32(t),
			GroupName:      "group",
			GroupAdmins:    [][32]byte{random32(t)},
			GroupRelays:    []string{"wss://relay.example.com"},
			Welcomer:       "ab",
			MemberCount:    2,
			State:          storage.WelcomeStatePending,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		require.Nil(t, s.SaveWelcome(ctx, welcomes[i]))
	}

	found, err := s.FindWelcome(ctx, welcomes[0].ID)
	require.Nil(t, err)
	require.Equal(t, welcomes[0].WrapperEventID, found.WrapperEventID)
	require.Equal(t, welcomes[0].MLSGroupID, found.MLSGroupID)
	require.Equal(t, welcomes[0].NostrGroupID, found.NostrGroupID)
	require.Equal(t, welcomes[0].GroupAdmins, found.GroupAdmins)
	require.Equal(t, welcomes[0].GroupRelays, found.GroupRelays)
	require.Equal(t, welcomes[0].MemberCount, found.MemberCount)
	require.True(t, welcomes[0].CreatedAt.Equal(found.CreatedAt))

	// Accepting a welcome removes it from the pending list
	welcomes[1].State = storage.WelcomeStateAccepted
	require.Nil(t, s.SaveWelcome(ctx, welcomes[1]))

	pending, err := s.PendingWelcomes(ctx, storage.Pagination{})
	require.Nil(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, welcomes[3].ID, pending[0].ID)
	require.Equal(t, welcomes[2].ID, pending[1].ID)
	require.Equal(t, welcomes[0].ID, pending[2].ID)

	page, err := s.PendingWelcomes(ctx, storage.Pagination{Limit: 1, Offset: 1})
	require.Nil(t, err)
	require.Len(t, page, 1)
	require.Equal(t, welcomes[2].ID, page[0].ID)

	page, err = s.PendingWelcomes(ctx, storage.Pagination{Limit: 10, Offset: 10})
	require.Nil(t, err)
	require.Len(t, page, 0)
}

func testMessages(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	gid := random(t, 32)

	_, err := s.FindMessageByID(ctx, storage.EventID(random32(t)))
	require.ErrorIs(t, err, storage.ErrNotFound)

	base := now()
	messages := make([]storage.Message, 5)
	for i := range messages {
		messages[i] = storage.Message{
			ID:             storage.EventID(random32(t)),
			WrapperEventID: storage.EventID(random32(t)),
			MLSGroupID:     gid,
			Epoch:          1,
			PubKey:         "ab",
			Kind:           9,
			Tags:           [][]string{{"t", "test"}},
			Content:        "hello",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
			State:          storage.MessageStateProcessed,
		}
		require.Nil(t, s.SaveMessage(ctx, messages[i]))
	}

	// A message in another group
	require.Nil(t, s.SaveMessage(ctx, storage.Message{
		ID:         storage.EventID(random32(t)),
		MLSGroupID: random(t, 32),
		CreatedAt:  base,
	}))

	found, err := s.FindMessageByID(ctx, messages[2].ID)
	require.Nil(t, err)
	require.Equal(t, messages[2].Content, found.Content)
	require.Equal(t, messages[2].Tags, found.Tags)
	require.Equal(t, messages[2].Kind, found.Kind)
	require.Equal(t, messages[2].WrapperEventID, found.WrapperEventID)
	require.Equal(t, messages[2].State, found.State)

	list, err := s.Messages(ctx, gid, storage.Pagination{})
	require.Nil(t, err)
	require.Len(t, list, 5)
	for i, m := range list {
		require.Equal(t, messages[4-i].ID, m.ID)
	}

	page, err := s.Messages(ctx, gid, storage.Pagination{Limit: 2, Offset: 1})
	require.Nil(t, err)
	require.Len(t, page, 2)
	require.Equal(t, messages[3].ID, page[0].ID)
	require.Equal(t, messages[2].ID, page[1].ID)
}

func testKeyValue(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := random(t, 32)
	value := random(t, 100)

	_, err := s.MLSLoad(ctx, storage.LabelKeyPackagePrivate, key)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.Nil(t, s.MLSStore(ctx, storage.LabelKeyPackagePrivate, key, value))

	got, err := s.MLSLoad(ctx, storage.LabelKeyPackagePrivate, key)
	require.Nil(t, err)
	require.Equal(t, value, got)

	// Labels are separate namespaces
	_, err = s.MLSLoad(ctx, storage.LabelGroupState, key)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.Nil(t, s.MLSStore(ctx, storage.LabelKeyPackagePrivate, key, []byte{1}))
	got, err = s.MLSLoad(ctx, storage.LabelKeyPackagePrivate, key)
	require.Nil(t, err)
	require.Equal(t, []byte{1}, got)

	require.Nil(t, s.MLSDelete(ctx, storage.LabelKeyPackagePrivate, key))
	_, err = s.MLSLoad(ctx, storage.LabelKeyPackagePrivate, key)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting a missing key is not an error
	require.Nil(t, s.MLSDelete(ctx, storage.LabelKeyPackagePrivate, key))
}

func testSnapshots(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	gid := random(t, 32)
	base := now()

	_, err := s.LatestSnapshot(ctx, gid, 0)
	require.ErrorIs(t, err, storage.ErrNotFound)

	old := storage.Snapshot{
		MLSGroupID: gid,
		Epoch:      0,
		State:      random(t, 64),
		Group:      storage.Group{MLSGroupID: gid, Name: "old", State: storage.GroupStateActive},
		CreatedAt:  base.Add(-48 * time.Hour),
	}
	recent := storage.Snapshot{
		MLSGroupID: gid,
		Epoch:      1,
		State:      random(t, 64),
		Group:      storage.Group{MLSGroupID: gid, Name: "recent", Epoch: 1, State: storage.GroupStateActive},
		CreatedAt:  base,
	}
	require.Nil(t, s.SaveSnapshot(ctx, old))
	require.Nil(t, s.SaveSnapshot(ctx, recent))

	found, err := s.LatestSnapshot(ctx, gid, 1)
	require.Nil(t, err)
	require.Equal(t, recent.State, found.State)
	require.Equal(t, "recent", found.Group.Name)
	require.Equal(t, uint64(1), found.Group.Epoch)
	require.True(t, recent.CreatedAt.Equal(found.CreatedAt))

	pruned, err := s.PruneExpiredSnapshots(ctx, base.Add(-time.Hour))
	require.Nil(t, err)
	require.Equal(t, 1, pruned)

	_, err = s.LatestSnapshot(ctx, gid, 0)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.LatestSnapshot(ctx, gid, 1)
	require.Nil(t, err)

	pruned, err = s.PruneExpiredSnapshots(ctx, base.Add(-time.Hour))
	require.Nil(t, err)
	require.Equal(t, 0, pruned)
}
