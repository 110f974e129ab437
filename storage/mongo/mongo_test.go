package mongostore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/marmot-protocol/go-marmot/storage"
	"github.com/marmot-protocol/go-marmot/storage/storagetest"
)

const uriEnv = "MARMOT_TEST_MONGO_URI"

func TestDocuments(t *testing.T) {
	msgID := storage.EventID{1, 2, 3}
	uploadKey := [32]byte{9}
	g := storage.Group{
		MLSGroupID:    []byte{0xa0, 0xa1},
		NostrGroupID:  [32]byte{7},
		Name:          "name",
		Admins:        [][32]byte{{1}, {2}},
		Relays:        []string{"wss://relay.example.com"},
		Image:         &storage.GroupImage{Hash: [32]byte{3}, Key: [32]byte{4}, Nonce: [12]byte{5}, UploadKey: &uploadKey},
		Epoch:         12,
		State:         storage.GroupStateActive,
		LastMessageID: &msgID,
		LastMessageAt: time.Unix(1700000000, 0).UTC(),
	}

	doc := newGroupDoc(g)
	require.Equal(t, "a0a1", doc.ID)
	require.Len(t, doc.Admins, 2)

	out, err := doc.record()
	require.Nil(t, err)
	require.Equal(t, g, *out)

	doc.NostrGroupID = "zz"
	_, err = doc.record()
	require.Error(t, err)

	m := storage.Message{
		ID:         storage.EventID{4},
		MLSGroupID: []byte{0xa0},
		Tags:       [][]string{{"t", "x"}},
		Content:    "hi",
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
		State:      storage.MessageStateCreated,
	}
	mout, err := newMessageDoc(m).record()
	require.Nil(t, err)
	require.Equal(t, m, *mout)
}

func TestStorage(t *testing.T) {
	uri := os.Getenv(uriEnv)
	if uri == "" {
		t.Skipf("%s is not set", uriEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.Nil(t, err)
	require.Nil(t, client.Ping(ctx, nil))
	defer client.Disconnect(context.Background())

	db := client.Database("marmot_test")

	storagetest.Run(t, func(t *testing.T) storage.Storage {
		b := make([]byte, 6)
		_, err := rand.Read(b)
		require.Nil(t, err)
		prefix := "t" + hex.EncodeToString(b) + "_"

		s := New(db, WithCollectionPrefix(prefix))
		require.Nil(t, s.EnsureIndexes(context.Background()))

		t.Cleanup(func() {
			for _, c := range []*mongo.Collection{s.groups, s.secrets, s.welcomes, s.messages, s.kv, s.snapshots} {
				c.Drop(context.Background())
			}
		})
		return s
	})
}
