// Package mongostore is a persistent storage backend on MongoDB.
package mongostore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/marmot-protocol/go-marmot/storage"
)

type Storage struct {
	groups    *mongo.Collection
	secrets   *mongo.Collection
	welcomes  *mongo.Collection
	messages  *mongo.Collection
	kv        *mongo.Collection
	snapshots *mongo.Collection
}

var _ storage.Storage = (*Storage)(nil)

type config struct {
	prefix string
}

type Option func(*config)

// WithCollectionPrefix prepends a prefix to every collection name
func WithCollectionPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

func New(db *mongo.Database, opts ...Option) *Storage {
	c := config{prefix: "marmot_"}
	for _, opt := range opts {
		opt(&c)
	}

	return &Storage{
		groups:    db.Collection(c.prefix + "groups"),
		secrets:   db.Collection(c.prefix + "exporter_secrets"),
		welcomes:  db.Collection(c.prefix + "welcomes"),
		messages:  db.Collection(c.prefix + "messages"),
		kv:        db.Collection(c.prefix + "mls"),
		snapshots: db.Collection(c.prefix + "snapshots"),
	}
}

// EnsureIndexes creates the secondary indexes used by lookups and listings
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll *mongo.Collection
		keys bson.D
	}{
		{s.groups, bson.D{{Key: "nostr_group_id", Value: 1}}},
		{s.welcomes, bson.D{{Key: "state", Value: 1}, {Key: "created_at", Value: -1}}},
		{s.messages, bson.D{{Key: "mls_group_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{s.snapshots, bson.D{{Key: "created_at", Value: 1}}},
	}

	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: idx.keys}); err != nil {
			return fmt.Errorf("mongostore: index %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

func (s *Storage) IsPersistent() bool {
	return true
}

func epochID(mlsGroupID []byte, epoch uint64) string {
	return hex.EncodeToString(mlsGroupID) + ":" + strconv.FormatUint(epoch, 10)
}

func upsert(ctx context.Context, coll *mongo.Collection, id string, doc interface{}) error {
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: replace %s/%s: %w", coll.Name(), id, err)
	}
	return nil
}

func findOne(ctx context.Context, coll *mongo.Collection, filter bson.M, doc interface{}) error {
	err := coll.FindOne(ctx, filter).Decode(doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("mongostore: %s %v: %w", coll.Name(), filter, storage.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("mongostore: find %s: %w", coll.Name(), err)
	}
	return nil
}

func findPage(page storage.Pagination) *options.FindOptions {
	limit := page.Limit
	if limit <= 0 {
		limit = storage.DefaultLimit
	}

	offset := page.Offset
	if offset < 0 {
		offset = 0
	}

	return options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
}

///
/// Groups
///

func (s *Storage) FindGroupByMLSID(ctx context.Context, mlsGroupID []byte) (*storage.Group, error) {
	var doc groupDoc
	if err := findOne(ctx, s.groups, bson.M{"_id": hex.EncodeToString(mlsGroupID)}, &doc); err != nil {
		return nil, err
	}
	return doc.record()
}

func (s *Storage) FindGroupByNostrID(ctx context.Context, nostrGroupID [32]byte) (*storage.Group, error) {
	var doc groupDoc
	if err := findOne(ctx, s.groups, bson.M{"nostr_group_id": hex.EncodeToString(nostrGroupID[:])}, &doc); err != nil {
		return nil, err
	}
	return doc.record()
}

func (s *Storage) SaveGroup(ctx context.Context, group storage.Group) error {
	doc := newGroupDoc(group)
	return upsert(ctx, s.groups, doc.ID, doc)
}

func (s *Storage) AllGroups(ctx context.Context) ([]storage.Group, error) {
	cur, err := s.groups.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: find groups: %w", err)
	}

	var docs []groupDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: read groups: %w", err)
	}

	out := make([]storage.Group, 0, len(docs))
	for _, doc := range docs {
		g, err := doc.record()
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, nil
}

///
/// Exporter secrets
///

type secretDoc struct {
	ID     string `bson:"_id"`
	Secret []byte `bson:"secret"`
}

func (s *Storage) SaveExporterSecret(ctx context.Context, mlsGroupID []byte, epoch uint64, secret [32]byte) error {
	id := epochID(mlsGroupID, epoch)
	return upsert(ctx, s.secrets, id, secretDoc{ID: id, Secret: secret[:]})
}

func (s *Storage) ExporterSecret(ctx context.Context, mlsGroupID []byte, epoch uint64) ([32]byte, error) {
	var out [32]byte

	var doc secretDoc
	if err := findOne(ctx, s.secrets, bson.M{"_id": epochID(mlsGroupID, epoch)}, &doc); err != nil {
		return out, err
	}

	if len(doc.Secret) != len(out) {
		return out, fmt.Errorf("mongostore: exporter secret of %d bytes", len(doc.Secret))
	}
	copy(out[:], doc.Secret)
	return out, nil
}

///
/// Welcomes
///

func (s *Storage) SaveWelcome(ctx context.Context, welcome storage.Welcome) error {
	doc := newWelcomeDoc(welcome)
	return upsert(ctx, s.welcomes, doc.ID, doc)
}

func (s *Storage) FindWelcome(ctx context.Context, id storage.EventID) (*storage.Welcome, error) {
	var doc welcomeDoc
	if err := findOne(ctx, s.welcomes, bson.M{"_id": id.String()}, &doc); err != nil {
		return nil, err
	}
	return doc.record()
}

func (s *Storage) PendingWelcomes(ctx context.Context, page storage.Pagination) ([]storage.Welcome, error) {
	cur, err := s.welcomes.Find(ctx, bson.M{"state": string(storage.WelcomeStatePending)}, findPage(page))
	if err != nil {
		return nil, fmt.Errorf("mongostore: find welcomes: %w", err)
	}

	var docs []welcomeDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: read welcomes: %w", err)
	}

	out := make([]storage.Welcome, 0, len(docs))
	for _, doc := range docs {
		w, err := doc.record()
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, nil
}

///
/// Messages
///

func (s *Storage) SaveMessage(ctx context.Context, message storage.Message) error {
	doc := newMessageDoc(message)
	return upsert(ctx, s.messages, doc.ID, doc)
}

func (s *Storage) FindMessageByID(ctx context.Context, id storage.EventID) (*storage.Message, error) {
	var doc messageDoc
	if err := findOne(ctx, s.messages, bson.M{"_id": id.String()}, &doc); err != nil {
		return nil, err
	}
	return doc.record()
}

func (s *Storage) Messages(ctx context.Context, mlsGroupID []byte, page storage.Pagination) ([]storage.Message, error) {
	cur, err := s.messages.Find(ctx, bson.M{"mls_group_id": hex.EncodeToString(mlsGroupID)}, findPage(page))
	if err != nil {
		return nil, fmt.Errorf("mongostore: find messages: %w", err)
	}

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: read messages: %w", err)
	}

	out := make([]storage.Message, 0, len(docs))
	for _, doc := range docs {
		m, err := doc.record()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

///
/// MLS key-value namespace
///

type kvDoc struct {
	ID    string `bson:"_id"`
	Value []byte `bson:"value"`
}

func kvID(label string, key []byte) string {
	return label + "/" + hex.EncodeToString(key)
}

func (s *Storage) MLSStore(ctx context.Context, label string, key, value []byte) error {
	id := kvID(label, key)
	if value == nil {
		value = []byte{}
	}
	return upsert(ctx, s.kv, id, kvDoc{ID: id, Value: value})
}

func (s *Storage) MLSLoad(ctx context.Context, label string, key []byte) ([]byte, error) {
	var doc kvDoc
	if err := findOne(ctx, s.kv, bson.M{"_id": kvID(label, key)}, &doc); err != nil {
		return nil, err
	}
	return doc.Value, nil
}

func (s *Storage) MLSDelete(ctx context.Context, label string, key []byte) error {
	if _, err := s.kv.DeleteOne(ctx, bson.M{"_id": kvID(label, key)}); err != nil {
		return fmt.Errorf("mongostore: delete %s: %w", kvID(label, key), err)
	}
	return nil
}

///
/// Snapshots
///

type snapshotDoc struct {
	ID         string    `bson:"_id"`
	MLSGroupID string    `bson:"mls_group_id"`
	Epoch      int64     `bson:"epoch"`
	State      []byte    `bson:"state"`
	Group      groupDoc  `bson:"group"`
	CreatedAt  time.Time `bson:"created_at"`
}

func (s *Storage) SaveSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	id := epochID(snapshot.MLSGroupID, snapshot.Epoch)
	return upsert(ctx, s.snapshots, id, snapshotDoc{
		ID:         id,
		MLSGroupID: hex.EncodeToString(snapshot.MLSGroupID),
		Epoch:      int64(snapshot.Epoch),
		State:      snapshot.State,
		Group:      newGroupDoc(snapshot.Group),
		CreatedAt:  snapshot.CreatedAt,
	})
}

func (s *Storage) LatestSnapshot(ctx context.Context, mlsGroupID []byte, epoch uint64) (*storage.Snapshot, error) {
	var doc snapshotDoc
	if err := findOne(ctx, s.snapshots, bson.M{"_id": epochID(mlsGroupID, epoch)}, &doc); err != nil {
		return nil, err
	}

	group, err := doc.Group.record()
	if err != nil {
		return nil, err
	}

	return &storage.Snapshot{
		MLSGroupID: dup(mlsGroupID),
		Epoch:      uint64(doc.Epoch),
		State:      doc.State,
		Group:      *group,
		CreatedAt:  doc.CreatedAt,
	}, nil
}

func (s *Storage) PruneExpiredSnapshots(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.snapshots.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("mongostore: prune snapshots: %w", err)
	}
	return int(res.DeletedCount), nil
}
