// Package redisstore is a persistent storage backend on Redis.  Records are
// JSON values; ordered listings use sorted sets scored by creation time.
package redisstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marmot-protocol/go-marmot/storage"
)

const DefaultPrefix = "marmot:"

type Storage struct {
	client *redis.Client
	prefix string
}

var _ storage.Storage = (*Storage)(nil)

type Option func(*Storage)

// WithPrefix namespaces every key written by the store
func WithPrefix(prefix string) Option {
	return func(s *Storage) {
		s.prefix = prefix
	}
}

func New(client *redis.Client, opts ...Option) *Storage {
	s := &Storage{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) IsPersistent() bool {
	return true
}

func (s *Storage) key(parts ...string) string {
	out := s.prefix
	for i, p := range parts {
		if i > 0 {
			out += ":"
		}
		out += p
	}
	return out
}

func epochString(epoch uint64) string {
	return strconv.FormatUint(epoch, 10)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *Storage) put(ctx context.Context, key string, val interface{}) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %v", key, err)
	}

	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", key, err)
	}
	return nil
}

func (s *Storage) get(ctx context.Context, key string, val interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("redisstore: %s: %w", key, storage.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("redisstore: get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, val); err != nil {
		return fmt.Errorf("redisstore: decode %s: %v", key, err)
	}
	return nil
}

// page reads a window of a sorted set, highest score first
func (s *Storage) page(ctx context.Context, key string, page storage.Pagination) ([]string, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: zcard %s: %w", key, err)
	}

	lo, hi := page.Window(int(n))
	if lo == hi {
		return []string{}, nil
	}

	members, err := s.client.ZRevRange(ctx, key, int64(lo), int64(hi-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: zrevrange %s: %w", key, err)
	}
	return members, nil
}

///
/// Groups
///

func (s *Storage) FindGroupByMLSID(ctx context.Context, mlsGroupID []byte) (*storage.Group, error) {
	var g storage.Group
	if err := s.get(ctx, s.key("group", hex.EncodeToString(mlsGroupID)), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Storage) FindGroupByNostrID(ctx context.Context, nostrGroupID [32]byte) (*storage.Group, error) {
	key := s.key("group-nostr", hex.EncodeToString(nostrGroupID[:]))
	id, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: %s: %w", key, storage.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", key, err)
	}

	var g storage.Group
	if err := s.get(ctx, s.key("group", id), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Storage) SaveGroup(ctx context.Context, group storage.Group) error {
	id := hex.EncodeToString(group.MLSGroupID)
	if err := s.put(ctx, s.key("group", id), group); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("group-nostr", hex.EncodeToString(group.NostrGroupID[:])), id, 0)
	pipe.SAdd(ctx, s.key("groups"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: index group %s: %w", id, err)
	}
	return nil
}

func (s *Storage) AllGroups(ctx context.Context) ([]storage.Group, error) {
	ids, err := s.client.SMembers(ctx, s.key("groups")).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: smembers: %w", err)
	}
	sort.Strings(ids)

	out := make([]storage.Group, 0, len(ids))
	for _, id := range ids {
		var g storage.Group
		if err := s.get(ctx, s.key("group", id), &g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

///
/// Exporter secrets
///

func (s *Storage) SaveExporterSecret(ctx context.Context, mlsGroupID []byte, epoch uint64, secret [32]byte) error {
	key := s.key("secret", hex.EncodeToString(mlsGroupID), epochString(epoch))
	if err := s.client.Set(ctx, key, secret[:], 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", key, err)
	}
	return nil
}

func (s *Storage) ExporterSecret(ctx context.Context, mlsGroupID []byte, epoch uint64) ([32]byte, error) {
	var out [32]byte

	key := s.key("secret", hex.EncodeToString(mlsGroupID), epochString(epoch))
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, fmt.Errorf("redisstore: %s: %w", key, storage.ErrNotFound)
	} else if err != nil {
		return out, fmt.Errorf("redisstore: get %s: %w", key, err)
	}

	if len(data) != len(out) {
		return out, fmt.Errorf("redisstore: %s holds %d bytes", key, len(data))
	}
	copy(out[:], data)
	return out, nil
}

///
/// Welcomes
///

func (s *Storage) SaveWelcome(ctx context.Context, welcome storage.Welcome) error {
	id := welcome.ID.String()
	if err := s.put(ctx, s.key("welcome", id), welcome); err != nil {
		return err
	}

	pending := s.key("welcomes-pending")
	var err error
	if welcome.State == storage.WelcomeStatePending {
		err = s.client.ZAdd(ctx, pending, redis.Z{Score: score(welcome.CreatedAt), Member: id}).Err()
	} else {
		err = s.client.ZRem(ctx, pending, id).Err()
	}

	if err != nil {
		return fmt.Errorf("redisstore: index welcome %s: %w", id, err)
	}
	return nil
}

func (s *Storage) FindWelcome(ctx context.Context, id storage.EventID) (*storage.Welcome, error) {
	var w storage.Welcome
	if err := s.get(ctx, s.key("welcome", id.String()), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Storage) PendingWelcomes(ctx context.Context, page storage.Pagination) ([]storage.Welcome, error) {
	ids, err := s.page(ctx, s.key("welcomes-pending"), page)
	if err != nil {
		return nil, err
	}

	out := make([]storage.Welcome, 0, len(ids))
	for _, id := range ids {
		var w storage.Welcome
		if err := s.get(ctx, s.key("welcome", id), &w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

///
/// Messages
///

func (s *Storage) SaveMessage(ctx context.Context, message storage.Message) error {
	id := message.ID.String()
	if err := s.put(ctx, s.key("message", id), message); err != nil {
		return err
	}

	index := s.key("messages", hex.EncodeToString(message.MLSGroupID))
	if err := s.client.ZAdd(ctx, index, redis.Z{Score: score(message.CreatedAt), Member: id}).Err(); err != nil {
		return fmt.Errorf("redisstore: index message %s: %w", id, err)
	}
	return nil
}

func (s *Storage) FindMessageByID(ctx context.Context, id storage.EventID) (*storage.Message, error) {
	var m storage.Message
	if err := s.get(ctx, s.key("message", id.String()), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Storage) Messages(ctx context.Context, mlsGroupID []byte, page storage.Pagination) ([]storage.Message, error) {
	ids, err := s.page(ctx, s.key("messages", hex.EncodeToString(mlsGroupID)), page)
	if err != nil {
		return nil, err
	}

	out := make([]storage.Message, 0, len(ids))
	for _, id := range ids {
		var m storage.Message
		if err := s.get(ctx, s.key("message", id), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

///
/// MLS key-value namespace
///

func (s *Storage) MLSStore(ctx context.Context, label string, key, value []byte) error {
	k := s.key("mls", label, hex.EncodeToString(key))
	if err := s.client.Set(ctx, k, value, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", k, err)
	}
	return nil
}

func (s *Storage) MLSLoad(ctx context.Context, label string, key []byte) ([]byte, error) {
	k := s.key("mls", label, hex.EncodeToString(key))
	data, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: %s: %w", k, storage.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", k, err)
	}
	return data, nil
}

func (s *Storage) MLSDelete(ctx context.Context, label string, key []byte) error {
	k := s.key("mls", label, hex.EncodeToString(key))
	if err := s.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("redisstore: del %s: %w", k, err)
	}
	return nil
}

///
/// Snapshots
///

func (s *Storage) SaveSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	member := hex.EncodeToString(snapshot.MLSGroupID) + ":" + epochString(snapshot.Epoch)
	if err := s.put(ctx, s.key("snapshot", member), snapshot); err != nil {
		return err
	}

	if err := s.client.ZAdd(ctx, s.key("snapshots"), redis.Z{Score: score(snapshot.CreatedAt), Member: member}).Err(); err != nil {
		return fmt.Errorf("redisstore: index snapshot %s: %w", member, err)
	}
	return nil
}

func (s *Storage) LatestSnapshot(ctx context.Context, mlsGroupID []byte, epoch uint64) (*storage.Snapshot, error) {
	var snap storage.Snapshot
	member := hex.EncodeToString(mlsGroupID) + ":" + epochString(epoch)
	if err := s.get(ctx, s.key("snapshot", member), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Storage) PruneExpiredSnapshots(ctx context.Context, cutoff time.Time) (int, error) {
	index := s.key("snapshots")
	expired, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: zrangebyscore %s: %w", index, err)
	}

	if len(expired) == 0 {
		return 0, nil
	}

	keys := make([]string, len(expired))
	members := make([]interface{}, len(expired))
	for i, m := range expired {
		keys[i] = s.key("snapshot", m)
		members[i] = m
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, index, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redisstore: prune snapshots: %w", err)
	}
	return len(expired), nil
}
