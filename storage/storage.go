// Package storage defines the persistence contract consumed by the Marmot
// group manager, along with the records it stores.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// Labels of the opaque MLS key-value namespace
const (
	LabelKeyPackagePrivate = "kp_priv"
	LabelWelcomeData       = "welcome_data"
	LabelGroupState        = "mls_group"
	LabelPendingCommit     = "mls_pending"
	LabelMergedCommit      = "mls_merged"
)

type EventID [32]byte

func (id EventID) String() string {
	return hex.EncodeToString(id[:])
}

func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *EventID) UnmarshalText(text []byte) error {
	parsed, err := ParseEventID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func ParseEventID(s string) (EventID, error) {
	var id EventID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("storage: malformed event id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

///
/// Records
///

type GroupState string

const (
	GroupStateActive   GroupState = "active"
	GroupStateInactive GroupState = "inactive"
	GroupStatePending  GroupState = "pending"
)

type GroupImage struct {
	Hash      [32]byte  `json:"hash"`
	Key       [32]byte  `json:"key"`
	Nonce     [12]byte  `json:"nonce"`
	UploadKey *[32]byte `json:"upload_key,omitempty"`
}

type Group struct {
	MLSGroupID    []byte      `json:"mls_group_id"`
	NostrGroupID  [32]byte    `json:"nostr_group_id"`
	Name          string      `json:"name"`
	Description   string      `json:"description"`
	Admins        [][32]byte  `json:"admins"`
	Relays        []string    `json:"relays"`
	Image         *GroupImage `json:"image,omitempty"`
	Epoch         uint64      `json:"epoch"`
	State         GroupState  `json:"state"`
	LastMessageID *EventID    `json:"last_message_id,omitempty"`
	LastMessageAt time.Time   `json:"last_message_at"`
}

func (g Group) IsAdmin(pubkey [32]byte) bool {
	for _, a := range g.Admins {
		if a == pubkey {
			return true
		}
	}
	return false
}

type WelcomeState string

const (
	WelcomeStatePending  WelcomeState = "pending"
	WelcomeStateAccepted WelcomeState = "accepted"
	WelcomeStateDeclined WelcomeState = "declined"
)

// Welcome is a received invitation.  The raw MLS Welcome is kept under the
// welcome_data label, keyed by the wrapper event id.
type Welcome struct {
	ID                EventID      `json:"id"`
	WrapperEventID    EventID      `json:"wrapper_event_id"`
	KeyPackageEventID string       `json:"key_package_event_id,omitempty"`
	MLSGroupID        []byte       `json:"mls_group_id"`
	NostrGroupID      [32]byte     `json:"nostr_group_id"`
	GroupName         string       `json:"group_name"`
	GroupDescription  string       `json:"group_description"`
	GroupAdmins       [][32]byte   `json:"group_admins"`
	GroupRelays       []string     `json:"group_relays"`
	Welcomer          string       `json:"welcomer"`
	MemberCount       int          `json:"member_count"`
	State             WelcomeState `json:"state"`
	CreatedAt         time.Time    `json:"created_at"`
}

type MessageState string

const (
	MessageStateCreated   MessageState = "created"
	MessageStateProcessed MessageState = "processed"
)

type Message struct {
	ID             EventID      `json:"id"`
	WrapperEventID EventID      `json:"wrapper_event_id"`
	MLSGroupID     []byte       `json:"mls_group_id"`
	NostrGroupID   [32]byte     `json:"nostr_group_id"`
	Epoch          uint64       `json:"epoch"`
	PubKey         string       `json:"pubkey"`
	Kind           int          `json:"kind"`
	Tags           [][]string   `json:"tags"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"created_at"`
	State          MessageState `json:"state"`
}

// Snapshot is a serialized group state taken before a commit was applied
type Snapshot struct {
	MLSGroupID []byte    `json:"mls_group_id"`
	Epoch      uint64    `json:"epoch"`
	State      []byte    `json:"state"`
	Group      Group     `json:"group"`
	CreatedAt  time.Time `json:"created_at"`
}

type Pagination struct {
	Limit  int
	Offset int
}

const DefaultLimit = 1000

// Window returns the [lo, hi) slice bounds of a page within n results
func (p Pagination) Window(n int) (int, int) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	lo := p.Offset
	if lo < 0 {
		lo = 0
	}
	if lo > n {
		lo = n
	}

	hi := lo + limit
	if hi > n {
		hi = n
	}
	return lo, hi
}

///
/// Contract
///

type Storage interface {
	IsPersistent() bool

	FindGroupByMLSID(ctx context.Context, mlsGroupID []byte) (*Group, error)
	FindGroupByNostrID(ctx context.Context, nostrGroupID [32]byte) (*Group, error)
	SaveGroup(ctx context.Context, group Group) error
	AllGroups(ctx context.Context) ([]Group, error)

	SaveExporterSecret(ctx context.Context, mlsGroupID []byte, epoch uint64, secret [32]byte) error
	ExporterSecret(ctx context.Context, mlsGroupID []byte, epoch uint64) ([32]byte, error)

	SaveWelcome(ctx context.Context, welcome Welcome) error
	FindWelcome(ctx context.Context, id EventID) (*Welcome, error)
	PendingWelcomes(ctx context.Context, page Pagination) ([]Welcome, error)

	SaveMessage(ctx context.Context, message Message) error
	FindMessageByID(ctx context.Context, id EventID) (*Message, error)
	// Messages lists a group's messages newest first
	Messages(ctx context.Context, mlsGroupID []byte, page Pagination) ([]Message, error)

	MLSStore(ctx context.Context, label string, key, value []byte) error
	MLSLoad(ctx context.Context, label string, key []byte) ([]byte, error)
	MLSDelete(ctx context.Context, label string, key []byte) error

	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	LatestSnapshot(ctx context.Context, mlsGroupID []byte, epoch uint64) (*Snapshot, error)
	PruneExpiredSnapshots(ctx context.Context, cutoff time.Time) (int, error)
}
