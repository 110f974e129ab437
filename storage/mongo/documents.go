package mongostore

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/marmot-protocol/go-marmot/storage"
)

// Identifiers are stored as hex strings so they can be indexed and compared
// across drivers.

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}
	return append([]byte{}, in...)
}

func hex32(b [32]byte) string {
	return hex.EncodeToString(b[:])
}

func parse32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("mongostore: malformed identifier %q", s)
	}
	copy(out[:], b)
	return out, nil
}

func hexList(in [][32]byte) []string {
	out := make([]string, len(in))
	for i, b := range in {
		out[i] = hex32(b)
	}
	return out
}

func parseList(in []string) ([][32]byte, error) {
	out := make([][32]byte, len(in))
	for i, s := range in {
		b, err := parse32(s)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

type imageDoc struct {
	Hash      []byte `bson:"hash"`
	Key       []byte `bson:"key"`
	Nonce     []byte `bson:"nonce"`
	UploadKey []byte `bson:"upload_key,omitempty"`
}

type groupDoc struct {
	ID            string    `bson:"_id"`
	NostrGroupID  string    `bson:"nostr_group_id"`
	Name          string    `bson:"name"`
	Description   string    `bson:"description"`
	Admins        []string  `bson:"admins"`
	Relays        []string  `bson:"relays"`
	Image         *imageDoc `bson:"image,omitempty"`
	Epoch         int64     `bson:"epoch"`
	State         string    `bson:"state"`
	LastMessageID string    `bson:"last_message_id,omitempty"`
	LastMessageAt time.Time `bson:"last_message_at"`
}

func newGroupDoc(g storage.Group) groupDoc {
	doc := groupDoc{
		ID:            hex.EncodeToString(g.MLSGroupID),
		NostrGroupID:  hex32(g.NostrGroupID),
		Name:          g.Name,
		Description:   g.Description,
		Admins:        hexList(g.Admins),
		Relays:        g.Relays,
		Epoch:         int64(g.Epoch),
		State:         string(g.State),
		LastMessageAt: g.LastMessageAt,
	}

	if g.Image != nil {
		doc.Image = &imageDoc{
			Hash:  append([]byte{}, g.Image.Hash[:]...),
			Key:   append([]byte{}, g.Image.Key[:]...),
			Nonce: append([]byte{}, g.Image.Nonce[:]...),
		}
		if g.Image.UploadKey != nil {
			doc.Image.UploadKey = append([]byte{}, g.Image.UploadKey[:]...)
		}
	}

	if g.LastMessageID != nil {
		doc.LastMessageID = g.LastMessageID.String()
	}
	return doc
}

func (doc groupDoc) record() (*storage.Group, error) {
	mlsID, err := hex.DecodeString(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("mongostore: malformed group id %q", doc.ID)
	}

	nostrID, err := parse32(doc.NostrGroupID)
	if err != nil {
		return nil, err
	}

	admins, err := parseList(doc.Admins)
	if err != nil {
		return nil, err
	}

	g := &storage.Group{
		MLSGroupID:    mlsID,
		NostrGroupID:  nostrID,
		Name:          doc.Name,
		Description:   doc.Description,
		Admins:        admins,
		Relays:        doc.Relays,
		Epoch:         uint64(doc.Epoch),
		State:         storage.GroupState(doc.State),
		LastMessageAt: doc.LastMessageAt,
	}

	if doc.Image != nil {
		img := &storage.GroupImage{}
		copy(img.Hash[:], doc.Image.Hash)
		copy(img.Key[:], doc.Image.Key)
		copy(img.Nonce[:], doc.Image.Nonce)
		if len(doc.Image.UploadKey) > 0 {
			var uk [32]byte
			copy(uk[:], doc.Image.UploadKey)
			img.UploadKey = &uk
		}
		g.Image = img
	}

	if doc.LastMessageID != "" {
		id, err := storage.ParseEventID(doc.LastMessageID)
		if err != nil {
			return nil, err
		}
		g.LastMessageID = &id
	}
	return g, nil
}

type welcomeDoc struct {
	ID                string    `bson:"_id"`
	WrapperEventID    string    `bson:"wrapper_event_id"`
	KeyPackageEventID string    `bson:"key_package_event_id,omitempty"`
	MLSGroupID        string    `bson:"mls_group_id"`
	NostrGroupID      string    `bson:"nostr_group_id"`
	GroupName         string    `bson:"group_name"`
	GroupDescription  string    `bson:"group_description"`
	GroupAdmins       []string  `bson:"group_admins"`
	GroupRelays       []string  `bson:"group_relays"`
	Welcomer          string    `bson:"welcomer"`
	MemberCount       int       `bson:"member_count"`
	State             string    `bson:"state"`
	CreatedAt         time.Time `bson:"created_at"`
}

func newWelcomeDoc(w storage.Welcome) welcomeDoc {
	return welcomeDoc{
		ID:                w.ID.String(),
		WrapperEventID:    w.WrapperEventID.String(),
		KeyPackageEventID: w.KeyPackageEventID,
		MLSGroupID:        hex.EncodeToString(w.MLSGroupID),
		NostrGroupID:      hex32(w.NostrGroupID),
		GroupName:         w.GroupName,
		GroupDescription:  w.GroupDescription,
		GroupAdmins:       hexList(w.GroupAdmins),
		GroupRelays:       w.GroupRelays,
		Welcomer:          w.Welcomer,
		MemberCount:       w.MemberCount,
		State:             string(w.State),
		CreatedAt:         w.CreatedAt,
	}
}

func (doc welcomeDoc) record() (*storage.Welcome, error) {
	id, err := storage.ParseEventID(doc.ID)
	if err != nil {
		return nil, err
	}

	wrapper, err := storage.ParseEventID(doc.WrapperEventID)
	if err != nil {
		return nil, err
	}

	mlsID, err := hex.DecodeString(doc.MLSGroupID)
	if err != nil {
		return nil, fmt.Errorf("mongostore: malformed group id %q", doc.MLSGroupID)
	}

	nostrID, err := parse32(doc.NostrGroupID)
	if err != nil {
		return nil, err
	}

	admins, err := parseList(doc.GroupAdmins)
	if err != nil {
		return nil, err
	}

	return &storage.Welcome{
		ID:                id,
		WrapperEventID:    wrapper,
		KeyPackageEventID: doc.KeyPackageEventID,
		MLSGroupID:        mlsID,
		NostrGroupID:      nostrID,
		GroupName:         doc.GroupName,
		GroupDescription:  doc.GroupDescription,
		GroupAdmins:       admins,
		GroupRelays:       doc.GroupRelays,
		Welcomer:          doc.Welcomer,
		MemberCount:       doc.MemberCount,
		State:             storage.WelcomeState(doc.State),
		CreatedAt:         doc.CreatedAt,
	}, nil
}

type messageDoc struct {
	ID             string     `bson:"_id"`
	WrapperEventID string     `bson:"wrapper_event_id"`
	MLSGroupID     string     `bson:"mls_group_id"`
	NostrGroupID   string     `bson:"nostr_group_id"`
	Epoch          int64      `bson:"epoch"`
	PubKey         string     `bson:"pubkey"`
	Kind           int        `bson:"kind"`
	Tags           [][]string `bson:"tags"`
	Content        string     `bson:"content"`
	CreatedAt      time.Time  `bson:"created_at"`
	State          string     `bson:"state"`
}

func newMessageDoc(m storage.Message) messageDoc {
	return messageDoc{
		ID:             m.ID.String(),
		WrapperEventID: m.WrapperEventID.String(),
		MLSGroupID:     hex.EncodeToString(m.MLSGroupID),
		NostrGroupID:   hex32(m.NostrGroupID),
		Epoch:          int64(m.Epoch),
		PubKey:         m.PubKey,
		Kind:           m.Kind,
		Tags:           m.Tags,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		State:          string(m.State),
	}
}

func (doc messageDoc) record() (*storage.Message, error) {
	id, err := storage.ParseEventID(doc.ID)
	if err != nil {
		return nil, err
	}

	wrapper, err := storage.ParseEventID(doc.WrapperEventID)
	if err != nil {
		return nil, err
	}

	mlsID, err := hex.DecodeString(doc.MLSGroupID)
	if err != nil {
		return nil, fmt.Errorf("mongostore: malformed group id %q", doc.MLSGroupID)
	}

	nostrID, err := parse32(doc.NostrGroupID)
	if err != nil {
		return nil, err
	}

	return &storage.Message{
		ID:             id,
		WrapperEventID: wrapper,
		MLSGroupID:     mlsID,
		NostrGroupID:   nostrID,
		Epoch:          uint64(doc.Epoch),
		PubKey:         doc.PubKey,
		Kind:           doc.Kind,
		Tags:           doc.Tags,
		Content:        doc.Content,
		CreatedAt:      doc.CreatedAt,
		State:          storage.MessageState(doc.State),
	}, nil
}
