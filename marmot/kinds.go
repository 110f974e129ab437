package marmot

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	mls "github.com/marmot-protocol/go-marmot"
)

const (
	KindKeyPackage   = 443
	KindWelcome      = 444
	KindGroupMessage = 445
)

const (
	TagProtocolVersion = "mls_protocol_version"
	TagCipherSuite     = "mls_ciphersuite"
	TagExtensions      = "mls_extensions"
	TagEncoding        = "encoding"
	TagKeyPackageRef   = "i"
	TagRelays          = "relays"
	TagProtected       = "-"
	TagEvent           = "e"
	TagGroup           = "h"

	ProtocolVersion = "1.0"
	CipherSuite     = "0x0001"
	EncodingBase64  = "base64"
)

func relayTag(relays []string) Tag {
	return append(Tag{TagRelays}, relays...)
}

func relaysOf(tags Tags) []string {
	t, ok := tags.Find(TagRelays)
	if !ok {
		return []string{}
	}
	return append([]string{}, t[1:]...)
}

func requireKind(e Event, kind int) error {
	if e.Kind != kind {
		return fmt.Errorf("marmot.event: %w: kind %d, expected %d", ErrInvalidEvent, e.Kind, kind)
	}
	return nil
}

func requireTag(tags Tags, key, value string) error {
	v, ok := tags.Value(key)
	if !ok {
		return fmt.Errorf("marmot.event: %w: missing %q tag", ErrInvalidEvent, key)
	}

	if v != value {
		return fmt.Errorf("marmot.event: %w: %q tag is %q", ErrInvalidEvent, key, v)
	}
	return nil
}

func decodeContent(content string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("marmot.event: %w: content: %v", ErrInvalidEvent, err)
	}
	return data, nil
}

///
/// Kind 443: KeyPackage
///

// NewKeyPackageEvent publishes a KeyPackage.  The event is left for the
// author to sign.
func NewKeyPackageEvent(pubkey string, kp mls.KeyPackage, relays []string, createdAt time.Time) (*Event, error) {
	data, err := kp.Marshal()
	if err != nil {
		return nil, err
	}

	ref, err := kp.Ref()
	if err != nil {
		return nil, err
	}

	e := &Event{
		PubKey:    pubkey,
		CreatedAt: createdAt.Unix(),
		Kind:      KindKeyPackage,
		Tags: Tags{
			{TagProtocolVersion, ProtocolVersion},
			{TagCipherSuite, CipherSuite},
			{TagExtensions, "0xf2ee", "0x000a"},
			{TagEncoding, EncodingBase64},
			{TagKeyPackageRef, hex.EncodeToString(ref)},
			relayTag(relays),
			{TagProtected},
		},
		Content: base64.StdEncoding.EncodeToString(data),
	}
	e.SetID()
	return e, nil
}

// ParseKeyPackageEvent decodes and validates the KeyPackage of a kind-443
// event.  The credential must name the event author.
func ParseKeyPackageEvent(e Event) (*mls.KeyPackage, error) {
	if err := requireKind(e, KindKeyPackage); err != nil {
		return nil, err
	}

	if err := requireTag(e.Tags, TagProtocolVersion, ProtocolVersion); err != nil {
		return nil, fmt.Errorf("%w: %w", mls.ErrUnsupported, err)
	}

	if err := requireTag(e.Tags, TagCipherSuite, CipherSuite); err != nil {
		return nil, fmt.Errorf("%w: %w", mls.ErrUnsupported, err)
	}

	if enc, ok := e.Tags.Value(TagEncoding); ok && enc != EncodingBase64 {
		return nil, fmt.Errorf("marmot.event: %w: encoding %q", mls.ErrUnsupported, enc)
	}

	data, err := decodeContent(e.Content)
	if err != nil {
		return nil, err
	}

	kp, err := mls.UnmarshalKeyPackage(data)
	if err != nil {
		return nil, err
	}

	if err := kp.Validate(); err != nil {
		return nil, err
	}

	author, err := parsePubKey(e.PubKey)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(kp.LeafNode.Credential.Identity, author[:]) {
		return nil, fmt.Errorf("marmot.event: %w: credential does not match the author", mls.ErrKeyPackage)
	}

	if refHex, ok := e.Tags.Value(TagKeyPackageRef); ok {
		ref, err := kp.Ref()
		if err != nil {
			return nil, err
		}

		if refHex != hex.EncodeToString(ref) {
			return nil, fmt.Errorf("marmot.event: %w: key package ref mismatch", mls.ErrKeyPackage)
		}
	}

	return kp, nil
}

///
/// Kind 444: Welcome rumor
///

// NewWelcomeRumor wraps a Welcome in an unsigned rumor.  The e tag is only
// present when the KeyPackage event id is known.
func NewWelcomeRumor(pubkey string, welcome []byte, keyPackageEventID string, relays []string, createdAt time.Time) *Event {
	tags := Tags{}
	if keyPackageEventID != "" {
		tags = append(tags, Tag{TagEvent, keyPackageEventID})
	}
	tags = append(tags, Tag{TagEncoding, EncodingBase64}, relayTag(relays))

	e := &Event{
		PubKey:    pubkey,
		CreatedAt: createdAt.Unix(),
		Kind:      KindWelcome,
		Tags:      tags,
		Content:   base64.StdEncoding.EncodeToString(welcome),
	}
	e.SetID()
	return e
}

type WelcomeRumor struct {
	Welcome           *mls.Welcome
	Raw               []byte
	KeyPackageEventID string
	Relays            []string
}

func ParseWelcomeRumor(e Event) (*WelcomeRumor, error) {
	if err := requireKind(e, KindWelcome); err != nil {
		return nil, err
	}

	if e.Sig != "" {
		return nil, fmt.Errorf("marmot.event: %w: welcome rumors are unsigned", ErrInvalidEvent)
	}

	if err := e.CheckID(); err != nil {
		return nil, err
	}

	if enc, ok := e.Tags.Value(TagEncoding); ok && enc != EncodingBase64 {
		return nil, fmt.Errorf("marmot.event: %w: encoding %q", mls.ErrUnsupported, enc)
	}

	raw, err := decodeContent(e.Content)
	if err != nil {
		return nil, err
	}

	w, err := mls.UnmarshalWelcome(raw)
	if err != nil {
		return nil, fmt.Errorf("marmot.event: %w: %w", mls.ErrWelcomeInvalid, err)
	}

	kpEventID, _ := e.Tags.Value(TagEvent)
	return &WelcomeRumor{
		Welcome:           w,
		Raw:               raw,
		KeyPackageEventID: kpEventID,
		Relays:            relaysOf(e.Tags),
	}, nil
}

///
/// Kind 445: Group message
///

// NewGroupMessageEvent frames the content of a group message.  The caller
// signs it, normally with SignEphemeral.
func NewGroupMessageEvent(nostrGroupID [32]byte, content string, base64Encoded bool, createdAt time.Time) *Event {
	tags := Tags{{TagGroup, hex.EncodeToString(nostrGroupID[:])}}
	if base64Encoded {
		tags = append(tags, Tag{TagEncoding, EncodingBase64})
	}

	return &Event{
		CreatedAt: createdAt.Unix(),
		Kind:      KindGroupMessage,
		Tags:      tags,
		Content:   content,
	}
}

type GroupMessage struct {
	NostrGroupID [32]byte
	Content      string
	Base64       bool
}

func ParseGroupMessageEvent(e Event) (*GroupMessage, error) {
	if err := requireKind(e, KindGroupMessage); err != nil {
		return nil, err
	}

	h, ok := e.Tags.Value(TagGroup)
	if !ok {
		return nil, fmt.Errorf("marmot.event: %w: missing %q tag", ErrInvalidEvent, TagGroup)
	}

	gid, err := hex.DecodeString(h)
	if err != nil || len(gid) != 32 {
		return nil, fmt.Errorf("marmot.event: %w: malformed group id %q", ErrInvalidEvent, h)
	}

	msg := &GroupMessage{Content: e.Content}
	copy(msg.NostrGroupID[:], gid)

	if enc, ok := e.Tags.Value(TagEncoding); ok {
		if enc != EncodingBase64 {
			return nil, fmt.Errorf("marmot.event: %w: encoding %q", mls.ErrUnsupported, enc)
		}
		msg.Base64 = true
	}
	return msg, nil
}
