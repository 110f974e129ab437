package marmot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	mls "github.com/marmot-protocol/go-marmot"
	"github.com/marmot-protocol/go-marmot/nip44"
)

// Tag is a single event tag; element 0 is the key.
type Tag []string

func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

type Tags []Tag

// Find returns the first tag with the given key
func (tags Tags) Find(key string) (Tag, bool) {
	for _, t := range tags {
		if t.Key() == key {
			return t, true
		}
	}
	return nil, false
}

func (tags Tags) Value(key string) (string, bool) {
	t, ok := tags.Find(key)
	if !ok || len(t) < 2 {
		return "", false
	}
	return t[1], true
}

func (tags Tags) strings() [][]string {
	out := make([][]string, len(tags))
	for i, t := range tags {
		out[i] = []string(t)
	}
	return out
}

// Event is a Nostr event.  Rumors are events without a signature.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig,omitempty"`
}

func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("marmot.event: %w: %v", ErrInvalidEvent, err)
	}

	if e.Tags == nil {
		e.Tags = Tags{}
	}
	return &e, nil
}

func (e Event) Marshal() ([]byte, error) {
	if e.Tags == nil {
		e.Tags = Tags{}
	}
	return json.Marshal(e)
}

// Serialize produces the canonical form hashed into the event id:
// [0, pubkey, created_at, kind, tags, content] with minimal escaping.
func (e Event) Serialize() []byte {
	buf := []byte(`[0,`)
	buf = appendString(buf, e.PubKey)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(e.Kind), 10)
	buf = append(buf, ",["...)
	for i, tag := range e.Tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, v := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, v)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, "],"...)
	buf = appendString(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

const hexDigits = "0123456789abcdef"

func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf = append(buf, '\\', '"')
		case c == '\\':
			buf = append(buf, '\\', '\\')
		case c == '\n':
			buf = append(buf, '\\', 'n')
		case c == '\r':
			buf = append(buf, '\\', 'r')
		case c == '\t':
			buf = append(buf, '\\', 't')
		case c == '\b':
			buf = append(buf, '\\', 'b')
		case c == '\f':
			buf = append(buf, '\\', 'f')
		case c < 0x20:
			buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xF])
		default:
			buf = append(buf, c)
		}
	}
	return append(buf, '"')
}

func (e Event) Hash() [32]byte {
	return sha256.Sum256(e.Serialize())
}

func (e Event) ComputeID() string {
	h := e.Hash()
	return hex.EncodeToString(h[:])
}

// SetID fills in the id of an unsigned event
func (e *Event) SetID() {
	e.ID = e.ComputeID()
}

// Sign sets the author, the id and a BIP-340 signature under a 32-byte
// secp256k1 secret.
func (e *Event) Sign(secret []byte) error {
	priv, err := nip44.PrivateKey(secret)
	if err != nil {
		return fmt.Errorf("marmot.event: %w: %w", mls.ErrInvalidArg, err)
	}
	return e.sign(priv)
}

func (e *Event) sign(priv *btcec.PrivateKey) error {
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))

	h := e.Hash()
	sig, err := schnorr.Sign(priv, h[:])
	if err != nil {
		return fmt.Errorf("marmot.event: %w: %v", mls.ErrCrypto, err)
	}

	e.ID = hex.EncodeToString(h[:])
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// SignEphemeral signs under a fresh key that is discarded afterwards
func (e *Event) SignEphemeral() error {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return fmt.Errorf("marmot.event: %w: %v", mls.ErrCrypto, err)
	}
	defer priv.Zero()

	return e.sign(priv)
}

// CheckID verifies that the id matches the content
func (e Event) CheckID() error {
	if e.ID != e.ComputeID() {
		return fmt.Errorf("marmot.event: %w: id does not match content", ErrInvalidEvent)
	}
	return nil
}

func (e Event) Verify() error {
	if err := e.CheckID(); err != nil {
		return err
	}

	pub, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("marmot.event: %w: malformed pubkey", ErrInvalidEvent)
	}

	pubKey, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return fmt.Errorf("marmot.event: %w: %v", ErrInvalidEvent, err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("marmot.event: %w: malformed signature", mls.ErrSignature)
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("marmot.event: %w: %v", mls.ErrSignature, err)
	}

	h := e.Hash()
	if !sig.Verify(h[:], pubKey) {
		return fmt.Errorf("marmot.event: %w", mls.ErrSignature)
	}
	return nil
}

func parsePubKey(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("marmot: %w: malformed pubkey %q", mls.ErrInvalidArg, s)
	}
	copy(out[:], b)
	return out, nil
}
