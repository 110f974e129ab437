// Package nip44 implements version 2 of the NIP-44 payload encryption used
// on Nostr: secp256k1 ECDH conversation keys, ChaCha20 with HMAC-SHA256 and
// power-of-two padding.
package nip44

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	Version = 2

	MinPlaintextSize = 1
	MaxPlaintextSize = 65535

	nonceSize = 32
	macSize   = 32
	saltLabel = "nip44-v2"

	minPayloadSize = 132
	maxPayloadSize = 87472
	minDecodedSize = 99
	maxDecodedSize = 65603
)

var (
	ErrInvalidKey         = errors.New("invalid key")
	ErrInvalidPlaintext   = errors.New("invalid plaintext")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrInvalidMAC         = errors.New("invalid mac")
	ErrInvalidPadding     = errors.New("invalid padding")
	ErrUnsupportedVersion = errors.New("unsupported version")
)

///
/// Conversation keys
///

// PrivateKey parses a 32-byte secret into a secp256k1 scalar in [1, n-1]
func PrivateKey(secret []byte) (*btcec.PrivateKey, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("nip44: %w: secret of %d bytes", ErrInvalidKey, len(secret))
	}

	var k btcec.ModNScalar
	if overflow := k.SetByteSlice(secret); overflow || k.IsZero() {
		return nil, fmt.Errorf("nip44: %w: secret outside the curve order", ErrInvalidKey)
	}

	return btcec.PrivKeyFromScalar(&k), nil
}

// XOnlyPublicKey returns the 32-byte BIP-340 public key of a secret
func XOnlyPublicKey(secret []byte) ([]byte, error) {
	priv, err := PrivateKey(secret)
	if err != nil {
		return nil, err
	}
	return schnorr.SerializePubKey(priv.PubKey()), nil
}

// ConversationKey derives the shared key of a secret key and a peer's x-only
// public key.  The result is symmetric in the two parties.
func ConversationKey(secret, xOnlyPub []byte) ([32]byte, error) {
	var out [32]byte

	priv, err := PrivateKey(secret)
	if err != nil {
		return out, err
	}

	pub, err := schnorr.ParsePubKey(xOnlyPub)
	if err != nil {
		return out, fmt.Errorf("nip44: %w: %v", ErrInvalidKey, err)
	}

	var point, shared btcec.JacobianPoint
	pub.AsJacobian(&point)
	btcec.ScalarMultNonConst(&priv.Key, &point, &shared)
	shared.ToAffine()

	x := shared.X.Bytes()
	copy(out[:], hkdf.Extract(sha256.New, x[:], []byte(saltLabel)))
	zero(x[:])
	return out, nil
}

///
/// Padding
///

// CalcPaddedLen is the padded size of a plaintext of n bytes, excluding the
// two-byte length prefix.
func CalcPaddedLen(n int) (int, error) {
	if n < MinPlaintextSize || n > MaxPlaintextSize {
		return 0, fmt.Errorf("nip44: %w: plaintext of %d bytes", ErrInvalidPlaintext, n)
	}

	if n <= 32 {
		return 32, nil
	}

	nextPower := 1
	for nextPower < n {
		nextPower <<= 1
	}

	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}

	return chunk * ((n-1)/chunk + 1), nil
}

func pad(plaintext []byte) ([]byte, error) {
	paddedLen, err := CalcPaddedLen(len(plaintext))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 2+paddedLen)
	binary.BigEndian.PutUint16(out, uint16(len(plaintext)))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, fmt.Errorf("nip44: %w: %d bytes", ErrInvalidPadding, len(padded))
	}

	n := int(binary.BigEndian.Uint16(padded))
	paddedLen, err := CalcPaddedLen(n)
	if err != nil {
		return nil, fmt.Errorf("nip44: %w: %w", ErrInvalidPadding, err)
	}

	if len(padded) != 2+paddedLen {
		return nil, fmt.Errorf("nip44: %w: %d bytes for a %d-byte plaintext", ErrInvalidPadding, len(padded), n)
	}

	return padded[2 : 2+n], nil
}

///
/// Payloads
///

type messageKeys struct {
	cipherKey   []byte
	cipherNonce []byte
	hmacKey     []byte
}

func newMessageKeys(conversationKey [32]byte, nonce []byte) (messageKeys, error) {
	okm := make([]byte, 76)
	r := hkdf.Expand(sha256.New, conversationKey[:], nonce)
	if _, err := io.ReadFull(r, okm); err != nil {
		return messageKeys{}, fmt.Errorf("nip44: %w: %v", ErrInvalidKey, err)
	}

	return messageKeys{
		cipherKey:   okm[:32],
		cipherNonce: okm[32:44],
		hmacKey:     okm[44:76],
	}, nil
}

func (mk messageKeys) zeroize() {
	zero(mk.cipherKey)
	zero(mk.cipherNonce)
	zero(mk.hmacKey)
}

func (mk messageKeys) mac(nonce, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, mk.hmacKey)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}

func (mk messageKeys) xor(data []byte) ([]byte, error) {
	c, err := chacha20.NewUnauthenticatedCipher(mk.cipherKey, mk.cipherNonce)
	if err != nil {
		return nil, fmt.Errorf("nip44: %w: %v", ErrInvalidKey, err)
	}

	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// Encrypt seals a plaintext under a fresh random nonce and returns the
// base64 payload.
func Encrypt(plaintext []byte, conversationKey [32]byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("nip44: %w: %v", ErrInvalidKey, err)
	}
	return EncryptWithNonce(plaintext, conversationKey, nonce)
}

func EncryptWithNonce(plaintext []byte, conversationKey [32]byte, nonce [nonceSize]byte) (string, error) {
	keys, err := newMessageKeys(conversationKey, nonce[:])
	if err != nil {
		return "", err
	}
	defer keys.zeroize()

	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}
	defer zero(padded)

	ciphertext, err := keys.xor(padded)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, 1+nonceSize+len(ciphertext)+macSize)
	out = append(out, Version)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	out = append(out, keys.mac(nonce[:], ciphertext)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func Decrypt(payload string, conversationKey [32]byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("nip44: %w: empty payload", ErrInvalidPayload)
	}

	if payload[0] == '#' {
		return nil, fmt.Errorf("nip44: %w: non-base64 encoding", ErrUnsupportedVersion)
	}

	if len(payload) < minPayloadSize || len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("nip44: %w: payload of %d bytes", ErrInvalidPayload, len(payload))
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("nip44: %w: %v", ErrInvalidPayload, err)
	}

	if len(data) < minDecodedSize || len(data) > maxDecodedSize {
		return nil, fmt.Errorf("nip44: %w: decoded payload of %d bytes", ErrInvalidPayload, len(data))
	}

	if data[0] != Version {
		return nil, fmt.Errorf("nip44: %w: version %d", ErrUnsupportedVersion, data[0])
	}

	nonce := data[1 : 1+nonceSize]
	ciphertext := data[1+nonceSize : len(data)-macSize]
	mac := data[len(data)-macSize:]

	keys, err := newMessageKeys(conversationKey, nonce)
	if err != nil {
		return nil, err
	}
	defer keys.zeroize()

	if !hmac.Equal(mac, keys.mac(nonce, ciphertext)) {
		return nil, fmt.Errorf("nip44: %w", ErrInvalidMAC)
	}

	padded, err := keys.xor(ciphertext)
	if err != nil {
		return nil, err
	}

	pt, err := unpad(padded)
	if err != nil {
		zero(padded)
		return nil, err
	}
	return pt, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
