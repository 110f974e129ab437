package mls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"github.com/cisco/go-tls-syntax"
	"github.com/cloudflare/circl/dh/x25519"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
)

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519 CipherSuite = 0x0001
)

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519"
	}

	return fmt.Sprintf("0x%04x", uint16(cs))
}

func (cs CipherSuite) ValidForTLS() error {
	return validateEnum(cs, X25519_AES128GCM_SHA256_Ed25519)
}

type cipherConstants struct {
	KeySize       int
	NonceSize     int
	SecretSize    int
	HPKEKeySize   int
	SignatureSize int
}

func (cs CipherSuite) Constants() cipherConstants {
	return cipherConstants{
		KeySize:       16,
		NonceSize:     12,
		SecretSize:    32,
		HPKEKeySize:   32,
		SignatureSize: ed25519.SignatureSize,
	}
}

///
/// Hash, MAC and AEAD
///

func (cs CipherSuite) newDigest() hash.Hash {
	return sha256.New()
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := cs.newDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) NewHMAC(key []byte) hash.Hash {
	return hmac.New(cs.newDigest, key)
}

func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != cs.Constants().KeySize {
		return nil, fmt.Errorf("mls.crypto: %w: AEAD key size %d", ErrCrypto, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: %w: %v", ErrCrypto, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: %w: %v", ErrCrypto, err)
	}

	return aead, nil
}

func (cs CipherSuite) seal(key, nonce, pt, aad []byte) ([]byte, error) {
	aead, err := cs.NewAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("mls.crypto: %w: nonce size %d", ErrCrypto, len(nonce))
	}

	return aead.Seal(nil, nonce, pt, aad), nil
}

func (cs CipherSuite) open(key, nonce, ct, aad []byte) ([]byte, error) {
	aead, err := cs.NewAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("mls.crypto: %w: nonce size %d", ErrCrypto, len(nonce))
	}

	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: %w: AEAD open failed", ErrCrypto)
	}

	return pt, nil
}

///
/// HKDF and the MLS labeled derivations
///

func (cs CipherSuite) zero() []byte {
	return bytes.Repeat([]byte{0x00}, cs.Constants().SecretSize)
}

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	if len(salt) == 0 {
		salt = cs.zero()
	}

	return hkdf.Extract(cs.newDigest, ikm, salt)
}

func (cs CipherSuite) HKDFExtract(salt, ikm []byte) []byte {
	return cs.hkdfExtract(salt, ikm)
}

func (cs CipherSuite) HKDFExpand(prk, info []byte, size int) ([]byte, error) {
	if size < 0 || size > 255*cs.Constants().SecretSize {
		return nil, fmt.Errorf("mls.crypto: %w: HKDF output length %d", ErrInvalidArg, size)
	}

	out := make([]byte, size)
	r := hkdf.Expand(cs.newDigest, prk, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("mls.crypto: %w: %v", ErrCrypto, err)
	}

	return out, nil
}

// Internal expansions always ask for small fixed sizes
func (cs CipherSuite) hkdfExpand(prk, info []byte, size int) []byte {
	out, err := cs.HKDFExpand(prk, info, size)
	if err != nil {
		panic(err)
	}
	return out
}

// struct {
//   uint16 length = Length;
//   opaque label<7..255> = "MLS 1.0 " + Label;
//   opaque context<0..255> = Context;
// } KDFLabel;
type kdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=1"`
}

const mlsLabelPrefix = "MLS 1.0 "

const maxLabelContext = 255

func (cs CipherSuite) expandWithLabel(secret []byte, label string, context []byte, length int) []byte {
	// A context that cannot be framed with a one-byte length is replaced by
	// its digest.
	if len(context) > maxLabelContext {
		context = cs.Digest(context)
	}

	info, err := syntax.Marshal(kdfLabel{
		Length:  uint16(length),
		Label:   []byte(mlsLabelPrefix + label),
		Context: context,
	})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: KDFLabel marshal failure %v", err))
	}

	return cs.hkdfExpand(secret, info, length)
}

func (cs CipherSuite) ExpandWithLabel(secret []byte, label string, context []byte, length int) ([]byte, error) {
	if length < 0 || length > 255*cs.Constants().SecretSize {
		return nil, fmt.Errorf("mls.crypto: %w: output length %d", ErrInvalidArg, length)
	}

	return cs.expandWithLabel(secret, label, context, length), nil
}

func (cs CipherSuite) deriveSecret(secret []byte, label string) []byte {
	return cs.expandWithLabel(secret, label, []byte{}, cs.Constants().SecretSize)
}

func (cs CipherSuite) DeriveSecret(secret []byte, label string) []byte {
	return cs.deriveSecret(secret, label)
}

type refHashInput struct {
	Label []byte `tls:"head=1"`
	Value []byte `tls:"head=4"`
}

func (cs CipherSuite) refHash(label string, value []byte) ([]byte, error) {
	data, err := syntax.Marshal(refHashInput{
		Label: []byte(label),
		Value: value,
	})
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: %w: %v", ErrTLSCodec, err)
	}

	return cs.Digest(data), nil
}

///
/// HPKE keys and the DHKEM
///

// opaque HPKEPublicKey[32];
type HPKEPublicKey [32]byte

type HPKEPrivateKey struct {
	Data      [32]byte
	PublicKey HPKEPublicKey
}

func (cs CipherSuite) hpkeKeyFromSecret(secret [32]byte) HPKEPrivateKey {
	var pub, sec x25519.Key
	sec = x25519.Key(secret)
	x25519.KeyGen(&pub, &sec)
	return HPKEPrivateKey{
		Data:      secret,
		PublicKey: HPKEPublicKey(pub),
	}
}

func (cs CipherSuite) GenerateHPKEKey() (HPKEPrivateKey, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return HPKEPrivateKey{}, fmt.Errorf("mls.crypto: %w: %v", ErrCrypto, err)
	}

	return cs.hpkeKeyFromSecret(secret), nil
}

// Node keys derived from path secrets
func (cs CipherSuite) deriveNodeKey(pathSecret []byte) HPKEPrivateKey {
	nodeSecret := cs.deriveSecret(pathSecret, "node")
	defer zeroize(nodeSecret)

	var secret [32]byte
	sk := cs.hkdfExpand(nodeSecret, []byte("mls10 key"), cs.Constants().HPKEKeySize)
	copy(secret[:], sk)
	zeroize(sk)

	return cs.hpkeKeyFromSecret(secret)
}

func (priv *HPKEPrivateKey) zeroize() {
	for i := range priv.Data {
		priv.Data[i] = 0
	}
}

func (cs CipherSuite) dh(priv HPKEPrivateKey, pub HPKEPublicKey) ([]byte, error) {
	var shared x25519.Key
	sec := x25519.Key(priv.Data)
	pk := x25519.Key(pub)
	if !x25519.Shared(&shared, &sec, &pk) {
		return nil, fmt.Errorf("mls.crypto: %w: low-order X25519 point", ErrCrypto)
	}

	return shared[:], nil
}

var kemSuiteID = []byte("KEM\x00\x20")

// The shared secret is extracted with the DH output as salt and the encoded
// public keys as input keying material.
func (cs CipherSuite) kemSharedSecret(dh, enc []byte, pkR HPKEPublicKey) []byte {
	kemContext := append(dup(enc), pkR[:]...)
	prk := cs.hkdfExtract(dh, kemContext)
	defer zeroize(prk)

	info := append([]byte("shared_secret"), kemSuiteID...)
	return cs.hkdfExpand(prk, info, cs.Constants().SecretSize)
}

func (cs CipherSuite) kemEncap(pkR HPKEPublicKey) ([]byte, []byte, error) {
	ephemeral, err := cs.GenerateHPKEKey()
	if err != nil {
		return nil, nil, err
	}
	defer ephemeral.zeroize()

	dh, err := cs.dh(ephemeral, pkR)
	if err != nil {
		return nil, nil, err
	}
	defer zeroize(dh)

	enc := dup(ephemeral.PublicKey[:])
	return cs.kemSharedSecret(dh, enc, pkR), enc, nil
}

func (cs CipherSuite) kemDecap(enc []byte, skR HPKEPrivateKey) ([]byte, error) {
	if len(enc) != cs.Constants().HPKEKeySize {
		return nil, fmt.Errorf("mls.crypto: %w: KEM output size %d", ErrCrypto, len(enc))
	}

	var pkE HPKEPublicKey
	copy(pkE[:], enc)

	dh, err := cs.dh(skR, pkE)
	if err != nil {
		return nil, err
	}
	defer zeroize(dh)

	return cs.kemSharedSecret(dh, enc, skR.PublicKey), nil
}

// struct {
//   opaque kem_output<0..2^16-1>;
//   opaque ciphertext<0..2^16-1>;
// } HPKECiphertext;
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=2"`
}

// Single-shot encryption to an HPKE public key: AES-128-GCM under the first
// 16 bytes of the KEM shared secret with an all-zero nonce.  Every call uses a
// fresh ephemeral key, so the (key, nonce) pair never repeats.
func (cs CipherSuite) hpkeSeal(pkR HPKEPublicKey, pt []byte) (HPKECiphertext, error) {
	shared, enc, err := cs.kemEncap(pkR)
	if err != nil {
		return HPKECiphertext{}, err
	}
	defer zeroize(shared)

	nonce := make([]byte, cs.Constants().NonceSize)
	ct, err := cs.seal(shared[:cs.Constants().KeySize], nonce, pt, nil)
	if err != nil {
		return HPKECiphertext{}, err
	}

	return HPKECiphertext{KEMOutput: enc, Ciphertext: ct}, nil
}

func (cs CipherSuite) hpkeOpen(skR HPKEPrivateKey, ct HPKECiphertext) ([]byte, error) {
	shared, err := cs.kemDecap(ct.KEMOutput, skR)
	if err != nil {
		return nil, err
	}
	defer zeroize(shared)

	nonce := make([]byte, cs.Constants().NonceSize)
	return cs.open(shared[:cs.Constants().KeySize], nonce, ct.Ciphertext, nil)
}

///
/// Signatures
///

// opaque SignaturePublicKey[32];
type SignaturePublicKey [32]byte

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=1"`
	PublicKey SignaturePublicKey
}

func newSignaturePrivateKey(priv ed25519.PrivateKey) SignaturePrivateKey {
	key := SignaturePrivateKey{Data: dup(priv)}
	copy(key.PublicKey[:], priv.Public().(ed25519.PublicKey))
	return key
}

func NewSignaturePrivateKey() (SignaturePrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: %w: %v", ErrCrypto, err)
	}

	return newSignaturePrivateKey(priv), nil
}

func NewSignaturePrivateKeyFromSeed(seed []byte) (SignaturePrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: %w: seed size %d", ErrInvalidArg, len(seed))
	}

	return newSignaturePrivateKey(ed25519.NewKeyFromSeed(seed)), nil
}

func (priv *SignaturePrivateKey) zeroize() {
	zeroize(priv.Data)
}

func (cs CipherSuite) sign(priv SignaturePrivateKey, message []byte) ([]byte, error) {
	if len(priv.Data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("mls.crypto: %w: signature key size %d", ErrCrypto, len(priv.Data))
	}

	return ed25519.Sign(ed25519.PrivateKey(priv.Data), message), nil
}

func (cs CipherSuite) verify(pub SignaturePublicKey, message, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, signature)
}

func randomBytes(size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("mls.crypto: %w: %v", ErrCrypto, err)
	}
	return out, nil
}
