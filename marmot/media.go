package marmot

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	mls "github.com/marmot-protocol/go-marmot"
)

const (
	mediaKeyLabel = "marmot-media-key"
	mediaKeySize  = chacha20poly1305.KeySize
)

// MediaKey is the exporter-derived key for media shared in an epoch
func MediaKey(state *mls.State) ([]byte, error) {
	return state.Export(mediaKeyLabel, []byte{}, mediaKeySize)
}

// EncryptedMedia is the encrypted form of a file.  Hash is the SHA-256 of the
// plaintext, checked after decryption.  Epoch names the epoch whose media
// key was used.
type EncryptedMedia struct {
	Epoch      uint64
	Ciphertext []byte
	Nonce      [chacha20poly1305.NonceSize]byte
	MimeType   string
	Hash       [32]byte
}

// EncryptMedia seals a file under a fresh nonce, binding the MIME type
func EncryptMedia(key, data []byte, mimeType string) (*EncryptedMedia, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("marmot.media: %w: %v", mls.ErrCrypto, err)
	}

	m := &EncryptedMedia{MimeType: mimeType, Hash: sha256.Sum256(data)}
	if _, err := rand.Read(m.Nonce[:]); err != nil {
		return nil, fmt.Errorf("marmot.media: %w: %v", mls.ErrCrypto, err)
	}

	m.Ciphertext = aead.Seal(nil, m.Nonce[:], data, []byte(mimeType))
	return m, nil
}

func DecryptMedia(key []byte, m EncryptedMedia) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("marmot.media: %w: %v", mls.ErrCrypto, err)
	}

	pt, err := aead.Open(nil, m.Nonce[:], m.Ciphertext, []byte(m.MimeType))
	if err != nil {
		return nil, fmt.Errorf("marmot.media: %w", ErrMediaDecrypt)
	}

	if sha256.Sum256(pt) != m.Hash {
		return nil, fmt.Errorf("marmot.media: %w", ErrMediaHashMismatch)
	}
	return pt, nil
}

///
/// Group image
///

// EncryptGroupImage seals an image under a fresh key and nonce.  The
// returned metadata belongs in the GroupData extension; its hash commits to
// the ciphertext.
func EncryptGroupImage(image []byte) ([]byte, *GroupImage, error) {
	img := &GroupImage{}
	if _, err := rand.Read(img.Key[:]); err != nil {
		return nil, nil, fmt.Errorf("marmot.media: %w: %v", mls.ErrCrypto, err)
	}

	if _, err := rand.Read(img.Nonce[:]); err != nil {
		return nil, nil, fmt.Errorf("marmot.media: %w: %v", mls.ErrCrypto, err)
	}

	aead, err := chacha20poly1305.New(img.Key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("marmot.media: %w: %v", mls.ErrCrypto, err)
	}

	ct := aead.Seal(nil, img.Nonce[:], image, nil)
	img.Hash = sha256.Sum256(ct)
	return ct, img, nil
}

func DecryptGroupImage(ciphertext []byte, img GroupImage) ([]byte, error) {
	if sha256.Sum256(ciphertext) != img.Hash {
		return nil, fmt.Errorf("marmot.media: %w", ErrMediaHashMismatch)
	}

	aead, err := chacha20poly1305.New(img.Key[:])
	if err != nil {
		return nil, fmt.Errorf("marmot.media: %w: %v", mls.ErrCrypto, err)
	}

	pt, err := aead.Open(nil, img.Nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("marmot.media: %w", ErrMediaDecrypt)
	}
	return pt, nil
}
