package marmot

import (
	"fmt"

	mls "github.com/marmot-protocol/go-marmot"
	"github.com/marmot-protocol/go-marmot/nip44"
)

// ConversationKey derives the outer NIP-44 key of an epoch.  The exporter
// secret is used as a secp256k1 secret key and paired with its own x-only
// public key, so every member of the epoch arrives at the same key.
func ConversationKey(exporterSecret []byte) ([32]byte, error) {
	pub, err := nip44.XOnlyPublicKey(exporterSecret)
	if err != nil {
		return [32]byte{}, fmt.Errorf("marmot.envelope: %w: %w", mls.ErrCrypto, err)
	}

	key, err := nip44.ConversationKey(exporterSecret, pub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("marmot.envelope: %w: %w", mls.ErrCrypto, err)
	}
	return key, nil
}

// Seal wraps a framed MLS message for a kind-445 event
func Seal(exporterSecret, message []byte) (string, error) {
	key, err := ConversationKey(exporterSecret)
	if err != nil {
		return "", err
	}

	content, err := nip44.Encrypt(message, key)
	if err != nil {
		return "", fmt.Errorf("marmot.envelope: %w: %w", mls.ErrCrypto, err)
	}
	return content, nil
}

// Open reverses Seal
func Open(exporterSecret []byte, content string) ([]byte, error) {
	key, err := ConversationKey(exporterSecret)
	if err != nil {
		return nil, err
	}

	message, err := nip44.Decrypt(content, key)
	if err != nil {
		return nil, fmt.Errorf("marmot.envelope: %w: %w", mls.ErrCrypto, err)
	}
	return message, nil
}
