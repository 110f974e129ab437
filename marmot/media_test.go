package marmot

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	mls "github.com/marmot-protocol/go-marmot"
)

func TestMediaEncryptDecrypt(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	data := []byte("image bytes")

	m, err := EncryptMedia(key, data, "image/jpeg")
	require.Nil(t, err)
	require.Equal(t, sha256.Sum256(data), m.Hash)
	require.Len(t, m.Ciphertext, len(data)+16)

	out, err := DecryptMedia(key, *m)
	require.Nil(t, err)
	require.Equal(t, data, out)

	// The MIME type is authenticated
	relabeled := *m
	relabeled.MimeType = "image/png"
	_, err = DecryptMedia(key, relabeled)
	require.ErrorIs(t, err, ErrMediaDecrypt)

	_, err = DecryptMedia(bytes.Repeat([]byte{8}, 32), *m)
	require.ErrorIs(t, err, ErrMediaDecrypt)

	wrongHash := *m
	wrongHash.Hash[0] ^= 1
	_, err = DecryptMedia(key, wrongHash)
	require.ErrorIs(t, err, ErrMediaHashMismatch)

	_, err = EncryptMedia(key[:16], data, "image/jpeg")
	require.ErrorIs(t, err, mls.ErrCrypto)
}

func TestMediaKey(t *testing.T) {
	sigPriv, err := mls.NewSignaturePrivateKey()
	require.Nil(t, err)

	gd := GroupData{Version: GroupDataVersion2, Name: "media", Admins: [][32]byte{{1}}}
	ext, err := withGroupData([]byte{}, gd)
	require.Nil(t, err)

	state, err := mls.NewEmptyState([]byte("group"), bytes.Repeat([]byte{1}, 32), sigPriv, ext)
	require.Nil(t, err)

	key, err := MediaKey(state)
	require.Nil(t, err)
	require.Len(t, key, 32)

	fromSecret, err := suite.Export(state.ExporterSecret(), "marmot-media-key", []byte{}, 32)
	require.Nil(t, err)
	require.Equal(t, key, fromSecret)

	state.Destroy()
	_, err = MediaKey(state)
	require.ErrorIs(t, err, mls.ErrUseAfterEviction)
}

func TestGroupImage(t *testing.T) {
	image := []byte("group avatar")

	ct, img, err := EncryptGroupImage(image)
	require.Nil(t, err)
	require.Equal(t, sha256.Sum256(ct), img.Hash)

	out, err := DecryptGroupImage(ct, *img)
	require.Nil(t, err)
	require.Equal(t, image, out)

	tampered := append([]byte{}, ct...)
	tampered[0] ^= 1
	_, err = DecryptGroupImage(tampered, *img)
	require.ErrorIs(t, err, ErrMediaHashMismatch)

	wrongKey := *img
	wrongKey.Key[0] ^= 1
	_, err = DecryptGroupImage(ct, wrongKey)
	require.ErrorIs(t, err, ErrMediaDecrypt)
}
