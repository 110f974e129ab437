package nip44

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func unhex(h string) []byte {
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	return b
}

func secret(last byte) []byte {
	s := make([]byte, 32)
	s[31] = last
	return s
}

func TestConversationKey(t *testing.T) {
	pub1, err := XOnlyPublicKey(secret(1))
	require.Nil(t, err)
	require.Equal(t, unhex("79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"), pub1)

	pub2, err := XOnlyPublicKey(secret(2))
	require.Nil(t, err)

	k12, err := ConversationKey(secret(1), pub2)
	require.Nil(t, err)
	require.Equal(t, unhex("c41c775356fd92eadc63ff5a0dc1da211b268cbea22316767095b2871ea1412d"), k12[:])

	k21, err := ConversationKey(secret(2), pub1)
	require.Nil(t, err)
	require.Equal(t, k12, k21)

	_, err = ConversationKey(make([]byte, 32), pub2)
	require.ErrorIs(t, err, ErrInvalidKey)

	order := unhex("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")
	_, err = ConversationKey(order, pub2)
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = ConversationKey(secret(1)[:31], pub2)
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = ConversationKey(secret(1), pub2[:31])
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestCalcPaddedLen(t *testing.T) {
	cases := [][2]int{
		{1, 32}, {16, 32}, {32, 32}, {33, 64}, {37, 64}, {45, 64}, {49, 64},
		{64, 64}, {65, 96}, {100, 128}, {111, 128}, {200, 224}, {250, 256},
		{320, 320}, {383, 384}, {384, 384}, {400, 448}, {500, 512}, {512, 512},
		{515, 640}, {700, 768}, {800, 896}, {900, 1024}, {1020, 1024},
		{65536 - 1, 65536},
	}

	for _, c := range cases {
		n, err := CalcPaddedLen(c[0])
		require.Nil(t, err)
		require.Equal(t, c[1], n, "length %d", c[0])
	}

	_, err := CalcPaddedLen(0)
	require.ErrorIs(t, err, ErrInvalidPlaintext)

	_, err = CalcPaddedLen(MaxPlaintextSize + 1)
	require.ErrorIs(t, err, ErrInvalidPlaintext)
}

func TestEncryptWithNonce(t *testing.T) {
	pub2, err := XOnlyPublicKey(secret(2))
	require.Nil(t, err)

	key, err := ConversationKey(secret(1), pub2)
	require.Nil(t, err)

	var nonce [32]byte
	nonce[31] = 1

	payload, err := EncryptWithNonce([]byte("a"), key, nonce)
	require.Nil(t, err)
	require.Equal(t, "AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABee0G5VSK0/9YypIObAtDKfYEAjD35uVkHyB0F4DwrcNaCXlCWZKaArsGrY6M9wnuTMxWfp1RTN9Xga8no+kF5Vsb", payload)

	pt, err := Decrypt(payload, key)
	require.Nil(t, err)
	require.Equal(t, []byte("a"), pt)
}

func TestEncryptDecrypt(t *testing.T) {
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, 32))

	for _, size := range []int{1, 31, 32, 33, 300, 1024, MaxPlaintextSize} {
		pt := bytes.Repeat([]byte{'x'}, size)

		payload, err := Encrypt(pt, key)
		require.Nil(t, err)

		out, err := Decrypt(payload, key)
		require.Nil(t, err)
		require.Equal(t, pt, out)
	}

	// Fresh nonces give distinct payloads
	a, err := Encrypt([]byte("hello"), key)
	require.Nil(t, err)
	b, err := Encrypt([]byte("hello"), key)
	require.Nil(t, err)
	require.NotEqual(t, a, b)

	_, err = Encrypt([]byte{}, key)
	require.ErrorIs(t, err, ErrInvalidPlaintext)

	_, err = Encrypt(make([]byte, MaxPlaintextSize+1), key)
	require.ErrorIs(t, err, ErrInvalidPlaintext)
}

func TestDecryptErrors(t *testing.T) {
	var key, other [32]byte
	key[0] = 1
	other[0] = 2

	payload, err := Encrypt([]byte("hello"), key)
	require.Nil(t, err)

	_, err = Decrypt(payload, other)
	require.ErrorIs(t, err, ErrInvalidMAC)

	_, err = Decrypt("", key)
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Decrypt("#"+payload[1:], key)
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = Decrypt(payload[:100], key)
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Decrypt(strings.Repeat("!", 200), key)
	require.ErrorIs(t, err, ErrInvalidPayload)

	raw, err := base64.StdEncoding.DecodeString(payload)
	require.Nil(t, err)

	versioned := append([]byte{}, raw...)
	versioned[0] = 1
	_, err = Decrypt(base64.StdEncoding.EncodeToString(versioned), key)
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	tampered := append([]byte{}, raw...)
	tampered[40] ^= 0x01
	_, err = Decrypt(base64.StdEncoding.EncodeToString(tampered), key)
	require.ErrorIs(t, err, ErrInvalidMAC)
}
