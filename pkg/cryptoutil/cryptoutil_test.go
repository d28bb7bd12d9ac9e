package cryptoutil

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomIDShape(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for range 64 {
		id, err := RandomID()
		require.NoError(t, err)
		assert.Len(t, id, 32)
		_, err = hex.DecodeString(id)
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestSHA256KnownAnswer(t *testing.T) {
	t.Parallel()

	// FIPS 180-4 test vector for "abc".
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		SHA256Hex([]byte("abc")))
}

func TestHMACSHA256KnownAnswer(t *testing.T) {
	t.Parallel()

	// RFC 4231 test case 2.
	mac := HMACSHA256([]byte("Jefe"), []byte("what do ya want for nothing?"))
	assert.Equal(t,
		"5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843",
		hex.EncodeToString(mac))
}

func TestHKDFSHA256KnownAnswer(t *testing.T) {
	t.Parallel()

	// RFC 5869 test case 1.
	ikm := bytes.Repeat([]byte{0x0b}, 22)
	salt, _ := hex.DecodeString("000102030405060708090a0b0c")
	info, _ := hex.DecodeString("f0f1f2f3f4f5f6f7f8f9")

	okm, err := HKDFSHA256(ikm, salt, info, 42)
	require.NoError(t, err)
	assert.Equal(t,
		"3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865",
		hex.EncodeToString(okm))
}

func TestAESGCMRoundTrip(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, KeySize)
	iv, err := RandomBytes(GCMIVSize)
	require.NoError(t, err)
	plaintext := []byte("gho_accesstoken1234567890")

	ciphertext, tag, err := EncryptAESGCM(key, plaintext, iv)
	require.NoError(t, err)
	require.Len(t, tag, GCMTagSize)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := DecryptAESGCM(key, ciphertext, iv, tag)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestAESGCMTamperedCiphertextFails(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, KeySize)
	iv := bytes.Repeat([]byte{0x01}, GCMIVSize)

	ciphertext, tag, err := EncryptAESGCM(key, []byte("secret"), iv)
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = DecryptAESGCM(key, ciphertext, iv, tag)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	ciphertext[0] ^= 0xff
	tag[0] ^= 0xff
	_, err = DecryptAESGCM(key, ciphertext, iv, tag)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestAESGCMRejectsBadSizes(t *testing.T) {
	t.Parallel()

	_, _, err := EncryptAESGCM([]byte("short"), []byte("x"), bytes.Repeat([]byte{0}, GCMIVSize))
	assert.Error(t, err)

	key := bytes.Repeat([]byte{0x42}, KeySize)
	_, _, err = EncryptAESGCM(key, []byte("x"), []byte("short-iv"))
	assert.Error(t, err)
}

func TestTimingSafeEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, TimingSafeEqual([]byte("same"), []byte("same")))
	assert.False(t, TimingSafeEqual([]byte("same"), []byte("diff")))
	assert.False(t, TimingSafeEqual([]byte("same"), []byte("samelonger")))
	assert.True(t, TimingSafeEqual(nil, nil))
}
