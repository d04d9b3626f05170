package signalcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDHSharedSecretSymmetry(t *testing.T) {
	alice, err := GenerateDHKeyPair()
	require.NoError(t, err)
	bob, err := GenerateDHKeyPair()
	require.NoError(t, err)

	aliceShared, err := DH(alice, bob.Public())
	require.NoError(t, err)
	bobShared, err := DH(bob, alice.Public())
	require.NoError(t, err)

	assert.Equal(t, aliceShared, bobShared)
}

func TestDHPublicKeyBytesRoundTrip(t *testing.T) {
	priv, err := GenerateDHKeyPair()
	require.NoError(t, err)

	raw := priv.Public().Bytes()
	decoded, err := DHPublicKeyFromBytes(raw)
	require.NoError(t, err)
	assert.True(t, priv.Public().Equal(decoded))
}

func TestSignVerify(t *testing.T) {
	signing, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	data := []byte("signed prekey canonical jwk")
	sig, err := Sign(signing, data)
	require.NoError(t, err)

	assert.True(t, Verify(signing.Public(), data, sig))
	assert.False(t, Verify(signing.Public(), []byte("tampered"), sig))
}

func TestAEADRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	ciphertext, err := AEADEncrypt(key, []byte("hello there"))
	require.NoError(t, err)

	plaintext, err := AEADDecrypt(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello there"), plaintext)
}

func TestAEADTamperDetected(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	ciphertext, err := AEADEncrypt(key, []byte("hello there"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xFF
	_, err = AEADDecrypt(key, ciphertext)
	assert.Error(t, err)
}

func TestAEADWrongKeyFails(t *testing.T) {
	var key1, key2 [32]byte
	copy(key1[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(key2[:], []byte("fedcba9876543210fedcba9876543210"))

	ciphertext, err := AEADEncrypt(key1, []byte("hello there"))
	require.NoError(t, err)

	_, err = AEADDecrypt(key2, ciphertext)
	assert.Error(t, err)
}

func TestHKDFDeterministic(t *testing.T) {
	ikm := []byte("input key material")
	salt := ZeroSalt()

	a, err := HKDF(ikm, salt, "info-a", 32)
	require.NoError(t, err)
	b, err := HKDF(ikm, salt, "info-a", 32)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := HKDF(ikm, salt, "info-b", 32)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestBase64RoundTrip(t *testing.T) {
	in := []byte{0x00, 0x01, 0xFE, 0xFF}
	decoded, err := DecodeBase64(EncodeBase64(in))
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}
