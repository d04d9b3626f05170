package x3dh

import (
	"testing"

	"github.com/jaydenbeard/e2ee-engine/internal/engineerrors"
	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bobKeys struct {
	identityPriv     *signalcrypto.DHPrivateKey
	signingPriv      *signalcrypto.SigningPrivateKey
	signedPreKeyPriv *signalcrypto.DHPrivateKey
	signedPreKeySig  []byte
	oneTimePreKeyID  uint32
	oneTimePreKey    *signalcrypto.DHPrivateKey
}

func newBobKeys(t *testing.T) *bobKeys {
	t.Helper()

	identityPriv, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	signingPriv, err := signalcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	signedPreKeyPriv, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)

	canonical, err := signalcrypto.DHPublicKeyToJWK(signedPreKeyPriv.Public())
	require.NoError(t, err)
	sig, err := signalcrypto.Sign(signingPriv, canonical)
	require.NoError(t, err)

	otp, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)

	return &bobKeys{
		identityPriv:     identityPriv,
		signingPriv:      signingPriv,
		signedPreKeyPriv: signedPreKeyPriv,
		signedPreKeySig:  sig,
		oneTimePreKeyID:  7,
		oneTimePreKey:    otp,
	}
}

func (b *bobKeys) bundleWithOTP() Bundle {
	id := b.oneTimePreKeyID
	return Bundle{
		IdentityKey:     b.identityPriv.Public(),
		SignedPreKeyID:  1,
		SignedPreKey:    b.signedPreKeyPriv.Public(),
		SignedPreKeySig: b.signedPreKeySig,
		OneTimePreKeyID: &id,
		OneTimePreKey:   b.oneTimePreKey.Public(),
	}
}

func (b *bobKeys) bundleWithoutOTP() Bundle {
	return Bundle{
		IdentityKey:     b.identityPriv.Public(),
		SignedPreKeyID:  1,
		SignedPreKey:    b.signedPreKeyPriv.Public(),
		SignedPreKeySig: b.signedPreKeySig,
	}
}

func TestX3DHInitiatorResponderAgreeWithOneTimePreKey(t *testing.T) {
	alice, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	bob := newBobKeys(t)

	result, err := Initiator(alice, bob.bundleWithOTP(), bob.signingPriv.Public())
	require.NoError(t, err)
	assert.True(t, result.UsedOneTimePK)
	require.NotNil(t, result.UsedOTPKeyID)
	assert.Equal(t, bob.oneTimePreKeyID, *result.UsedOTPKeyID)

	responderSecret, err := Responder(bob.identityPriv, bob.signedPreKeyPriv, bob.oneTimePreKey, alice.Public(), result.EphemeralPub)
	require.NoError(t, err)

	assert.Equal(t, result.SharedSecret, responderSecret)
}

func TestX3DHInitiatorResponderAgreeWithoutOneTimePreKey(t *testing.T) {
	alice, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	bob := newBobKeys(t)

	result, err := Initiator(alice, bob.bundleWithoutOTP(), bob.signingPriv.Public())
	require.NoError(t, err)
	assert.False(t, result.UsedOneTimePK)
	assert.Nil(t, result.UsedOTPKeyID)

	responderSecret, err := Responder(bob.identityPriv, bob.signedPreKeyPriv, nil, alice.Public(), result.EphemeralPub)
	require.NoError(t, err)

	assert.Equal(t, result.SharedSecret, responderSecret)
}

func TestX3DHRejectsTamperedSignedPreKeySignature(t *testing.T) {
	alice, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	bob := newBobKeys(t)

	bundle := bob.bundleWithOTP()
	bundle.SignedPreKeySig = append([]byte{}, bundle.SignedPreKeySig...)
	bundle.SignedPreKeySig[0] ^= 0xFF

	_, err = Initiator(alice, bundle, bob.signingPriv.Public())
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerrors.ErrBundleInvalid)
}

func TestX3DHRejectsWrongSigningKey(t *testing.T) {
	alice, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	bob := newBobKeys(t)
	impostorSigning, err := signalcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	_, err = Initiator(alice, bob.bundleWithOTP(), impostorSigning.Public())
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerrors.ErrBundleInvalid)
}

func TestVerifyBundleSignature(t *testing.T) {
	bob := newBobKeys(t)
	ok, err := VerifyBundleSignature(bob.signedPreKeyPriv.Public(), bob.signedPreKeySig, bob.signingPriv.Public())
	require.NoError(t, err)
	assert.True(t, ok)
}
