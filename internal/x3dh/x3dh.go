// Package x3dh implements the X3DH asynchronous key agreement: bundle
// generation, the initiator-side four-DH combination, and the
// responder-side reconstruction of the same shared secret.
package x3dh

import (
	"fmt"

	"github.com/jaydenbeard/e2ee-engine/internal/engineerrors"
	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
)

const sharedSecretInfo = "signal-x3dh-shared-secret"

// Bundle is the prekey bundle fetched from the directory: identity public
// key, signed prekey (id + public + signature), and optionally one claimed
// one-time prekey. Lifetime is request-scoped.
type Bundle struct {
	IdentityKey     *signalcrypto.DHPublicKey
	SignedPreKeyID  uint32
	SignedPreKey    *signalcrypto.DHPublicKey
	SignedPreKeySig []byte
	OneTimePreKeyID *uint32
	OneTimePreKey   *signalcrypto.DHPublicKey
}

// InitiatorResult is what the initiator needs to finish establishing a
// session: the shared secret, the ephemeral public key to publish to the
// responder, and which one-time prekey (if any) was consumed.
type InitiatorResult struct {
	SharedSecret  [32]byte
	EphemeralPub  *signalcrypto.DHPublicKey
	UsedOTPKeyID  *uint32
	UsedOneTimePK bool
}

// VerifyBundleSignature checks the bundle's signed-prekey signature against
// the identity's signing public key. Signature is computed over the
// canonical JWK JSON of the signed prekey's public half.
func VerifyBundleSignature(signedPreKeyPub *signalcrypto.DHPublicKey, sig []byte, identitySigningPub *signalcrypto.SigningPublicKey) (bool, error) {
	canonical, err := signalcrypto.DHPublicKeyToJWK(signedPreKeyPub)
	if err != nil {
		return false, fmt.Errorf("x3dh: canonicalize signed prekey: %w", err)
	}
	return signalcrypto.Verify(identitySigningPub, canonical, sig), nil
}

// Initiator runs the initiator side of X3DH against a fetched bundle.
// Order of the DH computations is cryptographically significant; any
// deviation desynchronizes both sides.
func Initiator(localIdentityPriv *signalcrypto.DHPrivateKey, bundle Bundle, identitySigningPub *signalcrypto.SigningPublicKey) (*InitiatorResult, error) {
	valid, err := VerifyBundleSignature(bundle.SignedPreKey, bundle.SignedPreKeySig, identitySigningPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrBundleInvalid, err)
	}
	if !valid {
		return nil, engineerrors.ErrBundleInvalid
	}

	ephemeral, err := signalcrypto.GenerateDHKeyPair()
	if err != nil {
		return nil, fmt.Errorf("x3dh: generate ephemeral: %w", err)
	}

	dh1, err := signalcrypto.DH(localIdentityPriv, bundle.SignedPreKey)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh1: %w", err)
	}
	dh2, err := signalcrypto.DH(ephemeral, bundle.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh2: %w", err)
	}
	dh3, err := signalcrypto.DH(ephemeral, bundle.SignedPreKey)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh3: %w", err)
	}

	input := make([]byte, 0, 32*4)
	input = append(input, dh1...)
	input = append(input, dh2...)
	input = append(input, dh3...)

	var usedOTP *uint32
	if bundle.OneTimePreKey != nil {
		dh4, err := signalcrypto.DH(ephemeral, bundle.OneTimePreKey)
		if err != nil {
			return nil, fmt.Errorf("x3dh: dh4: %w", err)
		}
		input = append(input, dh4...)
		usedOTP = bundle.OneTimePreKeyID
	}

	secret, err := signalcrypto.HKDF(input, signalcrypto.ZeroSalt(), sharedSecretInfo, 32)
	if err != nil {
		return nil, fmt.Errorf("x3dh: derive shared secret: %w", err)
	}

	var result InitiatorResult
	copy(result.SharedSecret[:], secret)
	result.EphemeralPub = ephemeral.Public()
	result.UsedOTPKeyID = usedOTP
	result.UsedOneTimePK = usedOTP != nil
	return &result, nil
}

// Responder reconstructs the shared secret on the responder side from the
// initiator's first-message preamble. oneTimePreKeyPriv is nil if no
// one-time prekey was claimed (or it could not be found locally).
func Responder(localIdentityPriv *signalcrypto.DHPrivateKey, localSignedPreKeyPriv *signalcrypto.DHPrivateKey, oneTimePreKeyPriv *signalcrypto.DHPrivateKey, remoteIdentityPub *signalcrypto.DHPublicKey, remoteEphemeralPub *signalcrypto.DHPublicKey) ([32]byte, error) {
	var secret [32]byte

	dh1, err := signalcrypto.DH(localSignedPreKeyPriv, remoteIdentityPub)
	if err != nil {
		return secret, fmt.Errorf("x3dh: responder dh1: %w", err)
	}
	dh2, err := signalcrypto.DH(localIdentityPriv, remoteEphemeralPub)
	if err != nil {
		return secret, fmt.Errorf("x3dh: responder dh2: %w", err)
	}
	dh3, err := signalcrypto.DH(localSignedPreKeyPriv, remoteEphemeralPub)
	if err != nil {
		return secret, fmt.Errorf("x3dh: responder dh3: %w", err)
	}

	input := make([]byte, 0, 32*4)
	input = append(input, dh1...)
	input = append(input, dh2...)
	input = append(input, dh3...)

	if oneTimePreKeyPriv != nil {
		dh4, err := signalcrypto.DH(oneTimePreKeyPriv, remoteEphemeralPub)
		if err != nil {
			return secret, fmt.Errorf("x3dh: responder dh4: %w", err)
		}
		input = append(input, dh4...)
	}

	derived, err := signalcrypto.HKDF(input, signalcrypto.ZeroSalt(), sharedSecretInfo, 32)
	if err != nil {
		return secret, fmt.Errorf("x3dh: responder derive shared secret: %w", err)
	}
	copy(secret[:], derived)
	return secret, nil
}
