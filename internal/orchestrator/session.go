package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jaydenbeard/e2ee-engine/internal/engineerrors"
	"github.com/jaydenbeard/e2ee-engine/internal/ratchet"
	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
	"github.com/jaydenbeard/e2ee-engine/internal/telemetry"
	"github.com/jaydenbeard/e2ee-engine/internal/x3dh"
)

// Encrypt encrypts plaintext for conversationID, establishing a fresh
// X3DH-initiated session against remoteUserID's published bundle if none
// exists yet. The returned string is the wire envelope.
func (e *Engine) Encrypt(ctx context.Context, conversationID, remoteUserID uuid.UUID, plaintext []byte) (envelopeStr string, err error) {
	defer telemetry.ObserveRatchetOp("encrypt", time.Now(), err)

	e.userMu.RLock()
	identityPriv := e.identityPriv
	e.userMu.RUnlock()
	if identityPriv == nil {
		return "", engineerrors.ErrNotInitialized
	}

	lock := e.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	entry, err := e.loadOrCreateSessionForEncrypt(ctx, conversationID, remoteUserID, identityPriv)
	if err != nil {
		return "", err
	}

	header, ciphertext, err := entry.state.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", engineerrors.ErrUndecryptable, err)
	}

	preamble := entry.pendingX3DH
	entry.pendingX3DH = nil

	envStr, err := encodeEnvelope(header, ciphertext, preamble)
	if err != nil {
		return "", err
	}

	if err := e.persistSession(ctx, conversationID, entry); err != nil {
		return "", err
	}

	return envStr, nil
}

// Decrypt processes an inbound envelope for conversationID. If s does not
// carry v=2, it is not a protocol ciphertext and is passed through
// unchanged, per spec.
func (e *Engine) Decrypt(ctx context.Context, conversationID, remoteUserID uuid.UUID, s string) (plaintext []byte, err error) {
	defer telemetry.ObserveRatchetOp("decrypt", time.Now(), err)

	if !IsSignalEnvelope(s) {
		return []byte(s), nil
	}

	e.userMu.RLock()
	identityPriv := e.identityPriv
	e.userMu.RUnlock()
	if identityPriv == nil {
		return nil, engineerrors.ErrNotInitialized
	}

	lock := e.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	env, err := decodeEnvelope(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrUndecryptable, err)
	}

	entry, err := e.loadOrCreateSessionForDecrypt(ctx, conversationID, identityPriv, env)
	if err != nil {
		return nil, err
	}

	header, err := env.header()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrUndecryptable, err)
	}
	ciphertext, err := env.ciphertextBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrUndecryptable, err)
	}

	plaintext, err = entry.state.Decrypt(header, ciphertext)
	if err != nil {
		return nil, err // already wrapped with engineerrors.ErrUndecryptable by ratchet
	}
	telemetry.SkippedKeyCacheSize.Observe(float64(entry.state.SkippedCount()))

	if err := e.persistSession(ctx, conversationID, entry); err != nil {
		return nil, err
	}

	return plaintext, nil
}

func (e *Engine) persistSession(ctx context.Context, conversationID uuid.UUID, entry *sessionEntry) error {
	snapshot, err := entry.state.Serialize()
	if err != nil {
		return fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}
	if err := e.store.SaveSession(ctx, conversationID.String(), snapshot); err != nil {
		return fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}

	e.sessMu.Lock()
	e.sessions[conversationID] = entry
	e.sessMu.Unlock()
	return nil
}

func (e *Engine) cachedOrPersistedSession(ctx context.Context, conversationID uuid.UUID) (*sessionEntry, bool, error) {
	e.sessMu.Lock()
	entry, ok := e.sessions[conversationID]
	e.sessMu.Unlock()
	if ok {
		return entry, true, nil
	}

	snapshot, ok, err := e.store.LoadSession(ctx, conversationID.String())
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}
	if !ok {
		return nil, false, nil
	}

	state, err := ratchet.Deserialize(snapshot)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}
	entry = &sessionEntry{state: state}

	e.sessMu.Lock()
	e.sessions[conversationID] = entry
	e.sessMu.Unlock()
	return entry, true, nil
}

func (e *Engine) loadOrCreateSessionForEncrypt(ctx context.Context, conversationID, remoteUserID uuid.UUID, _ *signalcrypto.DHPrivateKey) (*sessionEntry, error) {
	if entry, ok, err := e.cachedOrPersistedSession(ctx, conversationID); err != nil {
		return nil, err
	} else if ok {
		return entry, nil
	}

	e.userMu.RLock()
	localIdentityPriv := e.identityPriv
	e.userMu.RUnlock()

	remoteIdentityPub, remoteSigningPub, ok, err := e.dir.FetchIdentity(ctx, remoteUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
	}
	if !ok {
		return nil, engineerrors.ErrBundleUnavailable
	}

	signedKeyID, ok, err := e.dir.FetchLatestSignedPreKeyID(ctx, remoteUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
	}
	if !ok {
		return nil, engineerrors.ErrBundleUnavailable
	}
	signedPreKeyPub, signedPreKeySig, ok, err := e.dir.FetchSignedPreKey(ctx, remoteUserID, signedKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
	}
	if !ok {
		return nil, engineerrors.ErrBundleUnavailable
	}

	oneTimeKeyID, oneTimePub, hasOTP, err := e.dir.ClaimOneTimePreKey(ctx, remoteUserID)
	if err != nil {
		telemetry.DirectoryClaimsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
	}
	if hasOTP {
		telemetry.DirectoryClaimsTotal.WithLabelValues("claimed").Inc()
	} else {
		telemetry.DirectoryClaimsTotal.WithLabelValues("none").Inc()
	}

	bundle := x3dh.Bundle{
		IdentityKey:     remoteIdentityPub,
		SignedPreKeyID:  signedKeyID,
		SignedPreKey:    signedPreKeyPub,
		SignedPreKeySig: signedPreKeySig,
	}
	if hasOTP {
		id := oneTimeKeyID
		bundle.OneTimePreKeyID = &id
		bundle.OneTimePreKey = oneTimePub
	}

	result, err := x3dh.Initiator(localIdentityPriv, bundle, remoteSigningPub)
	if err != nil {
		return nil, err // already classified (ErrBundleInvalid or wrapped)
	}

	state, err := ratchet.NewInitiator(result.SharedSecret, bundle.SignedPreKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}

	preamble, err := buildX3DHPreamble(localIdentityPriv.Public(), result.EphemeralPub, result.UsedOTPKeyID)
	if err != nil {
		return nil, err
	}

	telemetry.X3DHSessionsTotal.WithLabelValues("initiator", boolLabel(result.UsedOneTimePK)).Inc()
	telemetry.DHRatchetStepsTotal.WithLabelValues("initiator").Inc()

	return &sessionEntry{state: state, pendingX3DH: preamble}, nil
}

func (e *Engine) loadOrCreateSessionForDecrypt(ctx context.Context, conversationID uuid.UUID, _ *signalcrypto.DHPrivateKey, env *envelope) (*sessionEntry, error) {
	if entry, ok, err := e.cachedOrPersistedSession(ctx, conversationID); err != nil {
		return nil, err
	} else if ok {
		return entry, nil
	}

	if env.X3DH == nil {
		return nil, engineerrors.ErrNoSession
	}

	e.userMu.RLock()
	localIdentityPriv := e.identityPriv
	userID := e.userID
	e.userMu.RUnlock()

	remoteIdentityPub, err := env.X3DH.identityKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrUndecryptable, err)
	}
	remoteEphemeralPub, err := env.X3DH.ephemeralKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrUndecryptable, err)
	}

	// The envelope's x3dh preamble carries no signed-prekey id, so the
	// responder locates the current local signed prekey, not one indexed
	// by id. This is a known limitation of the wire format, not a bug:
	// if the local signed prekey rotates between the initiator's bundle
	// fetch and the envelope's arrival, reconstruction fails.
	signedKeyID, _, ok, err := e.store.LatestSignedPreKeyID(ctx, userID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no local signed prekey", engineerrors.ErrUndecryptable)
	}
	signedPreKeyPriv, _, ok, err := e.store.LoadSignedPreKey(ctx, userID.String(), signedKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: local signed prekey not found", engineerrors.ErrUndecryptable)
	}

	otp, err := e.takeOneTimePreKeyIfReferenced(ctx, userID, env.X3DH.OneTimePreKeyID)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := x3dh.Responder(localIdentityPriv, signedPreKeyPriv, otp, remoteIdentityPub, remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrUndecryptable, err)
	}

	state := ratchet.NewResponder(sharedSecret, signedPreKeyPriv)

	telemetry.X3DHSessionsTotal.WithLabelValues("responder", boolLabel(otp != nil)).Inc()

	return &sessionEntry{state: state}, nil
}

// takeOneTimePreKeyIfReferenced consumes the local one-time prekey named
// in the preamble, if any. A local lookup miss is fatal for this envelope
// only.
func (e *Engine) takeOneTimePreKeyIfReferenced(ctx context.Context, userID uuid.UUID, oneTimePreKeyID *uint32) (*signalcrypto.DHPrivateKey, error) {
	if oneTimePreKeyID == nil {
		return nil, nil
	}
	priv, ok, err := e.store.TakeOneTimePreKey(ctx, userID.String(), *oneTimePreKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: one-time prekey %d not found locally", engineerrors.ErrUndecryptable, *oneTimePreKeyID)
	}
	return priv, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
