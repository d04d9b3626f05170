package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/e2ee-engine/internal/directory"
	"github.com/jaydenbeard/e2ee-engine/internal/engineerrors"
	"github.com/jaydenbeard/e2ee-engine/internal/keystore"
	"github.com/jaydenbeard/e2ee-engine/internal/ratchet"
	"github.com/jaydenbeard/e2ee-engine/internal/x3dh"
)

type testPair struct {
	dir          *directory.Memory
	alice, bob   *Engine
	aliceID      uuid.UUID
	bobID        uuid.UUID
	conversation uuid.UUID
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()
	ctx := context.Background()

	aliceStore, err := keystore.Open(filepath.Join(t.TempDir(), "alice.db"), keystore.NoopKMS{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = aliceStore.Close() })

	bobStore, err := keystore.Open(filepath.Join(t.TempDir(), "bob.db"), keystore.NoopKMS{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bobStore.Close() })

	dir := directory.NewMemory()
	alice := NewEngine(aliceStore, dir, nil)
	bob := NewEngine(bobStore, dir, nil)

	p := &testPair{
		dir:          dir,
		alice:        alice,
		bob:          bob,
		aliceID:      uuid.New(),
		bobID:        uuid.New(),
		conversation: uuid.New(),
	}

	require.NoError(t, alice.Initialize(ctx, p.aliceID))
	require.NoError(t, bob.Initialize(ctx, p.bobID))
	t.Cleanup(func() {
		if alice.schedulerStop != nil {
			alice.schedulerStop()
		}
		if bob.schedulerStop != nil {
			bob.schedulerStop()
		}
	})
	return p
}

func TestEngineEncryptEstablishesX3DHPreamble(t *testing.T) {
	p := newTestPair(t)
	ctx := context.Background()

	unusedBefore, err := p.dir.UnusedOneTimePreKeyCount(ctx, p.bobID)
	require.NoError(t, err)
	require.Greater(t, unusedBefore, 0)

	env, err := p.alice.Encrypt(ctx, p.conversation, p.bobID, []byte("hello bob"))
	require.NoError(t, err)
	assert.True(t, IsSignalEnvelope(env))

	decoded, err := decodeEnvelope(env)
	require.NoError(t, err)
	require.NotNil(t, decoded.X3DH)

	unusedAfter, err := p.dir.UnusedOneTimePreKeyCount(ctx, p.bobID)
	require.NoError(t, err)
	assert.Equal(t, unusedBefore-1, unusedAfter)

	plaintext, err := p.bob.Decrypt(ctx, p.conversation, p.aliceID, env)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello bob"), plaintext)
}

func TestEngineBobReplyAdvancesRatchet(t *testing.T) {
	p := newTestPair(t)
	ctx := context.Background()

	env1, err := p.alice.Encrypt(ctx, p.conversation, p.bobID, []byte("hi"))
	require.NoError(t, err)
	_, err = p.bob.Decrypt(ctx, p.conversation, p.aliceID, env1)
	require.NoError(t, err)

	reply, err := p.bob.Encrypt(ctx, p.conversation, p.aliceID, []byte("hi back"))
	require.NoError(t, err)

	decoded, err := decodeEnvelope(reply)
	require.NoError(t, err)
	assert.Nil(t, decoded.X3DH, "a reply on an established session must not carry an x3dh preamble")

	plaintext, err := p.alice.Decrypt(ctx, p.conversation, p.bobID, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi back"), plaintext)
}

func TestEngineOutOfOrderDelivery(t *testing.T) {
	p := newTestPair(t)
	ctx := context.Background()

	// m0 carries the x3dh preamble and establishes bob's session; m1-m3 can
	// then arrive in any order against that established session.
	messages := []string{"m0", "m1", "m2", "m3"}
	envelopes := make([]string, len(messages))
	for i, m := range messages {
		env, err := p.alice.Encrypt(ctx, p.conversation, p.bobID, []byte(m))
		require.NoError(t, err)
		envelopes[i] = env
	}

	plaintext, err := p.bob.Decrypt(ctx, p.conversation, p.aliceID, envelopes[0])
	require.NoError(t, err)
	assert.Equal(t, []byte(messages[0]), plaintext)

	order := []int{2, 3, 1}
	for _, i := range order {
		plaintext, err := p.bob.Decrypt(ctx, p.conversation, p.aliceID, envelopes[i])
		require.NoError(t, err, "message index %d", i)
		assert.Equal(t, []byte(messages[i]), plaintext)
	}
}

func TestEngineGapOfThreeHundredIsUndecryptable(t *testing.T) {
	p := newTestPair(t)
	ctx := context.Background()

	first, err := p.alice.Encrypt(ctx, p.conversation, p.bobID, []byte("m0"))
	require.NoError(t, err)
	_, err = p.bob.Decrypt(ctx, p.conversation, p.aliceID, first)
	require.NoError(t, err)

	var last string
	for i := 0; i < 300; i++ {
		env, err := p.alice.Encrypt(ctx, p.conversation, p.bobID, []byte("filler"))
		require.NoError(t, err)
		last = env
	}

	_, err = p.bob.Decrypt(ctx, p.conversation, p.aliceID, last)
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerrors.ErrUndecryptable)
	assert.ErrorIs(t, err, engineerrors.ErrTooManySkipped)
}

// TestEngineFirstMessageEverExceedsSkipLimitLeavesNoSession matches the
// literal scenario of the over-the-skip-limit message being the very first
// one bob ever receives for this conversation: bob has no cached or
// persisted session yet, so responder reconstruction, the implied DH
// ratchet step and the rejection all happen inside one Decrypt call. No
// session may be left behind by the rejected attempt.
func TestEngineFirstMessageEverExceedsSkipLimitLeavesNoSession(t *testing.T) {
	p := newTestPair(t)
	ctx := context.Background()

	remoteIdentityPub, remoteSigningPub, ok, err := p.dir.FetchIdentity(ctx, p.bobID)
	require.NoError(t, err)
	require.True(t, ok)

	signedKeyID, ok, err := p.dir.FetchLatestSignedPreKeyID(ctx, p.bobID)
	require.NoError(t, err)
	require.True(t, ok)
	signedPreKeyPub, signedPreKeySig, ok, err := p.dir.FetchSignedPreKey(ctx, p.bobID, signedKeyID)
	require.NoError(t, err)
	require.True(t, ok)

	bundle := x3dh.Bundle{
		IdentityKey:     remoteIdentityPub,
		SignedPreKeyID:  signedKeyID,
		SignedPreKey:    signedPreKeyPub,
		SignedPreKeySig: signedPreKeySig,
	}

	result, err := x3dh.Initiator(p.alice.identityPriv, bundle, remoteSigningPub)
	require.NoError(t, err)

	state, err := ratchet.NewInitiator(result.SharedSecret, bundle.SignedPreKey)
	require.NoError(t, err)

	preamble, err := buildX3DHPreamble(p.alice.identityPriv.Public(), result.EphemeralPub, result.UsedOTPKeyID)
	require.NoError(t, err)

	var header ratchet.Header
	var ciphertext []byte
	for i := 0; i < ratchet.MaxSkip+2; i++ {
		header, ciphertext, err = state.Encrypt([]byte("filler"))
		require.NoError(t, err)
	}

	env, err := encodeEnvelope(header, ciphertext, preamble)
	require.NoError(t, err)

	require.False(t, p.bob.HasSession(p.conversation))

	_, err = p.bob.Decrypt(ctx, p.conversation, p.aliceID, env)
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerrors.ErrTooManySkipped)

	assert.False(t, p.bob.HasSession(p.conversation), "a session must not be persisted when the very first message exceeds the skip limit")
}

func TestEngineSessionSurvivesReload(t *testing.T) {
	p := newTestPair(t)
	ctx := context.Background()

	env1, err := p.alice.Encrypt(ctx, p.conversation, p.bobID, []byte("before crash"))
	require.NoError(t, err)
	_, err = p.bob.Decrypt(ctx, p.conversation, p.aliceID, env1)
	require.NoError(t, err)

	reloaded := NewEngine(p.bob.store, p.dir, nil)
	reloaded.userID = p.bob.userID
	reloaded.identityPriv = p.bob.identityPriv
	reloaded.signingPriv = p.bob.signingPriv

	env2, err := p.alice.Encrypt(ctx, p.conversation, p.bobID, []byte("after crash"))
	require.NoError(t, err)

	plaintext, err := reloaded.Decrypt(ctx, p.conversation, p.aliceID, env2)
	require.NoError(t, err)
	assert.Equal(t, []byte("after crash"), plaintext)
}

func TestEngineTamperedSignedPreKeySignatureRejected(t *testing.T) {
	p := newTestPair(t)
	ctx := context.Background()

	pub, sig, ok, err := p.dir.FetchSignedPreKey(ctx, p.bobID, 1)
	require.NoError(t, err)
	require.True(t, ok)

	tampered := append([]byte{}, sig...)
	tampered[0] ^= 0xFF
	require.NoError(t, p.dir.UpsertSignedPreKey(ctx, p.bobID, 1, pub, tampered))

	_, err = p.alice.Encrypt(ctx, p.conversation, p.bobID, []byte("should fail"))
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerrors.ErrBundleInvalid)
}

func TestEngineDecryptPassesThroughNonEnvelopeUnchanged(t *testing.T) {
	p := newTestPair(t)
	ctx := context.Background()

	plaintext, err := p.bob.Decrypt(ctx, p.conversation, p.aliceID, "plain unencrypted text")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain unencrypted text"), plaintext)
}

func TestEngineSafetyNumbersAgreeAndAreCommutative(t *testing.T) {
	p := newTestPair(t)
	ctx := context.Background()

	aliceView, err := p.alice.SafetyNumber(ctx, p.bobID)
	require.NoError(t, err)
	bobView, err := p.bob.SafetyNumber(ctx, p.aliceID)
	require.NoError(t, err)

	assert.Equal(t, aliceView, bobView)
	assert.NotEmpty(t, aliceView)
}

func TestEngineOperationsBeforeInitializeFail(t *testing.T) {
	store, err := keystore.Open(filepath.Join(t.TempDir(), "fresh.db"), keystore.NoopKMS{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := NewEngine(store, directory.NewMemory(), nil)
	_, err = e.Encrypt(context.Background(), uuid.New(), uuid.New(), []byte("x"))
	assert.ErrorIs(t, err, engineerrors.ErrNotInitialized)
}
