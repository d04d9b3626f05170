package directory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
)

func TestMemoryFetchIdentityMissing(t *testing.T) {
	m := NewMemory()
	_, _, ok, err := m.FetchIdentity(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryUpsertAndFetchIdentity(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	userID := uuid.New()

	identity, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	signing, err := signalcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	require.NoError(t, m.UpsertIdentity(ctx, userID, identity.Public(), signing.Public()))

	gotIdentity, gotSigning, ok, err := m.FetchIdentity(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, identity.Public().Equal(gotIdentity))
	assert.NotNil(t, gotSigning)
}

func TestMemorySignedPreKeyByIDSurvivesRotation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	userID := uuid.New()

	first, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	require.NoError(t, m.UpsertSignedPreKey(ctx, userID, 1, first.Public(), []byte("sig1")))

	second, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	require.NoError(t, m.UpsertSignedPreKey(ctx, userID, 2, second.Public(), []byte("sig2")))

	latest, ok, err := m.FetchLatestSignedPreKeyID(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), latest)

	// The retired id=1 key must still be fetchable - an in-flight X3DH
	// against it must be able to complete after rotation.
	pub, sig, ok, err := m.FetchSignedPreKey(ctx, userID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, first.Public().Equal(pub))
	assert.Equal(t, []byte("sig1"), sig)
}

func TestMemoryClaimOneTimePreKeyIsSingleUse(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	userID := uuid.New()

	keys := map[uint32]*signalcrypto.DHPublicKey{}
	for id := uint32(1); id <= 3; id++ {
		priv, err := signalcrypto.GenerateDHKeyPair()
		require.NoError(t, err)
		keys[id] = priv.Public()
	}
	require.NoError(t, m.InsertOneTimePreKeys(ctx, userID, keys))

	count, err := m.UnusedOneTimePreKeyCount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	seen := map[uint32]bool{}
	for i := 0; i < 3; i++ {
		id, pub, ok, err := m.ClaimOneTimePreKey(ctx, userID)
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, pub)
		assert.False(t, seen[id], "one-time prekey %d claimed twice", id)
		seen[id] = true
	}

	_, _, ok, err := m.ClaimOneTimePreKey(ctx, userID)
	require.NoError(t, err)
	assert.False(t, ok)

	count, err = m.UnusedOneTimePreKeyCount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMemoryClaimOneTimePreKeyConcurrentNeverDuplicates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	userID := uuid.New()

	const n = 50
	keys := map[uint32]*signalcrypto.DHPublicKey{}
	for id := uint32(1); id <= n; id++ {
		priv, err := signalcrypto.GenerateDHKeyPair()
		require.NoError(t, err)
		keys[id] = priv.Public()
	}
	require.NoError(t, m.InsertOneTimePreKeys(ctx, userID, keys))

	type claim struct {
		id uint32
		ok bool
	}
	results := make(chan claim, n)
	for i := 0; i < n; i++ {
		go func() {
			id, _, ok, err := m.ClaimOneTimePreKey(ctx, userID)
			require.NoError(t, err)
			results <- claim{id: id, ok: ok}
		}()
	}

	seen := map[uint32]int{}
	claimed := 0
	for i := 0; i < n; i++ {
		c := <-results
		if c.ok {
			claimed++
			seen[c.id]++
		}
	}

	assert.Equal(t, n, claimed)
	for id, count := range seen {
		assert.Equal(t, 1, count, "one-time prekey %d claimed %d times", id, count)
	}
}
