package directory

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
)

// newTestPostgres connects to E2EE_TEST_DIRECTORY_URL if set, otherwise
// skips: these tests exercise the real SELECT ... FOR UPDATE SKIP LOCKED
// claim path and need an actual Postgres instance, not a mock.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres-backed directory test in short mode")
	}
	connStr := os.Getenv("E2EE_TEST_DIRECTORY_URL")
	if connStr == "" {
		t.Skip("E2EE_TEST_DIRECTORY_URL not set, skipping Postgres-backed directory test")
	}

	pg, err := NewPostgres(connStr)
	require.NoError(t, err)
	require.NoError(t, pg.Migrate(context.Background()))
	t.Cleanup(func() { _ = pg.Close() })
	return pg
}

func TestPostgresUpsertAndFetchIdentity(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()
	userID := uuid.New()

	identity, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	signing, err := signalcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	require.NoError(t, pg.UpsertIdentity(ctx, userID, identity.Public(), signing.Public()))

	gotIdentity, _, ok, err := pg.FetchIdentity(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, identity.Public().Equal(gotIdentity))
}

func TestPostgresClaimOneTimePreKeyConcurrentNeverDuplicates(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()
	userID := uuid.New()

	const n = 20
	keys := map[uint32]*signalcrypto.DHPublicKey{}
	for id := uint32(1); id <= n; id++ {
		priv, err := signalcrypto.GenerateDHKeyPair()
		require.NoError(t, err)
		keys[id] = priv.Public()
	}
	require.NoError(t, pg.InsertOneTimePreKeys(ctx, userID, keys))

	type claim struct {
		id uint32
		ok bool
	}
	results := make(chan claim, n)
	for i := 0; i < n; i++ {
		go func() {
			id, _, ok, err := pg.ClaimOneTimePreKey(ctx, userID)
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

	require.Equal(t, n, claimed)
	for id, count := range seen {
		require.Equal(t, 1, count, "one-time prekey %d claimed %d times", id, count)
	}
}

func TestPostgresSignedPreKeyByIDSurvivesRotation(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()
	userID := uuid.New()

	first, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	require.NoError(t, pg.UpsertSignedPreKey(ctx, userID, 1, first.Public(), []byte("sig1")))

	second, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	require.NoError(t, pg.UpsertSignedPreKey(ctx, userID, 2, second.Public(), []byte("sig2")))

	latest, ok, err := pg.FetchLatestSignedPreKeyID(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(2), latest)

	pub, sig, ok, err := pg.FetchSignedPreKey(ctx, userID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, first.Public().Equal(pub))
	require.Equal(t, []byte("sig1"), sig)
}
