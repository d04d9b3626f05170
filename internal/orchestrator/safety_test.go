package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
)

func TestSafetyNumberIsCommutative(t *testing.T) {
	alice, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	bob, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)

	forward, err := safetyNumber(alice.Public(), bob.Public())
	require.NoError(t, err)
	backward, err := safetyNumber(bob.Public(), alice.Public())
	require.NoError(t, err)

	assert.Equal(t, forward, backward)
}

func TestSafetyNumberFormat(t *testing.T) {
	alice, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	bob, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)

	number, err := safetyNumber(alice.Public(), bob.Public())
	require.NoError(t, err)

	groups := strings.Split(number, " ")
	require.Len(t, groups, 6)
	for _, g := range groups {
		assert.Len(t, g, 5)
	}
}

func TestSafetyNumberDiffersForDifferentIdentities(t *testing.T) {
	alice, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	bob, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)
	carol, err := signalcrypto.GenerateDHKeyPair()
	require.NoError(t, err)

	aliceBob, err := safetyNumber(alice.Public(), bob.Public())
	require.NoError(t, err)
	aliceCarol, err := safetyNumber(alice.Public(), carol.Public())
	require.NoError(t, err)

	assert.NotEqual(t, aliceBob, aliceCarol)
}
