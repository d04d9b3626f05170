package orchestrator

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
)

// safetyNumber derives the human-comparable fingerprint for a pair of
// identity public keys. Both sides sort their two keys lexicographically
// before hashing, so safetyNumber(a, b) == safetyNumber(b, a) regardless
// of which party is "local".
func safetyNumber(localIdentity, remoteIdentity *signalcrypto.DHPublicKey) (string, error) {
	localJWK, err := signalcrypto.DHPublicKeyToJWK(localIdentity)
	if err != nil {
		return "", fmt.Errorf("orchestrator: canonicalize local identity: %w", err)
	}
	remoteJWK, err := signalcrypto.DHPublicKeyToJWK(remoteIdentity)
	if err != nil {
		return "", fmt.Errorf("orchestrator: canonicalize remote identity: %w", err)
	}

	ordered := [][]byte{localJWK, remoteJWK}
	sort.Slice(ordered, func(i, j int) bool { return bytes.Compare(ordered[i], ordered[j]) < 0 })

	digest := sha256.Sum256(append(append([]byte{}, ordered[0]...), ordered[1]...))
	for i := 0; i < 4; i++ {
		digest = sha256.Sum256(digest[:])
	}

	var groups [6]string
	for i := range groups {
		start := i * 5
		if start+4 > len(digest) {
			break
		}
		value := binary.BigEndian.Uint32(digest[start : start+4])
		groups[i] = fmt.Sprintf("%05d", value%100000)
	}

	result := groups[0]
	for _, g := range groups[1:] {
		result += " " + g
	}
	return result, nil
}
