package directory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
)

// Memory is an in-process Directory used by the demo's loopback transport
// and by the engine's own tests. It gives the same atomicity guarantees as
// the Postgres implementation (a single mutex stands in for SELECT FOR
// UPDATE SKIP LOCKED) without requiring a database for a unit test run.
type Memory struct {
	mu    sync.Mutex
	users map[uuid.UUID]*memoryUser
}

type memoryUser struct {
	identityPub      *signalcrypto.DHPublicKey
	signingPub       *signalcrypto.SigningPublicKey
	signedPreKeys    map[uint32]memorySignedPreKey
	latestSignedID   uint32
	oneTimePreKeys   map[uint32]*signalcrypto.DHPublicKey
	claimedOneTimeID map[uint32]bool
}

type memorySignedPreKey struct {
	pub *signalcrypto.DHPublicKey
	sig []byte
}

// NewMemory constructs an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{users: map[uuid.UUID]*memoryUser{}}
}

func (m *Memory) user(id uuid.UUID) *memoryUser {
	u, ok := m.users[id]
	if !ok {
		u = &memoryUser{
			signedPreKeys:    map[uint32]memorySignedPreKey{},
			oneTimePreKeys:   map[uint32]*signalcrypto.DHPublicKey{},
			claimedOneTimeID: map[uint32]bool{},
		}
		m.users[id] = u
	}
	return u
}

func (m *Memory) UpsertIdentity(_ context.Context, userID uuid.UUID, identityPub *signalcrypto.DHPublicKey, signingPub *signalcrypto.SigningPublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.user(userID)
	u.identityPub = identityPub
	u.signingPub = signingPub
	return nil
}

func (m *Memory) UpsertSignedPreKey(_ context.Context, userID uuid.UUID, keyID uint32, pub *signalcrypto.DHPublicKey, sig []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.user(userID)
	u.signedPreKeys[keyID] = memorySignedPreKey{pub: pub, sig: sig}
	u.latestSignedID = keyID
	return nil
}

func (m *Memory) InsertOneTimePreKeys(_ context.Context, userID uuid.UUID, keys map[uint32]*signalcrypto.DHPublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.user(userID)
	for id, pub := range keys {
		u.oneTimePreKeys[id] = pub
	}
	return nil
}

func (m *Memory) FetchIdentity(_ context.Context, userID uuid.UUID) (*signalcrypto.DHPublicKey, *signalcrypto.SigningPublicKey, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.identityPub == nil {
		return nil, nil, false, nil
	}
	return u.identityPub, u.signingPub, true, nil
}

func (m *Memory) FetchSignedPreKey(_ context.Context, userID uuid.UUID, keyID uint32) (*signalcrypto.DHPublicKey, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil, false, nil
	}
	spk, ok := u.signedPreKeys[keyID]
	if !ok {
		return nil, nil, false, nil
	}
	return spk.pub, spk.sig, true, nil
}

func (m *Memory) FetchLatestSignedPreKeyID(_ context.Context, userID uuid.UUID) (uint32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || len(u.signedPreKeys) == 0 {
		return 0, false, nil
	}
	return u.latestSignedID, true, nil
}

func (m *Memory) ClaimOneTimePreKey(_ context.Context, userID uuid.UUID) (uint32, *signalcrypto.DHPublicKey, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, nil, false, nil
	}
	for id, pub := range u.oneTimePreKeys {
		if u.claimedOneTimeID[id] {
			continue
		}
		u.claimedOneTimeID[id] = true
		delete(u.oneTimePreKeys, id)
		return id, pub, true, nil
	}
	return 0, nil, false, nil
}

func (m *Memory) UnusedOneTimePreKeyCount(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, nil
	}
	return len(u.oneTimePreKeys), nil
}
