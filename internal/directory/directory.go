// Package directory defines the external key-directory collaborator: the
// service that holds public prekey bundles for every user. Its internals
// are deliberately out of the core engine's scope - the orchestrator only
// ever talks to the narrow Directory interface below. This package also
// ships the reference implementation (Postgres-backed) used by the demo
// and by the engine's own integration tests.
package directory

import (
	"context"

	"github.com/google/uuid"

	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
)

// Directory is the narrow interface the orchestrator consumes. A given
// implementation may be local (in-process, for tests) or a real network
// client to a remote service; the orchestrator does not care which.
type Directory interface {
	// UpsertIdentity publishes a user's identity and signing public keys.
	UpsertIdentity(ctx context.Context, userID uuid.UUID, identityPub *signalcrypto.DHPublicKey, signingPub *signalcrypto.SigningPublicKey) error

	// UpsertSignedPreKey publishes (or replaces) a signed prekey by id.
	// Older signed prekeys are retained so in-flight X3DH against them can
	// still be completed within the rotation window.
	UpsertSignedPreKey(ctx context.Context, userID uuid.UUID, keyID uint32, pub *signalcrypto.DHPublicKey, sig []byte) error

	// InsertOneTimePreKeys inserts a fresh batch of one-time prekeys.
	InsertOneTimePreKeys(ctx context.Context, userID uuid.UUID, keys map[uint32]*signalcrypto.DHPublicKey) error

	// FetchIdentity returns a user's published identity and signing public
	// keys. ok is false if the directory has no record for this user.
	FetchIdentity(ctx context.Context, userID uuid.UUID) (identityPub *signalcrypto.DHPublicKey, signingPub *signalcrypto.SigningPublicKey, ok bool, err error)

	// FetchSignedPreKey returns a specific signed prekey by id, not
	// "whatever is current", so a responder can still complete X3DH
	// against a prekey that has since been rotated out as current but is
	// still retained.
	FetchSignedPreKey(ctx context.Context, userID uuid.UUID, keyID uint32) (pub *signalcrypto.DHPublicKey, sig []byte, ok bool, err error)

	// FetchLatestSignedPreKeyID returns the id of the user's current signed
	// prekey, for the initiator side of X3DH.
	FetchLatestSignedPreKeyID(ctx context.Context, userID uuid.UUID) (keyID uint32, ok bool, err error)

	// ClaimOneTimePreKey atomically selects and marks used one unused
	// one-time prekey for userID, returning ok=false if none remain. Must
	// give SELECT-FOR-UPDATE-SKIP-LOCKED-equivalent semantics so concurrent
	// initiators never draw the same key.
	ClaimOneTimePreKey(ctx context.Context, userID uuid.UUID) (keyID uint32, pub *signalcrypto.DHPublicKey, ok bool, err error)

	// UnusedOneTimePreKeyCount reports how many unclaimed one-time prekeys
	// remain published for userID, for the orchestrator's refill check.
	UnusedOneTimePreKeyCount(ctx context.Context, userID uuid.UUID) (int, error)
}
