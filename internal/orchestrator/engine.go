// Package orchestrator is the protocol orchestrator: the public facade a
// chat layer calls to initialize identity, encrypt and decrypt
// conversation messages, derive safety numbers, and sign out. It owns the
// per-conversation ratchet cache and the per-user rotation/refill guard;
// everything cryptographic is delegated to signalcrypto, x3dh and ratchet.
package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaydenbeard/e2ee-engine/internal/directory"
	"github.com/jaydenbeard/e2ee-engine/internal/engineerrors"
	"github.com/jaydenbeard/e2ee-engine/internal/keystore"
	"github.com/jaydenbeard/e2ee-engine/internal/ratchet"
	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
	"github.com/jaydenbeard/e2ee-engine/internal/telemetry"
	"github.com/jaydenbeard/e2ee-engine/internal/x3dh"
)

const initialOneTimePreKeyBatch = 20

// sessionEntry is one conversation's live ratchet plus, if a fresh
// initiator session was just created, the X3DH preamble that must ride on
// the next outbound envelope only.
type sessionEntry struct {
	state       *ratchet.State
	pendingX3DH *x3dhPreamble
}

// Engine is the protocol orchestrator for a single local user/device. It
// is not safe to share across processes but is safe to share across
// goroutines: per-conversation operations are serialized by an internal
// mutex registry, and identity/rotation/refill are serialized by a single
// per-user RWMutex.
type Engine struct {
	store  *keystore.Store
	dir    directory.Directory
	logger *slog.Logger

	scheduler    *rotationScheduler
	schedulerCtx context.Context
	schedulerStop context.CancelFunc

	userMu sync.RWMutex
	userID uuid.UUID

	identityPriv *signalcrypto.DHPrivateKey
	signingPriv  *signalcrypto.SigningPrivateKey

	convMu    sync.Mutex
	convLocks map[uuid.UUID]*sync.Mutex

	sessMu   sync.Mutex
	sessions map[uuid.UUID]*sessionEntry
}

// NewEngine constructs an orchestrator over a local key store and a key
// directory client. logger may be nil, in which case a discard logger is
// used.
func NewEngine(store *keystore.Store, dir directory.Directory, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	e := &Engine{
		store:     store,
		dir:       dir,
		logger:    logger,
		convLocks: map[uuid.UUID]*sync.Mutex{},
		sessions:  map[uuid.UUID]*sessionEntry{},
	}
	e.scheduler = newRotationScheduler(e, logger)
	return e
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Initialize creates identity material on first use for userID, or loads
// it if already present, then runs the rotation/refill check and starts
// the background scheduler that repeats it.
func (e *Engine) Initialize(ctx context.Context, userID uuid.UUID) error {
	e.userMu.Lock()
	e.userID = userID

	identityPriv, signingPriv, ok, err := e.store.LoadIdentity(ctx, userID.String())
	if err != nil {
		e.userMu.Unlock()
		return fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}

	if !ok {
		identityPriv, signingPriv, err = e.createIdentityLocked(ctx, userID)
		if err != nil {
			e.userMu.Unlock()
			return err
		}
	} else {
		if _, _, dirHasIdentity, err := e.dir.FetchIdentity(ctx, userID); err != nil {
			e.userMu.Unlock()
			return fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
		} else if !dirHasIdentity {
			if err := e.republishLocked(ctx, userID, identityPriv, signingPriv); err != nil {
				e.userMu.Unlock()
				return err
			}
		}
	}

	e.identityPriv = identityPriv
	e.signingPriv = signingPriv
	e.userMu.Unlock()

	e.schedulerCtx, e.schedulerStop = context.WithCancel(context.Background())
	e.scheduler.Start(e.schedulerCtx)
	return nil
}

func (e *Engine) createIdentityLocked(ctx context.Context, userID uuid.UUID) (*signalcrypto.DHPrivateKey, *signalcrypto.SigningPrivateKey, error) {
	identityPriv, err := signalcrypto.GenerateDHKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: generate identity: %w", err)
	}
	signingPriv, err := signalcrypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: generate signing key: %w", err)
	}

	registrationID, err := randomRegistrationID()
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: generate registration id: %w", err)
	}

	signedPreKeyPriv, err := signalcrypto.GenerateDHKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: generate signed prekey: %w", err)
	}
	signedPreKeySig, err := signSignedPreKey(signingPriv, signedPreKeyPriv.Public())
	if err != nil {
		return nil, nil, err
	}

	oneTimePrivs := make(map[uint32]*signalcrypto.DHPrivateKey, initialOneTimePreKeyBatch)
	oneTimePubs := make(map[uint32]*signalcrypto.DHPublicKey, initialOneTimePreKeyBatch)
	for id := uint32(1); id <= initialOneTimePreKeyBatch; id++ {
		priv, err := signalcrypto.GenerateDHKeyPair()
		if err != nil {
			return nil, nil, fmt.Errorf("orchestrator: generate one-time prekey %d: %w", id, err)
		}
		oneTimePrivs[id] = priv
		oneTimePubs[id] = priv.Public()
	}

	if err := e.store.SaveIdentity(ctx, userID.String(), identityPriv, signingPriv); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}
	if err := e.store.SaveSignedPreKey(ctx, userID.String(), 1, signedPreKeyPriv, signedPreKeySig, time.Now()); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}
	if err := e.store.SaveOneTimePreKeys(ctx, userID.String(), oneTimePrivs); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}

	if err := e.dir.UpsertIdentity(ctx, userID, identityPriv.Public(), signingPriv.Public()); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
	}
	if err := e.dir.UpsertSignedPreKey(ctx, userID, 1, signedPreKeyPriv.Public(), signedPreKeySig); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
	}
	if err := e.dir.InsertOneTimePreKeys(ctx, userID, oneTimePubs); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
	}

	state := &localUserState{
		RegistrationID: registrationID,
		NextSignedID:   2,
		NextOneTimeID:  21,
		LastRotation:   time.Now(),
	}
	if err := e.saveLocalState(ctx, state); err != nil {
		return nil, nil, err
	}

	return identityPriv, signingPriv, nil
}

// republishLocked re-publishes identity and the current signed prekey to
// a directory that has forgotten this user - the directory, not local
// state, is the source of truth for what peers can fetch.
func (e *Engine) republishLocked(ctx context.Context, userID uuid.UUID, identityPriv *signalcrypto.DHPrivateKey, signingPriv *signalcrypto.SigningPrivateKey) error {
	if _, ok, err := e.loadLocalState(ctx); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: local state missing for existing identity", engineerrors.ErrStorage)
	}

	if err := e.dir.UpsertIdentity(ctx, userID, identityPriv.Public(), signingPriv.Public()); err != nil {
		return fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
	}

	signedKeyID, _, ok, err := e.store.LatestSignedPreKeyID(ctx, userID.String())
	if err != nil {
		return fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}
	if ok {
		priv, sig, found, err := e.store.LoadSignedPreKey(ctx, userID.String(), signedKeyID)
		if err != nil {
			return fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
		}
		if found {
			if err := e.dir.UpsertSignedPreKey(ctx, userID, signedKeyID, priv.Public(), sig); err != nil {
				return fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
			}
		}
	}

	return nil
}

func signSignedPreKey(signingPriv *signalcrypto.SigningPrivateKey, pub *signalcrypto.DHPublicKey) ([]byte, error) {
	canonical, err := signalcrypto.DHPublicKeyToJWK(pub)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: canonicalize signed prekey: %w", err)
	}
	sig, err := signalcrypto.Sign(signingPriv, canonical)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: sign signed prekey: %w", err)
	}
	return sig, nil
}

func randomRegistrationID() (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<14))
	if err != nil {
		return 0, err
	}
	return uint32(n.Int64()), nil
}

func (e *Engine) convLock(conversationID uuid.UUID) *sync.Mutex {
	e.convMu.Lock()
	defer e.convMu.Unlock()
	lock, ok := e.convLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		e.convLocks[conversationID] = lock
	}
	return lock
}

// HasSession reports whether a live or persisted session exists for a
// conversation.
func (e *Engine) HasSession(conversationID uuid.UUID) bool {
	e.sessMu.Lock()
	_, live := e.sessions[conversationID]
	e.sessMu.Unlock()
	if live {
		return true
	}
	_, ok, err := e.store.LoadSession(context.Background(), conversationID.String())
	return err == nil && ok
}

// SafetyNumber derives the out-of-band verification string for the local
// user's identity paired with remoteUserID's published identity.
func (e *Engine) SafetyNumber(ctx context.Context, remoteUserID uuid.UUID) (string, error) {
	e.userMu.RLock()
	localIdentity := e.identityPriv
	e.userMu.RUnlock()
	if localIdentity == nil {
		return "", engineerrors.ErrNotInitialized
	}

	remoteIdentity, _, ok, err := e.dir.FetchIdentity(ctx, remoteUserID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
	}
	if !ok {
		return "", engineerrors.ErrBundleUnavailable
	}

	return safetyNumber(localIdentity.Public(), remoteIdentity)
}

// ClearAll stops the background scheduler and wipes every local record:
// identity, prekeys, sessions and metadata. After ClearAll, Initialize
// must be called again before any other operation.
func (e *Engine) ClearAll(ctx context.Context) error {
	if e.schedulerStop != nil {
		e.schedulerStop()
	}
	e.scheduler.Stop()

	if err := e.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}

	e.userMu.Lock()
	e.identityPriv = nil
	e.signingPriv = nil
	e.userMu.Unlock()

	e.sessMu.Lock()
	e.sessions = map[uuid.UUID]*sessionEntry{}
	e.sessMu.Unlock()

	e.convMu.Lock()
	e.convLocks = map[uuid.UUID]*sync.Mutex{}
	e.convMu.Unlock()

	return nil
}

// rotateSignedPreKeyLocked generates and publishes a new signed prekey.
// Caller must hold userMu.
func (e *Engine) rotateSignedPreKeyLocked(ctx context.Context, state *localUserState) error {
	if e.signingPriv == nil {
		return engineerrors.ErrNotInitialized
	}

	priv, err := signalcrypto.GenerateDHKeyPair()
	if err != nil {
		return fmt.Errorf("orchestrator: generate rotated signed prekey: %w", err)
	}
	sig, err := signSignedPreKey(e.signingPriv, priv.Public())
	if err != nil {
		return err
	}

	keyID := state.NextSignedID
	if err := e.store.SaveSignedPreKey(ctx, e.userID.String(), keyID, priv, sig, time.Now()); err != nil {
		return fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}
	if err := e.dir.UpsertSignedPreKey(ctx, e.userID, keyID, priv.Public(), sig); err != nil {
		return fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
	}

	state.NextSignedID++
	state.LastRotation = time.Now()
	if err := e.saveLocalState(ctx, state); err != nil {
		return err
	}

	telemetry.PrekeyRotationsTotal.Inc()
	e.logger.Info("rotated signed prekey", "user_id", e.userID, "key_id", keyID)
	return nil
}

// refillOneTimePreKeysLocked tops the directory's unused one-time prekey
// pool back up to oneTimePreKeyTargetPoolSize if it has fallen below
// oneTimePreKeyLowWaterMark. Caller must hold userMu.
func (e *Engine) refillOneTimePreKeysLocked(ctx context.Context, state *localUserState) error {
	unused, err := e.dir.UnusedOneTimePreKeyCount(ctx, e.userID)
	if err != nil {
		return fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
	}
	if unused >= oneTimePreKeyLowWaterMark {
		return nil
	}

	need := oneTimePreKeyTargetPoolSize - unused
	privs := make(map[uint32]*signalcrypto.DHPrivateKey, need)
	pubs := make(map[uint32]*signalcrypto.DHPublicKey, need)
	for i := 0; i < need; i++ {
		id := state.NextOneTimeID + uint32(i)
		priv, err := signalcrypto.GenerateDHKeyPair()
		if err != nil {
			return fmt.Errorf("orchestrator: generate refill one-time prekey %d: %w", id, err)
		}
		privs[id] = priv
		pubs[id] = priv.Public()
	}

	if err := e.store.SaveOneTimePreKeys(ctx, e.userID.String(), privs); err != nil {
		return fmt.Errorf("%w: %v", engineerrors.ErrStorage, err)
	}
	if err := e.dir.InsertOneTimePreKeys(ctx, e.userID, pubs); err != nil {
		return fmt.Errorf("%w: %v", engineerrors.ErrDirectory, err)
	}

	state.NextOneTimeID += uint32(need)
	if err := e.saveLocalState(ctx, state); err != nil {
		return err
	}

	bucket := "small"
	if need > 10 {
		bucket = "large"
	}
	telemetry.PrekeyRefillsTotal.WithLabelValues(bucket).Inc()
	e.logger.Info("refilled one-time prekeys", "user_id", e.userID, "count", need)
	return nil
}
