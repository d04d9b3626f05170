// Package keystore is the durable local store for the engine's own key
// material: the device's identity and signing keys, its signed and
// one-time prekeys, per-conversation ratchet session snapshots, and a
// small metadata table. Everything private is persisted in JWK form and,
// if a KMS is configured, wrapped before it ever reaches disk.
package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
)

// Store is the local SQLite-backed key store. A nil KMS is not valid; use
// NoopKMS explicitly when at-rest wrapping is not wanted.
type Store struct {
	db  *sql.DB
	kms KMS
}

// Open opens (creating if absent) the SQLite database at path and runs the
// store's migrations.
func Open(path string, kms KMS) (*Store, error) {
	if kms == nil {
		kms = NoopKMS{}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("keystore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver does not support concurrent writers

	s := &Store{db: db, kms: kms}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			user_id TEXT PRIMARY KEY,
			identity_priv BLOB NOT NULL,
			signing_priv BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signed_prekeys (
			user_id TEXT NOT NULL,
			key_id INTEGER NOT NULL,
			priv BLOB NOT NULL,
			signature BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, key_id)
		)`,
		`CREATE TABLE IF NOT EXISTS one_time_prekeys (
			user_id TEXT NOT NULL,
			key_id INTEGER NOT NULL,
			priv BLOB NOT NULL,
			PRIMARY KEY (user_id, key_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			conversation_id TEXT PRIMARY KEY,
			snapshot BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("keystore: migrate: %w", err)
		}
	}
	return nil
}

// SaveIdentity persists the device's long-term identity (DH) and signing
// key pairs, wrapped through the configured KMS.
func (s *Store) SaveIdentity(ctx context.Context, userID string, identityPriv *signalcrypto.DHPrivateKey, signingPriv *signalcrypto.SigningPrivateKey) error {
	identityJWK, err := signalcrypto.DHPrivateKeyToJWK(identityPriv)
	if err != nil {
		return fmt.Errorf("keystore: marshal identity priv: %w", err)
	}
	signingJWK, err := signalcrypto.SigningPrivateKeyToJWK(signingPriv)
	if err != nil {
		return fmt.Errorf("keystore: marshal signing priv: %w", err)
	}

	wrappedIdentity, err := s.kms.Wrap(ctx, identityJWK)
	if err != nil {
		return fmt.Errorf("keystore: wrap identity priv: %w", err)
	}
	wrappedSigning, err := s.kms.Wrap(ctx, signingJWK)
	if err != nil {
		return fmt.Errorf("keystore: wrap signing priv: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (user_id, identity_priv, signing_priv) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET identity_priv = excluded.identity_priv, signing_priv = excluded.signing_priv`,
		userID, wrappedIdentity, wrappedSigning)
	if err != nil {
		return fmt.Errorf("keystore: save identity: %w", err)
	}
	return nil
}

// LoadIdentity returns the device's identity and signing key pairs. ok is
// false if none have been saved yet for userID.
func (s *Store) LoadIdentity(ctx context.Context, userID string) (identityPriv *signalcrypto.DHPrivateKey, signingPriv *signalcrypto.SigningPrivateKey, ok bool, err error) {
	var wrappedIdentity, wrappedSigning []byte
	err = s.db.QueryRowContext(ctx, `SELECT identity_priv, signing_priv FROM identities WHERE user_id = ?`, userID).
		Scan(&wrappedIdentity, &wrappedSigning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("keystore: load identity: %w", err)
	}

	identityJWK, err := s.kms.Unwrap(ctx, wrappedIdentity)
	if err != nil {
		return nil, nil, false, fmt.Errorf("keystore: unwrap identity priv: %w", err)
	}
	signingJWK, err := s.kms.Unwrap(ctx, wrappedSigning)
	if err != nil {
		return nil, nil, false, fmt.Errorf("keystore: unwrap signing priv: %w", err)
	}

	identityPriv, err = signalcrypto.DHPrivateKeyFromJWK(identityJWK)
	if err != nil {
		return nil, nil, false, fmt.Errorf("keystore: unmarshal identity priv: %w", err)
	}
	signingPriv, err = signalcrypto.SigningPrivateKeyFromJWK(signingJWK)
	if err != nil {
		return nil, nil, false, fmt.Errorf("keystore: unmarshal signing priv: %w", err)
	}
	return identityPriv, signingPriv, true, nil
}

// SaveSignedPreKey persists one signed prekey by id.
func (s *Store) SaveSignedPreKey(ctx context.Context, userID string, keyID uint32, priv *signalcrypto.DHPrivateKey, signature []byte, createdAt time.Time) error {
	jwk, err := signalcrypto.DHPrivateKeyToJWK(priv)
	if err != nil {
		return fmt.Errorf("keystore: marshal signed prekey: %w", err)
	}
	wrapped, err := s.kms.Wrap(ctx, jwk)
	if err != nil {
		return fmt.Errorf("keystore: wrap signed prekey: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signed_prekeys (user_id, key_id, priv, signature, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, key_id) DO UPDATE SET priv = excluded.priv, signature = excluded.signature, created_at = excluded.created_at`,
		userID, keyID, wrapped, signature, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("keystore: save signed prekey: %w", err)
	}
	return nil
}

// LoadSignedPreKey returns a specific signed prekey by id.
func (s *Store) LoadSignedPreKey(ctx context.Context, userID string, keyID uint32) (priv *signalcrypto.DHPrivateKey, signature []byte, ok bool, err error) {
	var wrapped []byte
	err = s.db.QueryRowContext(ctx, `SELECT priv, signature FROM signed_prekeys WHERE user_id = ? AND key_id = ?`, userID, keyID).
		Scan(&wrapped, &signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("keystore: load signed prekey: %w", err)
	}
	jwk, err := s.kms.Unwrap(ctx, wrapped)
	if err != nil {
		return nil, nil, false, fmt.Errorf("keystore: unwrap signed prekey: %w", err)
	}
	priv, err = signalcrypto.DHPrivateKeyFromJWK(jwk)
	if err != nil {
		return nil, nil, false, fmt.Errorf("keystore: unmarshal signed prekey: %w", err)
	}
	return priv, signature, true, nil
}

// LatestSignedPreKeyID returns the id of the most recently saved signed
// prekey for userID.
func (s *Store) LatestSignedPreKeyID(ctx context.Context, userID string) (keyID uint32, createdAt time.Time, ok bool, err error) {
	var unixTime int64
	err = s.db.QueryRowContext(ctx, `
		SELECT key_id, created_at FROM signed_prekeys WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`, userID).
		Scan(&keyID, &unixTime)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("keystore: latest signed prekey id: %w", err)
	}
	return keyID, time.Unix(unixTime, 0), true, nil
}

// SaveOneTimePreKeys persists a freshly generated batch of one-time
// prekeys, keyed by id.
func (s *Store) SaveOneTimePreKeys(ctx context.Context, userID string, keys map[uint32]*signalcrypto.DHPrivateKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keystore: begin: %w", err)
	}
	defer tx.Rollback()

	for keyID, priv := range keys {
		jwk, err := signalcrypto.DHPrivateKeyToJWK(priv)
		if err != nil {
			return fmt.Errorf("keystore: marshal one-time prekey %d: %w", keyID, err)
		}
		wrapped, err := s.kms.Wrap(ctx, jwk)
		if err != nil {
			return fmt.Errorf("keystore: wrap one-time prekey %d: %w", keyID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO one_time_prekeys (user_id, key_id, priv) VALUES (?, ?, ?)
			ON CONFLICT (user_id, key_id) DO UPDATE SET priv = excluded.priv`,
			userID, keyID, wrapped); err != nil {
			return fmt.Errorf("keystore: save one-time prekey %d: %w", keyID, err)
		}
	}
	return tx.Commit()
}

// TakeOneTimePreKey loads and deletes a one-time prekey in a single
// transaction: locally a one-time prekey is single-use by definition, so
// reading it consumes it.
func (s *Store) TakeOneTimePreKey(ctx context.Context, userID string, keyID uint32) (priv *signalcrypto.DHPrivateKey, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("keystore: begin: %w", err)
	}
	defer tx.Rollback()

	var wrapped []byte
	err = tx.QueryRowContext(ctx, `SELECT priv FROM one_time_prekeys WHERE user_id = ? AND key_id = ?`, userID, keyID).Scan(&wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("keystore: take one-time prekey: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM one_time_prekeys WHERE user_id = ? AND key_id = ?`, userID, keyID); err != nil {
		return nil, false, fmt.Errorf("keystore: delete consumed one-time prekey: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("keystore: commit take: %w", err)
	}

	jwk, err := s.kms.Unwrap(ctx, wrapped)
	if err != nil {
		return nil, false, fmt.Errorf("keystore: unwrap one-time prekey: %w", err)
	}
	priv, err = signalcrypto.DHPrivateKeyFromJWK(jwk)
	if err != nil {
		return nil, false, fmt.Errorf("keystore: unmarshal one-time prekey: %w", err)
	}
	return priv, true, nil
}

// CountOneTimePreKeys reports how many one-time prekeys remain stashed
// locally for userID (mirrors what was last published, minus what the
// directory has already claimed and this device has locally consumed).
func (s *Store) CountOneTimePreKeys(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM one_time_prekeys WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("keystore: count one-time prekeys: %w", err)
	}
	return count, nil
}

// SaveSession persists an opaque ratchet session snapshot for a
// conversation, overwriting any previous snapshot.
func (s *Store) SaveSession(ctx context.Context, conversationID string, snapshot []byte) error {
	wrapped, err := s.kms.Wrap(ctx, snapshot)
	if err != nil {
		return fmt.Errorf("keystore: wrap session snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (conversation_id, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		conversationID, wrapped, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("keystore: save session: %w", err)
	}
	return nil
}

// LoadSession returns the last persisted snapshot for a conversation.
func (s *Store) LoadSession(ctx context.Context, conversationID string) ([]byte, bool, error) {
	var wrapped []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM sessions WHERE conversation_id = ?`, conversationID).Scan(&wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("keystore: load session: %w", err)
	}
	snapshot, err := s.kms.Unwrap(ctx, wrapped)
	if err != nil {
		return nil, false, fmt.Errorf("keystore: unwrap session snapshot: %w", err)
	}
	return snapshot, true, nil
}

// DeleteSession removes a conversation's persisted session, e.g. after the
// peer's identity key changes and the session must be re-established.
func (s *Store) DeleteSession(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("keystore: delete session: %w", err)
	}
	return nil
}

// SaveMetadata stores a small opaque value, e.g. the last rotation
// timestamp, under key.
func (s *Store) SaveMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("keystore: save metadata: %w", err)
	}
	return nil
}

// LoadMetadata returns a previously saved value, if any.
func (s *Store) LoadMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("keystore: load metadata: %w", err)
	}
	return value, true, nil
}

// ClearAll wipes every table: the full local wipe on sign-out.
func (s *Store) ClearAll(ctx context.Context) error {
	tables := []string{"identities", "signed_prekeys", "one_time_prekeys", "sessions", "metadata"}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keystore: begin clear: %w", err)
	}
	defer tx.Rollback()
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return fmt.Errorf("keystore: clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
