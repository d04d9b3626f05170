package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
)

// Postgres is the reference Directory implementation backed by Postgres.
// It uses SELECT ... FOR UPDATE SKIP LOCKED to claim one-time prekeys so
// concurrent initiators racing for the same user's bundle never draw the
// same key twice.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against connStr and verifies it.
func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("directory: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("directory: ping: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Migrate creates the directory tables if they do not already exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS directory_identities (
			user_id UUID PRIMARY KEY,
			identity_pub_jwk TEXT NOT NULL,
			signing_pub_jwk TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS directory_signed_prekeys (
			user_id UUID NOT NULL,
			key_id BIGINT NOT NULL,
			public_jwk TEXT NOT NULL,
			signature BYTEA NOT NULL,
			is_latest BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, key_id)
		)`,
		`CREATE TABLE IF NOT EXISTS directory_one_time_prekeys (
			user_id UUID NOT NULL,
			key_id BIGINT NOT NULL,
			public_jwk TEXT NOT NULL,
			claimed BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (user_id, key_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_one_time_prekeys_unclaimed
			ON directory_one_time_prekeys (user_id) WHERE NOT claimed`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("directory: migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) UpsertIdentity(ctx context.Context, userID uuid.UUID, identityPub *signalcrypto.DHPublicKey, signingPub *signalcrypto.SigningPublicKey) error {
	identityJWK, err := signalcrypto.DHPublicKeyToJWK(identityPub)
	if err != nil {
		return fmt.Errorf("directory: marshal identity: %w", err)
	}
	signingJWK, err := signalcrypto.SigningPublicKeyToJWK(signingPub)
	if err != nil {
		return fmt.Errorf("directory: marshal signing key: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO directory_identities (user_id, identity_pub_jwk, signing_pub_jwk)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET identity_pub_jwk = $2, signing_pub_jwk = $3, updated_at = now()`,
		userID, string(identityJWK), string(signingJWK))
	if err != nil {
		return fmt.Errorf("directory: upsert identity: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertSignedPreKey(ctx context.Context, userID uuid.UUID, keyID uint32, pub *signalcrypto.DHPublicKey, sig []byte) error {
	jwk, err := signalcrypto.DHPublicKeyToJWK(pub)
	if err != nil {
		return fmt.Errorf("directory: marshal signed prekey: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("directory: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE directory_signed_prekeys SET is_latest = false WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("directory: clear latest flag: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO directory_signed_prekeys (user_id, key_id, public_jwk, signature, is_latest)
		VALUES ($1, $2, $3, $4, true)
		ON CONFLICT (user_id, key_id) DO UPDATE SET public_jwk = $3, signature = $4, is_latest = true`,
		userID, keyID, string(jwk), sig); err != nil {
		return fmt.Errorf("directory: upsert signed prekey: %w", err)
	}

	return tx.Commit()
}

func (p *Postgres) InsertOneTimePreKeys(ctx context.Context, userID uuid.UUID, keys map[uint32]*signalcrypto.DHPublicKey) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("directory: begin: %w", err)
	}
	defer tx.Rollback()

	for keyID, pub := range keys {
		jwk, err := signalcrypto.DHPublicKeyToJWK(pub)
		if err != nil {
			return fmt.Errorf("directory: marshal one-time prekey %d: %w", keyID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO directory_one_time_prekeys (user_id, key_id, public_jwk, claimed)
			VALUES ($1, $2, $3, false)
			ON CONFLICT (user_id, key_id) DO NOTHING`,
			userID, keyID, string(jwk)); err != nil {
			return fmt.Errorf("directory: insert one-time prekey %d: %w", keyID, err)
		}
	}

	return tx.Commit()
}

func (p *Postgres) FetchIdentity(ctx context.Context, userID uuid.UUID) (*signalcrypto.DHPublicKey, *signalcrypto.SigningPublicKey, bool, error) {
	var identityJWK, signingJWK string
	err := p.db.QueryRowContext(ctx, `
		SELECT identity_pub_jwk, signing_pub_jwk FROM directory_identities WHERE user_id = $1`, userID).
		Scan(&identityJWK, &signingJWK)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("directory: fetch identity: %w", err)
	}

	identityPub, err := signalcrypto.DHPublicKeyFromJWK([]byte(identityJWK))
	if err != nil {
		return nil, nil, false, fmt.Errorf("directory: unmarshal identity: %w", err)
	}
	signingPub, err := signalcrypto.SigningPublicKeyFromJWK([]byte(signingJWK))
	if err != nil {
		return nil, nil, false, fmt.Errorf("directory: unmarshal signing key: %w", err)
	}
	return identityPub, signingPub, true, nil
}

func (p *Postgres) FetchSignedPreKey(ctx context.Context, userID uuid.UUID, keyID uint32) (*signalcrypto.DHPublicKey, []byte, bool, error) {
	var jwk string
	var sig []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT public_jwk, signature FROM directory_signed_prekeys WHERE user_id = $1 AND key_id = $2`,
		userID, keyID).Scan(&jwk, &sig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("directory: fetch signed prekey: %w", err)
	}

	pub, err := signalcrypto.DHPublicKeyFromJWK([]byte(jwk))
	if err != nil {
		return nil, nil, false, fmt.Errorf("directory: unmarshal signed prekey: %w", err)
	}
	return pub, sig, true, nil
}

func (p *Postgres) FetchLatestSignedPreKeyID(ctx context.Context, userID uuid.UUID) (uint32, bool, error) {
	var keyID uint32
	err := p.db.QueryRowContext(ctx, `
		SELECT key_id FROM directory_signed_prekeys WHERE user_id = $1 AND is_latest LIMIT 1`, userID).
		Scan(&keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("directory: fetch latest signed prekey id: %w", err)
	}
	return keyID, true, nil
}

// ClaimOneTimePreKey uses SELECT ... FOR UPDATE SKIP LOCKED so two
// concurrent initiators fetching the same user's bundle never race onto
// the same one-time prekey: the loser's SELECT simply skips the locked row
// and finds the next unclaimed one, rather than blocking on it.
func (p *Postgres) ClaimOneTimePreKey(ctx context.Context, userID uuid.UUID) (uint32, *signalcrypto.DHPublicKey, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, false, fmt.Errorf("directory: begin: %w", err)
	}
	defer tx.Rollback()

	var keyID uint32
	var jwk string
	err = tx.QueryRowContext(ctx, `
		SELECT key_id, public_jwk FROM directory_one_time_prekeys
		WHERE user_id = $1 AND NOT claimed
		ORDER BY key_id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, userID).Scan(&keyID, &jwk)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("directory: select one-time prekey: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE directory_one_time_prekeys SET claimed = true WHERE user_id = $1 AND key_id = $2`,
		userID, keyID); err != nil {
		return 0, nil, false, fmt.Errorf("directory: mark one-time prekey claimed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, false, fmt.Errorf("directory: commit claim: %w", err)
	}

	pub, err := signalcrypto.DHPublicKeyFromJWK([]byte(jwk))
	if err != nil {
		return 0, nil, false, fmt.Errorf("directory: unmarshal claimed one-time prekey: %w", err)
	}
	return keyID, pub, true, nil
}

func (p *Postgres) UnusedOneTimePreKeyCount(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM directory_one_time_prekeys WHERE user_id = $1 AND NOT claimed`, userID).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("directory: count unused one-time prekeys: %w", err)
	}
	return count, nil
}
