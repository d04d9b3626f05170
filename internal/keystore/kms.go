package keystore

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"

	"github.com/hashicorp/vault/api"
)

// KMS wraps and unwraps private key material for at-rest storage. The
// default is a no-op; callers that need envelope encryption plug in a
// VaultKMS instead. Nothing in the ratchet/x3dh/directory packages knows
// this interface exists - it only ever touches the bytes the key store
// hands it.
type KMS interface {
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

// NoopKMS stores key material exactly as given. The SQLite file's own
// filesystem permissions are the only protection.
type NoopKMS struct{}

func (NoopKMS) Wrap(_ context.Context, plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (NoopKMS) Unwrap(_ context.Context, wrapped []byte) ([]byte, error) { return wrapped, nil }

// VaultKMS envelope-encrypts key material through Vault's transit secrets
// engine: every Wrap/Unwrap round-trips through Vault rather than caching a
// data key locally, so a compromised SQLite file alone is useless.
type VaultKMS struct {
	client  *api.Client
	keyName string
	logger  *log.Logger
}

// NewVaultKMS creates a Vault client against vaultAddr, authenticates with
// token, and targets the transit key named keyName (created out of band,
// e.g. `vault write -f transit/keys/<keyName>`).
func NewVaultKMS(vaultAddr, token, keyName string) (*VaultKMS, error) {
	cfg := &api.Config{Address: vaultAddr}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("keystore: create vault client: %w", err)
	}
	client.SetToken(token)

	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("keystore: vault health check: %w", err)
	}

	return &VaultKMS{
		client:  client,
		keyName: keyName,
		logger:  log.New(os.Stdout, "[KEYSTORE-KMS] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

// Wrap sends plaintext to Vault's transit/encrypt endpoint and returns the
// resulting "vault:v1:..." ciphertext token as bytes.
func (v *VaultKMS) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("transit/encrypt/%s", v.keyName), data)
	if err != nil {
		return nil, fmt.Errorf("keystore: vault transit encrypt: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("keystore: vault transit encrypt returned no data")
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("keystore: vault transit encrypt response missing ciphertext")
	}
	return []byte(ciphertext), nil
}

// Unwrap sends a previously wrapped ciphertext token to Vault's
// transit/decrypt endpoint and returns the original plaintext.
func (v *VaultKMS) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	data := map[string]interface{}{
		"ciphertext": string(wrapped),
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("transit/decrypt/%s", v.keyName), data)
	if err != nil {
		return nil, fmt.Errorf("keystore: vault transit decrypt: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("keystore: vault transit decrypt returned no data")
	}
	encoded, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("keystore: vault transit decrypt response missing plaintext")
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode vault plaintext: %w", err)
	}
	return plaintext, nil
}
