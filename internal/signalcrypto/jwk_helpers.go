package signalcrypto

import (
	"crypto/ecdh"
	"encoding/base64"
	"fmt"
	"math/big"
)

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func decodeB64url(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

func mustB64url(s string) []byte {
	b, err := decodeB64url(s)
	if err != nil {
		return nil
	}
	return b
}

func bigFromBytes(b []byte) *big.Int { return new(big.Int).SetBytes(b) }

func ecdhP256PrivateFromScalar(d []byte) (*DHPrivateKey, error) {
	key, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("signalcrypto: invalid dh private scalar: %w", err)
	}
	return &DHPrivateKey{key: key}, nil
}
