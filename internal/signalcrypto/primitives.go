// Package signalcrypto is the crypto primitives facade consumed by every
// other engine component. No other package touches crypto/ecdh, crypto/ecdsa
// or crypto/aes directly; everything goes through typed key handles here.
package signalcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// aeadInfo is the fixed HKDF label used to derive the AES key and GCM nonce
// from a single-use message key. Never reuse a message key across messages.
const aeadInfo = "signal-msg-encrypt"

// DHPrivateKey is a P-256 Diffie-Hellman private key handle.
type DHPrivateKey struct {
	key *ecdh.PrivateKey
}

// DHPublicKey is a P-256 Diffie-Hellman public key handle.
type DHPublicKey struct {
	key *ecdh.PublicKey
}

// SigningPrivateKey is a P-256 ECDSA signing private key handle.
type SigningPrivateKey struct {
	key *ecdsa.PrivateKey
}

// SigningPublicKey is a P-256 ECDSA signing public key handle.
type SigningPublicKey struct {
	key *ecdsa.PublicKey
}

// Bytes returns the raw uncompressed-point encoding (0x04||X||Y) of the DH
// public key. Used as the canonical skipped-message-key cache key: callers
// must index by the full public key bytes, never by one coordinate alone.
func (pub *DHPublicKey) Bytes() []byte {
	raw := pub.key.Bytes()
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

// Equal reports whether two DH public keys are the same point.
func (pub *DHPublicKey) Equal(other *DHPublicKey) bool {
	if pub == nil || other == nil {
		return pub == other
	}
	return pub.key.Equal(other.key)
}

// DHPublicKeyFromBytes reconstructs a DH public key from its raw
// uncompressed-point encoding (the inverse of Bytes).
func DHPublicKeyFromBytes(raw []byte) (*DHPublicKey, error) {
	key, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPoint, err)
	}
	return &DHPublicKey{key: key}, nil
}

// GenerateDHKeyPair generates a fresh P-256 Diffie-Hellman key pair.
func GenerateDHKeyPair() (*DHPrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dh keypair: %w", err)
	}
	return &DHPrivateKey{key: priv}, nil
}

// Public returns the public half of the DH private key.
func (p *DHPrivateKey) Public() *DHPublicKey {
	return &DHPublicKey{key: p.key.PublicKey()}
}

// GenerateSigningKeyPair generates a fresh P-256 ECDSA signing key pair.
func GenerateSigningKeyPair() (*SigningPrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing keypair: %w", err)
	}
	return &SigningPrivateKey{key: priv}, nil
}

// Public returns the public half of the signing private key.
func (p *SigningPrivateKey) Public() *SigningPublicKey {
	return &SigningPublicKey{key: &p.key.PublicKey}
}

// DH computes the P-256 ECDH shared secret (the X-coordinate, 32 bytes).
// Fails if pub is not a valid point on the curve.
func DH(priv *DHPrivateKey, pub *DHPublicKey) ([]byte, error) {
	secret, err := priv.key.ECDH(pub.key)
	if err != nil {
		return nil, fmt.Errorf("dh: %w", err)
	}
	return secret, nil
}

// HKDF derives length bytes from ikm using HKDF-SHA-256. A 32-zero-byte salt
// is a legal, commonly used value at several call sites in this engine.
func HKDF(ikm, salt []byte, info string, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// HMACSHA256 computes HMAC-SHA-256 over data keyed by key.
func HMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// Sign produces an ECDSA signature (ASN.1 DER) over data.
func Sign(priv *SigningPrivateKey, data []byte) ([]byte, error) {
	hash := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, priv.key, hash[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Verify checks an ECDSA signature (ASN.1 DER) over data.
func Verify(pub *SigningPublicKey, data, sig []byte) bool {
	hash := sha256.Sum256(data)
	return ecdsa.VerifyASN1(pub.key, hash[:], sig)
}

// ZeroSalt returns a fresh 32-zero-byte salt, the value mandated at several
// HKDF call sites in the protocol (X3DH shared secret, root-key KDF).
func ZeroSalt() []byte {
	return make([]byte, 32)
}

// AEADEncrypt encrypts plaintext with a single-use 32-byte message key.
// The AES-256 key and GCM nonce are both derived from messageKey via HKDF,
// so the nonce is deterministic in the key. This is safe only because each
// message key is used for exactly one encryption; implementers must never
// reuse a message key.
func AEADEncrypt(messageKey [32]byte, plaintext []byte) ([]byte, error) {
	keyAndNonce, err := HKDF(messageKey[:], ZeroSalt(), aeadInfo, 44)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(keyAndNonce[:32])
	if err != nil {
		return nil, err
	}
	nonce := keyAndNonce[32:44]
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// AEADDecrypt decrypts ciphertext produced by AEADEncrypt with the same
// message key. Returns an authentication error on any tampering.
func AEADDecrypt(messageKey [32]byte, ciphertext []byte) ([]byte, error) {
	keyAndNonce, err := HKDF(messageKey[:], ZeroSalt(), aeadInfo, 44)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(keyAndNonce[:32])
	if err != nil {
		return nil, err
	}
	nonce := keyAndNonce[32:44]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("aead authentication failed: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

// EncodeBase64 / DecodeBase64 are the single base64 entry points for all
// byte-to-wire transitions in the engine (standard, not URL-safe, matching
// the envelope wire format).
func EncodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return b, nil
}

var errInvalidPoint = errors.New("signalcrypto: invalid EC point encoding")

// dhPublicFromXY reconstructs a P-256 DH public key from raw X, Y coordinates
// (used when importing a JWK's x/y fields).
func dhPublicFromXY(x, y []byte) (*DHPublicKey, error) {
	if len(x) != 32 || len(y) != 32 {
		return nil, errInvalidPoint
	}
	uncompressed := make([]byte, 1, 65)
	uncompressed[0] = 0x04
	uncompressed = append(uncompressed, x...)
	uncompressed = append(uncompressed, y...)
	key, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPoint, err)
	}
	return &DHPublicKey{key: key}, nil
}

// xyFromDHPublic returns the raw 32-byte X, Y coordinates of a DH public key.
func xyFromDHPublic(pub *DHPublicKey) (x, y []byte) {
	raw := pub.key.Bytes() // 0x04 || X(32) || Y(32)
	return raw[1:33], raw[33:65]
}

// signingPublicFromXY reconstructs a P-256 ECDSA public key from coordinates.
func signingPublicFromXY(x, y []byte) (*SigningPublicKey, error) {
	if len(x) != 32 || len(y) != 32 {
		return nil, errInvalidPoint
	}
	curve := elliptic.P256()
	px := new(big.Int).SetBytes(x)
	py := new(big.Int).SetBytes(y)
	if !curve.IsOnCurve(px, py) {
		return nil, errInvalidPoint
	}
	return &SigningPublicKey{key: &ecdsa.PublicKey{Curve: curve, X: px, Y: py}}, nil
}

func xyFromSigningPublic(pub *SigningPublicKey) (x, y []byte) {
	return leftPad32(pub.key.X.Bytes()), leftPad32(pub.key.Y.Bytes())
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
