package signalcrypto

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// JWK import/export. The wire and at-rest representation of every key in
// this engine is a JSON Web Key for P-256 ("EC" / "P-256"), per spec.
//
// Outgoing marshaling uses a small fixed-field-order struct so that the
// canonical JSON used for signatures and fingerprints (kty, crv, x, y[, d])
// is byte-stable across processes. Incoming parsing instead round-trips
// through go-jose's JSONWebKey, which validates that the encoded point
// actually lies on the named curve before we ever touch it - a guarantee
// a hand-rolled decoder would have to reimplement.
type jwkPublic struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwkPrivate struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d"`
}

const (
	jwkKty = "EC"
	jwkCrv = "P-256"
)

// DHPublicKeyToJWK encodes a DH public key as canonical JWK JSON.
func DHPublicKeyToJWK(pub *DHPublicKey) ([]byte, error) {
	x, y := xyFromDHPublic(pub)
	return json.Marshal(jwkPublic{Kty: jwkKty, Crv: jwkCrv, X: b64url(x), Y: b64url(y)})
}

// DHPublicKeyFromJWK validates and decodes a DH public key from JWK JSON.
func DHPublicKeyFromJWK(data []byte) (*DHPublicKey, error) {
	jwk, err := parseECJWK(data)
	if err != nil {
		return nil, err
	}
	pubKey, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signalcrypto: jwk is not an EC public key")
	}
	return dhPublicFromXY(leftPad32(pubKey.X.Bytes()), leftPad32(pubKey.Y.Bytes()))
}

// DHPrivateKeyToJWK encodes a DH private key (with its public half) as JWK.
func DHPrivateKeyToJWK(priv *DHPrivateKey) ([]byte, error) {
	x, y := xyFromDHPublic(priv.Public())
	return json.Marshal(jwkPrivate{Kty: jwkKty, Crv: jwkCrv, X: b64url(x), Y: b64url(y), D: b64url(priv.key.Bytes())})
}

// DHPrivateKeyFromJWK decodes a DH private key from JWK JSON.
func DHPrivateKeyFromJWK(data []byte) (*DHPrivateKey, error) {
	var raw jwkPrivate
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("signalcrypto: decode jwk: %w", err)
	}
	if raw.Kty != jwkKty || raw.Crv != jwkCrv {
		return nil, fmt.Errorf("signalcrypto: unsupported jwk kty/crv %q/%q", raw.Kty, raw.Crv)
	}
	d, err := decodeB64url(raw.D)
	if err != nil {
		return nil, fmt.Errorf("signalcrypto: decode jwk d: %w", err)
	}
	key, err := ecdhP256PrivateFromScalar(d)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// SigningPublicKeyToJWK encodes a signing public key as canonical JWK JSON.
func SigningPublicKeyToJWK(pub *SigningPublicKey) ([]byte, error) {
	x, y := xyFromSigningPublic(pub)
	return json.Marshal(jwkPublic{Kty: jwkKty, Crv: jwkCrv, X: b64url(x), Y: b64url(y)})
}

// SigningPublicKeyFromJWK validates and decodes a signing public key.
func SigningPublicKeyFromJWK(data []byte) (*SigningPublicKey, error) {
	jwk, err := parseECJWK(data)
	if err != nil {
		return nil, err
	}
	pubKey, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signalcrypto: jwk is not an EC public key")
	}
	return signingPublicFromXY(leftPad32(pubKey.X.Bytes()), leftPad32(pubKey.Y.Bytes()))
}

// SigningPrivateKeyToJWK encodes a signing private key as JWK JSON.
func SigningPrivateKeyToJWK(priv *SigningPrivateKey) ([]byte, error) {
	x, y := xyFromSigningPublic(priv.Public())
	return json.Marshal(jwkPrivate{Kty: jwkKty, Crv: jwkCrv, X: b64url(x), Y: b64url(y), D: b64url(leftPad32(priv.key.D.Bytes()))})
}

// SigningPrivateKeyFromJWK decodes a signing private key from JWK JSON.
func SigningPrivateKeyFromJWK(data []byte) (*SigningPrivateKey, error) {
	var raw jwkPrivate
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("signalcrypto: decode jwk: %w", err)
	}
	if raw.Kty != jwkKty || raw.Crv != jwkCrv {
		return nil, fmt.Errorf("signalcrypto: unsupported jwk kty/crv %q/%q", raw.Kty, raw.Crv)
	}
	pub, err := signingPublicFromXY(mustB64url(raw.X), mustB64url(raw.Y))
	if err != nil {
		return nil, err
	}
	d, err := decodeB64url(raw.D)
	if err != nil {
		return nil, fmt.Errorf("signalcrypto: decode jwk d: %w", err)
	}
	return &SigningPrivateKey{key: &ecdsa.PrivateKey{
		PublicKey: *pub.key,
		D:         bigFromBytes(d),
	}}, nil
}

// parseECJWK validates an incoming JWK via go-jose before we extract it.
func parseECJWK(data []byte) (*jose.JSONWebKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("signalcrypto: invalid jwk: %w", err)
	}
	if !jwk.Valid() {
		return nil, fmt.Errorf("signalcrypto: jwk failed validity check")
	}
	return &jwk, nil
}
