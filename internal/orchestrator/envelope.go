package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/jaydenbeard/e2ee-engine/internal/ratchet"
	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
)

// envelopeVersion is the only wire version this engine ever produces or
// accepts. Anything else is, by definition, not a protocol ciphertext.
const envelopeVersion = 2

type envelopeHeader struct {
	DH json.RawMessage `json:"dh"`
	PN uint32          `json:"pn"`
	N  uint32          `json:"n"`
}

type x3dhPreamble struct {
	IdentityKey     json.RawMessage `json:"identityKey"`
	EphemeralKey    json.RawMessage `json:"ephemeralKey"`
	OneTimePreKeyID *uint32         `json:"oneTimePreKeyId,omitempty"`
}

type envelope struct {
	V          int           `json:"v"`
	Header     envelopeHeader `json:"header"`
	Ciphertext string        `json:"ciphertext"`
	X3DH       *x3dhPreamble `json:"x3dh,omitempty"`
}

// IsSignalEnvelope is a pure predicate: true if s parses as JSON with
// v == 2 and both header and ciphertext fields present. It never returns
// an error - malformed input is simply "not an envelope".
func IsSignalEnvelope(s string) bool {
	var probe struct {
		V       *int             `json:"v"`
		Header  *json.RawMessage `json:"header"`
		Ciphertext *string       `json:"ciphertext"`
	}
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return false
	}
	return probe.V != nil && *probe.V == envelopeVersion && probe.Header != nil && probe.Ciphertext != nil
}

func encodeEnvelope(h ratchet.Header, ciphertext []byte, preamble *x3dhPreamble) (string, error) {
	dhJWK, err := signalcrypto.DHPublicKeyToJWK(h.DH)
	if err != nil {
		return "", fmt.Errorf("orchestrator: encode header dh: %w", err)
	}
	env := envelope{
		V: envelopeVersion,
		Header: envelopeHeader{
			DH: json.RawMessage(dhJWK),
			PN: h.PN,
			N:  h.N,
		},
		Ciphertext: signalcrypto.EncodeBase64(ciphertext),
		X3DH:       preamble,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("orchestrator: encode envelope: %w", err)
	}
	return string(raw), nil
}

func decodeEnvelope(s string) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("orchestrator: decode envelope: %w", err)
	}
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("orchestrator: unsupported envelope version %d", env.V)
	}
	return &env, nil
}

func (env *envelope) header() (ratchet.Header, error) {
	dh, err := signalcrypto.DHPublicKeyFromJWK(env.Header.DH)
	if err != nil {
		return ratchet.Header{}, fmt.Errorf("orchestrator: decode header dh: %w", err)
	}
	return ratchet.Header{DH: dh, PN: env.Header.PN, N: env.Header.N}, nil
}

func (env *envelope) ciphertextBytes() ([]byte, error) {
	return signalcrypto.DecodeBase64(env.Ciphertext)
}

func buildX3DHPreamble(identityPub *signalcrypto.DHPublicKey, ephemeralPub *signalcrypto.DHPublicKey, usedOTPKeyID *uint32) (*x3dhPreamble, error) {
	identityJWK, err := signalcrypto.DHPublicKeyToJWK(identityPub)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode x3dh identity key: %w", err)
	}
	ephemeralJWK, err := signalcrypto.DHPublicKeyToJWK(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode x3dh ephemeral key: %w", err)
	}
	return &x3dhPreamble{
		IdentityKey:     json.RawMessage(identityJWK),
		EphemeralKey:    json.RawMessage(ephemeralJWK),
		OneTimePreKeyID: usedOTPKeyID,
	}, nil
}

func (p *x3dhPreamble) identityKey() (*signalcrypto.DHPublicKey, error) {
	return signalcrypto.DHPublicKeyFromJWK(p.IdentityKey)
}

func (p *x3dhPreamble) ephemeralKey() (*signalcrypto.DHPublicKey, error) {
	return signalcrypto.DHPublicKeyFromJWK(p.EphemeralKey)
}
