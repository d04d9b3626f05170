package ratchet

import (
	"encoding/json"
	"fmt"

	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
)

// snapshot is the durable JSON form of a live State, written back to the
// key store after every Encrypt and every successful Decrypt.
type snapshot struct {
	DHs     json.RawMessage  `json:"dhs"`
	DHr     *json.RawMessage `json:"dhr,omitempty"`
	RK      string           `json:"rk"`
	CKs     *string          `json:"cks,omitempty"`
	CKr     *string          `json:"ckr,omitempty"`
	Ns      uint32           `json:"ns"`
	Nr      uint32           `json:"nr"`
	PN      uint32           `json:"pn"`
	Skipped []skippedEntry   `json:"skipped,omitempty"`
}

type skippedEntry struct {
	DH string `json:"dh"`
	N  uint32 `json:"n"`
	MK string `json:"mk"`
}

// Serialize snapshots the full state, including the skipped-key cache and
// the current DH key pairs, as JSON.
func (s *State) Serialize() ([]byte, error) {
	dhsJWK, err := signalcrypto.DHPrivateKeyToJWK(s.dhs)
	if err != nil {
		return nil, fmt.Errorf("ratchet: serialize dhs: %w", err)
	}

	snap := snapshot{
		DHs: json.RawMessage(dhsJWK),
		RK:  signalcrypto.EncodeBase64(s.rk[:]),
		Ns:  s.ns,
		Nr:  s.nr,
		PN:  s.pn,
	}

	if s.dhr != nil {
		dhrJWK, err := signalcrypto.DHPublicKeyToJWK(s.dhr)
		if err != nil {
			return nil, fmt.Errorf("ratchet: serialize dhr: %w", err)
		}
		raw := json.RawMessage(dhrJWK)
		snap.DHr = &raw
	}
	if s.cks != nil {
		v := signalcrypto.EncodeBase64(s.cks[:])
		snap.CKs = &v
	}
	if s.ckr != nil {
		v := signalcrypto.EncodeBase64(s.ckr[:])
		snap.CKr = &v
	}

	for k, mk := range s.skipped {
		snap.Skipped = append(snap.Skipped, skippedEntry{
			DH: signalcrypto.EncodeBase64([]byte(k.dh)),
			N:  k.n,
			MK: signalcrypto.EncodeBase64(mk[:]),
		})
	}

	return json.Marshal(snap)
}

// Deserialize re-imports a snapshot produced by Serialize, re-importing all
// key material through the primitives facade. The returned state behaves
// identically to the original on every subsequent Encrypt/Decrypt call.
func Deserialize(data []byte) (*State, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("ratchet: deserialize: %w", err)
	}

	dhs, err := signalcrypto.DHPrivateKeyFromJWK(snap.DHs)
	if err != nil {
		return nil, fmt.Errorf("ratchet: deserialize dhs: %w", err)
	}

	s := &State{
		dhs:     dhs,
		ns:      snap.Ns,
		nr:      snap.Nr,
		pn:      snap.PN,
		skipped: map[skippedKey][32]byte{},
	}

	rk, err := signalcrypto.DecodeBase64(snap.RK)
	if err != nil {
		return nil, fmt.Errorf("ratchet: deserialize rk: %w", err)
	}
	copy(s.rk[:], rk)

	if snap.DHr != nil {
		dhr, err := signalcrypto.DHPublicKeyFromJWK(*snap.DHr)
		if err != nil {
			return nil, fmt.Errorf("ratchet: deserialize dhr: %w", err)
		}
		s.dhr = dhr
	}
	if snap.CKs != nil {
		b, err := signalcrypto.DecodeBase64(*snap.CKs)
		if err != nil {
			return nil, fmt.Errorf("ratchet: deserialize cks: %w", err)
		}
		var ck [32]byte
		copy(ck[:], b)
		s.cks = &ck
	}
	if snap.CKr != nil {
		b, err := signalcrypto.DecodeBase64(*snap.CKr)
		if err != nil {
			return nil, fmt.Errorf("ratchet: deserialize ckr: %w", err)
		}
		var ck [32]byte
		copy(ck[:], b)
		s.ckr = &ck
	}

	for _, entry := range snap.Skipped {
		dhBytes, err := signalcrypto.DecodeBase64(entry.DH)
		if err != nil {
			return nil, fmt.Errorf("ratchet: deserialize skipped dh: %w", err)
		}
		mkBytes, err := signalcrypto.DecodeBase64(entry.MK)
		if err != nil {
			return nil, fmt.Errorf("ratchet: deserialize skipped mk: %w", err)
		}
		var mk [32]byte
		copy(mk[:], mkBytes)
		s.skipped[skippedKey{dh: string(dhBytes), n: entry.N}] = mk
	}

	return s, nil
}
