// Package ratchet implements the Double Ratchet state machine: per-session
// sending/receiving chain keys, the root key, DH ratchet advances, and the
// bounded skipped-message-key cache. State is an owned mutable value with
// explicit methods, per the "class-like live ratchet" design note - no
// process-wide singleton, no exception-style control flow.
package ratchet

import (
	"fmt"

	"github.com/jaydenbeard/e2ee-engine/internal/engineerrors"
	"github.com/jaydenbeard/e2ee-engine/internal/signalcrypto"
)

// MaxSkip bounds the cumulative skip inside one receiving chain.
const MaxSkip = 256

const (
	infoRootChain = "signal-root-chain"
)

// Header is the per-message ratchet header: the sender's current DH public
// key, the sender's previous-chain length, and the message sequence number.
type Header struct {
	DH *signalcrypto.DHPublicKey
	PN uint32
	N  uint32
}

type skippedKey struct {
	dh string
	n  uint32
}

// State is one session's live Double Ratchet state.
type State struct {
	dhs *signalcrypto.DHPrivateKey
	dhr *signalcrypto.DHPublicKey // nil if absent

	rk  [32]byte
	cks *[32]byte // nil if sending chain not yet initialized
	ckr *[32]byte // nil if receiving chain not yet initialized

	ns, nr, pn uint32

	skipped map[skippedKey][32]byte
}

// NewInitiator builds the Alice-initial state immediately after X3DH: it
// advances one DH step against the remote's signed prekey so the sending
// chain is ready before the first Encrypt call.
func NewInitiator(sharedSecret [32]byte, remoteSignedPrekey *signalcrypto.DHPublicKey) (*State, error) {
	s := &State{rk: sharedSecret, dhr: remoteSignedPrekey, skipped: map[skippedKey][32]byte{}}

	dhs, err := signalcrypto.GenerateDHKeyPair()
	if err != nil {
		return nil, fmt.Errorf("ratchet: generate initial dhs: %w", err)
	}
	s.dhs = dhs

	dhOut, err := signalcrypto.DH(s.dhs, s.dhr)
	if err != nil {
		return nil, fmt.Errorf("ratchet: initial dh: %w", err)
	}
	rk, ck, err := kdfRK(s.rk, dhOut)
	if err != nil {
		return nil, err
	}
	s.rk = rk
	s.cks = &ck
	return s, nil
}

// NewResponder builds the Bob-initial state: no sending or receiving chain
// yet, both are installed by the first DH ratchet step triggered by Alice's
// first inbound message.
func NewResponder(sharedSecret [32]byte, localSignedPrekey *signalcrypto.DHPrivateKey) *State {
	return &State{rk: sharedSecret, dhs: localSignedPrekey, skipped: map[skippedKey][32]byte{}}
}

// Encrypt advances the sending chain by one message and returns the header
// and ciphertext to send. Fails with ErrNotInitialized if no sending chain
// exists yet (Bob before any DH step).
func (s *State) Encrypt(plaintext []byte) (Header, []byte, error) {
	if s.cks == nil {
		return Header{}, nil, engineerrors.ErrNotInitialized
	}

	ckNext, mk := kdfCK(*s.cks)

	ciphertext, err := signalcrypto.AEADEncrypt(mk, plaintext)
	if err != nil {
		return Header{}, nil, fmt.Errorf("ratchet: encrypt: %w", err)
	}

	header := Header{DH: s.dhs.Public(), PN: s.pn, N: s.ns}
	s.ns++
	s.cks = &ckNext

	return header, ciphertext, nil
}

// stateFields snapshots the scalar/pointer fields a DH ratchet step
// mutates, so Decrypt can undo the step in full when a failure after the
// step means the message is rejected outright (not merely authentication
// failure on an otherwise-accepted header).
type stateFields struct {
	dhs        *signalcrypto.DHPrivateKey
	dhr        *signalcrypto.DHPublicKey
	rk         [32]byte
	cks, ckr   *[32]byte
	ns, nr, pn uint32
}

func (s *State) snapshotFields() stateFields {
	return stateFields{dhs: s.dhs, dhr: s.dhr, rk: s.rk, cks: s.cks, ckr: s.ckr, ns: s.ns, nr: s.nr, pn: s.pn}
}

func (s *State) restoreFields(f stateFields, removeSkipped []skippedKey) {
	s.dhs = f.dhs
	s.dhr = f.dhr
	s.rk = f.rk
	s.cks = f.cks
	s.ckr = f.ckr
	s.ns = f.ns
	s.nr = f.nr
	s.pn = f.pn
	for _, k := range removeSkipped {
		delete(s.skipped, k)
	}
}

// Decrypt processes an inbound header and ciphertext. Two failure modes
// are distinguished, matching Signal's own distinction between a header
// that is simply too far ahead and one that authenticates:
//
//   - ErrTooManySkipped: the header asks the receiving chain to skip
//     further than MaxSkip allows. Rejected before any DH ratchet step or
//     chain advance is allowed to stick - local state is left exactly as
//     it was before this call, including undoing the DH ratchet step the
//     header's new DH key would otherwise have triggered.
//   - AEAD authentication failure: the header was accepted (DH ratchet
//     step, if any, already committed - the header's DH key is authentic
//     even though the ciphertext under it is not), but the receiving
//     counter and skipped cache entries created for *this* message are
//     rolled back so a retry with the correct ciphertext still succeeds.
func (s *State) Decrypt(h Header, ciphertext []byte) ([]byte, error) {
	if mk, ok := s.popSkipped(h.DH, h.N); ok {
		plaintext, err := signalcrypto.AEADDecrypt(mk, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", engineerrors.ErrUndecryptable, err)
		}
		return plaintext, nil
	}

	ratcheted := s.dhr == nil || !s.dhr.Equal(h.DH)
	var before stateFields
	var preRatchetAdded []skippedKey
	if ratcheted {
		before = s.snapshotFields()
		if s.ckr != nil {
			added, err := s.skipMessageKeys(s.dhr, h.PN)
			if err != nil {
				return nil, err
			}
			preRatchetAdded = added
		}
		if err := s.dhRatchetStep(h.DH); err != nil {
			s.restoreFields(before, preRatchetAdded)
			return nil, fmt.Errorf("%w: %v", engineerrors.ErrUndecryptable, err)
		}
	}

	nrBefore := s.nr
	added, err := s.skipMessageKeys(s.dhr, h.N)
	if err != nil {
		if ratcheted {
			s.restoreFields(before, preRatchetAdded)
		}
		return nil, err
	}

	ckNext, mk := kdfCK(*s.ckr)

	plaintext, err := signalcrypto.AEADDecrypt(mk, ciphertext)
	if err != nil {
		for _, k := range added {
			delete(s.skipped, k)
		}
		s.nr = nrBefore
		return nil, fmt.Errorf("%w: %v", engineerrors.ErrUndecryptable, err)
	}

	s.ckr = &ckNext
	s.nr++
	return plaintext, nil
}

// dhRatchetStep installs a new remote DH public key, resets the counters,
// derives the new receiving chain from the old DHs, then generates a fresh
// DHs and derives the new sending chain - exactly two KDF_RK applications.
func (s *State) dhRatchetStep(remoteDH *signalcrypto.DHPublicKey) error {
	s.pn = s.ns
	s.ns = 0
	s.nr = 0
	s.dhr = remoteDH

	dhOut1, err := signalcrypto.DH(s.dhs, s.dhr)
	if err != nil {
		return fmt.Errorf("ratchet: dh step 1: %w", err)
	}
	rk1, ckr, err := kdfRK(s.rk, dhOut1)
	if err != nil {
		return err
	}
	s.rk = rk1
	s.ckr = &ckr

	newDHs, err := signalcrypto.GenerateDHKeyPair()
	if err != nil {
		return fmt.Errorf("ratchet: generate new dhs: %w", err)
	}
	s.dhs = newDHs

	dhOut2, err := signalcrypto.DH(s.dhs, s.dhr)
	if err != nil {
		return fmt.Errorf("ratchet: dh step 2: %w", err)
	}
	rk2, cks, err := kdfRK(s.rk, dhOut2)
	if err != nil {
		return err
	}
	s.rk = rk2
	s.cks = &cks

	return nil
}

// skipMessageKeys advances the receiving chain from its current position up
// to (not including) until, caching each derived message key. Returns the
// set of cache keys it added so the caller can roll them back. Fails with
// ErrTooManySkipped (no mutation) if the requested skip exceeds MaxSkip.
func (s *State) skipMessageKeys(remote *signalcrypto.DHPublicKey, until uint32) ([]skippedKey, error) {
	if s.ckr == nil {
		return nil, nil
	}
	if until > s.nr && until-s.nr > MaxSkip {
		return nil, fmt.Errorf("%w: %w", engineerrors.ErrUndecryptable, engineerrors.ErrTooManySkipped)
	}

	var added []skippedKey
	remoteBytes := string(remote.Bytes())
	for s.nr < until {
		ckNext, mk := kdfCK(*s.ckr)
		key := skippedKey{dh: remoteBytes, n: s.nr}
		s.skipped[key] = mk
		added = append(added, key)
		s.ckr = &ckNext
		s.nr++
	}
	return added, nil
}

func (s *State) popSkipped(dh *signalcrypto.DHPublicKey, n uint32) ([32]byte, bool) {
	key := skippedKey{dh: string(dh.Bytes()), n: n}
	mk, ok := s.skipped[key]
	if ok {
		delete(s.skipped, key)
	}
	return mk, ok
}

// SkippedCount reports the current size of the skipped-message-key cache.
func (s *State) SkippedCount() int { return len(s.skipped) }

// kdfRK derives a new root key and chain key from the current root key and
// a DH output: HKDF(ikm=dh_out, salt=rk, info="signal-root-chain", len=64).
func kdfRK(rk [32]byte, dhOut []byte) (newRK [32]byte, ck [32]byte, err error) {
	out, err := signalcrypto.HKDF(dhOut, rk[:], infoRootChain, 64)
	if err != nil {
		return newRK, ck, fmt.Errorf("ratchet: kdf_rk: %w", err)
	}
	copy(newRK[:], out[:32])
	copy(ck[:], out[32:64])
	return newRK, ck, nil
}

// kdfCK advances a chain key, returning the next chain key and the message
// key for the current step.
func kdfCK(ck [32]byte) (nextCK [32]byte, mk [32]byte) {
	mkBytes := signalcrypto.HMACSHA256(ck[:], []byte{0x01})
	nextBytes := signalcrypto.HMACSHA256(ck[:], []byte{0x02})
	copy(mk[:], mkBytes)
	copy(nextCK[:], nextBytes)
	return nextCK, mk
}
