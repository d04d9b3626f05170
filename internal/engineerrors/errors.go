// Package engineerrors defines the typed error-kind vocabulary the engine
// returns to its caller (the chat layer). Decrypt/encrypt failure is an
// ordinary value here, never a panic or an exception-style control flow.
package engineerrors

import "errors"

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", Err...) to attach
// context; callers identify the kind with errors.Is.
var (
	// ErrNotInitialized means identity has not been created yet; surfaced
	// by Encrypt/Decrypt before Initialize has run.
	ErrNotInitialized = errors.New("engine: identity not initialized")

	// ErrNoSession means Decrypt was given a non-X3DH envelope with no
	// cached or stored session for the conversation.
	ErrNoSession = errors.New("engine: no session for conversation")

	// ErrUndecryptable covers AEAD authentication failure, too-many-skipped
	// messages, and malformed envelopes. State is never mutated on this path.
	ErrUndecryptable = errors.New("engine: message undecryptable")

	// ErrBundleUnavailable means the directory has no identity or no
	// signed prekey for the remote user.
	ErrBundleUnavailable = errors.New("engine: remote prekey bundle unavailable")

	// ErrBundleInvalid means the signed prekey's signature failed to
	// verify. Security-relevant; callers should log this at warning level.
	ErrBundleInvalid = errors.New("engine: remote prekey bundle signature invalid")

	// ErrStorage wraps a local key-store failure.
	ErrStorage = errors.New("engine: storage failure")

	// ErrDirectory wraps a remote key-directory failure. Retries, if any,
	// are the caller's responsibility.
	ErrDirectory = errors.New("engine: directory failure")

	// ErrTooManySkipped means the sender skipped more than MAX_SKIP
	// messages within one receiving chain.
	ErrTooManySkipped = errors.New("engine: too many skipped messages")
)
