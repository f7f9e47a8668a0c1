package core

import (
	"errors"

	errorsmod "cosmossdk.io/errors"
)

// ErrNotFound is returned when a requested object does not exist in storage.
var ErrNotFound = errors.New("not found")

// Codespace scopes every registered arcade error code.
const Codespace = "arcade"

// Rejection classes shared by the attester and the ledger. Callers wrap them
// with errorsmod.Wrap / Wrapf and match with errors.Is.
var (
	// SessionError
	ErrSessionNotFound = errorsmod.Register(Codespace, 2, "unknown session")
	ErrSessionExpired  = errorsmod.Register(Codespace, 3, "session expired")

	ErrIdentityMismatch = errorsmod.Register(Codespace, 4, "identity mismatch")
	ErrReplayMismatch   = errorsmod.Register(Codespace, 5, "replay mismatch")
	ErrCadence          = errorsmod.Register(Codespace, 6, "cadence rejected")
	ErrAttestation      = errorsmod.Register(Codespace, 7, "bad attestation signature")

	// RunStateError
	ErrRunExists    = errorsmod.Register(Codespace, 8, "run already exists")
	ErrRunFinalized = errorsmod.Register(Codespace, 9, "run already finalized")
	ErrEntryFee     = errorsmod.Register(Codespace, 10, "wrong entry payment")

	ErrUnknownRun     = errorsmod.Register(Codespace, 11, "unknown run")
	ErrInvalidRequest = errorsmod.Register(Codespace, 12, "invalid request")
	ErrRateLimited    = errorsmod.Register(Codespace, 13, "rate limit exceeded")
)

// IsRunStateError reports whether err is one of the run lifecycle rejections.
func IsRunStateError(err error) bool {
	return errors.Is(err, ErrRunExists) || errors.Is(err, ErrRunFinalized) || errors.Is(err, ErrEntryFee)
}

// IsSessionError reports whether err means the session is unknown or expired.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired)
}
