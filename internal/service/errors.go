package service

import "errors"

// Sentinel errors returned across the service layer. Handlers map these
// onto HTTP statuses; everything else surfaces as an internal error.
var (
	ErrUnauthenticated    = errors.New("authentication required")
	ErrUnverified         = errors.New("verification failed")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionRevoked     = errors.New("session revoked")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrLastTrustedDevice  = errors.New("cannot remove the last trusted device")
	ErrChallengeNotFound  = errors.New("no outstanding challenge")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrChallengeExhausted = errors.New("challenge attempts exhausted")
	ErrMethodUnavailable  = errors.New("second-factor method unavailable")
	ErrGrantInvalid       = errors.New("recovery grant invalid")
	ErrGrantExpired       = errors.New("recovery grant expired")
	ErrSameAsOld          = errors.New("new credential matches the old one")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrConflict           = errors.New("concurrent modification, retry")
	ErrWeakCredential     = errors.New("credential does not meet requirements")
)
