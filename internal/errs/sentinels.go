// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/reconcile layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., a second group for the same fence id).
	ErrAlreadyExists = errors.New("already exists")

	// ErrDecode indicates a malformed inbound command.
	ErrDecode = errors.New("decode")

	// ErrUnresolvableIdentity indicates that no local group matches a command.
	ErrUnresolvableIdentity = errors.New("unresolvable identity")

	// ErrMissingIdentity indicates a command that carries neither a fence id nor a canonical name.
	ErrMissingIdentity = errors.New("missing identity")

	// ErrDataIntegrity marks a local inconsistency that was detected (and repaired) in place.
	ErrDataIntegrity = errors.New("data integrity")

	// ErrRateLimited indicates an outbound request suppressed by the resync throttle.
	ErrRateLimited = errors.New("rate limited")
)
