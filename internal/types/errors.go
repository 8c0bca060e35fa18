package types

import "errors"

var (
	// ErrNotFound reports an unknown record, space, identity or invitation.
	// Delete never returns it.
	ErrNotFound = errors.New("not found")

	// ErrForbidden reports a non-admin attempting an admin-only operation.
	ErrForbidden = errors.New("forbidden")

	// ErrKeyUnavailable reports an epoch key the local replica does not hold.
	ErrKeyUnavailable = errors.New("epoch key unavailable")

	// ErrUnauthorized reports a revoked, expired or missing sync capability.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict reports a state transition that lost a race, such as
	// publishing an epoch that is not current+1.
	ErrConflict = errors.New("conflict")

	// ErrStaleEpoch reports a push encrypted under an epoch older than the
	// space's current epoch.
	ErrStaleEpoch = errors.New("stale epoch")

	// ErrInvalid reports a malformed request.
	ErrInvalid = errors.New("invalid request")

	// ErrTimeout reports a network call that exceeded its deadline.
	// It is retryable: dirty state is retained.
	ErrTimeout = errors.New("timeout")
)
