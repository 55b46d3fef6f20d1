package activitypub

import "errors"

// Error taxonomy of the federation boundary. Handlers map these onto
// HTTP statuses; everything else is an internal error.
var (
	// ErrAuthentication covers missing, expired or cryptographically
	// invalid HTTP signatures, including digest mismatches.
	ErrAuthentication = errors.New("http signature verification failed")

	// ErrMalformed covers unparseable or schema-invalid payloads.
	ErrMalformed = errors.New("malformed activity payload")

	// ErrUnknownActor means the signing actor could not be resolved,
	// possibly after a failed discovery fetch.
	ErrUnknownActor = errors.New("actor could not be resolved")

	// ErrForbidden means the request authenticated as one actor but the
	// payload claims another.
	ErrForbidden = errors.New("activity actor does not match signer")

	// ErrNotFound covers unknown local nicknames, objects and collections.
	ErrNotFound = errors.New("not found")

	// ErrGone marks tombstoned accounts and objects (HTTP 410 semantics).
	ErrGone = errors.New("gone")

	// ErrFetch is a transient network failure talking to a remote
	// server; retryable by the caller.
	ErrFetch = errors.New("remote fetch failed")

	// ErrDuplicate marks an activity id that was already delivered.
	// Swallowed and acknowledged, never surfaced to the remote caller.
	ErrDuplicate = errors.New("duplicate activity")
)
