package participant

import "errors"

var (
	// ErrNotFound means no row matched a subject id expected to exist.
	ErrNotFound = errors.New("subject_id_not_found")
	// ErrDataIntegrity means more than one row matched a subject id expected to be unique.
	ErrDataIntegrity = errors.New("subject_id_not_unique")
	// ErrInvalidTrigger means a trigger payload could not be parsed or applied.
	ErrInvalidTrigger = errors.New("invalid trigger")
	// ErrStoreUnavailable wraps failures of the backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidState means an entry violates the assignment invariant and was not written.
	ErrInvalidState = errors.New("invalid participant state")
)
