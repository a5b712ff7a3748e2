package collab

import "errors"

// Protocol outcomes. Conflicts and stale history are ordinary parts of
// the protocol, not faults; only storage failures indicate an outage.
var (
	// ErrInvalidVersion marks a version outside the [0, current] range.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrInvalidStep marks a step batch that does not apply to the
	// current document. The whole batch is rejected.
	ErrInvalidStep = errors.New("step does not apply")

	// ErrInvalidEvent marks a malformed comment event.
	ErrInvalidEvent = errors.New("invalid comment event")

	// ErrVersionConflict marks a submit whose base version is stale. The
	// caller polls for the missed steps and resubmits; the server never
	// rebases.
	ErrVersionConflict = errors.New("version not current")

	// ErrHistoryGone marks a poll older than the retained history window.
	// The caller must discard local state and re-open.
	ErrHistoryGone = errors.New("history no longer available")

	// ErrSessionClosed marks an operation against a session that already
	// flushed its final save and left the registry. Callers resolve a
	// fresh session through the registry and retry.
	ErrSessionClosed = errors.New("session closed")
)
