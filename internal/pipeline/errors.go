package pipeline

import "errors"

var (
	// ErrNotFound is returned when a stream, tier, manifest version, or
	// segment index is unknown or has been evicted.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateSegment is returned when a segment index has already been
	// committed for a (stream, tier). It indicates an invariant violation in
	// the producing job and is never retried.
	ErrDuplicateSegment = errors.New("segment index already committed")

	// ErrSegmentGap is returned when a put would break index contiguity.
	ErrSegmentGap = errors.New("segment index not contiguous")

	// ErrManifestFinal is returned when publishing to a (stream, tier) whose
	// manifest has already been marked final.
	ErrManifestFinal = errors.New("manifest already final")

	// ErrProcessFailure marks an external transcoder failure: a non-zero
	// exit or a progress timeout. Retried with backoff by the scheduler.
	ErrProcessFailure = errors.New("transcode process failure")

	// ErrObservationLost is carried on the watcher's event channel when the
	// source root can no longer be observed. Fatal to pipeline progress
	// until observation is re-established.
	ErrObservationLost = errors.New("source observation lost")

	// ErrCapacityExceeded is recorded when the admission queue is full and a
	// new job cannot be queued. The stream stays admissible; a later event
	// for the same identity retriggers admission.
	ErrCapacityExceeded = errors.New("admission queue full")

	// ErrInvalidTransition is returned by the registry for a lifecycle
	// transition the state machine does not permit.
	ErrInvalidTransition = errors.New("invalid stream state transition")
)
