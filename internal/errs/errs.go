// Package errs holds the sentinel error values for the system's error
// taxonomy. Transient errors are swallowed by their caller; these values
// only ever surface at the specific boundaries they're meant for.
package errs

import "errors"

var (
	// ErrTransientNetwork marks a dropped packet or an offline peer. Never
	// propagated past internal/network or internal/syncengine.
	ErrTransientNetwork = errors.New("syncmesh: transient network failure")

	// ErrDecodeFailure marks an AEAD auth tag failure, corrupt
	// serialization, or bad signature on an inbound event or summary.
	ErrDecodeFailure = errors.New("syncmesh: decode failure")

	// ErrUnknownAuthor marks an event whose author key cannot be resolved.
	ErrUnknownAuthor = errors.New("syncmesh: unknown author")

	// ErrUntrustedAuthor marks an event from a known but untrusted author.
	ErrUntrustedAuthor = errors.New("syncmesh: untrusted author")

	// ErrStoreIO marks a backing-storage write failure. Propagated to the
	// caller of Device.Author; insertions originating from sync are
	// retried on the next tick instead.
	ErrStoreIO = errors.New("syncmesh: store I/O failure")

	// ErrResourceExhaustion marks an MTU violation or a subscriber queue
	// overflow.
	ErrResourceExhaustion = errors.New("syncmesh: resource exhaustion")

	// ErrNotInitialized marks a device facade opened without a Store or Net,
	// or used before Open.
	ErrNotInitialized = errors.New("syncmesh: device not initialized")

	// ErrOutOfRange marks an authored_ts outside the acceptable window
	// (future-dated or more than a year old).
	ErrOutOfRange = errors.New("syncmesh: authored_ts out of range")

	// ErrTooManySubscribers marks Device.Subscribe called past the
	// implementation's subscriber limit.
	ErrTooManySubscribers = errors.New("syncmesh: too many subscribers")
)

// Tombstone marks a local invariant violation (duplicate arrival_seq, id
// mismatch) that release builds log-and-continue on instead of panicking.
// Debug builds should still panic; see internal/errs.Panic.
type Tombstone struct {
	Op  string
	Err error
}

func (t *Tombstone) Error() string {
	return "syncmesh: tombstoned invariant violation in " + t.Op + ": " + t.Err.Error()
}

func (t *Tombstone) Unwrap() error { return t.Err }
