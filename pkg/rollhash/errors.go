package rollhash

import "errors"

// Error classification codes.
//
// Implementations MAY wrap these errors with additional context.
// Callers MUST classify errors using errors.Is.
var (
	// ErrCapacity indicates a put that does not fit in the region, or a
	// key/value length beyond the packed maximum.
	ErrCapacity = errors.New("rollhash: capacity exceeded")

	// ErrInvalidHint indicates a chain hint that fails its precondition:
	// out of bounds, unaligned, or addressing a record with a different
	// key. Indicates a programming error in the caller.
	ErrInvalidHint = errors.New("rollhash: invalid hint")

	// ErrIncompatible indicates a frozen region whose offset width or
	// region size disagrees with the caller's parameters.
	ErrIncompatible = errors.New("rollhash: incompatible region")

	// ErrCorrupt indicates a frozen region whose ring offsets are out of
	// bounds. The region is not mutated.
	ErrCorrupt = errors.New("rollhash: corrupt region")

	// ErrBusy indicates another process holds the region's file lock.
	ErrBusy = errors.New("rollhash: busy")

	// ErrEmpty indicates ReclaimHead or RotateHead on an empty ring.
	ErrEmpty = errors.New("rollhash: empty ring")

	// ErrHeadLive indicates ReclaimHead on a head that is not dead.
	ErrHeadLive = errors.New("rollhash: ring head is live")

	// ErrHeadDead indicates RotateHead on a head that is dead.
	ErrHeadDead = errors.New("rollhash: ring head is dead")

	// ErrNotPrepared indicates Commit without a staged record.
	ErrNotPrepared = errors.New("rollhash: no prepared record")

	// ErrClosed indicates use of a mapped ring after Close.
	ErrClosed = errors.New("rollhash: closed")

	// ErrInvalidInput indicates invalid construction parameters.
	ErrInvalidInput = errors.New("rollhash: invalid input")
)
