// Package merge defines the contract the collaboration core requires from
// the content-merge algorithm. The core never inspects update payloads; it
// only needs the guarantee that applying the same set of payloads to a
// document's state converges to the same result regardless of order or
// duplication (commutative, associative, idempotent).
package merge

import "errors"

// ErrBadPayload indicates an update payload that could not be decoded. The
// caller is expected to drop the update and keep the connection alive.
var ErrBadPayload = errors.New("update payload could not be decoded")

// State is the live merge state of one document. Implementations are not
// required to be safe for concurrent use; the owning session serializes all
// access.
type State interface {
	// Apply folds an update payload into the state. Applying the same
	// payload twice, or two payloads in either order, must yield the same
	// resulting state. A payload that fails to decode returns an error
	// (typically wrapping ErrBadPayload) and leaves the state unchanged.
	Apply(payload []byte) error

	// Encode produces a self-contained snapshot suitable for initializing a
	// late joiner via the codec's Decode.
	Encode() []byte
}

// Codec creates fresh states and revives them from encoded snapshots.
type Codec interface {
	New() State
	Decode(snapshot []byte) (State, error)
}
