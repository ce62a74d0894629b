package crdt

import (
	"errors"
	"fmt"
)

// Common sentinel errors for easy comparison with errors.Is.
var (
	// ErrUnknownMemory is returned when an update or delete names a memory id
	// this replica has never seen. Remote merges never hit this: an incoming
	// ADD for an unknown id is always accepted.
	ErrUnknownMemory = errors.New("memory id not known to this replica")

	// ErrInvalidOperation is returned for operations that fail local
	// construction validation.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrAlreadyRunning is returned when Start is called on a store whose
	// sync loop is already running.
	ErrAlreadyRunning = errors.New("sync loop already running")
)

// DeliveryError reports a failed delivery to a single peer during broadcast
// fan-out. It is logged and counted per peer, and never surfaced from the
// mutation call that triggered the broadcast: local application has already
// succeeded by the time delivery is attempted.
type DeliveryError struct {
	PeerID string
	Cause  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to peer %q failed: %v", e.PeerID, e.Cause)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}
