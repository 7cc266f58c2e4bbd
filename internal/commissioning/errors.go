package commissioning

import (
	"errors"
	"fmt"

	"github.com/iliyamo/campground-power/internal/model"
)

var (
	// ErrStaleEvent marks an event that belongs to a superseded or
	// expired session.  It is dropped silently.
	ErrStaleEvent = errors.New("stale pairing event")
	// ErrUnknownEvent is returned by Decode for event names outside the
	// stream contract.
	ErrUnknownEvent = errors.New("unknown pairing event")
	// ErrInvalidTransition is matched by every InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid pairing transition")
	// ErrLabelRequired rejects an empty meter label.
	ErrLabelRequired = errors.New("label is required")
	// ErrUnknownArea is returned by the Manager for an area it does not know.
	ErrUnknownArea = errors.New("unknown area")
	// ErrBusy rejects an operation that needs the gateway while another
	// gateway call of the same area is still in flight.
	ErrBusy = errors.New("pairing operation in progress")
	// ErrSuperseded is returned when the session was stopped or replaced
	// while its gateway call was in flight.  The call's outcome is dropped.
	ErrSuperseded = errors.New("pairing session changed during gateway call")
	// ErrShutdown is returned after the coordinator has been shut down.
	ErrShutdown = errors.New("coordinator shut down")
)

// ConflictError rejects a start while the area already has an active
// session.  The existing session is left untouched.
type ConflictError struct {
	Area      string
	SessionID uint64
	State     model.PairingState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("area %s already has pairing session %d in state %s", e.Area, e.SessionID, e.State)
}

// InvalidTransitionError describes an event or operator action that the
// current state does not accept.
type InvalidTransitionError struct {
	State model.PairingState
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Event, e.State)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// CommissioningError is terminal for the current device attempt only: the
// operator may remove the device or retry.
type CommissioningError struct {
	Stage       string
	IEEEAddress string
}

func (e *CommissioningError) Error() string {
	if e.IEEEAddress == "" {
		return fmt.Sprintf("commissioning failed during %s", e.Stage)
	}
	return fmt.Sprintf("commissioning of %s failed during %s", e.IEEEAddress, e.Stage)
}
