package commissioning

import (
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/campground-power/internal/model"
)

// Effect is a side effect requested by Transition and carried out by the
// Coordinator.
type Effect interface {
	isEffect()
}

// GatewayOp names a control call on the pairing service.
type GatewayOp string

const (
	OpStart  GatewayOp = "start"
	OpStop   GatewayOp = "stop"
	OpRename GatewayOp = "rename"
	OpRemove GatewayOp = "remove"
)

// CallGateway asks the pairing service to act.  Required calls must succeed
// before the new state is committed; the others are best effort.
type CallGateway struct {
	Op          GatewayOp
	BaseTopic   string
	IEEEAddress string
	Name        string
	SessionID   uint64
	Force       bool
	Required    bool
}

// PersistDevice registers the commissioned device.
type PersistDevice struct{ Device model.Device }

// NotifyProgress publishes the session to operators.  Err is set for
// failures the operator must act on.
type NotifyProgress struct {
	Session model.PairingSession
	Err     error
}

// ScheduleExpiry arms the join window timer.
type ScheduleExpiry struct {
	SessionID uint64
	At        time.Time
}

// ScheduleClear arms the delayed reset after success.
type ScheduleClear struct{ SessionID uint64 }

func (CallGateway) isEffect()    {}
func (PersistDevice) isEffect()  {}
func (NotifyProgress) isEffect() {}
func (ScheduleExpiry) isEffect() {}
func (ScheduleClear) isEffect()  {}

const (
	msgWindowExpired  = "pairing window expired"
	msgGatewayStopped = "gateway left pairing mode"
	msgResyncExpired  = "pairing mode ended while the event stream was down"
	msgResyncGap      = "event stream reconnected; progress events may have been missed"
	msgRenameRejected = "rename rejected"
)

func idle(area model.Area) model.PairingSession {
	return model.PairingSession{Area: area, State: model.PairingIdle}
}

// Accept is the stale-event guard for gateway events.  An event is stale
// when no session is active, when it echoes another session's id, or when
// it was received before the current session started.
func Accept(s model.PairingSession, in Inbound) error {
	if _, ok := in.Event.(Connected); ok {
		return nil
	}
	if !s.Active() {
		return ErrStaleEvent
	}
	if in.SessionID != 0 && in.SessionID != s.ID {
		return ErrStaleEvent
	}
	if !in.ReceivedAt.IsZero() && in.ReceivedAt.Before(s.StartedAt) {
		return ErrStaleEvent
	}
	return nil
}

// Transition is the commissioning state machine.  It never performs I/O:
// the returned effects describe what the caller must do.  On error the
// session is returned unchanged.
func Transition(s model.PairingSession, ev Event) (model.PairingSession, []Effect, error) {
	if s.State == "" {
		s.State = model.PairingIdle
	}
	next := s
	invalid := func() (model.PairingSession, []Effect, error) {
		return s, nil, &InvalidTransitionError{State: s.State, Event: ev.eventName()}
	}
	progress := func(n model.PairingSession, err error) []Effect {
		return []Effect{NotifyProgress{Session: n, Err: err}}
	}

	switch e := ev.(type) {
	case Start:
		if s.Active() {
			return s, nil, &ConflictError{Area: s.Area.ID, SessionID: s.ID, State: s.State}
		}
		next = model.PairingSession{
			ID:          e.SessionID,
			Area:        e.Area,
			State:       model.PairingAwaitingJoin,
			StartedAt:   e.At,
			Deadline:    e.At.Add(e.Window),
			LastEventAt: e.At,
		}
		return next, []Effect{
			CallGateway{Op: OpStart, BaseTopic: e.Area.BaseTopic, SessionID: e.SessionID, Required: true},
			ScheduleExpiry{SessionID: e.SessionID, At: next.Deadline},
			NotifyProgress{Session: next},
		}, nil

	case Stop:
		next = idle(s.Area)
		return next, []Effect{
			CallGateway{Op: OpStop, BaseTopic: s.Area.BaseTopic},
			NotifyProgress{Session: next},
		}, nil

	case Expire:
		if s.ID != e.SessionID || s.State != model.PairingAwaitingJoin {
			return s, nil, ErrStaleEvent
		}
		next = idle(s.Area)
		next.LastError = msgWindowExpired
		return next, []Effect{
			CallGateway{Op: OpStop, BaseTopic: s.Area.BaseTopic},
			NotifyProgress{Session: next},
		}, nil

	case Clear:
		if s.ID != e.SessionID || s.State != model.PairingSucceeded {
			return s, nil, ErrStaleEvent
		}
		next = idle(s.Area)
		return next, progress(next, nil), nil

	case SubmitLabel:
		if s.State != model.PairingReadyToName {
			return invalid()
		}
		label := strings.TrimSpace(e.Label)
		if label == "" {
			return s, nil, ErrLabelRequired
		}
		next.PendingLabel = label
		next.LastError = ""
		return next, []Effect{
			CallGateway{Op: OpRename, BaseTopic: s.Area.BaseTopic, IEEEAddress: s.IEEEAddress, Name: label, Required: true},
			NotifyProgress{Session: next},
		}, nil

	case Remove:
		if s.State != model.PairingFailed {
			return invalid()
		}
		next = idle(s.Area)
		return next, []Effect{
			CallGateway{Op: OpRemove, BaseTopic: s.Area.BaseTopic, IEEEAddress: s.IEEEAddress, Force: true, Required: true},
			NotifyProgress{Session: next},
		}, nil

	case Retry:
		if s.State != model.PairingFailed {
			return invalid()
		}
		next = idle(s.Area)
		return next, progress(next, nil), nil

	case PairNext:
		if s.State != model.PairingSucceeded {
			return invalid()
		}
		next = idle(s.Area)
		return next, progress(next, nil), nil

	case Resynced:
		switch s.State {
		case model.PairingAwaitingJoin:
			if e.PairingActive {
				return s, nil, nil
			}
			next = idle(s.Area)
			next.LastError = msgResyncExpired
		case model.PairingDeviceJoined, model.PairingInterviewing, model.PairingTesting:
			next.LastError = msgResyncGap
		default:
			return s, nil, nil
		}
		return next, progress(next, nil), nil

	case Connected:
		return s, nil, nil

	case PairingStarted:
		if s.State != model.PairingAwaitingJoin {
			return s, nil, nil
		}
		return next, progress(next, nil), nil

	case DeviceJoined:
		if s.State != model.PairingAwaitingJoin {
			return invalid()
		}
		next.State = model.PairingDeviceJoined
		next.IEEEAddress = e.IEEEAddress
		next.FriendlyName = e.FriendlyName
		next.Deadline = time.Time{}
		return next, progress(next, nil), nil

	case InterviewStarted:
		if s.State != model.PairingDeviceJoined {
			return invalid()
		}
		next.State = model.PairingInterviewing
		return next, progress(next, nil), nil

	case InterviewSuccessful:
		if s.State != model.PairingInterviewing {
			return invalid()
		}
		next.State = model.PairingReadyToName
		next.Model = e.Model
		next.Vendor = e.Vendor
		return next, progress(next, nil), nil

	case InterviewFailed:
		if s.State != model.PairingInterviewing && s.State != model.PairingDeviceJoined {
			return invalid()
		}
		cerr := &CommissioningError{Stage: "interview", IEEEAddress: s.IEEEAddress}
		next.State = model.PairingFailed
		next.LastError = cerr.Error()
		return next, progress(next, cerr), nil

	case PairingStopped:
		if s.State != model.PairingAwaitingJoin {
			return s, nil, nil
		}
		next = idle(s.Area)
		next.LastError = msgGatewayStopped
		return next, progress(next, nil), nil

	case RenameResponse:
		if s.State != model.PairingReadyToName || s.PendingLabel == "" {
			return invalid()
		}
		if !e.OK {
			next.PendingLabel = ""
			next.LastError = e.Error
			if next.LastError == "" {
				next.LastError = msgRenameRejected
			}
			return next, progress(next, nil), nil
		}
		next.State = model.PairingTesting
		next.Label = s.PendingLabel
		next.PendingLabel = ""
		next.LastError = ""
		return next, progress(next, nil), nil

	case RelayCommandSent:
		if s.State != model.PairingTesting {
			return invalid()
		}
		next.RelayEvents = append(append([]model.RelayState(nil), s.RelayEvents...), e.State)
		return next, progress(next, nil), nil

	case RelayTestComplete:
		if s.State != model.PairingTesting {
			return invalid()
		}
		next.State = model.PairingSucceeded
		next.TestFailed = !e.Success
		effects := []Effect{PersistDevice{Device: deviceFrom(next)}}
		var cerr error
		if e.Success {
			effects = append(effects, ScheduleClear{SessionID: s.ID})
		} else {
			cerr = &CommissioningError{Stage: "relay test", IEEEAddress: s.IEEEAddress}
			next.LastError = cerr.Error()
		}
		return next, append(effects, NotifyProgress{Session: next, Err: cerr}), nil
	}
	return s, nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
}

func deviceFrom(s model.PairingSession) model.Device {
	relay := model.RelayUnknown
	if n := len(s.RelayEvents); n > 0 {
		relay = s.RelayEvents[n-1]
	}
	return model.Device{
		MeterNumber:     s.Label,
		IEEEAddress:     s.IEEEAddress,
		AreaID:          s.Area.ID,
		BaseTopic:       s.Area.BaseTopic,
		Model:           s.Model,
		Vendor:          s.Vendor,
		IsOnline:        true,
		RelayState:      relay,
		RelayTestFailed: s.TestFailed,
	}
}
