package model

import "time"

// PairingState is a state of the commissioning state machine.
type PairingState string

const (
	PairingIdle         PairingState = "idle"
	PairingAwaitingJoin PairingState = "awaiting_join"
	PairingDeviceJoined PairingState = "device_joined"
	PairingInterviewing PairingState = "interviewing"
	PairingReadyToName  PairingState = "ready_to_name"
	PairingTesting      PairingState = "testing"
	PairingSucceeded    PairingState = "succeeded"
	PairingFailed       PairingState = "failed"
)

// Area is a group of meters behind one mesh gateway.
type Area struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BaseTopic string `json:"baseTopic"`
}

// PairingSession is the in-progress commissioning of one device in one
// area.  A zero ID means no session is active.
//
// Fields:
//
//	ID           – monotonic session identifier, unique per coordinator.
//	Area         – the area being commissioned.
//	State        – current state machine state.
//	IEEEAddress  – hardware address, known from device_joined onwards.
//	FriendlyName – name reported by the gateway on join.
//	Model/Vendor – interview metadata.
//	Label        – operator-chosen meter number, set once the gateway confirms the rename.
//	PendingLabel – label submitted but not yet confirmed.
//	RelayEvents  – relay commands observed during the test sequence.
//	TestFailed   – relay test finished without confirming the switch.
//	LastError    – last operator-visible error (rename rejected, gateway unreachable).
//	StartedAt    – when the operator started pairing.
//	Deadline     – join window end; zero once a device has joined.
//	LastEventAt  – time of the last accepted gateway event.
type PairingSession struct {
	ID           uint64       `json:"session_id"`
	Area         Area         `json:"area"`
	State        PairingState `json:"state"`
	IEEEAddress  string       `json:"ieee_address,omitempty"`
	FriendlyName string       `json:"friendly_name,omitempty"`
	Model        string       `json:"model,omitempty"`
	Vendor       string       `json:"vendor,omitempty"`
	Label        string       `json:"label,omitempty"`
	PendingLabel string       `json:"pending_label,omitempty"`
	RelayEvents  []RelayState `json:"relay_events,omitempty"`
	TestFailed   bool         `json:"test_failed,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	StartedAt    time.Time    `json:"started_at,omitempty"`
	Deadline     time.Time    `json:"deadline,omitempty"`
	LastEventAt  time.Time    `json:"last_event_at,omitempty"`
}

// Active reports whether the session occupies its area.
func (s PairingSession) Active() bool {
	return s.ID != 0 && s.State != PairingIdle
}
