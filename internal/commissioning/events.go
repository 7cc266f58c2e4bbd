package commissioning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/campground-power/internal/gateway"
	"github.com/iliyamo/campground-power/internal/model"
)

// Event is the closed set of inputs to Transition.  Gateway events come
// from the stream through Decode; the remaining kinds are operator actions
// and internal timers raised by the Coordinator.
type Event interface {
	eventName() string
}

// Gateway stream events.
type (
	Connected           struct{}
	PairingStarted      struct{ BaseTopic string }
	DeviceJoined        struct{ IEEEAddress, FriendlyName string }
	InterviewStarted    struct{}
	InterviewSuccessful struct{ Model, Vendor string }
	InterviewFailed     struct{}
	PairingStopped      struct{}
	RenameResponse      struct {
		OK    bool
		Error string
	}
	RelayCommandSent  struct{ State model.RelayState }
	RelayTestComplete struct{ Success bool }
)

// Operator actions and internal timers.
type (
	Start struct {
		SessionID uint64
		Area      model.Area
		At        time.Time
		Window    time.Duration
	}
	Stop        struct{}
	SubmitLabel struct{ Label string }
	Remove      struct{}
	Retry       struct{}
	PairNext    struct{}
	// Expire fires when the join window of SessionID ends.
	Expire struct{ SessionID uint64 }
	// Clear fires a short while after a session succeeded.
	Clear struct{ SessionID uint64 }
	// Resynced carries the gateway's view after the stream reconnected.
	Resynced struct{ PairingActive bool }
)

func (Connected) eventName() string           { return "connected" }
func (PairingStarted) eventName() string      { return "pairing_started" }
func (DeviceJoined) eventName() string        { return "device_joined" }
func (InterviewStarted) eventName() string    { return "interview_started" }
func (InterviewSuccessful) eventName() string { return "interview_successful" }
func (InterviewFailed) eventName() string     { return "interview_failed" }
func (PairingStopped) eventName() string      { return "pairing_stopped" }
func (RenameResponse) eventName() string      { return "rename_response" }
func (RelayCommandSent) eventName() string    { return "relay_command_sent" }
func (RelayTestComplete) eventName() string   { return "relay_test_complete" }
func (Start) eventName() string               { return "start" }
func (Stop) eventName() string                { return "stop" }
func (SubmitLabel) eventName() string         { return "rename" }
func (Remove) eventName() string              { return "remove" }
func (Retry) eventName() string               { return "retry" }
func (PairNext) eventName() string            { return "pair_next" }
func (Expire) eventName() string              { return "expire" }
func (Clear) eventName() string               { return "clear" }
func (Resynced) eventName() string            { return "resync" }

// Inbound is a decoded stream event plus the metadata used by the stale
// event guard.  SessionID is zero when the gateway did not echo one.
type Inbound struct {
	Event      Event
	SessionID  uint64
	ReceivedAt time.Time
}

type wirePayload struct {
	SessionID    uint64 `json:"session_id"`
	BaseTopic    string `json:"baseTopic"`
	IEEEAddress  string `json:"ieee_address"`
	FriendlyName string `json:"friendly_name"`
	Model        string `json:"model"`
	Vendor       string `json:"vendor"`
	Status       string `json:"status"`
	Error        string `json:"error"`
	State        string `json:"state"`
	Success      *bool  `json:"success"`
}

// Decode maps a wire envelope onto the event union.
func Decode(env gateway.Envelope) (Inbound, error) {
	var p wirePayload
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Inbound{}, fmt.Errorf("decode %s: %w", env.Event, err)
		}
	}

	var ev Event
	switch env.Event {
	case "connected":
		ev = Connected{}
	case "pairing_started":
		ev = PairingStarted{BaseTopic: p.BaseTopic}
	case "device_joined":
		if p.IEEEAddress == "" {
			return Inbound{}, fmt.Errorf("decode device_joined: missing ieee_address")
		}
		ev = DeviceJoined{IEEEAddress: p.IEEEAddress, FriendlyName: p.FriendlyName}
	case "interview_started":
		ev = InterviewStarted{}
	case "interview_successful":
		ev = InterviewSuccessful{Model: p.Model, Vendor: p.Vendor}
	case "interview_failed":
		ev = InterviewFailed{}
	case "pairing_stopped":
		ev = PairingStopped{}
	case "rename_response":
		ev = RenameResponse{OK: strings.EqualFold(p.Status, "ok"), Error: p.Error}
	case "relay_command_sent":
		ev = RelayCommandSent{State: model.ParseRelayState(p.State)}
	case "relay_test_complete":
		if p.Success == nil {
			return Inbound{}, fmt.Errorf("decode relay_test_complete: missing success")
		}
		ev = RelayTestComplete{Success: *p.Success}
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return Inbound{Event: ev, SessionID: p.SessionID, ReceivedAt: env.ReceivedAt}, nil
}
